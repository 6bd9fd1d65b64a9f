package model

// ItemType distinguishes section headers from regular segments.
type ItemType string

const (
	ItemHeader  ItemType = "header"
	ItemRegular ItemType = "regular"
)

// Item is one row of a rundown.  Headers are lettered (A, B, ...) and
// regular items are numbered (1, 2, ...); see rundown.Renumber.  StartTime,
// EndTime and ElapsedTime are derived from the durations of the preceding
// non-floating items and are never authoritative.
type Item struct {
	ID           string            `json:"id"`
	Type         ItemType          `json:"type"`
	RowNumber    string            `json:"rowNumber"`
	Name         string            `json:"name"`
	Duration     string            `json:"duration"`
	StartTime    string            `json:"startTime"`
	EndTime      string            `json:"endTime"`
	ElapsedTime  string            `json:"elapsedTime"`
	Talent       string            `json:"talent"`
	Script       string            `json:"script"`
	Gfx          string            `json:"gfx"`
	Video        string            `json:"video"`
	Notes        string            `json:"notes"`
	Color        string            `json:"color"`
	IsFloating   bool              `json:"isFloating"`
	SortOrder    string            `json:"sortOrder"`
	CustomFields map[string]string `json:"customFields"`
}

// IsHeader reports whether the item is a section header.
func (it Item) IsHeader() bool { return it.Type == ItemHeader }

// Clone copies the item including its custom field map.
func (it Item) Clone() Item {
	out := it
	out.CustomFields = make(map[string]string, len(it.CustomFields))
	for k, v := range it.CustomFields {
		out.CustomFields[k] = v
	}
	return out
}
