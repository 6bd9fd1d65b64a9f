package rundown

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/iliyamo/rundown-sync/internal/model"
)

// Editable item fields.
const (
	FieldName       = "name"
	FieldDuration   = "duration"
	FieldTalent     = "talent"
	FieldScript     = "script"
	FieldGfx        = "gfx"
	FieldVideo      = "video"
	FieldNotes      = "notes"
	FieldColor      = "color"
	FieldIsFloating = "isFloating"

	customPrefix = "customFields."
)

var customKeyRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CellEdit replaces one field of one item.
type CellEdit struct {
	ItemID string
	Field  string
	Value  json.RawMessage
}

// ApplyCellEdit returns a copy of items in which only the element matching
// e.ItemID has been replaced.  Every other element is copied unchanged so
// callers comparing elements see no difference outside the edited row.
func ApplyCellEdit(items []model.Item, e CellEdit) ([]model.Item, error) {
	idx := -1
	for i := range items {
		if items[i].ID == e.ItemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, e.ItemID)
	}
	updated, err := setItemField(items[idx], e.Field, e.Value)
	if err != nil {
		return nil, err
	}
	out := make([]model.Item, len(items))
	copy(out, items)
	out[idx] = updated
	return out, nil
}

func setItemField(it model.Item, field string, value json.RawMessage) (model.Item, error) {
	if field == FieldIsFloating {
		b, err := decodeBool(value)
		if err != nil {
			return it, err
		}
		it.IsFloating = b
		return it, nil
	}
	s, err := decodeString(value)
	if err != nil {
		return it, err
	}
	switch field {
	case FieldName:
		it.Name = s
	case FieldDuration:
		it.Duration = s
	case FieldTalent:
		it.Talent = s
	case FieldScript:
		it.Script = s
	case FieldGfx:
		it.Gfx = s
	case FieldVideo:
		it.Video = s
	case FieldNotes:
		it.Notes = s
	case FieldColor:
		it.Color = s
	default:
		key, ok := customKey(field)
		if !ok {
			return it, fmt.Errorf("%w: %q", ErrUnknownField, field)
		}
		it = it.Clone()
		it.CustomFields[key] = s
	}
	return it, nil
}

func customKey(field string) (string, bool) {
	if !strings.HasPrefix(field, customPrefix) {
		return "", false
	}
	key := strings.TrimPrefix(field, customPrefix)
	return key, customKeyRe.MatchString(key)
}

// ItemFieldPath returns the JSON path of field relative to an item object,
// e.g. ".name" or `.customFields."cam-1"`.  custom reports whether the
// field lives inside the customFields object.
func ItemFieldPath(field string) (path string, custom bool, err error) {
	switch field {
	case FieldName, FieldDuration, FieldTalent, FieldScript, FieldGfx,
		FieldVideo, FieldNotes, FieldColor, FieldIsFloating:
		return "." + field, false, nil
	}
	key, ok := customKey(field)
	if !ok {
		return "", false, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return `.customFields."` + key + `"`, true, nil
}

// ApplyDocumentField sets one document-level field and returns a shallow
// copy of r.  The item slice is shared with r.
func ApplyDocumentField(r *model.Rundown, field string, value json.RawMessage) (*model.Rundown, error) {
	s, err := decodeString(value)
	if err != nil {
		return nil, err
	}
	out := *r
	switch field {
	case model.FieldTitle:
		out.Title = s
	case model.FieldStartTime:
		if out.StartTime, err = normalizeStartTime(s); err != nil {
			return nil, err
		}
	case model.FieldTimezone:
		if s != "" {
			if _, err := time.LoadLocation(s); err != nil {
				return nil, fmt.Errorf("%w: timezone %q", ErrInvalidValue, s)
			}
		}
		out.Timezone = s
	case model.FieldShowDate:
		if out.ShowDate, err = NormalizeShowDate(s); err != nil {
			return nil, err
		}
	case model.FieldNotes:
		out.Notes = s
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return &out, nil
}

// ApplyFieldUpdate applies a cell or document edit and records u.Timestamp
// as the field's last-write time.  r is not modified.
func ApplyFieldUpdate(r *model.Rundown, u model.FieldUpdate) (*model.Rundown, error) {
	var out *model.Rundown
	if u.ItemID == "" {
		next, err := ApplyDocumentField(r, u.Field, u.Value)
		if err != nil {
			return nil, err
		}
		out = next
	} else {
		items, err := ApplyCellEdit(r.Items, CellEdit{ItemID: u.ItemID, Field: u.Field, Value: u.Value})
		if err != nil {
			return nil, err
		}
		next := *r
		next.Items = items
		out = &next
	}
	stamps := make(map[string]int64, len(r.FieldUpdatedAt)+1)
	for k, v := range r.FieldUpdatedAt {
		stamps[k] = v
	}
	stamps[u.Key()] = u.Timestamp
	out.FieldUpdatedAt = stamps
	return out, nil
}

// NormalizeUpdate validates u without a document and returns it with a
// canonical value: compacted JSON, show dates as YYYY-MM-DD and start times
// as HH:MM:SS.  Item existence is checked by the caller.
func NormalizeUpdate(u model.FieldUpdate) (model.FieldUpdate, error) {
	if u.ItemID != "" {
		if _, _, err := ItemFieldPath(u.Field); err != nil {
			return u, err
		}
		if _, err := setItemField(model.Item{CustomFields: map[string]string{}}, u.Field, u.Value); err != nil {
			return u, err
		}
		if len(u.Value) == 0 {
			u.Value = json.RawMessage("null")
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, u.Value); err != nil {
			return u, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		if buf.String() == "null" {
			buf.Reset()
			if u.Field == FieldIsFloating {
				buf.WriteString("false")
			} else {
				buf.WriteString(`""`)
			}
		}
		u.Value = buf.Bytes()
		return u, nil
	}
	next, err := ApplyDocumentField(&model.Rundown{}, u.Field, u.Value)
	if err != nil {
		return u, err
	}
	var s string
	switch u.Field {
	case model.FieldTitle:
		s = next.Title
	case model.FieldStartTime:
		s = next.StartTime
	case model.FieldTimezone:
		s = next.Timezone
	case model.FieldShowDate:
		s = next.ShowDate
	case model.FieldNotes:
		s = next.Notes
	}
	u.Value, _ = json.Marshal(s)
	return u, nil
}

var showDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"01/02/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2006/01/02",
}

// NormalizeShowDate converts a show date in any accepted layout to
// YYYY-MM-DD.  An empty string stays empty.
func NormalizeShowDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	for _, layout := range showDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidShowDate, s)
}

func normalizeStartTime(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	secs, ok := ParseClock(s, true)
	if !ok || secs >= 24*3600 {
		return "", fmt.Errorf("%w: start time %q", ErrInvalidValue, s)
	}
	return FormatClock(secs, false), nil
}

func decodeString(value json.RawMessage) (string, error) {
	if len(value) == 0 || string(value) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return "", fmt.Errorf("%w: expected string", ErrInvalidValue)
	}
	return s, nil
}

func decodeBool(value json.RawMessage) (bool, error) {
	if len(value) == 0 || string(value) == "null" {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(value, &b); err != nil {
		return false, fmt.Errorf("%w: expected boolean", ErrInvalidValue)
	}
	return b, nil
}
