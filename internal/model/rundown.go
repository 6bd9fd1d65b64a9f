package model

import "time"

// Rundown is the unit of collaboration: an ordered list of items plus
// show-level metadata.  It corresponds to a row in the `rundowns` table,
// where Items, LockedRowNumbers and FieldUpdatedAt are JSON columns.
//
// Fields:
//  ID               – primary key (uuid).
//  OwnerID          – user that created the rundown.
//  Title            – show title.
//  StartTime        – show start time of day ("HH:MM:SS").
//  Timezone         – IANA timezone name used to display StartTime.
//  ShowDate         – air date, always "YYYY-MM-DD" once stored.
//  Notes            – free-text notes.
//  Items            – ordered rows of the rundown.
//  DocVersion       – bumped by exactly one on every structural mutation.
//  NumberingLocked  – when true, LockedRowNumbers pins regular row labels.
//  LockedRowNumbers – item id → pinned row label.
//  FieldUpdatedAt   – FieldKey → unix millis of the last write to that field.
//  UpdatedAt        – last write of any kind.
//  UpdatedBy        – user id of the last writer.
//  Revision         – bumped by every write; compare-and-swap guard, never sent to clients.
type Rundown struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"ownerId"`
	Title            string            `json:"title"`
	StartTime        string            `json:"startTime"`
	Timezone         string            `json:"timezone"`
	ShowDate         string            `json:"showDate"`
	Notes            string            `json:"notes"`
	Items            []Item            `json:"items"`
	DocVersion       int64             `json:"docVersion"`
	NumberingLocked  bool              `json:"numberingLocked"`
	LockedRowNumbers map[string]string `json:"lockedRowNumbers"`
	FieldUpdatedAt   map[string]int64  `json:"fieldUpdatedAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	UpdatedBy        string            `json:"updatedBy"`
	Revision         int64             `json:"-"`
}

// Clone returns a deep copy so that pure transforms never share maps or
// item slices with their input.
func (r *Rundown) Clone() *Rundown {
	if r == nil {
		return nil
	}
	out := *r
	out.Items = make([]Item, len(r.Items))
	for i, it := range r.Items {
		out.Items[i] = it.Clone()
	}
	out.LockedRowNumbers = make(map[string]string, len(r.LockedRowNumbers))
	for k, v := range r.LockedRowNumbers {
		out.LockedRowNumbers[k] = v
	}
	out.FieldUpdatedAt = make(map[string]int64, len(r.FieldUpdatedAt))
	for k, v := range r.FieldUpdatedAt {
		out.FieldUpdatedAt[k] = v
	}
	return &out
}

// FieldTime returns the last-write time of a field in unix millis.  Every
// edit stamps FieldUpdatedAt, so a field without an entry still holds the
// value it was created with and FieldTime returns 0.  UpdatedAt is not
// consulted: structural operations bump it without touching any field.
func (r *Rundown) FieldTime(key string) int64 {
	return r.FieldUpdatedAt[key]
}

// Document-level fields editable through a global edit.
const (
	FieldTitle     = "title"
	FieldStartTime = "startTime"
	FieldTimezone  = "timezone"
	FieldShowDate  = "showDate"
	FieldNotes     = "notes"
)
