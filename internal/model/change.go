package model

import (
	"encoding/json"
	"strings"
)

// FieldKey identifies one editable field.  Document fields use their bare
// name ("title"); item fields are prefixed with the item id
// ("<itemID>:name").  The same key addresses Rundown.FieldUpdatedAt and the
// offline queue.
func FieldKey(itemID, field string) string {
	if itemID == "" {
		return field
	}
	return itemID + string(FieldKeySeparator) + field
}

// FieldKeySeparator joins an item id and a field name.  Item ids must not
// contain it.
const FieldKeySeparator = ':'

// SplitFieldKey is the inverse of FieldKey.
func SplitFieldKey(key string) (itemID, field string) {
	if i := strings.IndexByte(key, FieldKeySeparator); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}

// FieldUpdate is one granular edit submitted to the cell endpoint.  ItemID
// is empty for document-level fields.  Timestamp is the client edit time in
// unix millis; the server stamps its own time when it is zero.
type FieldUpdate struct {
	ItemID    string          `json:"itemId,omitempty"`
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Key returns the FieldKey of the update.
func (u FieldUpdate) Key() string { return FieldKey(u.ItemID, u.Field) }

// OfflineChange is a client-local edit that has not been acknowledged by
// the server yet.  A newer edit to the same key supersedes Value and
// Timestamp; History keeps every edit time seen for the key.
type OfflineChange struct {
	ItemID    string          `json:"itemId,omitempty"`
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	History   []int64         `json:"history,omitempty"`
}

// Key returns the FieldKey of the change.
func (c OfflineChange) Key() string { return FieldKey(c.ItemID, c.Field) }

// Update converts the change into the wire form sent to the server.
func (c OfflineChange) Update() FieldUpdate {
	return FieldUpdate{ItemID: c.ItemID, Field: c.Field, Value: c.Value, Timestamp: c.Timestamp}
}
