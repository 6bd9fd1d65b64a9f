package model

import (
	"encoding/json"
	"time"
)

// OpType names an operation kind.  The string values are part of the wire
// protocol shared with clients.
type OpType string

const (
	OpCellEdit        OpType = "cell_edit"
	OpGlobalEdit      OpType = "global_edit"
	OpAddRow          OpType = "add_row"
	OpAddHeader       OpType = "add_header"
	OpDeleteRow       OpType = "delete_row"
	OpMoveRows        OpType = "move_rows"
	OpCopyRows        OpType = "copy_rows"
	OpReorder         OpType = "reorder"
	OpToggleLock      OpType = "toggle_lock"
	OpUpdateSortOrder OpType = "update_sort_order"
)

// IsStructural reports whether the operation changes the shape of the item
// list or the numbering state, i.e. whether it goes through the coordinator
// and bumps DocVersion.
func (t OpType) IsStructural() bool {
	switch t {
	case OpAddRow, OpAddHeader, OpDeleteRow, OpMoveRows, OpCopyRows,
		OpReorder, OpToggleLock, OpUpdateSortOrder:
		return true
	}
	return false
}

// Operation is an immutable record of one applied change, stored in the
// `rundown_operations` table.
//
// Fields:
//  ID             – uuid of the record.
//  RundownID      – document the operation applies to.
//  Type           – operation kind.
//  Payload        – type-specific JSON payload, normalized by the applier.
//  UserID         – author.
//  ClientID       – originating client (browser tab, device).
//  SequenceNumber – globally increasing, assigned server-side.
//  DocVersion     – document version after the operation was applied.
//  AppliedAt      – server timestamp.
type Operation struct {
	ID             string          `json:"id"`
	RundownID      string          `json:"rundownId"`
	Type           OpType          `json:"operationType"`
	Payload        json.RawMessage `json:"operationPayload"`
	UserID         string          `json:"userId"`
	ClientID       string          `json:"clientId"`
	SequenceNumber int64           `json:"sequenceNumber"`
	DocVersion     int64           `json:"docVersion"`
	AppliedAt      time.Time       `json:"appliedAt"`
}

// Notification is the broadcast message fanned out to connected clients of
// a rundown after an operation has been applied.
type Notification struct {
	RundownID string    `json:"rundownId"`
	Operation Operation `json:"operation"`
	ItemCount int       `json:"itemCount"`
}
