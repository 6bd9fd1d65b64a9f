// Package queue defines message payloads exchanged over the message broker.
package queue

// OperationAppliedEvent is published after an operation has been applied
// to a rundown.  It carries enough information for downstream consumers
// (automation, playout, analytics) to react without querying the primary
// database; consumers that need the new document fetch it through the API.
type OperationAppliedEvent struct {
	RundownID      string `json:"rundown_id"`
	OperationID    string `json:"operation_id"`
	OperationType  string `json:"operation_type"`
	SequenceNumber int64  `json:"sequence_number"`
	DocVersion     int64  `json:"doc_version"`
	UserID         string `json:"user_id"`
	ClientID       string `json:"client_id"`
	ItemCount      int    `json:"item_count"`
	Description    string `json:"description"`
	AppliedAt      string `json:"applied_at"`
}
