package model

import (
	"encoding/json"
	"time"
)

// OpType discriminates queued sync operations.
type OpType string

const (
	OpCreate   OpType = "create"
	OpUpdate   OpType = "update"
	OpDelete   OpType = "delete"
	OpProgress OpType = "progress-update"
)

// Priority controls when a queued operation triggers a sync cycle.
type Priority string

const (
	PriorityImmediate  Priority = "immediate"  // kick a cycle as soon as we are online
	PriorityBatch      Priority = "batch"      // coalesce until the batch interval elapses
	PriorityBackground Priority = "background" // piggyback on any in-flight cycle
)

// SyncOperation is a durable, at-least-once-deliverable intent produced by
// every local mutation and drained during a sync round. Operations that
// exhaust MaxRetries are discarded with the failure surfaced, never
// silently dropped.
type SyncOperation struct {
	ID         string          `json:"id"`
	BookID     string          `json:"bookId"`
	Type       OpType          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Priority   Priority        `json:"priority"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
	Timestamp  time.Time       `json:"timestamp"`
	Platform   Platform        `json:"platform"`
}

// ProgressData is the payload of an OpProgress operation.
type ProgressData struct {
	CFI        string  `json:"cfi,omitempty"`
	PageNumber int     `json:"pageNumber,omitempty"`
	Percent    float64 `json:"percent"`
}

// DeleteData is the payload of an OpDelete operation.
type DeleteData struct {
	Tombstone Tombstone `json:"tombstone"`
}

// HighlightData is the payload of OpCreate and OpUpdate operations.
type HighlightData struct {
	Highlight Highlight `json:"highlight"`
}
