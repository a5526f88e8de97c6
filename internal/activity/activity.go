package activity

import (
	"encoding/json"
	"log"
	"time"
)

// Actions recorded in the activity log.
const (
	ActionCreate          = "create"
	ActionUpdate          = "update"
	ActionDelete          = "delete"
	ActionRestore         = "restore"
	ActionPermanentDelete = "permanent_delete"
)

// Entry is one activity log record. Diff is any JSON-encodable value.
type Entry struct {
	ID        string    `json:"id"`
	Table     string    `json:"table"`
	RecordID  string    `json:"record_id"`
	Action    string    `json:"action"`
	Diff      any       `json:"diff,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives activity entries after a mutation commits. Record must not
// block the caller and must not report failures back to it.
type Sink interface {
	Record(e Entry)
}

// Noop discards all entries. Used when activity logging is disabled.
type Noop struct{}

func (Noop) Record(Entry) {}

// LogSink writes entries to the standard logger.
type LogSink struct{}

func (LogSink) Record(e Entry) {
	diff, _ := json.Marshal(e.Diff)
	log.Printf("activity: %s %s/%s by %q diff=%s", e.Action, e.Table, e.RecordID, e.UserID, diff)
}
