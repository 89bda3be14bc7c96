package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run statuses recorded in the ledger.
const (
	RunDone    = "done"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// Run is one ledger row: the outcome of processing a story revision.
type Run struct {
	ProjectID   string
	StoryID     string
	Revision    int
	RunID       string
	Status      string
	FailedItems int
	ResultJSON  string // serialized pipeline result
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Completed reports whether the run produced output that needs no more work.
func (r Run) Completed() bool {
	return r.Status == RunDone && r.FailedItems == 0
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
