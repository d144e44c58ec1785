package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Entry is a single journal entry owned by one user.
type Entry struct {
	ID          string
	Username    string
	Text        string
	Date        time.Time
	Tags        string    // comma-delimited
	Embedding   []float32 // nil when the provider could not embed the text
	Attachments []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EntryUpdate lists the fields to change; nil fields are left untouched.
// A non-nil Embedding pointing at an empty slice clears the stored vector.
type EntryUpdate struct {
	Text        *string
	Date        *time.Time
	Tags        *string
	Embedding   *[]float32
	Attachments *[]string
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

// QueryRecord is one answered (or failed) question kept in the query history.
type QueryRecord struct {
	ID        string
	Username  string
	CreatedAt time.Time
	Query     string
	Answer    string
	State     string
	EntryIDs  []string
	Error     string
}
