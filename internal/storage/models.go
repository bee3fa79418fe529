package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Note is a cached copy of a backend note.
type Note struct {
	ID        string
	Title     string
	Content   string
	FetchedAt time.Time
}

type Transcription struct {
	ID         string
	Status     string // "queued", "processing", "completed", "failed"
	Transcript string
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
