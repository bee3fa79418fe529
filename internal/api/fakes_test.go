package api

import (
	"context"
	"sync"

	"github.com/baburama/notebuddy/internal/apperr"
	"github.com/baburama/notebuddy/internal/health"
	"github.com/baburama/notebuddy/internal/notes"
	"github.com/baburama/notebuddy/internal/session"
	"github.com/baburama/notebuddy/internal/storage"
	"github.com/baburama/notebuddy/internal/transcription"
)

// --- mocks ---

type mockSessions struct {
	result   session.Result
	err      error
	loggedIn bool
	logouts  int
}

func (m *mockSessions) Login(_ context.Context, identity, secret string) (session.Result, error) {
	if m.err != nil {
		return session.Result{}, m.err
	}
	if m.result.Success {
		m.loggedIn = true
	}
	return m.result, nil
}

func (m *mockSessions) Register(ctx context.Context, identity, secret string) (session.Result, error) {
	if m.err != nil {
		return session.Result{}, m.err
	}
	return m.result, nil
}

func (m *mockSessions) Logout() error {
	m.logouts++
	m.loggedIn = false
	return nil
}

func (m *mockSessions) Authenticated() bool { return m.loggedIn }
func (m *mockSessions) Identity() string    { return "alice" }

type mockNotes struct {
	mu      sync.Mutex
	notes   []notes.Note
	cached  []notes.Note
	err     error
	deleted []string
	created []notes.Note
}

func (m *mockNotes) List(context.Context) ([]notes.Note, error) {
	return m.notes, m.err
}

func (m *mockNotes) Cached() ([]notes.Note, error) {
	return m.cached, nil
}

func (m *mockNotes) Create(_ context.Context, title, content string) (notes.Note, error) {
	if m.err != nil {
		return notes.Note{}, m.err
	}
	if title == "" {
		return notes.Note{}, apperr.Validation("Please enter a title.")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := notes.Note{ID: "n-1", Title: title, Content: content}
	m.created = append(m.created, n)
	return n, nil
}

func (m *mockNotes) Delete(_ context.Context, ids ...string) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, ids...)
	return nil
}

func (m *mockNotes) SummarizeVideo(_ context.Context, link, title string) (notes.Note, error) {
	if m.err != nil {
		return notes.Note{}, m.err
	}
	if title == "" {
		title = "Notes from YouTube Video"
	}
	return notes.Note{ID: "v-1", Title: title, Content: "summary of " + link}, nil
}

func (m *mockNotes) SaveTranscript(_ context.Context, title, transcript string) (notes.Note, error) {
	if m.err != nil {
		return notes.Note{}, m.err
	}
	return notes.Note{ID: "t-1", Title: title, Content: "summary: " + transcript}, nil
}

type mockRecorder struct {
	events   *transcription.EventBus
	state    transcription.State
	startErr error
	closed   int
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{events: transcription.NewEventBus(0)}
}

func (m *mockRecorder) StartRecording() error {
	if m.startErr != nil {
		return m.startErr
	}
	m.events.Publish(transcription.Event{Type: transcription.EventTypeStatus, State: transcription.Recording, Message: "Recording..."})
	return nil
}

func (m *mockRecorder) StopRecording() error {
	m.state = transcription.Review
	m.events.Publish(transcription.Event{Type: transcription.EventTypeStatus, State: transcription.Review})
	return nil
}

func (m *mockRecorder) Discard() error {
	m.state = transcription.Recording
	return nil
}

func (m *mockRecorder) Submit(context.Context) error {
	if m.state != transcription.Review {
		return apperr.Validation("Cannot submit while recording.")
	}
	return apperr.New(apperr.KindPayloadTooLarge, "submit", "File too large (30.00MB). Maximum size is 25MB.")
}

func (m *mockRecorder) Retry(context.Context) error {
	return apperr.Validation("Cannot retry while recording.")
}

func (m *mockRecorder) Close() {
	m.closed++
	m.state = transcription.Recording
}

func (m *mockRecorder) Snapshot() transcription.Snapshot {
	return transcription.Snapshot{State: m.state, MaxAttempts: 3}
}

func (m *mockRecorder) Events() *transcription.EventBus { return m.events }

type staticHealth health.Status

func (s staticHealth) Status() health.Status { return health.Status(s) }

type mockHistory struct {
	records []storage.Transcription
}

func (m *mockHistory) RecentTranscriptions(limit int) ([]storage.Transcription, error) {
	if len(m.records) > limit {
		return m.records[:limit], nil
	}
	return m.records, nil
}
