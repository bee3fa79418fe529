// Package api exposes the client core to local front ends over a loopback
// HTTP bridge and an MCP server.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/baburama/notebuddy/internal/health"
	"github.com/baburama/notebuddy/internal/notes"
	"github.com/baburama/notebuddy/internal/session"
	"github.com/baburama/notebuddy/internal/transcription"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Sessions is the authentication surface. *session.Orchestrator implements it.
type Sessions interface {
	Login(ctx context.Context, identity, secret string) (session.Result, error)
	Register(ctx context.Context, identity, secret string) (session.Result, error)
	Logout() error
	Authenticated() bool
	Identity() string
}

// Notes is the note surface. *notes.Service implements it.
type Notes interface {
	List(ctx context.Context) ([]notes.Note, error)
	Cached() ([]notes.Note, error)
	Create(ctx context.Context, title, content string) (notes.Note, error)
	Delete(ctx context.Context, ids ...string) error
	SummarizeVideo(ctx context.Context, link, title string) (notes.Note, error)
	SaveTranscript(ctx context.Context, title, transcript string) (notes.Note, error)
}

// Recorder is the recording workflow. *transcription.Controller implements it.
type Recorder interface {
	StartRecording() error
	StopRecording() error
	Discard() error
	Submit(ctx context.Context) error
	Retry(ctx context.Context) error
	Close()
	Snapshot() transcription.Snapshot
	Events() *transcription.EventBus
}

// HealthStatus reports the backend readiness. *health.Monitor implements it.
type HealthStatus interface {
	Status() health.Status
}

// Deps holds the components served by the bridge.
type Deps struct {
	Sessions Sessions
	Notes    Notes
	Recorder Recorder
	Health   HealthStatus
	Token    string
	Logger   *slog.Logger
}

// NewHandler builds the bridge router. Everything but /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/session/login", handleAuth(deps, deps.Sessions.Login))
		r.Post("/session/register", handleAuth(deps, deps.Sessions.Register))
		r.Post("/session/logout", handleLogout(deps))

		r.Get("/notes", handleListNotes(deps))
		r.Delete("/notes/{id}", handleDeleteNote(deps))
		r.Post("/notes/video", handleVideo(deps))
		r.Post("/notes/transcript", handleTranscript(deps))

		r.Get("/recording", handleSnapshot(deps))
		r.Get("/recording/events", handleEvents(deps))
		r.Post("/recording/start", handleRecording(deps, func(_ *http.Request) error { return deps.Recorder.StartRecording() }))
		r.Post("/recording/stop", handleRecording(deps, func(_ *http.Request) error { return deps.Recorder.StopRecording() }))
		r.Post("/recording/discard", handleRecording(deps, func(_ *http.Request) error { return deps.Recorder.Discard() }))
		r.Post("/recording/submit", handleRecording(deps, func(r *http.Request) error { return deps.Recorder.Submit(r.Context()) }))
		r.Post("/recording/retry", handleRecording(deps, func(r *http.Request) error { return deps.Recorder.Retry(r.Context()) }))
		r.Post("/recording/close", handleRecording(deps, func(_ *http.Request) error {
			deps.Recorder.Close()
			return nil
		}))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backend := health.Unknown
		if deps.Health != nil {
			backend = deps.Health.Status()
		}
		writeJSON(w, map[string]any{
			"status":        "ok",
			"backend":       backend.String(),
			"authenticated": deps.Sessions.Authenticated(),
		})
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authFunc func(ctx context.Context, identity, secret string) (session.Result, error)

func handleAuth(deps Deps, fn authFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsRequest
		if !decodeBody(w, r, &req) {
			return
		}

		res, err := fn(r.Context(), req.Username, req.Password)
		if err != nil {
			writeError(w, err)
			return
		}
		code := http.StatusOK
		switch {
		case res.BackendStarting:
			code = http.StatusServiceUnavailable
		case !res.Success:
			code = http.StatusUnauthorized
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(res)
	}
}

func handleLogout(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Sessions.Logout(); err != nil {
			deps.Logger.Warn("logout", "error", err)
		}
		writeJSON(w, map[string]string{"status": "logged_out"})
	}
}

func handleListNotes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			list []notes.Note
			err  error
		)
		if r.URL.Query().Get("cached") == "true" {
			list, err = deps.Notes.Cached()
		} else {
			list, err = deps.Notes.List(r.Context())
		}
		if err != nil {
			writeError(w, err)
			return
		}
		if list == nil {
			list = []notes.Note{}
		}
		writeJSON(w, list)
	}
}

func handleDeleteNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Notes.Delete(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

type videoRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func handleVideo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req videoRequest
		if !decodeBody(w, r, &req) {
			return
		}
		note, err := deps.Notes.SummarizeVideo(r.Context(), req.URL, req.Title)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, note)
	}
}

type transcriptRequest struct {
	Title      string `json:"title"`
	Transcript string `json:"transcript"`
}

func handleTranscript(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transcriptRequest
		if !decodeBody(w, r, &req) {
			return
		}
		note, err := deps.Notes.SaveTranscript(r.Context(), req.Title, req.Transcript)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, note)
	}
}

func handleSnapshot(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Recorder.Snapshot())
	}
}

func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since := parseSeqParam(r, "since")
		events := deps.Recorder.Events().Since(since)
		if events == nil {
			events = []transcription.Event{}
		}
		writeJSON(w, events)
	}
}

func handleRecording(deps Deps, action func(r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := action(r); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, deps.Recorder.Snapshot())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "validation_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseSeqParam(r *http.Request, key string) int64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
