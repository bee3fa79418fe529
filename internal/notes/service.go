// Package notes lists, creates and deletes notes and turns videos, PDFs and
// transcripts into summarized notes.
package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/baburama/notebuddy/internal/apperr"
	"github.com/baburama/notebuddy/internal/client"
	"github.com/baburama/notebuddy/internal/storage"
)

const (
	// MaxPDFBytes is the largest PDF accepted for upload.
	MaxPDFBytes = 10 * 1024 * 1024

	deleteConcurrency = 4
	defaultVideoTitle = "Notes from YouTube Video"
)

// Note is one saved note.
type Note struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Caller performs authenticated backend calls. *session.Orchestrator implements it.
type Caller interface {
	AuthenticatedCall(ctx context.Context, req client.Request) (*http.Response, error)
	Identity() string
}

// Cache keeps the last fetched notes for offline reads. *storage.Store implements it.
type Cache interface {
	ReplaceNotes(owner string, notes []storage.Note) error
	ListNotes(owner string) ([]storage.Note, error)
	DeleteNote(owner, id string) error
}

// Service implements the note operations.
type Service struct {
	caller Caller
	cache  Cache
	logger *slog.Logger
}

// NewService creates a Service. cache may be nil.
func NewService(caller Caller, cache Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{caller: caller, cache: cache, logger: logger}
}

// noteID accepts both numeric and string ids from the backend.
type noteID string

func (id *noteID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = noteID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = noteID(n.String())
	return nil
}

// wireNote is the backend representation; the body lives in "note".
type wireNote struct {
	ID    noteID `json:"id"`
	Title string `json:"title"`
	Note  string `json:"note"`
}

// List fetches all notes of the current user and refreshes the cache.
func (s *Service) List(ctx context.Context) ([]Note, error) {
	resp, err := s.caller.AuthenticatedCall(ctx, client.Request{Method: http.MethodGet, Path: "/userNotes"})
	if err != nil {
		return nil, err
	}
	var wire []wireNote
	if err := client.DecodeJSON(resp, &wire); err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}

	notes := make([]Note, len(wire))
	rows := make([]storage.Note, len(wire))
	for i, w := range wire {
		notes[i] = Note{ID: string(w.ID), Title: w.Title, Content: w.Note}
		rows[i] = storage.Note{ID: string(w.ID), Title: w.Title, Content: w.Note}
	}
	if s.cache != nil {
		if err := s.cache.ReplaceNotes(s.caller.Identity(), rows); err != nil {
			s.logger.Warn("caching notes", "error", err)
		}
	}
	return notes, nil
}

// Cached returns the notes from the last successful List.
func (s *Service) Cached() ([]Note, error) {
	if s.cache == nil {
		return nil, nil
	}
	rows, err := s.cache.ListNotes(s.caller.Identity())
	if err != nil {
		return nil, fmt.Errorf("reading cached notes: %w", err)
	}
	notes := make([]Note, len(rows))
	for i, r := range rows {
		notes[i] = Note{ID: r.ID, Title: r.Title, Content: r.Content}
	}
	return notes, nil
}

type postNoteRequest struct {
	Title string `json:"title"`
	Note  string `json:"note"`
}

type postNoteResponse struct {
	ID noteID `json:"id"`
}

// Create saves a note.
func (s *Service) Create(ctx context.Context, title, content string) (Note, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Note{}, apperr.Validation("Please enter a title.")
	}
	if strings.TrimSpace(content) == "" {
		return Note{}, apperr.Validation("Note content is empty.")
	}

	req, err := client.JSON(http.MethodPost, "/postNote", postNoteRequest{Title: title, Note: content})
	if err != nil {
		return Note{}, err
	}
	resp, err := s.caller.AuthenticatedCall(ctx, req)
	if err != nil {
		return Note{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Note{}, fmt.Errorf("saving note: %w", client.StatusError(resp))
	}

	// The id is optional in the response.
	var out postNoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		s.logger.Debug("postNote response without id", "error", err)
	}
	return Note{ID: string(out.ID), Title: title, Content: content}, nil
}

// Delete removes notes by id, a few at a time. It returns the first failure.
func (s *Service) Delete(ctx context.Context, ids ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			return s.deleteOne(ctx, id)
		})
	}
	return g.Wait()
}

func (s *Service) deleteOne(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Validation("Note id is required.")
	}
	resp, err := s.caller.AuthenticatedCall(ctx, client.Request{
		Method: http.MethodDelete,
		Path:   "/deleteNote/" + url.PathEscape(id),
	})
	if err != nil {
		return err
	}
	if err := client.DecodeJSON(resp, nil); err != nil {
		return fmt.Errorf("deleting note %s: %w", id, err)
	}
	if s.cache != nil {
		if err := s.cache.DeleteNote(s.caller.Identity(), id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("removing cached note", "id", id, "error", err)
		}
	}
	return nil
}

// SummarizeVideo summarizes a video link and saves the summary as a note.
// An empty title selects a default.
func (s *Service) SummarizeVideo(ctx context.Context, link, title string) (Note, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return Note{}, apperr.Validation("Please paste a YouTube link.")
	}
	if strings.TrimSpace(title) == "" {
		title = defaultVideoTitle
	}

	req, err := client.JSON(http.MethodPost, "/summary", map[string]string{"URL": link})
	if err != nil {
		return Note{}, err
	}
	resp, err := s.caller.AuthenticatedCall(ctx, req)
	if err != nil {
		return Note{}, err
	}
	var out struct {
		Summary string `json:"Summary"`
	}
	if err := client.DecodeJSON(resp, &out); err != nil {
		return Note{}, fmt.Errorf("summarizing video: %w", err)
	}
	return s.Create(ctx, title, out.Summary)
}

// ValidatePDF checks that data is a readable PDF with at least one page and
// within the upload limit.
func ValidatePDF(filename string, data []byte) error {
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return apperr.Validation("Please select a PDF file.")
	}
	if len(data) > MaxPDFBytes {
		return apperr.New(apperr.KindPayloadTooLarge, "", "File size must be less than 10MB.")
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return &apperr.Error{Kind: apperr.KindValidation, Message: "The file is not a readable PDF.", Err: err}
	}
	if r.NumPage() < 1 {
		return apperr.Validation("The PDF has no pages.")
	}
	return nil
}

// SummarizePDF uploads a PDF for summarization and saves the summary as a note.
// An empty title defaults to "Notes from <filename>".
func (s *Service) SummarizePDF(ctx context.Context, filename string, data []byte, title string) (Note, error) {
	if err := ValidatePDF(filename, data); err != nil {
		return Note{}, err
	}
	base := filepath.Base(filename)
	if strings.TrimSpace(title) == "" {
		title = "Notes from " + base
	}

	body, ctype, err := client.Multipart("pdf", base, data, nil)
	if err != nil {
		return Note{}, err
	}
	resp, err := s.caller.AuthenticatedCall(ctx, client.Request{
		Method:      http.MethodPost,
		Path:        "/upload-pdf",
		Body:        body,
		ContentType: ctype,
	})
	if err != nil {
		return Note{}, err
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if err := client.DecodeJSON(resp, &out); err != nil {
		return Note{}, fmt.Errorf("uploading pdf: %w", err)
	}
	return s.Create(ctx, title, out.Summary)
}

// SaveTranscript formats a transcript into a summary and saves it as a note.
func (s *Service) SaveTranscript(ctx context.Context, title, transcript string) (Note, error) {
	if strings.TrimSpace(title) == "" {
		return Note{}, apperr.Validation("Please enter a title for your note.")
	}
	if strings.TrimSpace(transcript) == "" {
		return Note{}, apperr.Validation("There is no transcript to save.")
	}

	req, err := client.JSON(http.MethodPost, "/process-transcript", map[string]string{"transcript": transcript})
	if err != nil {
		return Note{}, err
	}
	resp, err := s.caller.AuthenticatedCall(ctx, req)
	if err != nil {
		return Note{}, err
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if err := client.DecodeJSON(resp, &out); err != nil {
		return Note{}, fmt.Errorf("processing transcript: %w", err)
	}
	return s.Create(ctx, title, out.Summary)
}
