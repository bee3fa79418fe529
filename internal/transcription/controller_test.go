package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/baburama/notebuddy/internal/apperr"
	"github.com/baburama/notebuddy/internal/audio"
	"github.com/baburama/notebuddy/internal/client"
	"github.com/baburama/notebuddy/internal/credential"
	"github.com/baburama/notebuddy/internal/health"
	"github.com/baburama/notebuddy/internal/schedule"
	"github.com/baburama/notebuddy/internal/storage"
)

type readyGate struct{}

func (readyGate) Status() health.Status { return health.Ready }
func (readyGate) WaitForReady(context.Context, int, time.Duration) bool {
	return true
}

type staticCreds struct{}

func (staticCreds) Current() (credential.Credential, bool) {
	return credential.Credential{Identity: "alice", Token: credential.Token("alice", "pw")}, true
}

type testCaller struct {
	c *client.Client
}

func (tc testCaller) AuthenticatedCall(ctx context.Context, req client.Request) (*http.Response, error) {
	return tc.c.Call(ctx, req, tc.c.Defaults(true))
}

// fakeBackend serves /upload-audio and /check-transcription/{id}.
type fakeBackend struct {
	mu           sync.Mutex
	failUpload   bool
	uploadStatus int      // status for failed uploads; 500 when zero
	statuses     []string // consumed one per check; the last one repeats
	jobError     string

	uploads atomic.Int32
	checks  atomic.Int32
	lastID  atomic.Value
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/upload-audio":
		b.uploads.Add(1)
		b.mu.Lock()
		fail, code := b.failUpload, b.uploadStatus
		b.mu.Unlock()
		if fail {
			if code == 0 {
				code = http.StatusInternalServerError
			}
			w.WriteHeader(code)
			json.NewEncoder(w).Encode(map[string]string{"error": "Upload failed"})
			return
		}
		file, header, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "recording.wav" || !strings.HasPrefix(string(data), "RIFF") {
			http.Error(w, "bad upload", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"transcription_id": "tx-42"})

	case strings.HasPrefix(r.URL.Path, "/check-transcription/"):
		b.checks.Add(1)
		b.lastID.Store(strings.TrimPrefix(r.URL.Path, "/check-transcription/"))
		b.mu.Lock()
		status := b.statuses[0]
		if len(b.statuses) > 1 {
			b.statuses = b.statuses[1:]
		}
		jobErr := b.jobError
		b.mu.Unlock()
		resp := map[string]string{"status": status}
		if status == "completed" {
			resp["transcript"] = "hello world"
		}
		if status == "error" {
			resp["error"] = jobErr
		}
		json.NewEncoder(w).Encode(resp)

	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

type harness struct {
	ctrl    *Controller
	clock   *schedule.Fake
	dev     *audio.FakeDevice
	backend *fakeBackend
	store   *storage.Store
	start   time.Time
}

func newHarness(t *testing.T, backend *fakeBackend) *harness {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	c, err := client.New(srv.URL, readyGate{}, staticCreds{}, client.Options{Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := schedule.NewFake(start)
	dev := &audio.FakeDevice{}
	ctrl := New(testCaller{c: c}, dev.Opener(), Options{Clock: clock, History: store})
	t.Cleanup(ctrl.Close)

	return &harness{ctrl: ctrl, clock: clock, dev: dev, backend: backend, store: store, start: start}
}

// record captures one chunk and moves to Review.
func (h *harness) record(t *testing.T, chunk []byte) {
	t.Helper()
	if err := h.ctrl.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if !h.dev.Emit(chunk) {
		t.Fatal("device did not deliver chunk")
	}
	if err := h.ctrl.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}

func waitForState(t *testing.T, c *Controller, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := c.Snapshot(); s.State == want {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.Snapshot().State, want)
	return Snapshot{}
}

// Scenario D: queued, processing, completed is exactly three polls in ~9s.
func TestSubmit_PollsUntilCompleted(t *testing.T) {
	backend := &fakeBackend{statuses: []string{"queued", "processing", "completed"}}
	h := newHarness(t, backend)
	h.record(t, make([]byte, 3200))

	if err := h.ctrl.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i := 0; i < 3; i++ {
		h.clock.BlockUntil(2) // poll interval + ceiling
		h.clock.Advance(3 * time.Second)
	}

	s := waitForState(t, h.ctrl, Summary)
	if got := backend.checks.Load(); got != 3 {
		t.Errorf("status checks = %d, want 3", got)
	}
	if got := backend.uploads.Load(); got != 1 {
		t.Errorf("uploads = %d, want 1", got)
	}
	if elapsed := h.clock.Now().Sub(h.start); elapsed != 9*time.Second {
		t.Errorf("elapsed = %v, want 9s", elapsed)
	}
	if s.Transcript != "hello world" {
		t.Errorf("Transcript = %q", s.Transcript)
	}
	if s.Attempt != 0 {
		t.Errorf("Attempt = %d, want 0 after success", s.Attempt)
	}
	if p := h.clock.Pending(); p != 0 {
		t.Errorf("pending timers = %d, want 0", p)
	}
	if id, _ := backend.lastID.Load().(string); id != "tx-42" {
		t.Errorf("polled id = %q", id)
	}

	rec, err := h.store.GetTranscription("tx-42")
	if err != nil {
		t.Fatalf("GetTranscription: %v", err)
	}
	if rec.Status != "completed" || rec.Transcript != "hello world" {
		t.Errorf("history = %+v", rec)
	}

	var sawResult bool
	for _, ev := range h.ctrl.Events().Since(0) {
		if ev.Type == EventTypeResult && ev.Transcript == "hello world" {
			sawResult = true
		}
	}
	if !sawResult {
		t.Error("no result event published")
	}
}

// Scenario E: three failed uploads end in Failed with attempt 3; a manual
// retry restarts the counter at 1.
func TestSubmit_UploadFailuresThenManualRetry(t *testing.T) {
	backend := &fakeBackend{failUpload: true, statuses: []string{"completed"}}
	h := newHarness(t, backend)
	h.record(t, make([]byte, 3200))

	if err := h.ctrl.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i := 0; i < 2; i++ {
		h.clock.BlockUntil(1) // retry delay
		h.clock.Advance(2 * time.Second)
	}

	s := waitForState(t, h.ctrl, Failed)
	if got := backend.uploads.Load(); got != 3 {
		t.Errorf("uploads = %d, want 3", got)
	}
	if s.Attempt != 3 {
		t.Errorf("Attempt = %d, want 3", s.Attempt)
	}
	if s.FailedStage != "uploading" {
		t.Errorf("FailedStage = %q, want uploading", s.FailedStage)
	}
	if s.Error == "" {
		t.Error("no error message")
	}
	if p := h.clock.Pending(); p != 0 {
		t.Errorf("pending timers = %d, want 0", p)
	}

	var attempts []int
	for _, ev := range h.ctrl.Events().Since(0) {
		if ev.Type == EventTypeAttempt {
			attempts = append(attempts, ev.Attempt)
		}
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[1] != 2 || attempts[2] != 3 {
		t.Errorf("attempt events = %v, want [1 2 3]", attempts)
	}

	backend.set(func(b *fakeBackend) { b.failUpload = false })
	if err := h.ctrl.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got := h.ctrl.Snapshot().Attempt; got != 1 {
		t.Errorf("Attempt after Retry = %d, want 1", got)
	}

	h.clock.BlockUntil(2)
	h.clock.Advance(3 * time.Second)
	s = waitForState(t, h.ctrl, Summary)
	if s.Attempt != 0 {
		t.Errorf("Attempt = %d, want 0", s.Attempt)
	}
	if got := backend.uploads.Load(); got != 4 {
		t.Errorf("uploads = %d, want 4", got)
	}
}

func TestSubmit_RejectedUploadIsNotRetried(t *testing.T) {
	// The client itself re-sends an auth rejection before giving up, so a
	// 401 reaches the backend once per client attempt but still only once
	// per workflow attempt.
	tests := []struct {
		name    string
		status  int
		kind    apperr.Kind
		uploads int32
	}{
		{"payload too large", http.StatusRequestEntityTooLarge, apperr.KindPayloadTooLarge, 1},
		{"validation", http.StatusBadRequest, apperr.KindValidation, 1},
		{"session expired", http.StatusUnauthorized, apperr.KindSessionExpired, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{failUpload: true, uploadStatus: tt.status, statuses: []string{"completed"}}
			h := newHarness(t, backend)
			h.record(t, make([]byte, 3200))

			if err := h.ctrl.Submit(context.Background()); err != nil {
				t.Fatalf("Submit: %v", err)
			}

			s := waitForState(t, h.ctrl, Failed)
			if got := backend.uploads.Load(); got != tt.uploads {
				t.Errorf("uploads = %d, want %d", got, tt.uploads)
			}
			if s.Attempt != 1 {
				t.Errorf("Attempt = %d, want 1", s.Attempt)
			}
			if s.ErrorKind != tt.kind.String() {
				t.Errorf("ErrorKind = %q, want %q", s.ErrorKind, tt.kind)
			}
			if s.FailedStage != "uploading" {
				t.Errorf("FailedStage = %q, want uploading", s.FailedStage)
			}
			if p := h.clock.Pending(); p != 0 {
				t.Errorf("pending timers = %d, want 0 (no retry delay scheduled)", p)
			}
		})
	}
}

func TestSubmit_OversizedNeverUploads(t *testing.T) {
	backend := &fakeBackend{statuses: []string{"completed"}}
	h := newHarness(t, backend)
	h.record(t, make([]byte, 25*1024*1024))

	err := h.ctrl.Submit(context.Background())
	if !errors.Is(err, apperr.ErrPayloadTooLarge) {
		t.Fatalf("Submit error = %v, want PayloadTooLarge", err)
	}
	if !strings.Contains(apperr.Message(err), "Maximum size is 25MB") {
		t.Errorf("message = %q", apperr.Message(err))
	}
	if s := h.ctrl.Snapshot(); s.State != Review {
		t.Errorf("state = %s, want review", s.State)
	}
	if got := backend.uploads.Load(); got != 0 {
		t.Errorf("uploads = %d, want 0", got)
	}

	var warned bool
	for _, ev := range h.ctrl.Events().Since(0) {
		if ev.Type == EventTypeWarning {
			warned = true
		}
	}
	if !warned {
		t.Error("no size warning published")
	}
}

func TestPolling_CeilingFailsAfter120s(t *testing.T) {
	backend := &fakeBackend{statuses: []string{"processing"}}
	h := newHarness(t, backend)
	h.record(t, make([]byte, 3200))

	if err := h.ctrl.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i := 0; i < 40; i++ {
		h.clock.BlockUntil(2)
		h.clock.Advance(3 * time.Second)
	}

	s := waitForState(t, h.ctrl, Failed)
	if s.ErrorKind != apperr.KindTranscriptionFailed.String() {
		t.Errorf("ErrorKind = %q", s.ErrorKind)
	}
	if !strings.Contains(s.Error, "longer than expected") {
		t.Errorf("Error = %q", s.Error)
	}
	if s.FailedStage != "polling" {
		t.Errorf("FailedStage = %q, want polling", s.FailedStage)
	}
	if got := backend.checks.Load(); got > 40 {
		t.Errorf("checks = %d, want at most 40", got)
	}
	if elapsed := h.clock.Now().Sub(h.start); elapsed > 120*time.Second {
		t.Errorf("elapsed = %v, want <= 120s", elapsed)
	}
	if p := h.clock.Pending(); p != 0 {
		t.Errorf("pending timers = %d, want 0", p)
	}
}

func TestPolling_JobErrorThenRetryPollsSameJob(t *testing.T) {
	backend := &fakeBackend{statuses: []string{"processing", "error"}, jobError: "audio unreadable"}
	h := newHarness(t, backend)
	h.record(t, make([]byte, 3200))

	if err := h.ctrl.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i := 0; i < 2; i++ {
		h.clock.BlockUntil(2)
		h.clock.Advance(3 * time.Second)
	}

	s := waitForState(t, h.ctrl, Failed)
	if s.FailedStage != "polling" {
		t.Errorf("FailedStage = %q, want polling", s.FailedStage)
	}
	if !strings.Contains(s.Error, "audio unreadable") {
		t.Errorf("Error = %q", s.Error)
	}
	rec, err := h.store.GetTranscription("tx-42")
	if err != nil || rec.Status != "failed" {
		t.Errorf("history = %+v, %v; want failed", rec, err)
	}

	backend.set(func(b *fakeBackend) { b.statuses = []string{"completed"} })
	if err := h.ctrl.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if s := h.ctrl.Snapshot(); s.State != Polling || s.Attempt != 1 {
		t.Errorf("after Retry state=%s attempt=%d, want polling/1", s.State, s.Attempt)
	}
	h.clock.BlockUntil(2)
	h.clock.Advance(3 * time.Second)
	waitForState(t, h.ctrl, Summary)

	if got := backend.uploads.Load(); got != 1 {
		t.Errorf("uploads = %d, want 1 (retry re-polls the same job)", got)
	}
}

func TestClose_LeavesNoPendingTasks(t *testing.T) {
	backend := &fakeBackend{statuses: []string{"processing"}}
	h := newHarness(t, backend)
	h.record(t, make([]byte, 3200))

	if err := h.ctrl.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.clock.BlockUntil(2)

	h.ctrl.Close()

	if p := h.clock.Pending(); p != 0 {
		t.Errorf("clock pending = %d, want 0", p)
	}
	if n := h.ctrl.PendingTasks(); n != 0 {
		t.Errorf("controller tasks = %d, want 0", n)
	}
	s := h.ctrl.Snapshot()
	if s.State != Recording || s.Job != nil || s.SizeBytes != 0 || s.Attempt != 0 {
		t.Errorf("snapshot after Close = %+v", s)
	}

	h.clock.Advance(time.Minute)
	if got := backend.checks.Load(); got != 0 {
		t.Errorf("checks after Close = %d, want 0", got)
	}
}

func TestClose_DuringRetryDelay(t *testing.T) {
	backend := &fakeBackend{failUpload: true, statuses: []string{"completed"}}
	h := newHarness(t, backend)
	h.record(t, make([]byte, 3200))

	if err := h.ctrl.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.clock.BlockUntil(1) // retry delay

	h.ctrl.Close()

	if p := h.clock.Pending(); p != 0 {
		t.Errorf("clock pending = %d, want 0", p)
	}
	if n := h.ctrl.PendingTasks(); n != 0 {
		t.Errorf("controller tasks = %d, want 0", n)
	}
	h.clock.Advance(time.Minute)
	if got := backend.uploads.Load(); got != 1 {
		t.Errorf("uploads after Close = %d, want 1", got)
	}
	if s := h.ctrl.Snapshot(); s.State != Recording || s.Attempt != 0 {
		t.Errorf("snapshot after Close = %+v", s)
	}
}

func TestClose_InReviewAndFailed(t *testing.T) {
	t.Run("review", func(t *testing.T) {
		h := newHarness(t, &fakeBackend{statuses: []string{"completed"}})
		h.record(t, make([]byte, 3200))

		h.ctrl.Close()

		if p := h.clock.Pending(); p != 0 {
			t.Errorf("clock pending = %d, want 0", p)
		}
		if s := h.ctrl.Snapshot(); s.State != Recording || s.SizeBytes != 0 {
			t.Errorf("snapshot after Close = %+v", s)
		}
		if got := h.ctrl.Recording().Audio; len(got) != 0 {
			t.Errorf("audio kept after Close: %d bytes", len(got))
		}
	})

	t.Run("failed", func(t *testing.T) {
		backend := &fakeBackend{failUpload: true, uploadStatus: http.StatusRequestEntityTooLarge, statuses: []string{"completed"}}
		h := newHarness(t, backend)
		h.record(t, make([]byte, 3200))
		if err := h.ctrl.Submit(context.Background()); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		waitForState(t, h.ctrl, Failed)

		h.ctrl.Close()

		if p := h.clock.Pending(); p != 0 {
			t.Errorf("clock pending = %d, want 0", p)
		}
		if n := h.ctrl.PendingTasks(); n != 0 {
			t.Errorf("controller tasks = %d, want 0", n)
		}
		s := h.ctrl.Snapshot()
		if s.State != Recording || s.FailedStage != "" || s.Error != "" {
			t.Errorf("snapshot after Close = %+v", s)
		}
		if err := h.ctrl.Retry(context.Background()); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Retry after Close = %v, want validation error", err)
		}
	})
}

func TestClose_WhileRecordingReleasesDevice(t *testing.T) {
	h := newHarness(t, &fakeBackend{statuses: []string{"completed"}})

	if err := h.ctrl.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	h.clock.Advance(3 * time.Second)
	if got := h.ctrl.Snapshot().DurationSeconds; got != 3 {
		t.Errorf("DurationSeconds = %d, want 3", got)
	}

	h.ctrl.Close()
	if !h.dev.Closed() || h.dev.HasCallback() {
		t.Error("device not released")
	}
	if p := h.clock.Pending(); p != 0 {
		t.Errorf("pending = %d, want 0", p)
	}
	if h.dev.Emit([]byte{1, 2}) {
		t.Error("chunk delivered after Close")
	}
}

func TestRecordingLifecycle(t *testing.T) {
	h := newHarness(t, &fakeBackend{statuses: []string{"completed"}})

	if err := h.ctrl.StopRecording(); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("StopRecording before start = %v, want validation error", err)
	}
	if err := h.ctrl.Submit(context.Background()); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Submit while recording = %v, want validation error", err)
	}
	if err := h.ctrl.Retry(context.Background()); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Retry while recording = %v, want validation error", err)
	}

	h.record(t, []byte{1, 2, 3, 4})
	s := h.ctrl.Snapshot()
	if s.State != Review || s.Capturing || s.SizeBytes != 4 {
		t.Errorf("after stop = %+v", s)
	}
	if got := h.ctrl.Recording().Audio; len(got) != 4 {
		t.Errorf("Recording audio = %v", got)
	}
	if h.dev.Started() {
		t.Error("device still started")
	}
	if p := h.clock.Pending(); p != 0 {
		t.Errorf("duration ticker still pending: %d", p)
	}

	if err := h.ctrl.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if s := h.ctrl.Snapshot(); s.State != Recording || s.SizeBytes != 0 {
		t.Errorf("after discard = %+v", s)
	}
}

func TestSubmit_EmptyRecording(t *testing.T) {
	h := newHarness(t, &fakeBackend{statuses: []string{"completed"}})

	if err := h.ctrl.StartRecording(); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.StopRecording(); err != nil {
		t.Fatal(err)
	}
	err := h.ctrl.Submit(context.Background())
	if !errors.Is(err, apperr.ErrValidation) || !strings.Contains(apperr.Message(err), "No recording") {
		t.Errorf("Submit = %v", err)
	}
}

func TestStartRecording_DeviceFailure(t *testing.T) {
	dev := &audio.FakeDevice{StartErr: errors.New("no microphone")}
	ctrl := New(nil, dev.Opener(), Options{Clock: schedule.NewFake(time.Now())})

	if err := ctrl.StartRecording(); err == nil || !strings.Contains(err.Error(), "no microphone") {
		t.Fatalf("StartRecording = %v", err)
	}
	s := ctrl.Snapshot()
	if s.State != Recording || s.Capturing {
		t.Errorf("snapshot = %+v", s)
	}
	if ctrl.PendingTasks() != 0 {
		t.Error("ticker armed after failed start")
	}
}

func TestIsValidTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Recording, Review, true},
		{Recording, Uploading, false},
		{Review, Uploading, true},
		{Review, Polling, false},
		{Uploading, Polling, true},
		{Uploading, Summary, false},
		{Uploading, Failed, true},
		{Polling, Summary, true},
		{Polling, Failed, true},
		{Polling, Uploading, true},
		{Failed, Uploading, true},
		{Failed, Polling, true},
		{Failed, Summary, false},
		{Summary, Failed, false},
		{Summary, Recording, true},
		{Polling, Recording, true},
	}
	for _, tc := range cases {
		if got := isValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("isValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseJobStatus(t *testing.T) {
	cases := map[string]JobStatus{
		"queued":     JobQueued,
		"processing": JobProcessing,
		"completed":  JobCompleted,
		"error":      JobFailed,
		"failed":     JobFailed,
		"whatever":   JobProcessing,
	}
	for in, want := range cases {
		if got := parseJobStatus(in); got != want {
			t.Errorf("parseJobStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
