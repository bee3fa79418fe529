// Package transcription drives one recording from capture through upload and
// status polling to a finished transcript.
package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/baburama/notebuddy/internal/apperr"
	"github.com/baburama/notebuddy/internal/audio"
	"github.com/baburama/notebuddy/internal/client"
	"github.com/baburama/notebuddy/internal/schedule"
	"github.com/baburama/notebuddy/internal/storage"
)

const (
	// WarnBytes is the recording size that triggers the "getting large" warning.
	WarnBytes = 20 * 1024 * 1024

	uploadField    = "audio"
	uploadFilename = "recording.wav"
)

// Caller performs authenticated backend calls. *session.Orchestrator implements it.
type Caller interface {
	AuthenticatedCall(ctx context.Context, req client.Request) (*http.Response, error)
}

// History records finished jobs. *storage.Store implements it.
type History interface {
	SaveTranscription(t storage.Transcription) error
}

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	PollInterval   time.Duration // default 3s
	PollCeiling    time.Duration // default 120s
	MaxAttempts    int           // default 3
	RetryDelay     time.Duration // default 2s
	MaxUploadBytes int           // default 25 MB

	Clock   schedule.Clock
	Events  *EventBus
	History History // optional
	Logger  *slog.Logger
}

// Snapshot is a consistent view of the controller.
type Snapshot struct {
	State           State  `json:"state"`
	FailedStage     string `json:"failed_stage,omitempty"`
	Capturing       bool   `json:"capturing"`
	Attempt         int    `json:"attempt"`
	MaxAttempts     int    `json:"max_attempts"`
	DurationSeconds int    `json:"duration_seconds"`
	SizeBytes       int    `json:"size_bytes"`
	Job             *Job   `json:"job,omitempty"`
	Transcript      string `json:"transcript,omitempty"`
	Error           string `json:"error,omitempty"`
	ErrorKind       string `json:"error_kind,omitempty"`
}

// errPollCeiling cancels polling once the ceiling task fires. It is compared
// by identity because Is matches every TranscriptionFailed error.
var errPollCeiling = apperr.New(apperr.KindTranscriptionFailed, "poll", "Transcription is taking longer than expected.")

// workflow is one submit or retry cycle running on its own goroutine.
type workflow struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Controller owns one recording session and its transcription job.
type Controller struct {
	caller  Caller
	open    audio.Opener
	capture audio.CaptureConfig
	opts    Options
	tasks   *schedule.Tasks
	events  *EventBus
	logger  *slog.Logger

	mu          sync.Mutex
	state       State
	failedStage State
	rec         RecordingSession
	job         *Job
	attempt     int
	lastErr     error
	warned      bool
	createdAt   time.Time
	device      audio.Device
	ticker      schedule.Task
	wf          *workflow
}

// New creates a Controller in the Recording state.
func New(caller Caller, open audio.Opener, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.PollCeiling <= 0 {
		opts.PollCeiling = 120 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 25 * 1024 * 1024
	}
	if opts.Clock == nil {
		opts.Clock = schedule.Real()
	}
	if opts.Events == nil {
		opts.Events = NewEventBus(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		caller:  caller,
		open:    open,
		capture: audio.DefaultConfig(),
		opts:    opts,
		tasks:   schedule.NewTasks(opts.Clock),
		events:  opts.Events,
		logger:  logger,
		state:   Recording,
	}
}

// Events returns the bus the controller publishes to.
func (c *Controller) Events() *EventBus { return c.events }

// PendingTasks reports how many timers the controller has scheduled.
func (c *Controller) PendingTasks() int { return c.tasks.Len() }

func invalid(op string, s State) error {
	return apperr.Validation(fmt.Sprintf("Cannot %s while %s.", op, s))
}

// setState must be called with c.mu held.
func (c *Controller) setState(to State, message string) {
	if !isValidTransition(c.state, to) {
		c.logger.Error("invalid transcription transition", "from", c.state, "to", to)
		return
	}
	c.state = to
	jobID := ""
	if c.job != nil {
		jobID = c.job.ID
	}
	c.events.Publish(Event{Type: EventTypeStatus, State: to, JobID: jobID, Message: message})
}

// StartRecording opens the microphone and begins appending audio.
func (c *Controller) StartRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Recording || c.device != nil {
		return invalid("start recording", c.state)
	}

	dev, err := c.open(c.capture)
	if err != nil {
		return fmt.Errorf("opening audio device: %w", err)
	}
	dev.SetCallback(c.onAudio)
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		return fmt.Errorf("starting capture: %w", err)
	}

	c.rec = RecordingSession{}
	c.warned = false
	c.lastErr = nil
	c.device = dev
	c.ticker = c.tasks.Every(time.Second, c.tick)
	c.events.Publish(Event{Type: EventTypeStatus, State: Recording, Message: "Recording..."})
	c.logger.Debug("recording started")
	return nil
}

func (c *Controller) onAudio(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return
	}
	c.rec.Audio = append(c.rec.Audio, chunk...)
	c.rec.SizeBytes = len(c.rec.Audio)
	if !c.warned && c.rec.SizeBytes > WarnBytes {
		c.warned = true
		c.events.Publish(Event{
			Type:    EventTypeWarning,
			State:   Recording,
			Message: "Warning: Recording is getting large. Consider stopping soon to avoid upload issues.",
		})
	}
}

func (c *Controller) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		c.rec.DurationSeconds++
	}
}

// StopRecording ends capture and moves to Review.
func (c *Controller) StopRecording() error {
	c.mu.Lock()

	if c.state != Recording || c.device == nil {
		state := c.state
		c.mu.Unlock()
		return invalid("stop recording", state)
	}
	dev := c.detachDevice()
	c.setState(Review, "Review your recording.")
	c.logger.Debug("recording stopped", "seconds", c.rec.DurationSeconds, "bytes", c.rec.SizeBytes)
	c.mu.Unlock()

	shutdown(dev)
	return nil
}

// detachDevice stops the duration ticker and drops the device so late
// callbacks are ignored. Must be called with c.mu held.
func (c *Controller) detachDevice() audio.Device {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	dev := c.device
	c.device = nil
	return dev
}

// shutdown releases dev. It runs without c.mu because stopping a device
// waits for an in-flight data callback, which takes c.mu.
func shutdown(dev audio.Device) {
	if dev == nil {
		return
	}
	dev.Stop()
	dev.ClearCallback()
	dev.Close()
}

// Discard drops the reviewed recording.
func (c *Controller) Discard() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Review {
		return invalid("discard", c.state)
	}
	c.rec = RecordingSession{}
	c.setState(Recording, "Recording discarded.")
	return nil
}

// Submit uploads the reviewed recording and follows the job to completion on
// a background goroutine. Oversized recordings fail here without a request.
func (c *Controller) Submit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Review {
		return invalid("submit", c.state)
	}
	if len(c.rec.Audio) == 0 {
		return apperr.Validation("No recording available to process.")
	}
	if size := audio.WAVHeaderSize + len(c.rec.Audio); size > c.opts.MaxUploadBytes {
		return apperr.New(apperr.KindPayloadTooLarge, "submit",
			fmt.Sprintf("File too large (%.2fMB). Maximum size is %dMB.",
				float64(size)/(1024*1024), c.opts.MaxUploadBytes/(1024*1024)))
	}

	c.job = nil
	c.createdAt = c.opts.Clock.Now()
	c.startCycle(ctx, Uploading)
	return nil
}

// Retry restarts the failed stage with a fresh attempt counter.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Failed {
		return invalid("retry", c.state)
	}
	stage := c.failedStage
	if stage == Polling && c.job == nil {
		stage = Uploading
	}
	c.startCycle(ctx, stage)
	return nil
}

// startCycle must be called with c.mu held.
func (c *Controller) startCycle(ctx context.Context, stage State) {
	wctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	wf := &workflow{ctx: wctx, cancel: cancel, done: make(chan struct{})}
	c.wf = wf
	c.attempt = 1
	c.lastErr = nil
	c.setState(stage, c.stageMessage(stage))
	c.publishAttempt()
	go c.run(wf, stage)
}

func (c *Controller) stageMessage(stage State) string {
	if stage == Polling {
		return "Processing audio..."
	}
	return fmt.Sprintf("Uploading audio... (Attempt %d/%d)", c.attempt, c.opts.MaxAttempts)
}

// publishAttempt must be called with c.mu held.
func (c *Controller) publishAttempt() {
	c.events.Publish(Event{
		Type:        EventTypeAttempt,
		State:       c.state,
		Attempt:     c.attempt,
		MaxAttempts: c.opts.MaxAttempts,
		Message:     fmt.Sprintf("Attempt %d/%d", c.attempt, c.opts.MaxAttempts),
	})
}

// current reports whether wf is still the live workflow. Must hold c.mu.
func (c *Controller) current(wf *workflow) bool {
	return c.wf == wf && wf.ctx.Err() == nil
}

// run drives one cycle: attempts are retried automatically until one reaches
// a first status check, after which polling continues to a terminal status.
func (c *Controller) run(wf *workflow, stage State) {
	defer close(wf.done)

	for {
		status, poll, err := c.tryOnce(wf, stage)
		if err == nil {
			transcript, err := c.pollUntilDone(wf, poll, status)
			poll.stop()
			c.finish(wf, transcript, err)
			return
		}
		if poll != nil {
			poll.stop()
		}
		if wf.ctx.Err() != nil {
			return
		}
		if err == errPollCeiling || !c.retryAllowed(wf, stage, err) {
			failed := stage
			if err == errPollCeiling {
				failed = Polling
			}
			c.fail(wf, failed, err)
			return
		}
		if err := c.wait(wf.ctx, c.opts.RetryDelay); err != nil {
			return
		}
		c.mu.Lock()
		if !c.current(wf) {
			c.mu.Unlock()
			return
		}
		if c.state != stage {
			c.setState(stage, c.stageMessage(stage))
		} else if stage == Uploading {
			c.events.Publish(Event{Type: EventTypeStatus, State: stage, Message: c.stageMessage(stage)})
		}
		c.mu.Unlock()
	}
}

// retryAllowed bumps the attempt counter when another automatic attempt is
// available and reports whether one is. Rejected requests and an expired
// session fail at once.
func (c *Controller) retryAllowed(wf *workflow, stage State, err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindPayloadTooLarge, apperr.KindSessionExpired:
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(wf) {
		return false
	}
	if c.attempt >= c.opts.MaxAttempts {
		return false
	}
	c.attempt++
	c.lastErr = err
	c.logger.Warn("transcription attempt failed, retrying",
		"stage", stage, "attempt", c.attempt, "error", err)
	c.events.Publish(Event{
		Type:        EventTypeError,
		State:       c.state,
		Attempt:     c.attempt,
		MaxAttempts: c.opts.MaxAttempts,
		ErrorKind:   apperr.KindOf(err).String(),
		Message: fmt.Sprintf("Failed to process recording: %s Retrying... (%d/%d)",
			apperr.Message(err), c.attempt, c.opts.MaxAttempts),
	})
	c.publishAttempt()
	return true
}

// pollPhase holds the ceiling of one polling stretch.
type pollPhase struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	ceiling schedule.Task
}

func (p *pollPhase) stop() {
	p.ceiling.Stop()
	p.cancel(nil)
}

// cause maps a cancelled poll to the ceiling error when the ceiling fired.
func (p *pollPhase) cause(err error) error {
	if context.Cause(p.ctx) == errPollCeiling {
		return errPollCeiling
	}
	return err
}

// tryOnce performs one automatic attempt: the upload (when starting from
// Uploading) followed by the first status check.
func (c *Controller) tryOnce(wf *workflow, stage State) (JobStatus, *pollPhase, error) {
	if stage == Uploading {
		if err := c.upload(wf); err != nil {
			return "", nil, err
		}
	}

	poll, err := c.enterPolling(wf)
	if err != nil {
		return "", nil, err
	}
	if err := c.wait(poll.ctx, c.opts.PollInterval); err != nil {
		return "", poll, poll.cause(err)
	}
	status, err := c.check(poll.ctx, wf)
	if err != nil {
		return "", poll, poll.cause(err)
	}
	if status == JobFailed {
		return "", poll, c.jobFailedError()
	}
	return status, poll, nil
}

type uploadResponse struct {
	TranscriptionID string `json:"transcription_id"`
}

func (c *Controller) upload(wf *workflow) error {
	c.mu.Lock()
	if !c.current(wf) {
		c.mu.Unlock()
		return context.Canceled
	}
	payload := audio.WAV(c.rec.Audio, c.capture.SampleRate, c.capture.Channels)
	c.mu.Unlock()

	body, contentType, err := client.Multipart(uploadField, uploadFilename, payload, nil)
	if err != nil {
		return err
	}
	resp, err := c.caller.AuthenticatedCall(wf.ctx, client.Request{
		Method:      http.MethodPost,
		Path:        "/upload-audio",
		Body:        body,
		ContentType: contentType,
	})
	if err != nil {
		return err
	}
	var out uploadResponse
	if err := client.DecodeJSON(resp, &out); err != nil {
		return fmt.Errorf("uploading audio: %w", err)
	}
	if out.TranscriptionID == "" {
		return apperr.New(apperr.KindUnknown, "POST /upload-audio", "No transcription ID received from server.")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(wf) {
		return context.Canceled
	}
	c.job = &Job{ID: out.TranscriptionID, Status: JobQueued}
	c.events.Publish(Event{Type: EventTypeStatus, State: c.state, JobID: out.TranscriptionID, Message: "Transcription started..."})
	c.logger.Info("audio uploaded", "job", out.TranscriptionID, "bytes", len(payload))
	c.saveHistory()
	return nil
}

// enterPolling moves to Polling and arms the ceiling.
func (c *Controller) enterPolling(wf *workflow) (*pollPhase, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(wf) {
		return nil, context.Canceled
	}
	if c.state != Polling {
		c.setState(Polling, "Processing audio...")
	}
	ctx, cancel := context.WithCancelCause(wf.ctx)
	p := &pollPhase{ctx: ctx, cancel: cancel}
	p.ceiling = c.tasks.After(c.opts.PollCeiling, func() { cancel(errPollCeiling) })
	return p, nil
}

type statusResponse struct {
	Status     string `json:"status"`
	Transcript string `json:"transcript"`
	Error      string `json:"error"`
}

// check performs one status request and records the result on the job.
func (c *Controller) check(ctx context.Context, wf *workflow) (JobStatus, error) {
	c.mu.Lock()
	if !c.current(wf) || c.job == nil {
		c.mu.Unlock()
		return "", context.Canceled
	}
	id := c.job.ID
	c.mu.Unlock()

	resp, err := c.caller.AuthenticatedCall(ctx, client.Request{
		Method: http.MethodGet,
		Path:   "/check-transcription/" + url.PathEscape(id),
	})
	if err != nil {
		return "", err
	}
	var out statusResponse
	if err := client.DecodeJSON(resp, &out); err != nil {
		return "", fmt.Errorf("checking transcription %s: %w", id, err)
	}
	status := parseJobStatus(out.Status)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(wf) {
		return "", context.Canceled
	}
	c.job.Status = status
	c.job.Transcript = out.Transcript
	switch status {
	case JobQueued:
		c.events.Publish(Event{Type: EventTypeStatus, State: c.state, JobID: id, Message: "Waiting in queue..."})
	case JobProcessing:
		c.events.Publish(Event{Type: EventTypeStatus, State: c.state, JobID: id, Message: "Processing audio..."})
	case JobFailed:
		c.lastErr = apperr.New(apperr.KindTranscriptionFailed, "GET /check-transcription", failureMessage(out.Error))
	}
	return status, nil
}

func failureMessage(backend string) string {
	if backend == "" {
		return "Transcription failed."
	}
	return "Transcription failed: " + backend
}

func (c *Controller) jobFailedError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr != nil {
		return c.lastErr
	}
	return apperr.ErrTranscriptionFailed
}

// pollUntilDone keeps checking every poll interval until status is terminal.
func (c *Controller) pollUntilDone(wf *workflow, poll *pollPhase, status JobStatus) (string, error) {
	for !status.terminal() {
		if err := c.wait(poll.ctx, c.opts.PollInterval); err != nil {
			return "", poll.cause(err)
		}
		var err error
		status, err = c.check(poll.ctx, wf)
		if err != nil {
			return "", poll.cause(err)
		}
	}
	if status == JobFailed {
		return "", c.jobFailedError()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.Transcript, nil
}

// finish records the outcome of polling.
func (c *Controller) finish(wf *workflow, transcript string, err error) {
	if err != nil {
		if wf.ctx.Err() != nil && err != errPollCeiling {
			return
		}
		c.fail(wf, Polling, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(wf) {
		return
	}
	c.attempt = 0
	c.lastErr = nil
	c.setState(Summary, "Transcription complete.")
	c.events.Publish(Event{Type: EventTypeResult, State: Summary, JobID: c.job.ID, Transcript: transcript})
	c.logger.Info("transcription completed", "job", c.job.ID, "chars", len(transcript))
	c.saveHistory()
}

func (c *Controller) fail(wf *workflow, stage State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(wf) {
		return
	}
	if apperr.KindOf(err) == apperr.KindUnknown && stage == Uploading {
		err = &apperr.Error{Kind: apperr.KindTranscriptionFailed, Op: "upload", Message: apperr.Message(err), Err: err}
	}
	c.lastErr = err
	c.failedStage = stage
	c.setState(Failed, apperr.Message(err))
	c.events.Publish(Event{
		Type:        EventTypeError,
		State:       Failed,
		Attempt:     c.attempt,
		MaxAttempts: c.opts.MaxAttempts,
		ErrorKind:   apperr.KindOf(err).String(),
		Message:     apperr.Message(err),
	})
	c.logger.Warn("transcription failed", "stage", stage, "attempt", c.attempt, "error", err)
	c.saveHistory()
}

// saveHistory must be called with c.mu held.
func (c *Controller) saveHistory() {
	if c.opts.History == nil || c.job == nil {
		return
	}
	status := string(c.job.Status)
	if c.state == Failed {
		status = string(JobFailed)
	}
	rec := storage.Transcription{
		ID:         c.job.ID,
		Status:     status,
		Transcript: c.job.Transcript,
		Attempts:   c.attempt,
		CreatedAt:  c.createdAt,
	}
	if c.lastErr != nil {
		rec.LastError = apperr.Message(c.lastErr)
	}
	if err := c.opts.History.SaveTranscription(rec); err != nil {
		c.logger.Warn("saving transcription history", "job", c.job.ID, "error", err)
	}
}

// wait sleeps for d on the controller's task registry so Close can cancel it.
func (c *Controller) wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	fired := make(chan struct{})
	t := c.tasks.After(d, func() { close(fired) })
	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		t.Stop()
		return context.Cause(ctx)
	}
}

// Close abandons the session from any state: capture stops, every scheduled
// task is cancelled and the workflow goroutine has exited when Close returns.
func (c *Controller) Close() {
	c.mu.Lock()
	wf := c.wf
	c.wf = nil
	dev := c.detachDevice()
	c.mu.Unlock()

	shutdown(dev)

	if wf != nil {
		wf.cancel(context.Canceled)
	}
	c.tasks.StopAll()
	if wf != nil {
		<-wf.done
	}
	// A timer armed between StopAll and the goroutine exit is stopped here.
	c.tasks.StopAll()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec = RecordingSession{}
	c.job = nil
	c.attempt = 0
	c.lastErr = nil
	c.warned = false
	c.setState(Recording, "Session closed.")
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:           c.state,
		Capturing:       c.device != nil,
		Attempt:         c.attempt,
		MaxAttempts:     c.opts.MaxAttempts,
		DurationSeconds: c.rec.DurationSeconds,
		SizeBytes:       c.rec.SizeBytes,
	}
	if c.state == Failed {
		s.FailedStage = c.failedStage.String()
	}
	if c.job != nil {
		job := *c.job
		job.RetryAttempt = c.attempt
		s.Job = &job
		if c.state == Summary {
			s.Transcript = job.Transcript
		}
	}
	if c.lastErr != nil {
		s.Error = apperr.Message(c.lastErr)
		s.ErrorKind = apperr.KindOf(c.lastErr).String()
	}
	return s
}

// Recording returns a copy of the captured audio, for review playback or export.
func (c *Controller) Recording() RecordingSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.rec
	r.Audio = append([]byte(nil), c.rec.Audio...)
	return r
}
