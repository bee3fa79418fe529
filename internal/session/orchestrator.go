// Package session is the single entry point for authentication: login,
// registration, logout and authenticated backend calls.
package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/baburama/notebuddy/internal/apperr"
	"github.com/baburama/notebuddy/internal/client"
	"github.com/baburama/notebuddy/internal/credential"
)

const (
	defaultWaitAttempts = 3
	defaultWaitInterval = 5 * time.Second

	msgLoginFailed        = "Login failed"
	msgRegistrationFailed = "Registration failed"
	msgBackendStarting    = "Backend is still starting up. Please try again in a moment."
	msgTimedOut           = "Request timed out. The server might be starting up. Please try again."
	msgNetwork            = "Network error. Please try again."
)

// Result is the outcome of Login or Register. BackendStarting distinguishes
// "try again shortly" from a rejected credential.
type Result struct {
	Success         bool   `json:"success"`
	BackendStarting bool   `json:"backend_starting,omitempty"`
	Message         string `json:"message,omitempty"`
}

// Options configures an Orchestrator. Zero values select the defaults; a
// negative WaitAttempts such as client.NoRetries probes the backend once.
type Options struct {
	WaitAttempts int
	WaitInterval time.Duration
	Logger       *slog.Logger
}

// Orchestrator composes the credential store, health gate and resilient client.
type Orchestrator struct {
	creds        *credential.Store
	gate         client.Gate
	client       *client.Client
	waitAttempts int
	waitInterval time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	onExpired []func()
}

// New creates an Orchestrator.
func New(creds *credential.Store, gate client.Gate, c *client.Client, opts Options) *Orchestrator {
	o := &Orchestrator{
		creds:        creds,
		gate:         gate,
		client:       c,
		waitAttempts: opts.WaitAttempts,
		waitInterval: opts.WaitInterval,
		logger:       opts.Logger,
	}
	switch {
	case o.waitAttempts == 0:
		o.waitAttempts = defaultWaitAttempts
	case o.waitAttempts < 0:
		o.waitAttempts = 0
	}
	if o.waitInterval <= 0 {
		o.waitInterval = defaultWaitInterval
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// OnExpired registers fn to run after a detected session expiry has cleared
// the credential.
func (o *Orchestrator) OnExpired(fn func()) {
	o.mu.Lock()
	o.onExpired = append(o.onExpired, fn)
	o.mu.Unlock()
}

// Restore loads a persisted session. It reports whether one was found.
func (o *Orchestrator) Restore() bool {
	_, ok := o.creds.Load()
	return ok
}

func (o *Orchestrator) Authenticated() bool {
	_, ok := o.creds.Current()
	return ok
}

func (o *Orchestrator) Identity() string {
	c, _ := o.creds.Current()
	return c.Identity
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates against the backend and stores the credential on success.
func (o *Orchestrator) Login(ctx context.Context, identity, secret string) (Result, error) {
	res, err := o.authenticate(ctx, "/login", identity, secret, msgLoginFailed)
	if err != nil || !res.Success {
		return res, err
	}
	if _, err := o.creds.Save(identity, secret); err != nil {
		o.logger.Warn("session will not survive restart", "error", err)
	}
	o.logger.Info("logged in", "identity", identity)
	return res, nil
}

// Register creates an account. It does not log the user in.
func (o *Orchestrator) Register(ctx context.Context, identity, secret string) (Result, error) {
	return o.authenticate(ctx, "/register", identity, secret, msgRegistrationFailed)
}

func (o *Orchestrator) authenticate(ctx context.Context, path, identity, secret, fallback string) (Result, error) {
	if identity == "" || secret == "" {
		err := apperr.Validation("Username and password are required.")
		return Result{Message: err.Message}, err
	}

	if !o.gate.WaitForReady(ctx, o.waitAttempts, o.waitInterval) {
		return Result{BackendStarting: true, Message: msgBackendStarting}, nil
	}

	req, err := client.JSON(http.MethodPost, path, authRequest{Username: identity, Password: secret})
	if err != nil {
		return Result{}, err
	}
	resp, err := o.client.Call(ctx, req, client.CallOptions{})
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindTimeoutExceeded, apperr.KindBackendUnavailable:
			return Result{BackendStarting: true, Message: msgTimedOut}, nil
		default:
			o.logger.Warn("auth request failed", "path", path, "error", err)
			return Result{Message: msgNetwork}, nil
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(raw, &body)
		msg := body.Error
		if msg == "" {
			msg = fallback
		}
		return Result{Message: msg}, nil
	}
	io.Copy(io.Discard, resp.Body)
	return Result{Success: true}, nil
}

// Logout clears the stored session.
func (o *Orchestrator) Logout() error {
	return o.creds.Clear()
}

// Call is AuthenticatedCall with a JSON body.
func (o *Orchestrator) Call(ctx context.Context, method, path string, body any) (*http.Response, error) {
	if body == nil {
		return o.AuthenticatedCall(ctx, client.Request{Method: method, Path: path})
	}
	req, err := client.JSON(method, path, body)
	if err != nil {
		return nil, err
	}
	return o.AuthenticatedCall(ctx, req)
}

// AuthenticatedCall performs req with the session credential. A missing
// credential or an auth rejection that survives the client's retries ends
// the session and returns apperr.ErrSessionExpired.
func (o *Orchestrator) AuthenticatedCall(ctx context.Context, req client.Request) (*http.Response, error) {
	resp, err := o.client.Call(ctx, req, o.client.Defaults(true))
	if err != nil {
		if apperr.KindOf(err) == apperr.KindSessionExpired {
			o.expire(req.Path)
		}
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		o.expire(req.Path)
		return nil, &apperr.Error{
			Kind:    apperr.KindSessionExpired,
			Op:      req.Method + " " + req.Path,
			Message: apperr.ErrSessionExpired.Message,
			Status:  resp.StatusCode,
		}
	}
	o.creds.Touch()
	return resp, nil
}

func (o *Orchestrator) expire(path string) {
	o.logger.Warn("session expired", "path", path)
	if err := o.creds.Clear(); err != nil {
		o.logger.Warn("clearing expired session", "error", err)
	}

	o.mu.Lock()
	callbacks := append([]func(){}, o.onExpired...)
	o.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}
