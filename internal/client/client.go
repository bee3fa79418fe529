// Package client wraps every backend request with health gating, credential
// injection, per-attempt timeouts and bounded retries.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/baburama/notebuddy/internal/apperr"
	"github.com/baburama/notebuddy/internal/credential"
	"github.com/baburama/notebuddy/internal/health"
	"github.com/baburama/notebuddy/internal/schedule"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultBackoff        = 1 * time.Second
	defaultHealthInterval = 5 * time.Second
	defaultHealthRetries  = 1
	defaultFetchRetries   = 2

	// RequestIDHeader carries one ID shared by every attempt of a logical call.
	RequestIDHeader = "X-Request-ID"
)

// Gate reports backend readiness. *health.Monitor implements it.
type Gate interface {
	Status() health.Status
	WaitForReady(ctx context.Context, maxAttempts int, interval time.Duration) bool
}

// Credentials supplies the current session. *credential.Store implements it.
type Credentials interface {
	Current() (credential.Credential, bool)
}

// Request describes one logical backend call. Body is a byte slice so that
// every attempt can resend it.
type Request struct {
	Method      string
	Path        string
	Body        []byte
	ContentType string
	Header      http.Header
}

func (r Request) op() string {
	return r.Method + " " + r.Path
}

// CallOptions bound the retry behaviour of one Call.
type CallOptions struct {
	HealthRetries int
	FetchRetries  int
	RequiresAuth  bool
}

// NoRetries disables a retry count in Options, where zero selects the default.
const NoRetries = -1

// Options configures a Client. Zero values select the defaults.
type Options struct {
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Backoff        time.Duration
	HealthInterval time.Duration
	HealthRetries  int
	FetchRetries   int
	Clock          schedule.Clock
	Logger         *slog.Logger
}

// Client is the resilient backend client.
type Client struct {
	baseURL        string
	gate           Gate
	creds          Credentials
	httpClient     *http.Client
	timeout        time.Duration
	backoff        time.Duration
	healthInterval time.Duration
	healthRetries  int
	fetchRetries   int
	clock          schedule.Clock
	logger         *slog.Logger
}

// New creates a Client for the backend at baseURL.
func New(baseURL string, gate Gate, creds Credentials, opts Options) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	hc := &http.Client{}
	if opts.HTTPClient != nil {
		copied := *opts.HTTPClient
		hc = &copied
	}
	if hc.Jar == nil {
		hc.Jar = jar
	}

	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		gate:           gate,
		creds:          creds,
		httpClient:     hc,
		timeout:        opts.RequestTimeout,
		backoff:        opts.Backoff,
		healthInterval: opts.HealthInterval,
		healthRetries:  opts.HealthRetries,
		fetchRetries:   opts.FetchRetries,
		clock:          opts.Clock,
		logger:         opts.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = defaultRequestTimeout
	}
	if c.backoff <= 0 {
		c.backoff = defaultBackoff
	}
	if c.healthInterval <= 0 {
		c.healthInterval = defaultHealthInterval
	}
	c.healthRetries = retryCount(c.healthRetries, defaultHealthRetries)
	c.fetchRetries = retryCount(c.fetchRetries, defaultFetchRetries)
	if c.clock == nil {
		c.clock = schedule.Real()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Defaults returns the configured call options.
func (c *Client) Defaults(requiresAuth bool) CallOptions {
	return CallOptions{
		HealthRetries: c.healthRetries,
		FetchRetries:  c.fetchRetries,
		RequiresAuth:  requiresAuth,
	}
}

// Call performs req. It returns the response (possibly a final 401/403) or an
// *apperr.Error of kind SessionExpired, BackendUnavailable, TimeoutExceeded or
// NetworkError. Closing the response body releases the attempt's timeout.
func (c *Client) Call(ctx context.Context, req Request, opts CallOptions) (*http.Response, error) {
	op := req.op()

	var token string
	if opts.RequiresAuth {
		cred, ok := c.creds.Current()
		if !ok {
			return nil, apperr.Wrap(apperr.KindSessionExpired, op, errors.New("no credential"))
		}
		token = cred.Token
	}

	if c.gate.Status() != health.Ready {
		if !c.gate.WaitForReady(ctx, opts.HealthRetries, c.healthInterval) {
			if ctx.Err() != nil {
				return nil, apperr.Wrap(apperr.KindNetworkError, op, context.Cause(ctx))
			}
			return nil, apperr.New(apperr.KindBackendUnavailable, op, apperr.ErrBackendUnavailable.Message)
		}
	}

	requestID := uuid.NewString()
	maxAttempts := opts.FetchRetries + 1
	for attempt := 1; ; attempt++ {
		resp, err := c.do(ctx, req, token, requestID)
		retriesLeft := attempt < maxAttempts

		switch {
		case err == nil && isAuthRejection(resp.StatusCode) && retriesLeft:
			// The backend may be mid-restart and reject valid credentials.
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.logger.Warn("request rejected, retrying",
				"path", req.Path, "status", resp.StatusCode, "attempt", attempt, "max", maxAttempts, "request_id", requestID)
		case err == nil:
			return resp, nil
		case ctx.Err() != nil:
			return nil, apperr.Wrap(apperr.KindNetworkError, op, context.Cause(ctx))
		case isTimeout(err) && retriesLeft:
			c.logger.Warn("request timed out, retrying",
				"path", req.Path, "attempt", attempt, "max", maxAttempts, "request_id", requestID)
		case isTimeout(err):
			return nil, apperr.Wrap(apperr.KindTimeoutExceeded, op, err)
		default:
			return nil, apperr.Wrap(apperr.KindNetworkError, op, err)
		}

		if err := schedule.Sleep(ctx, c.clock, c.backoff); err != nil {
			return nil, apperr.Wrap(apperr.KindNetworkError, op, err)
		}
	}
}

func (c *Client) do(ctx context.Context, req Request, token, requestID string) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+req.Path, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", token)
	}
	httpReq.Header.Set(RequestIDHeader, requestID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}

	// Wrap the body so the timeout context cancel is called when the caller closes it.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func isAuthRejection(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
