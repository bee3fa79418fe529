// Package credential holds the current identity and auth token and persists
// them across restarts.
package credential

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/baburama/notebuddy/internal/schedule"
	"github.com/baburama/notebuddy/internal/storage"
)

const (
	keyIdentity     = "session.identity"
	keyToken        = "session.token"
	keyIssuedAt     = "session.issued_at"
	keyLastActivity = "session.last_activity"
)

var allKeys = []string{keyIdentity, keyToken, keyIssuedAt, keyLastActivity}

// KV is the durable key/value storage the store persists into.
// storage.Store implements it.
type KV interface {
	PutValues(values map[string]string) error
	GetValue(key string) (string, error)
	DeleteValues(keys ...string) error
}

// Credential is the auth material of one session.
type Credential struct {
	Identity     string
	Token        string
	IssuedAt     time.Time
	LastActivity time.Time
}

// Valid reports whether c represents an active session.
func (c Credential) Valid() bool {
	return c.Token != ""
}

// Token derives the Authorization header value for identity and secret.
// The backend expects the pair verbatim, without base64 encoding.
func Token(identity, secret string) string {
	return "Basic " + identity + ":" + secret
}

// Store is the single holder of the session credential.
type Store struct {
	kv     KV
	clock  schedule.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	current Credential
}

// NewStore creates a Store. A nil logger uses slog.Default().
func NewStore(kv KV, clock schedule.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = schedule.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, clock: clock, logger: logger}
}

// Save persists identity and the derived token in one transaction and marks
// the session authenticated.
func (s *Store) Save(identity, secret string) (Credential, error) {
	now := s.clock.Now().UTC()
	c := Credential{
		Identity:     identity,
		Token:        Token(identity, secret),
		IssuedAt:     now,
		LastActivity: now,
	}
	err := s.kv.PutValues(map[string]string{
		keyIdentity:     c.Identity,
		keyToken:        c.Token,
		keyIssuedAt:     now.Format(time.RFC3339),
		keyLastActivity: now.Format(time.RFC3339),
	})

	// The in-memory session is active even when persistence failed; it just
	// won't survive a restart.
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()

	if err != nil {
		return c, fmt.Errorf("persisting credential: %w", err)
	}
	return c, nil
}

// Load restores the persisted credential. Storage failures are logged and
// reported as absent.
func (s *Store) Load() (Credential, bool) {
	token, err := s.kv.GetValue(keyToken)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("reading stored credential", "error", err)
		}
		return Credential{}, false
	}
	if token == "" {
		return Credential{}, false
	}

	c := Credential{Token: token}
	if c.Identity, err = s.kv.GetValue(keyIdentity); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("reading stored identity", "error", err)
		return Credential{}, false
	}
	c.IssuedAt = s.readTime(keyIssuedAt)
	c.LastActivity = s.readTime(keyLastActivity)

	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
	return c, true
}

func (s *Store) readTime(key string) time.Time {
	raw, err := s.kv.GetValue(key)
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		s.logger.Debug("ignoring malformed timestamp", "key", key, "error", err)
		return time.Time{}
	}
	return t
}

// Clear removes all persisted material. The in-memory session is reset even
// when storage fails.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.current = Credential{}
	s.mu.Unlock()

	if err := s.kv.DeleteValues(allKeys...); err != nil {
		return fmt.Errorf("clearing credential: %w", err)
	}
	return nil
}

// Current returns the active credential, if any.
func (s *Store) Current() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.current.Valid()
}

// Touch records activity on the current session. Best effort.
func (s *Store) Touch() {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	if !s.current.Valid() {
		s.mu.Unlock()
		return
	}
	s.current.LastActivity = now
	s.mu.Unlock()

	if err := s.kv.PutValues(map[string]string{keyLastActivity: now.Format(time.RFC3339)}); err != nil {
		s.logger.Debug("recording session activity", "error", err)
	}
}
