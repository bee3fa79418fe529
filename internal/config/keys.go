package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	minInt  int // lower bound for kInt keys
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "backend.base_url", typ: kString, env: "NOTEBUDDY_BACKEND_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Backend.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.BaseURL },
	},
	{
		key: "backend.request_timeout", typ: kDuration, env: "NOTEBUDDY_BACKEND_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Backend.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Backend.RequestTimeout },
	},
	{
		key: "backend.fetch_retries", typ: kInt, env: "NOTEBUDDY_BACKEND_FETCH_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Backend.FetchRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Backend.FetchRetries },
	},
	{
		key: "backend.health_retries", typ: kInt, env: "NOTEBUDDY_BACKEND_HEALTH_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Backend.HealthRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Backend.HealthRetries },
	},
	{
		key: "health.timeout", typ: kDuration, env: "NOTEBUDDY_HEALTH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Health.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Health.Timeout },
	},
	{
		key: "health.refresh_interval", typ: kDuration, env: "NOTEBUDDY_HEALTH_REFRESH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Health.RefreshInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Health.RefreshInterval },
	},
	{
		key: "health.wait_attempts", typ: kInt, env: "NOTEBUDDY_HEALTH_WAIT_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Health.WaitAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Health.WaitAttempts },
	},
	{
		key: "health.wait_interval", typ: kDuration, env: "NOTEBUDDY_HEALTH_WAIT_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Health.WaitInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Health.WaitInterval },
	},
	{
		key: "transcription.poll_interval", typ: kDuration, env: "NOTEBUDDY_TRANSCRIPTION_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Transcription.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Transcription.PollInterval },
	},
	{
		key: "transcription.poll_ceiling", typ: kDuration, env: "NOTEBUDDY_TRANSCRIPTION_POLL_CEILING",
		apply:   func(cfg *Config, v any) { cfg.Transcription.PollCeiling = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Transcription.PollCeiling },
	},
	{
		key: "transcription.max_attempts", typ: kInt, env: "NOTEBUDDY_TRANSCRIPTION_MAX_ATTEMPTS", minInt: 1,
		apply:   func(cfg *Config, v any) { cfg.Transcription.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Transcription.MaxAttempts },
	},
	{
		key: "transcription.retry_delay", typ: kDuration, env: "NOTEBUDDY_TRANSCRIPTION_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Transcription.RetryDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Transcription.RetryDelay },
	},
	{
		key: "transcription.max_upload_mb", typ: kInt, env: "NOTEBUDDY_TRANSCRIPTION_MAX_UPLOAD_MB", minInt: 1,
		apply:   func(cfg *Config, v any) { cfg.Transcription.MaxUploadMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Transcription.MaxUploadMB },
	},
	{
		key: "storage.data_dir", typ: kString, env: "NOTEBUDDY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "server.port", typ: kInt, env: "NOTEBUDDY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "NOTEBUDDY_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "log.level", typ: kString, env: "NOTEBUDDY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw into the key's type. Negative integers and
// non-positive durations are rejected.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, err
		}
		if i < 0 {
			return nil, fmt.Errorf("must not be negative")
		}
		return i, nil
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("must be positive")
		}
		return d, nil
	default:
		return raw, nil
	}
}

// checkInt enforces the lower bound of an integer key.
func (s keySpec) checkInt(i int) error {
	if i >= s.minInt {
		return nil
	}
	if s.minInt == 0 {
		return fmt.Errorf("must not be negative")
	}
	return fmt.Errorf("must be at least %d", s.minInt)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok {
				continue
			}
			if err := s.checkInt(v); err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] config key %s=%d %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, v)
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := parseValue(kDuration, v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err == nil && s.typ == kInt {
			err = s.checkInt(v.(int))
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
