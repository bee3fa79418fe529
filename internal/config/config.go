package config

import "time"

type Config struct {
	Backend       BackendConfig
	Health        HealthConfig
	Transcription TranscriptionConfig
	Storage       StorageConfig
	Server        ServerConfig
	Log           LogConfig
}

type BackendConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	FetchRetries   int
	HealthRetries  int
}

type HealthConfig struct {
	Timeout         time.Duration
	RefreshInterval time.Duration
	WaitAttempts    int
	WaitInterval    time.Duration
}

type TranscriptionConfig struct {
	PollInterval time.Duration
	PollCeiling  time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
	MaxUploadMB  int
}

// MaxUploadBytes is the client-side ceiling for one audio upload.
func (c TranscriptionConfig) MaxUploadBytes() int {
	return c.MaxUploadMB * 1024 * 1024
}

type StorageConfig struct {
	DataDir string
}

type ServerConfig struct {
	Port  int
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:        "https://note-buddy-backend.onrender.com",
			RequestTimeout: 30 * time.Second,
			FetchRetries:   2,
			HealthRetries:  1,
		},
		Health: HealthConfig{
			Timeout:         10 * time.Second,
			RefreshInterval: 5 * time.Minute,
			WaitAttempts:    3,
			WaitInterval:    5 * time.Second,
		},
		Transcription: TranscriptionConfig{
			PollInterval: 3 * time.Second,
			PollCeiling:  120 * time.Second,
			MaxAttempts:  3,
			RetryDelay:   2 * time.Second,
			MaxUploadMB:  25,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Default returns the built-in configuration without consulting any backend.
func Default() Config {
	return defaults()
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: com.notebuddy.app).
// Elsewhere it is a TOML file at $XDG_CONFIG_HOME/notebuddy/config.toml.
//
// Environment variables (NOTEBUDDY_*) override backend values on all platforms.
// The bridge token is a secret and is only read from NOTEBUDDY_SERVER_TOKEN.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}
