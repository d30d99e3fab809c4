package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	defaultEnvFile = ".env"

	envEnvFile = "PNEUMOSCAN_ENV_FILE"
)

// DefaultMaxUploadBytes is the upload size limit (10 MiB).
const DefaultMaxUploadBytes = 10 * 1024 * 1024

// Config holds application configuration loaded from environment variables.
// It is read once at startup and not modified afterwards.
type Config struct {
	Port       string `env:"PORT" envDefault:"5000"`
	ListenAddr string `env:"PNEUMOSCAN_LISTEN_ADDR"`
	DBPath     string `env:"PNEUMOSCAN_DB_PATH" envDefault:"pneumoscan.db"`
	LogLevel   string `env:"PNEUMOSCAN_LOG_LEVEL" envDefault:"info"`

	UploadDir      string `env:"UPLOAD_DIR" envDefault:"uploads"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"`
	// UploadSweepAge is the age past which leftover uploads are removed at
	// startup. Zero disables the sweep.
	UploadSweepAge time.Duration `env:"UPLOAD_SWEEP_AGE" envDefault:"10m"`

	PythonPath           string        `env:"PYTHON_PATH" envDefault:"python"`
	WorkerScript         string        `env:"WORKER_SCRIPT" envDefault:"model/predict.py"`
	WorkerTimeout        time.Duration `env:"WORKER_TIMEOUT" envDefault:"60s"`
	MaxConcurrentWorkers int           `env:"MAX_CONCURRENT_WORKERS" envDefault:"4"`
	CancelOnDisconnect   bool          `env:"CANCEL_ON_DISCONNECT" envDefault:"true"`

	// ShutdownGrace is how long in-flight predictions may run after SIGTERM.
	// Zero derives it from WorkerTimeout.
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"0s"`
}

// Load reads configuration from environment variables with sensible defaults.
// Variables from a .env file (PNEUMOSCAN_ENV_FILE, default ".env") are loaded
// first; a missing file is not an error and real environment variables win.
func Load() (Config, error) {
	envFile := os.Getenv(envEnvFile)
	if envFile == "" {
		envFile = defaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.WorkerTimeout < 0 {
		return fmt.Errorf("WORKER_TIMEOUT must not be negative, got %s", c.WorkerTimeout)
	}
	if c.UploadSweepAge < 0 {
		return fmt.Errorf("UPLOAD_SWEEP_AGE must not be negative, got %s", c.UploadSweepAge)
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("SHUTDOWN_GRACE must not be negative, got %s", c.ShutdownGrace)
	}
	if c.MaxConcurrentWorkers < 0 {
		return fmt.Errorf("MAX_CONCURRENT_WORKERS must not be negative, got %d", c.MaxConcurrentWorkers)
	}
	if strings.TrimSpace(c.PythonPath) == "" {
		return errors.New("PYTHON_PATH must not be empty")
	}
	return nil
}

// Addr returns the HTTP listen address. PNEUMOSCAN_LISTEN_ADDR takes
// precedence over PORT.
func (c Config) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return ":" + c.Port
}

// WorkerCommand returns the interpreter followed by the worker script. The
// asset path is appended by the invoker.
func (c Config) WorkerCommand() []string {
	cmd := []string{c.PythonPath}
	if c.WorkerScript != "" {
		cmd = append(cmd, c.WorkerScript)
	}
	return cmd
}

// Level returns the parsed slog level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
