package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Env holds process settings read from the environment.
type Env struct {
	StateTable        string
	ParamPrefix       string
	MaxContextItems   int
	MaxMessageLength  int
	InvocationTimeout time.Duration
	LogLevel          slog.Level
	OTLPEndpoint      string
	ServiceName       string
	SMSFromNumber     string
	CORSOrigin        string
	Stage             string
}

// FromEnv reads the process environment. A .env file in the working
// directory is loaded first when present; real environment values win.
func FromEnv() (Env, error) {
	_ = godotenv.Load()

	env := Env{
		StateTable:        strings.TrimSpace(os.Getenv("STATE_TABLE")),
		ParamPrefix:       strings.TrimRight(strings.TrimSpace(os.Getenv("PARAM_PREFIX")), "/"),
		MaxContextItems:   envInt("MAX_CONTEXT_ITEMS", 20),
		MaxMessageLength:  envInt("MAX_MESSAGE_LENGTH", 1600),
		InvocationTimeout: envDuration("INVOCATION_TIMEOUT", 25*time.Second),
		LogLevel:          parseLevel(os.Getenv("LOG_LEVEL")),
		OTLPEndpoint:      strings.TrimRight(strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")), "/"),
		ServiceName:       envString("SERVICE_NAME", "guidance-agent"),
		SMSFromNumber:     strings.TrimSpace(os.Getenv("SMS_FROM_NUMBER")),
		CORSOrigin:        envString("CORS_ORIGIN", "http://localhost:5173"),
		Stage:             envString("STAGE", "dev"),
	}

	var errs []error
	if env.StateTable == "" {
		errs = append(errs, errors.New("STATE_TABLE is required"))
	}
	if env.ParamPrefix == "" {
		errs = append(errs, errors.New("PARAM_PREFIX is required"))
	}
	if len(errs) > 0 {
		return Env{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return env, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
