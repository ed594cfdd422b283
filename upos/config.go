package upos

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/63.0.3239.108"

	envConcurrency  = "UPOS_CONCURRENCY"
	envMaxRetries   = "UPOS_MAX_RETRIES"
	envRetryWaitMin = "UPOS_RETRY_WAIT_MIN"
	envRetryWaitMax = "UPOS_RETRY_WAIT_MAX"
	envTimeout      = "UPOS_TIMEOUT"
	envUserAgent    = "UPOS_USER_AGENT"
	envDebug        = "UPOS_DEBUG"
)

// Config holds configuration for the uploader.
type Config struct {
	// Concurrency is the maximum number of parts in flight.
	// Default: 3
	Concurrency int

	// MaxRetries is the number of retries after the first attempt of every request.
	// Default: 3
	MaxRetries int

	// RetryWaitMin is the base delay of the exponential backoff.
	// Default: 1 second
	RetryWaitMin time.Duration

	// RetryWaitMax caps the backoff delay.
	// Default: 30 seconds
	RetryWaitMax time.Duration

	// BackoffFactor is the multiplier applied to the delay after each attempt.
	// Default: 2
	BackoffFactor float64

	// Jitter randomizes the backoff delay by up to half of its value.
	Jitter bool

	// Timeout applies to every single request.
	// Default: 60 seconds
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// HTTPClient is the base HTTP client. Its transport is shared by all parts.
	// If nil, a default client is created.
	HTTPClient *http.Client

	// TagFunc extracts the integrity tag of an uploaded part.
	// Default: HeaderOrPlaceholderTag
	TagFunc TagFunc

	Logger  log.Logger
	Tracker Tracker
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:   3,
		MaxRetries:    3,
		RetryWaitMin:  time.Second,
		RetryWaitMax:  30 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
		Timeout:       60 * time.Second,
		UserAgent:     defaultUserAgent,
	}
}

// ConfigFromEnv returns the default configuration overridden by the UPOS_* environment variables.
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	config := DefaultConfig()

	if v := envRepo.Get(envConcurrency); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envConcurrency, err)
		}
		config.Concurrency = n
	}
	if v := envRepo.Get(envMaxRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid %s: %q is not a non-negative integer", envMaxRetries, v)
		}
		config.MaxRetries = n
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{envRetryWaitMin, &config.RetryWaitMin},
		{envRetryWaitMax, &config.RetryWaitMax},
		{envTimeout, &config.Timeout},
	}
	for _, d := range durations {
		v := envRepo.Get(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.target = parsed
	}

	if v := envRepo.Get(envUserAgent); v != "" {
		config.UserAgent = v
	}

	if v := envRepo.Get(envDebug); v != "" {
		debug, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envDebug, err)
		}
		logger := log.NewLogger()
		logger.EnableDebugLog(debug)
		config.Logger = logger
	}

	return config, config.validate()
}

func (c Config) validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryWaitMax < c.RetryWaitMin {
		return fmt.Errorf("max retry wait (%s) is smaller than min retry wait (%s)", c.RetryWaitMax, c.RetryWaitMin)
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("backoff factor must be at least 1, got %v", c.BackoffFactor)
	}
	return nil
}

func (c Config) logger() log.Logger {
	if c.Logger == nil {
		return log.NewLogger()
	}
	return c.Logger
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("%d is not a positive integer", n)
	}
	return n, nil
}
