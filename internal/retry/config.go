package retry

import (
	"fmt"
	"time"
)

// Config holds configuration for a Buffer.
type Config struct {
	// Workers is the number of goroutines consuming the queue.
	Workers int

	// MaxAttempts is the total number of handler calls an item gets,
	// including the first. An item that fails this many times is dropped.
	MaxAttempts int

	// PollInterval is the longest a worker sleeps when the queue is empty
	// or its head item is not yet due.
	PollInterval time.Duration

	// RateLimit is the maximum sustained handler calls per second across
	// all workers. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst size. Defaults to 1 if RateLimit
	// is set but RateBurst is zero.
	RateBurst int

	// StatsInterval is how often a stats line is logged. Zero disables it.
	StatsInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		MaxAttempts:   5,
		PollInterval:  50 * time.Millisecond,
		StatsInterval: 30 * time.Second,
	}
}

// Validate reports the first invalid field, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be >= 1, got %d", ErrInvalidConfig, c.Workers)
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be >= 1, got %d", ErrInvalidConfig, c.MaxAttempts)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be > 0, got %v", ErrInvalidConfig, c.PollInterval)
	case c.RateLimit < 0:
		return fmt.Errorf("%w: rate limit must be >= 0, got %v", ErrInvalidConfig, c.RateLimit)
	case c.RateBurst < 0:
		return fmt.Errorf("%w: rate burst must be >= 0, got %d", ErrInvalidConfig, c.RateBurst)
	case c.StatsInterval < 0:
		return fmt.Errorf("%w: stats interval must be >= 0, got %v", ErrInvalidConfig, c.StatsInterval)
	}
	return nil
}
