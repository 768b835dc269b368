package og

import "time"

const (
	defaultMaxAttempts   = 5
	defaultRetryInterval = 5 * time.Second
	defaultCallTimeout   = 10 * time.Second
	defaultFlattenTTL    = 30 * time.Second
	defaultAdoptTTL      = 600 * time.Second
)

// Config controls submission retries and TTL handling.
type Config struct {
	// MaxAttempts is the retry budget for transient gateway failures,
	// counting the first attempt.
	MaxAttempts   int
	RetryInterval time.Duration
	// CallTimeout bounds every gateway call. An expired call is a transient
	// failure.
	CallTimeout time.Duration
	// FlattenTTL is the TTL of the market order that liquidates the remainder
	// of an expired FLATTEN order.
	FlattenTTL time.Duration
	// AdoptTTL is given to orders adopted from the exchange during recovery.
	AdoptTTL time.Duration
}

// DefaultConfig returns 5 attempts at a 5 second fixed interval.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   defaultMaxAttempts,
		RetryInterval: defaultRetryInterval,
		CallTimeout:   defaultCallTimeout,
		FlattenTTL:    defaultFlattenTTL,
		AdoptTTL:      defaultAdoptTTL,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryInterval < 0 {
		c.RetryInterval = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.FlattenTTL <= 0 {
		c.FlattenTTL = defaultFlattenTTL
	}
	if c.AdoptTTL <= 0 {
		c.AdoptTTL = defaultAdoptTTL
	}
	return c
}
