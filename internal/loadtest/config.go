package loadtest

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid load test config")

// Defaults.
const (
	DefaultUsers         = 10
	DefaultClaims        = 1000
	DefaultWorkers       = 8
	DefaultSettleTimeout = 10 * time.Second
	UserNamePrefix       = "load-user-"
)

// Config holds configuration for a load run.
type Config struct {
	Users           int           // users that receive claims; missing ones are registered
	Claims          int           // total claims to submit
	Workers         int           // concurrent claimers
	Encoding        string        // stream encoding used by the watcher
	SettleTimeout   time.Duration // how long the stream may lag the final ranking
	IdempotencyKeys bool          // send a unique key per claim and retry once on 503
	Verbose         bool          // log progress every second
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() Config {
	return Config{
		Users:         DefaultUsers,
		Claims:        DefaultClaims,
		Workers:       DefaultWorkers,
		SettleTimeout: DefaultSettleTimeout,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Users < 1:
		return fmt.Errorf("%w: users must be >= 1 (got %d)", ErrInvalidConfig, c.Users)
	case c.Claims < 0:
		return fmt.Errorf("%w: claims must be >= 0 (got %d)", ErrInvalidConfig, c.Claims)
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be >= 1 (got %d)", ErrInvalidConfig, c.Workers)
	case c.SettleTimeout <= 0:
		return fmt.Errorf("%w: settle timeout must be > 0", ErrInvalidConfig)
	}
	return nil
}

// Stats holds run statistics.
type Stats struct {
	Users             int           `json:"users"`
	ClaimsSubmitted   int           `json:"claimsSubmitted"`
	ClaimsSuccessful  int           `json:"claimsSuccessful"`
	ClaimsReplayed    int           `json:"claimsReplayed"`
	ClaimsRateLimited int           `json:"claimsRateLimited"`
	ClaimsFailed      int           `json:"claimsFailed"`
	PointsAwarded     int64         `json:"pointsAwarded"`
	StreamMessages    int           `json:"streamMessages"`
	LastGeneration    uint64        `json:"lastGeneration"`
	StartTime         time.Time     `json:"startTime"`
	EndTime           time.Time     `json:"endTime"`
	Duration          time.Duration `json:"duration"`
}
