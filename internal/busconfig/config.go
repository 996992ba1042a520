// Package busconfig holds the bus's configuration surface (spec §6). The
// core never reads environment variables or files itself; the external
// configuration collaborator is expected to populate a Config and pass it
// in, the same boundary the teacher draws between cmd/main.go's env
// defaulting and the subsystems it constructs.
package busconfig

import (
	"runtime"
	"time"

	"github.com/streamspace-dev/qihub/internal/errs"
)

// Config is the configuration surface consumed by the bus.
type Config struct {
	// ReplyTimeout is the default request() timeout. Must be in (0, 300]
	// seconds; Validate enforces this.
	ReplyTimeout time.Duration

	// MaxPendingRequestsPerSession is the per-session pending-request cap.
	MaxPendingRequestsPerSession int

	// DevMode toggles strict message validation (extra fields rejected).
	DevMode bool

	// HandlerWorkers sizes the bounded worker pool synchronous handlers
	// run on. Zero means the default (GOMAXPROCS * 4).
	HandlerWorkers int
}

// Default returns the spec's documented defaults: 5s reply timeout, cap of
// 100 pending requests per session, dev_mode off.
func Default() Config {
	return Config{
		ReplyTimeout:                 5 * time.Second,
		MaxPendingRequestsPerSession: 100,
		DevMode:                      false,
		HandlerWorkers:               runtime.GOMAXPROCS(0) * 4,
	}
}

// Validate checks the config against spec invariants and fills zero-valued
// fields with defaults.
func (c *Config) Validate() error {
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 5 * time.Second
	}
	if c.ReplyTimeout > 300*time.Second {
		return errs.Validation("reply_timeout must be in (0, 300] seconds, got %s", c.ReplyTimeout)
	}
	if c.MaxPendingRequestsPerSession <= 0 {
		c.MaxPendingRequestsPerSession = 100
	}
	if c.HandlerWorkers <= 0 {
		c.HandlerWorkers = runtime.GOMAXPROCS(0) * 4
	}
	return nil
}
