package nio

import (
	"time"

	"github.com/lucky-nio/nio/nlog"
)

// Config configures a Selector or Server. The reactor is a library, not a
// service (spec §6: "persisted state: none"): every knob is a constructor
// parameter, mirroring gaio.NewWatcherSize's parameter-based construction
// rather than a loaded config file.
type Config struct {
	// ThreadSafe guards the deferred-request inbox with a mutex, for
	// Selector.Request/Wakeup calls from goroutines other than the one
	// driving RunOnce/Run (spec §4.1: "optionally protects its
	// deferred-request inbox with a mutex").
	ThreadSafe bool

	// IdleInterval is the maximum epoll_wait wait before SetIdleCallback
	// fires with no events (spec §4.4: set_idle_interval).
	IdleInterval time.Duration

	// BufferSize sizes the epoll_wait result buffer; 0 picks a default.
	BufferSize int

	// Logger receives Debug-level tracing and Error-level failures. A nil
	// Logger is replaced with nlog.Discard().
	Logger *nlog.Logger

	// Clock abstracts time.Now for deterministic tests. A nil Clock is
	// replaced with the real wall clock.
	Clock Clock
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 128
	}
	if c.Logger == nil {
		c.Logger = nlog.Discard()
	}
	if c.Clock == nil {
		c.Clock = systemClock
	}
	return c
}
