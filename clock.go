package nio

import "time"

// Clock returns the current time. It is injected into Selector/Server so
// that timeout-dependent behavior can be tested deterministically (spec
// design notes §9: "any timer tick/now source should be injected").
type Clock func() time.Time

// systemClock is the default Clock, backed by time.Now.
func systemClock() time.Time { return time.Now() }
