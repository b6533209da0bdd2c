// Package system is the wall-clock adapter. Timestamped records (audit
// rows, crawl stats, fetch timings) go through crawler.Clock so tests can
// pin time; this is the production implementation.
package system

import "time"

// Clock reads the system time.
type Clock struct{}

// New returns a system Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. Persisted timestamps are UTC
// throughout; conversion happens here, not at each call site.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
