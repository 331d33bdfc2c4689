// Package clock provides the time source used throughout podium.
//
// Every TTL check, lifecycle decision and streak computation reads "now"
// through a Clock so tests can pin time exactly at expiry boundaries.
//
// TotalOrderLess breaks ties between two observations deterministically by
// (time, id), giving every reader the same ordering without coordination.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// Fake is a manually advanced clock. Safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock pinned at t.
func NewFake(t time.Time) *Fake { return &Fake{now: t} }

// Now returns the pinned time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set pins the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// TotalOrderLess defines a deterministic total order over observations:
// A precedes B if tA is before tB, or the times are equal and idA < idB.
func TotalOrderLess(tA time.Time, idA string, tB time.Time, idB string) bool {
	if !tA.Equal(tB) {
		return tA.Before(tB)
	}
	return idA < idB
}

// Day truncates t to midnight in loc.
func Day(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
