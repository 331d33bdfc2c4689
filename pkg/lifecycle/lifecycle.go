// Package lifecycle computes a competition's state at read time.
//
// Nothing here is persisted. The state is a pure function of the time
// window, the current instant and whether a frozen snapshot exists:
//
//	UPCOMING  now < start
//	LIVE      start <= now < end
//	ENDED     now >= end, not yet frozen
//	FROZEN    a snapshot exists (terminal)
//
// A competition is safe to finalize only once its end lies strictly in the
// past, so at the instant now == end it is ENDED but not yet frozen.
package lifecycle

import (
	"time"

	"github.com/daviddao/podium/pkg/model"
)

// Compute returns the state of the window [start, end) at now.
func Compute(start, end, now time.Time, frozen bool) model.Status {
	switch {
	case frozen:
		return model.StatusFrozen
	case now.Before(start):
		return model.StatusUpcoming
	case now.Before(end):
		return model.StatusLive
	default:
		return model.StatusEnded
	}
}

// SafeToFinalize reports whether a competition ending at end may be frozen
// at now.
func SafeToFinalize(end, now time.Time) bool {
	return end.Before(now)
}

// NextTransition returns the next instant after now at which Compute would
// return a different state, or false if the state can no longer change on
// its own.
func NextTransition(start, end, now time.Time) (time.Time, bool) {
	switch {
	case now.Before(start):
		return start, true
	case now.Before(end):
		return end, true
	}
	return time.Time{}, false
}

// Transition is a change between two observations of the same competition.
type Transition struct {
	From model.Status `json:"from"`
	To   model.Status `json:"to"`
}

// Changed reports whether the state moved.
func (t Transition) Changed() bool { return t.From != t.To }

// Rebuild reports whether the leaderboard must be rebuilt: on the start of
// the competition and on its end, including a jump straight from UPCOMING
// to ENDED between two observations.
func (t Transition) Rebuild() bool {
	switch {
	case t.From == model.StatusUpcoming && t.To == model.StatusLive:
		return true
	case t.From == model.StatusLive && t.To == model.StatusEnded:
		return true
	case t.From == model.StatusUpcoming && t.To == model.StatusEnded:
		return true
	}
	return false
}
