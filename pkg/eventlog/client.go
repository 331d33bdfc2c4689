package eventlog

import (
	"context"
	"sync"
	"time"
)

// Client is the event-network client consumed by podium.
type Client interface {
	// Subscribe streams stored events matching f. The subscription's EOSE
	// channel closes once the initial stored results have been delivered.
	Subscribe(ctx context.Context, f Filter) (*Subscription, error)

	// FetchOne returns the newest event matching f, if any.
	FetchOne(ctx context.Context, f Filter) (Event, bool, error)

	// Publish sends e and returns how many replicas accepted it.
	// Zero means the publish failed.
	Publish(ctx context.Context, e Event) (int, error)
}

// Subscription is a live query.
type Subscription struct {
	// Events delivers matching events. It may close after EOSE.
	Events <-chan Event
	// EOSE closes when the initial stored results are complete.
	EOSE <-chan struct{}

	closeOnce sync.Once
	closeFn   func()
}

// NewSubscription wraps the channels of a subscription. closeFn, if not
// nil, runs once on Close.
func NewSubscription(events <-chan Event, eose <-chan struct{}, closeFn func()) *Subscription {
	return &Subscription{Events: events, EOSE: eose, closeFn: closeFn}
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
	})
}

// Collect subscribes with f and gathers events until end of stored results,
// the timeout, ctx cancellation or f.Limit events, whichever comes first.
// It never fails: a subscription error or an unresponsive network yields
// whatever arrived, possibly nothing. Results are deduplicated by id.
func Collect(ctx context.Context, c Client, f Filter, timeout time.Duration) []Event {
	events, _ := Gather(ctx, c, f, timeout)
	return events
}

// Gather is Collect that also reports whether the result is complete: the
// stored results ended (EOSE) or f.Limit was reached. A timeout, a
// cancelled ctx or a failed subscription leave it incomplete, so an empty
// incomplete result means "unknown", not "none".
func Gather(ctx context.Context, c Client, f Filter, timeout time.Duration) ([]Event, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub, err := c.Subscribe(ctx, f)
	if err != nil {
		return nil, false
	}
	defer sub.Close()

	var out []Event
	seen := make(map[string]struct{})
	add := func(e Event) bool {
		if _, dup := seen[e.ID]; !dup {
			seen[e.ID] = struct{}{}
			out = append(out, e)
		}
		return f.Limit > 0 && len(out) >= f.Limit
	}
	ended := func() bool {
		select {
		case <-sub.EOSE:
			return true
		default:
			return false
		}
	}

	for {
		select {
		case e, ok := <-sub.Events:
			if !ok {
				return out, ended()
			}
			if add(e) {
				return out, true
			}
		case <-sub.EOSE:
			// Stored events are sent before EOSE closes; drain what is buffered.
			for {
				select {
				case e, ok := <-sub.Events:
					if !ok || add(e) {
						return out, true
					}
				default:
					return out, true
				}
			}
		case <-ctx.Done():
			return out, false
		}
	}
}

// Newest returns the event with the highest CreatedAt, ties broken by the
// lower id.
func Newest(events []Event) (Event, bool) {
	if len(events) == 0 {
		return Event{}, false
	}
	best := events[0]
	for _, e := range events[1:] {
		if e.CreatedAt > best.CreatedAt || (e.CreatedAt == best.CreatedAt && e.ID < best.ID) {
			best = e
		}
	}
	return best, true
}
