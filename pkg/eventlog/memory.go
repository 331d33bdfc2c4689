package eventlog

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// serve streams stored to a new subscription, closes EOSE, then runs tail
// (if any) until ctx ends. The events channel closes when serving stops.
func serve(ctx context.Context, stored []Event, tail func(ctx context.Context, emit func(Event) bool)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan Event, 64)
	eose := make(chan struct{})
	go func() {
		defer close(events)
		emit := func(e Event) bool {
			select {
			case events <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, e := range stored {
			if !emit(e) {
				return
			}
		}
		close(eose)
		if tail != nil {
			tail(ctx, emit)
		}
	}()
	return NewSubscription(events, eose, cancel)
}

// Memory is an in-process replica. It backs the "memory" store driver and
// doubles as a test fixture: Subscriptions counts every query it served.
type Memory struct {
	// IgnoreTagFilters makes the replica drop tag predicates, the way many
	// public replicas do.
	IgnoreTagFilters bool

	mu     sync.RWMutex
	events []Event
	byID   map[string]struct{}

	subscriptions atomic.Int64
}

// NewMemory returns a replica preloaded with events.
func NewMemory(events ...Event) *Memory {
	m := &Memory{byID: make(map[string]struct{})}
	m.Add(events...)
	return m
}

// Add stores events without validation, ignoring duplicate ids.
func (m *Memory) Add(events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		if _, dup := m.byID[e.ID]; dup {
			continue
		}
		m.byID[e.ID] = struct{}{}
		m.events = append(m.events, e)
	}
}

// Len returns the number of stored events.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Subscriptions returns how many subscriptions the replica has served.
func (m *Memory) Subscriptions() int64 { return m.subscriptions.Load() }

// Subscribe implements Client.
func (m *Memory) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	m.subscriptions.Add(1)
	return serve(ctx, m.query(f), nil), nil
}

// FetchOne implements Client.
func (m *Memory) FetchOne(_ context.Context, f Filter) (Event, bool, error) {
	m.subscriptions.Add(1)
	e, ok := Newest(m.query(f))
	return e, ok, nil
}

// Publish implements Client.
func (m *Memory) Publish(_ context.Context, e Event) (int, error) {
	if err := Validate(e); err != nil {
		return 0, err
	}
	m.Add(e)
	return 1, nil
}

// query returns matching events newest first, honouring Limit.
func (m *Memory) query(f Filter) []Event {
	if m.IgnoreTagFilters {
		f.Tags = nil
	}
	m.mu.RLock()
	var out []Event
	for _, e := range m.events {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func sortNewestFirst(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}
