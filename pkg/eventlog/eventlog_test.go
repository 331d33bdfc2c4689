package eventlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(pubkey string, kind int, at int64, tags ...[]string) Event {
	return WithID(Event{PubKey: pubkey, Kind: kind, CreatedAt: at, Tags: tags, Content: ""})
}

func TestFilterMatches(t *testing.T) {
	e := ev("alice", 1301, 1000, []string{"exercise", "run"}, []string{"t", "5k"})
	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"author", Filter{Authors: []string{"bob", "alice"}}, true},
		{"wrong author", Filter{Authors: []string{"bob"}}, false},
		{"kind", Filter{Kinds: []int{1301}}, true},
		{"wrong kind", Filter{Kinds: []int{1}}, false},
		{"since inclusive", Filter{Since: 1000}, true},
		{"since after", Filter{Since: 1001}, false},
		{"until inclusive", Filter{Until: 1000}, true},
		{"until before", Filter{Until: 999}, false},
		{"tag", Filter{Tags: map[string][]string{"t": {"10k", "5k"}}}, true},
		{"wrong tag", Filter{Tags: map[string][]string{"t": {"10k"}}}, false},
		{"missing tag", Filter{Tags: map[string][]string{"d": {"x"}}}, false},
		{"id", Filter{IDs: []string{e.ID}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.f.Matches(e))
		})
	}
}

func TestValidate(t *testing.T) {
	good := ev("alice", 1301, 1000)
	require.NoError(t, Validate(good))

	tampered := good
	tampered.Content = "edited"
	assert.Error(t, Validate(tampered))

	noAuthor := WithID(Event{Kind: 1})
	assert.Error(t, Validate(noAuthor))

	assert.Error(t, Validate(Event{PubKey: "a", Kind: 1}))
}

func TestTagHelpers(t *testing.T) {
	e := ev("org", 30101, 1, []string{"d", "c1"}, []string{"p", "alice"}, []string{"p", "bob"}, []string{"a", "x", "relay"})
	d, ok := e.Tag("d")
	assert.True(t, ok)
	assert.Equal(t, "c1", d)
	assert.Equal(t, []string{"alice", "bob"}, e.TagValues("p"))
	full, ok := e.TagFull("a")
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "x", "relay"}, full)
	_, ok = e.Tag("missing")
	assert.False(t, ok)
}

func TestCollectReturnsAtEOSE(t *testing.T) {
	m := NewMemory(ev("alice", 1301, 1), ev("alice", 1301, 2), ev("bob", 1301, 3))
	got := Collect(context.Background(), m, Filter{Authors: []string{"alice"}}, time.Second)
	assert.Len(t, got, 2)
	assert.Equal(t, int64(1), m.Subscriptions())
}

func TestCollectHonoursLimit(t *testing.T) {
	m := NewMemory(ev("alice", 1301, 1), ev("alice", 1301, 2), ev("alice", 1301, 3))
	got := Collect(context.Background(), m, Filter{Limit: 2}, time.Second)
	assert.Len(t, got, 2)
}

// silent never answers.
type silent struct{}

func (silent) Subscribe(ctx context.Context, _ Filter) (*Subscription, error) {
	return NewSubscription(make(chan Event), make(chan struct{}), nil), nil
}
func (silent) FetchOne(context.Context, Filter) (Event, bool, error) { return Event{}, false, nil }
func (silent) Publish(context.Context, Event) (int, error) {
	return 0, errors.New("connection refused")
}

// broken fails to subscribe.
type broken struct{ silent }

func (broken) Subscribe(context.Context, Filter) (*Subscription, error) {
	return nil, errors.New("dial failed")
}

func TestCollectResolvesOnSilentNetwork(t *testing.T) {
	start := time.Now()
	got := Collect(context.Background(), silent{}, Filter{}, 50*time.Millisecond)
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCollectSubscribeError(t *testing.T) {
	assert.Nil(t, Collect(context.Background(), broken{}, Filter{}, time.Second))
}

func TestGatherReportsCompleteness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(ev("alice", 1301, 1))

	got, complete := Gather(ctx, m, Filter{}, time.Second)
	assert.Len(t, got, 1)
	assert.True(t, complete)

	got, complete = Gather(ctx, NewMemory(), Filter{}, time.Second)
	assert.Empty(t, got)
	assert.True(t, complete, "an answered empty query is complete")

	_, complete = Gather(ctx, silent{}, Filter{}, 50*time.Millisecond)
	assert.False(t, complete)
	_, complete = Gather(ctx, broken{}, Filter{}, time.Second)
	assert.False(t, complete)

	_, complete = Gather(ctx, NewMemory(ev("a", 1301, 1), ev("a", 1301, 2)), Filter{Limit: 1}, time.Second)
	assert.True(t, complete)
}

func TestPoolCompletenessNeedsOneAnsweringReplica(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		replicas []Client
		want     bool
	}{
		{"one answers, one fails", []Client{NewMemory(), broken{}}, true},
		{"every replica fails", []Client{broken{}, broken{}}, false},
		{"every replica silent", []Client{silent{}, silent{}}, false},
		{"no replicas", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, complete := Gather(ctx, NewPool(tt.replicas), Filter{}, 100*time.Millisecond)
			assert.Equal(t, tt.want, complete)
		})
	}
}

func TestPoolMergesAndDedupes(t *testing.T) {
	shared := ev("alice", 1301, 5)
	a := NewMemory(shared, ev("alice", 1301, 1))
	b := NewMemory(shared, ev("alice", 1301, 2))
	p := NewPool([]Client{a, b})

	got := Collect(context.Background(), p, Filter{Authors: []string{"alice"}}, time.Second)
	assert.Len(t, got, 3)
}

func TestPoolEOSEWaitsForEveryReplica(t *testing.T) {
	fast := NewMemory(ev("alice", 1301, 1))
	p := NewPool([]Client{fast, silent{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := p.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case e := <-sub.Events:
		assert.Equal(t, "alice", e.PubKey)
	case <-time.After(time.Second):
		t.Fatal("no event from responsive replica")
	}
	select {
	case <-sub.EOSE:
		t.Fatal("EOSE before every replica finished")
	case <-time.After(50 * time.Millisecond):
	}

	// The timeout still yields the partial result.
	got := Collect(context.Background(), p, Filter{}, 50*time.Millisecond)
	assert.Len(t, got, 1)
}

func TestPoolFailedReplicaCountsAsDone(t *testing.T) {
	p := NewPool([]Client{NewMemory(ev("alice", 1301, 1)), broken{}})
	sub, err := p.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer sub.Close()
	select {
	case <-sub.EOSE:
	case <-time.After(time.Second):
		t.Fatal("EOSE not signalled")
	}
}

func TestPoolFetchOneNewest(t *testing.T) {
	older := ev("org", 30101, 10, []string{"d", "c1"})
	newer := ev("org", 30101, 20, []string{"d", "c1"})
	p := NewPool([]Client{NewMemory(older), NewMemory(newer)})
	got, ok, err := p.FetchOne(context.Background(), Filter{Kinds: []int{30101}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newer.ID, got.ID)
}

func TestPoolPublishCountsAcceptances(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	p := NewPool([]Client{a, b, silent{}})
	n, err := p.Publish(context.Background(), ev("alice", 1105, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())
}

func TestPoolPublishNoAcceptance(t *testing.T) {
	p := NewPool([]Client{silent{}, silent{}})
	n, err := p.Publish(context.Background(), ev("alice", 1105, 1))
	assert.Error(t, err)
	assert.Zero(t, n)

	_, err = NewPool(nil).Publish(context.Background(), ev("alice", 1105, 1))
	assert.Error(t, err)
}

func TestPoolWithoutReplicas(t *testing.T) {
	got := Collect(context.Background(), NewPool(nil), Filter{}, time.Second)
	assert.Empty(t, got)
}

func TestMemoryIgnoreTagFilters(t *testing.T) {
	m := NewMemory(ev("alice", 1301, 1, []string{"t", "a"}), ev("alice", 1301, 2, []string{"t", "b"}))
	f := Filter{Tags: map[string][]string{"t": {"a"}}}
	assert.Len(t, Collect(context.Background(), m, f, time.Second), 1)

	m.IgnoreTagFilters = true
	assert.Len(t, Collect(context.Background(), m, f, time.Second), 2)
}

func newTestReplica(t *testing.T, opts ...ReplicaOption) *SQLiteReplica {
	t.Helper()
	r, err := OpenSQLiteReplica(filepath.Join(t.TempDir(), "replica.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSQLiteReplicaQueries(t *testing.T) {
	ctx := context.Background()
	r := newTestReplica(t)

	events := []Event{
		ev("alice", 1301, 100, []string{"exercise", "run"}),
		ev("alice", 1301, 200, []string{"exercise", "ride"}),
		ev("bob", 1301, 300, []string{"exercise", "run"}),
		ev("org", 30101, 150, []string{"d", "c1"}),
	}
	for _, e := range events {
		n, err := r.Publish(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	n, err := r.Publish(ctx, events[0])
	require.NoError(t, err, "duplicate publish is accepted")
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(4), r.Count(ctx))

	got := Collect(ctx, r, Filter{Authors: []string{"alice"}, Kinds: []int{1301}}, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, int64(200), got[0].CreatedAt, "newest first")

	got = Collect(ctx, r, Filter{Kinds: []int{1301}, Since: 150, Until: 300}, time.Second)
	assert.Len(t, got, 2)

	got = Collect(ctx, r, Filter{Kinds: []int{1301}, Tags: map[string][]string{"exercise": {"run"}}, Limit: 1}, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].PubKey)

	one, ok, err := r.FetchOne(ctx, Filter{Kinds: []int{30101}, Tags: map[string][]string{"d": {"c1"}}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, events[3].ID, one.ID)
	assert.Equal(t, [][]string{{"d", "c1"}}, one.Tags)

	_, ok, err = r.FetchOne(ctx, Filter{Kinds: []int{30101}, Tags: map[string][]string{"d": {"nope"}}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteReplicaRejectsTamperedEvent(t *testing.T) {
	r := newTestReplica(t)
	e := ev("alice", 1301, 1)
	e.Content = "changed after hashing"
	n, err := r.Publish(context.Background(), e)
	assert.Error(t, err)
	assert.Zero(t, n)
}

func TestSQLiteReplicaTailsNewEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newTestReplica(t, WithPollInterval(10*time.Millisecond))
	_, err := r.Publish(ctx, ev("alice", 1301, 1))
	require.NoError(t, err)

	sub, err := r.Subscribe(ctx, Filter{Authors: []string{"alice"}})
	require.NoError(t, err)
	defer sub.Close()

	<-sub.Events
	select {
	case <-sub.EOSE:
	case <-time.After(time.Second):
		t.Fatal("no EOSE")
	}

	live := ev("alice", 1301, 2)
	_, err = r.Publish(ctx, live)
	require.NoError(t, err)
	_, err = r.Publish(ctx, ev("bob", 1301, 3))
	require.NoError(t, err)

	select {
	case e := <-sub.Events:
		assert.Equal(t, live.ID, e.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("live event not delivered")
	}
}
