package activity

import (
	"context"
	"testing"
	"time"

	"github.com/daviddao/podium/pkg/clock"
	"github.com/daviddao/podium/pkg/eventlog"
	"github.com/daviddao/podium/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC)

func workout(author string, at time.Time, typ, duration, km string) eventlog.Event {
	tags := [][]string{{"exercise", typ}, {"start", eventlog.FormatInt(at.Unix())}, {"duration", duration}}
	if km != "" {
		tags = append(tags, []string{"distance", km, "km"})
	}
	return eventlog.WithID(eventlog.Event{
		PubKey:    author,
		CreatedAt: at.Add(time.Hour).Unix(),
		Kind:      model.KindWorkout,
		Tags:      tags,
	})
}

func TestParseRecord(t *testing.T) {
	e := workout("alice", today, "Running", "00:25:30", "5.2")
	e.Tags = append(e.Tags, []string{"calories", "410"}, []string{"heart_rate_avg", "152"})
	e = eventlog.WithID(e)

	rec, ok := ParseRecord(e)
	require.True(t, ok)
	assert.Equal(t, e.ID, rec.ID)
	assert.Equal(t, "alice", rec.Author)
	assert.Equal(t, "run", rec.Type)
	assert.Equal(t, int64(1530), rec.DurationSec)
	assert.InDelta(t, 5200, rec.DistanceMeters, 0.001)
	assert.Equal(t, 410, rec.Calories)
	require.NotNil(t, rec.HeartRate)
	assert.Equal(t, 152, rec.HeartRate.Avg)
	assert.True(t, rec.StartTime.Equal(today))
}

func TestParseRecordDefaultsGarbledFields(t *testing.T) {
	e := eventlog.WithID(eventlog.Event{
		PubKey:    "bob",
		CreatedAt: today.Unix(),
		Kind:      model.KindWorkout,
		Tags:      [][]string{{"exercise", "walk"}, {"duration", "soon"}, {"distance", "far", "km"}},
	})
	rec, ok := ParseRecord(e)
	assert.False(t, ok)
	assert.Equal(t, "bob", rec.Author)
	assert.Equal(t, "walk", rec.Type)
	assert.Zero(t, rec.DurationSec)
	assert.Zero(t, rec.DistanceMeters)
	assert.True(t, rec.StartTime.Equal(today), "start defaults to publish time")
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"01:02:03", 3723, false},
		{"25:00", 1500, false},
		{"90:00", 5400, false},
		{"1400", 1400, false},
		{"1400.7", 1400, false},
		{"00:61:00", 0, true},
		{"1:2:3:4", 0, true},
		{"", 0, true},
		{"-5", 0, true},
		{"ab:cd", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDistance(t *testing.T) {
	tests := []struct {
		value, unit string
		want        float64
		wantErr     bool
	}{
		{"5000", "m", 5000, false},
		{"5", "km", 5000, false},
		{"5", "", 5000, false},
		{"1", "mi", 1609.344, false},
		{"2", "miles", 3218.688, false},
		{"5", "furlongs", 0, true},
		{"x", "km", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.value+tt.unit, func(t *testing.T) {
			got, err := ParseDistance(tt.value, tt.unit)
			assert.Equal(t, tt.wantErr, err != nil)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestMatchesType(t *testing.T) {
	assert.True(t, MatchesType("run", ""))
	assert.True(t, MatchesType("ride", "any"))
	assert.True(t, MatchesType("run", "running"))
	assert.True(t, MatchesType("ride", "cycling"))
	assert.True(t, MatchesType("ride", "bike"))
	assert.False(t, MatchesType("walk", "run"))
}

func TestWorkoutEventRoundTrip(t *testing.T) {
	rec := model.ActivityRecord{
		Type:           "cycling",
		StartTime:      today,
		DurationSec:    3723,
		DistanceMeters: 20500,
		Calories:       600,
		HeartRate:      &model.HeartRate{Avg: 140, Max: 171},
	}
	e := eventlog.WithID(WorkoutEvent(rec, "carol"))
	got, ok := ParseRecord(e)
	require.True(t, ok)
	assert.Equal(t, "ride", got.Type)
	assert.Equal(t, rec.DurationSec, got.DurationSec)
	assert.InDelta(t, rec.DistanceMeters, got.DistanceMeters, 0.5)
	assert.Equal(t, rec.Calories, got.Calories)
	assert.Equal(t, rec.HeartRate, got.HeartRate)
	assert.True(t, got.StartTime.Equal(today))
	assert.Equal(t, today.Unix()+3723, e.CreatedAt)
}

func TestStreak(t *testing.T) {
	day := func(n int) time.Time { return today.AddDate(0, 0, -n) }
	tests := []struct {
		name  string
		dates []time.Time
		want  int
	}{
		{"three consecutive ending today", []time.Time{day(0), day(1), day(2)}, 3},
		{"only three days ago", []time.Time{day(3)}, 0},
		{"none", nil, 0},
		{"ending yesterday", []time.Time{day(1), day(2)}, 2},
		{"gap", []time.Time{day(0), day(2), day(3)}, 1},
		{"duplicates same day", []time.Time{day(0), day(0).Add(-time.Hour), day(1)}, 2},
		{"unordered", []time.Time{day(2), day(0), day(1)}, 3},
		{"future ignored", []time.Time{day(-1), day(0)}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Streak(tt.dates, today))
		})
	}
}

func TestAggregate(t *testing.T) {
	records := []model.ActivityRecord{
		{ID: "a", StartTime: today.AddDate(0, 0, -1), DurationSec: 1500, DistanceMeters: 5000},
		{ID: "b", StartTime: today, DurationSec: 3000, DistanceMeters: 10000},
		{ID: "c", StartTime: today.Add(-time.Hour), DurationSec: 600, DistanceMeters: 0},
	}
	m := Aggregate("alice", records, today)
	assert.Equal(t, "alice", m.ParticipantID)
	assert.Equal(t, 15000.0, m.TotalDistance)
	assert.Equal(t, 10000.0, m.LongestDistance)
	assert.Equal(t, int64(5100), m.TotalDuration)
	assert.Equal(t, int64(3000), m.LongestDuration)
	assert.Equal(t, 3, m.WorkoutCount)
	assert.Equal(t, 2, m.ActiveDays)
	assert.Equal(t, 2, m.Streak)
	assert.InDelta(t, 340, m.AvgPaceSecPerKm, 0.001)
	assert.InDelta(t, 15/(5100.0/3600), m.AvgSpeedKmh, 0.001)
	assert.True(t, m.LastActivity.Equal(today))
	assert.Equal(t, "b", m.Records[0].ID, "newest first")

	empty := Aggregate("bob", nil, today)
	assert.Zero(t, empty.WorkoutCount)
	assert.Zero(t, empty.AvgPaceSecPerKm)
}

func newTestEngine(t *testing.T, client eventlog.Client) *Engine {
	t.Helper()
	e := NewEngine(client, WithClock(clock.NewFake(today)), WithTimeout(200*time.Millisecond))
	t.Cleanup(e.Close)
	return e
}

func TestQueryEmptyParticipantsDoesNotTouchNetwork(t *testing.T) {
	replica := eventlog.NewMemory(workout("alice", today, "run", "25:00", "5"))
	e := newTestEngine(t, replica)

	for _, participants := range [][]string{nil, {}, {"", "  "}} {
		res := e.QueryParticipants(context.Background(), Query{Participants: participants})
		assert.Equal(t, ErrNoMembers, res.Error)
		assert.NotNil(t, res.Metrics)
		assert.Empty(t, res.Metrics)
	}
	assert.Zero(t, replica.Subscriptions())
}

func TestQueryParticipants(t *testing.T) {
	start := today.AddDate(0, 0, -7)
	shared := workout("alice", today.AddDate(0, 0, -1), "run", "25:00", "5")
	a := eventlog.NewMemory(
		shared,
		workout("alice", today, "running", "00:50:00", "10"),
		workout("alice", today, "ride", "01:00:00", "30"),
		workout("alice", start.AddDate(0, 0, -3), "run", "20:00", "5"),
		workout("bob", today, "run", "garbage", "3"),
	)
	b := eventlog.NewMemory(shared, workout("carol", today, "run", "30:00", "6"))
	e := newTestEngine(t, eventlog.NewPool([]eventlog.Client{a, b}))

	res := e.QueryParticipants(context.Background(), Query{
		Participants: []string{"carol", "alice", "bob", "dave", "alice"},
		ActivityType: "run",
		Start:        start,
		End:          today.Add(2 * time.Hour),
	})
	require.Empty(t, res.Error)
	assert.Equal(t, []string{"carol", "alice", "bob", "dave"}, res.Order)
	assert.Equal(t, 4, res.TotalRecords)

	alice := res.Metrics["alice"]
	assert.Equal(t, 2, alice.WorkoutCount, "ride and out-of-range records filtered, duplicate collapsed")
	assert.Equal(t, 15000.0, alice.TotalDistance)
	assert.Equal(t, 2, alice.Streak)

	bob := res.Metrics["bob"]
	assert.Equal(t, 1, bob.WorkoutCount, "malformed record is defaulted, not dropped")
	assert.Zero(t, bob.TotalDuration)

	assert.Zero(t, res.Metrics["dave"].WorkoutCount)

	ordered := res.Ordered()
	require.Len(t, ordered, 4)
	assert.Equal(t, "carol", ordered[0].ParticipantID)
}

func TestQueryResultCache(t *testing.T) {
	replica := eventlog.NewMemory(workout("alice", today, "run", "25:00", "5"))
	e := newTestEngine(t, replica)
	ctx := context.Background()
	q := Query{Participants: []string{"alice", "bob"}, ActivityType: "run"}

	first := e.QueryParticipants(ctx, q)
	subs := replica.Subscriptions()
	assert.Equal(t, int64(2), subs)

	reordered := q
	reordered.Participants = []string{"bob", "alice"}
	second := e.QueryParticipants(ctx, reordered)
	assert.Equal(t, subs, replica.Subscriptions(), "same participant set served from cache")
	assert.Equal(t, []string{"bob", "alice"}, second.Order)
	assert.Equal(t, first.TotalRecords, second.TotalRecords)

	replica.Add(workout("alice", today.Add(time.Minute), "run", "20:00", "5"))
	q.NoCache = true
	third := e.QueryParticipants(ctx, q)
	assert.Equal(t, 2, third.TotalRecords)
	assert.Equal(t, subs+2, replica.Subscriptions())
}

type silentClient struct{}

func (silentClient) Subscribe(context.Context, eventlog.Filter) (*eventlog.Subscription, error) {
	return eventlog.NewSubscription(make(chan eventlog.Event), make(chan struct{}), nil), nil
}
func (silentClient) FetchOne(context.Context, eventlog.Filter) (eventlog.Event, bool, error) {
	return eventlog.Event{}, false, nil
}
func (silentClient) Publish(context.Context, eventlog.Event) (int, error) { return 0, nil }

func TestQuerySilentNetworkResolvesEmpty(t *testing.T) {
	e := newTestEngine(t, silentClient{})
	started := time.Now()
	res := e.QueryParticipants(context.Background(), Query{Participants: []string{"a", "b", "c"}})
	assert.Equal(t, ErrUnavailable, res.Error)
	assert.False(t, res.Complete())
	assert.Equal(t, []string{"a", "b", "c"}, res.Incomplete)
	assert.Zero(t, res.TotalRecords)
	assert.Len(t, res.Metrics, 3)
	assert.Less(t, time.Since(started), 2*time.Second, "fetches run concurrently under one timeout")
}

// mutedAuthor answers every query except those for one author.
type mutedAuthor struct {
	*eventlog.Memory
	author string
}

func (m mutedAuthor) Subscribe(ctx context.Context, f eventlog.Filter) (*eventlog.Subscription, error) {
	for _, a := range f.Authors {
		if a == m.author {
			return silentClient{}.Subscribe(ctx, f)
		}
	}
	return m.Memory.Subscribe(ctx, f)
}

func TestQueryUnansweredParticipantIsNotCached(t *testing.T) {
	replica := eventlog.NewMemory(
		workout("alice", today, "run", "25:00", "5"),
		workout("bob", today, "run", "30:00", "6"),
	)
	e := newTestEngine(t, mutedAuthor{Memory: replica, author: "bob"})
	ctx := context.Background()
	q := Query{Participants: []string{"alice", "bob"}, ActivityType: "run"}

	res := e.QueryParticipants(ctx, q)
	assert.Equal(t, ErrUnavailable, res.Error)
	assert.Equal(t, []string{"bob"}, res.Incomplete)
	assert.Equal(t, 1, res.Metrics["alice"].WorkoutCount, "answered participants keep their metrics")
	assert.Zero(t, res.Metrics["bob"].WorkoutCount)

	before := replica.Subscriptions()
	e.QueryParticipants(ctx, q)
	assert.Greater(t, replica.Subscriptions(), before, "partial results are fetched again")
}

func TestQueryResultsDoNotShareMetrics(t *testing.T) {
	replica := eventlog.NewMemory(workout("alice", today, "run", "25:00", "5"))
	e := newTestEngine(t, replica)
	ctx := context.Background()
	q := Query{Participants: []string{"alice"}}

	first := e.QueryParticipants(ctx, q)
	delete(first.Metrics, "alice")
	second := e.QueryParticipants(ctx, q)
	assert.Contains(t, second.Metrics, "alice")
}

const sampleGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <trk><name>Morning Run</name><trkseg>
    <trkpt lat="52.5200" lon="13.4050"><time>2026-06-10T07:00:00Z</time></trkpt>
    <trkpt lat="52.5290" lon="13.4050"><time>2026-06-10T07:05:00Z</time></trkpt>
    <trkpt lat="52.5380" lon="13.4050"><time>2026-06-10T07:10:00Z</time></trkpt>
  </trkseg></trk>
</gpx>`

func TestFromGPX(t *testing.T) {
	rec, err := FromGPX([]byte(sampleGPX), "running")
	require.NoError(t, err)
	assert.Equal(t, "run", rec.Type)
	assert.Equal(t, int64(600), rec.DurationSec)
	assert.InDelta(t, 2000, rec.DistanceMeters, 20, "0.018 degrees of latitude is about 2 km")
	assert.True(t, rec.StartTime.Equal(time.Date(2026, 6, 10, 7, 0, 0, 0, time.UTC)))

	_, err = FromGPX([]byte("not xml"), "run")
	assert.Error(t, err)

	_, err = FromGPX([]byte(`<gpx version="1.1" creator="test"></gpx>`), "run")
	assert.Error(t, err)
}
