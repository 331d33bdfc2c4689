// Package activity fetches workout records for competition participants
// and turns them into per-participant metrics.
//
// Each participant gets an independent, time-bounded subscription filtered
// by author and time only. Replicas do not index activity type reliably, so
// type, kind, author and time are all re-checked client-side after the
// fetch. The fan-out writes one slot per participant and aggregation reads
// the slots only after every fetch has returned.
//
// Identical queries within the query TTL are served from a volatile cache
// and concurrent identical queries share one fetch. A participant whose
// fetch timed out before end of stored results is reported in
// Result.Incomplete, and such a result is never cached.
package activity

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/daviddao/podium/pkg/cache"
	"github.com/daviddao/podium/pkg/clock"
	"github.com/daviddao/podium/pkg/eventlog"
	"github.com/daviddao/podium/pkg/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Result.Error values.
const (
	// ErrNoMembers is reported for a query without participants.
	ErrNoMembers = "no members to query"
	// ErrUnavailable is reported when at least one participant's fetch
	// got no complete answer from any replica.
	ErrUnavailable = "network unavailable"
)

// DefaultSubscribeTimeout bounds each participant's fetch.
const DefaultSubscribeTimeout = 2 * time.Second

// Query selects the records to aggregate. Zero Start or End leaves that side
// of the range open; both bounds are inclusive.
type Query struct {
	Participants []string
	ActivityType string
	Start        time.Time
	End          time.Time
	// NoCache skips the result cache and overwrites it with a fresh result.
	NoCache bool
}

// Result is the outcome of a query. Failures are reported in Error; the
// call itself never fails. Each call returns its own Metrics map.
type Result struct {
	Metrics map[string]model.ParticipantMetrics `json:"metrics"`
	Order   []string                            `json:"order"`
	// Incomplete lists participants whose metrics may be missing records
	// because no replica finished answering in time.
	Incomplete      []string `json:"incomplete,omitempty"`
	TotalRecords    int      `json:"total_records"`
	QueryDurationMs int64    `json:"query_duration_ms"`
	Error           string   `json:"error,omitempty"`
}

// Complete reports whether every participant's fetch was answered.
func (r Result) Complete() bool { return len(r.Incomplete) == 0 }

// Ordered returns the metrics in the caller's participant order.
func (r Result) Ordered() []model.ParticipantMetrics {
	out := make([]model.ParticipantMetrics, 0, len(r.Order))
	for _, p := range r.Order {
		if m, ok := r.Metrics[p]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Engine runs participant queries against an event-log client.
type Engine struct {
	client    eventlog.Client
	cache     *cache.Cache
	ownsCache bool
	timeout   time.Duration
	clock     clock.Clock
	loc       *time.Location
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache sets the result cache. By default the engine owns a volatile
// cache of its own.
func WithCache(c *cache.Cache) Option { return func(e *Engine) { e.cache = c } }

// WithTimeout sets the per-participant subscribe timeout.
func WithTimeout(d time.Duration) Option { return func(e *Engine) { e.timeout = d } }

// WithClock sets the time source used for streaks and the cache.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLocation sets the time zone that defines calendar days.
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.loc = loc } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine returns an Engine reading from client.
func NewEngine(client eventlog.Client, opts ...Option) *Engine {
	e := &Engine{
		client:  client,
		timeout: DefaultSubscribeTimeout,
		clock:   clock.System{},
		loc:     time.UTC,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = cache.New(cache.WithName("activity-query"), cache.WithClock(e.clock), cache.WithLogger(e.logger))
		e.ownsCache = true
	}
	return e
}

// Close releases the engine's own cache, if it created one.
func (e *Engine) Close() {
	if e.ownsCache {
		e.cache.Close()
	}
}

// QueryParticipants fetches and aggregates records for q.Participants.
func (e *Engine) QueryParticipants(ctx context.Context, q Query) Result {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "activity.QueryParticipants",
		trace.WithAttributes(
			attribute.Int("activity.participants", len(q.Participants)),
			attribute.String("activity.type", q.ActivityType),
			attribute.Bool("activity.no_cache", q.NoCache),
		),
	)
	defer span.End()

	participants := uniqueParticipants(q.Participants)
	if len(participants) == 0 {
		span.SetStatus(codes.Error, ErrNoMembers)
		return Result{Metrics: map[string]model.ParticipantMetrics{}, Error: ErrNoMembers}
	}

	key := queryKey(participants, q)
	produce := func(ctx context.Context) (Result, error) {
		res := e.run(ctx, participants, q)
		if !res.Complete() {
			return res, cache.ErrPartial
		}
		return res, nil
	}
	var res Result
	if q.NoCache {
		res, _ = cache.ForceFetch(ctx, e.cache, key, cache.ClassQuery, produce)
	} else {
		res, _ = cache.Fetch(ctx, e.cache, key, cache.ClassQuery, produce)
	}

	// Cached results are keyed by the sorted set; report the caller's order.
	res.Order = participants
	res.Metrics = maps.Clone(res.Metrics)
	if !res.Complete() {
		span.SetStatus(codes.Error, res.Error)
	}
	res.QueryDurationMs = time.Since(started).Milliseconds()
	queryDuration.Observe(time.Since(started).Seconds())
	span.SetAttributes(attribute.Int("activity.records", res.TotalRecords))
	return res
}

func (e *Engine) run(ctx context.Context, participants []string, q Query) Result {
	slots := make([][]model.ActivityRecord, len(participants))
	answered := make([]bool, len(participants))
	var g errgroup.Group
	for i, p := range participants {
		g.Go(func() error {
			slots[i], answered[i] = e.fetchParticipant(ctx, p, q)
			return nil
		})
	}
	_ = g.Wait()

	today := e.clock.Now().In(e.loc)
	res := Result{
		Metrics: make(map[string]model.ParticipantMetrics, len(participants)),
		Order:   participants,
	}
	for i, p := range participants {
		res.Metrics[p] = Aggregate(p, slots[i], today)
		res.TotalRecords += len(slots[i])
		if !answered[i] {
			res.Incomplete = append(res.Incomplete, p)
		}
	}
	if !res.Complete() {
		res.Error = ErrUnavailable
		e.logger.Warn("participant query incomplete",
			slog.Int("participants", len(participants)),
			slog.Any("unanswered", res.Incomplete))
	}
	e.logger.Debug("participant query complete",
		slog.Int("participants", len(participants)),
		slog.Int("records", res.TotalRecords),
		slog.String("type", q.ActivityType))
	return res
}

// fetchParticipant collects one participant's records and reports whether
// the replicas finished answering. A silent network yields an empty,
// unanswered result.
func (e *Engine) fetchParticipant(ctx context.Context, participant string, q Query) ([]model.ActivityRecord, bool) {
	f := eventlog.Filter{
		Authors: []string{participant},
		Kinds:   []int{model.KindWorkout},
		Since:   eventlog.Unix(q.Start),
		Until:   eventlog.Unix(q.End),
	}
	events, complete := eventlog.Gather(ctx, e.client, f, e.timeout)

	seen := make(map[string]struct{}, len(events))
	var out []model.ActivityRecord
	for _, ev := range events {
		// The replica's author and time predicates are re-checked here too.
		if !(eventlog.Filter{Authors: f.Authors, Kinds: f.Kinds, Since: f.Since, Until: f.Until}).Matches(ev) {
			continue
		}
		rec, ok := ParseRecord(ev)
		if ok {
			recordsTotal.WithLabelValues("true").Inc()
		} else {
			recordsTotal.WithLabelValues("false").Inc()
			e.logger.Warn("malformed activity record defaulted",
				slog.String("id", ev.ID), slog.String("author", ev.PubKey))
		}
		if !MatchesType(rec.Type, q.ActivityType) {
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	return out, complete
}

// uniqueParticipants drops blanks and duplicates, keeping first occurrence.
func uniqueParticipants(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// queryKey identifies a query by its sorted participant set, type and range.
func queryKey(participants []string, q Query) string {
	sorted := append([]string(nil), participants...)
	sort.Strings(sorted)
	var b strings.Builder
	b.WriteString("query:")
	b.WriteString(strings.Join(sorted, ","))
	b.WriteString("|")
	b.WriteString(NormalizeType(q.ActivityType))
	b.WriteString("|")
	b.WriteString(eventlog.FormatInt(eventlog.Unix(q.Start)))
	b.WriteString("-")
	b.WriteString(eventlog.FormatInt(eventlog.Unix(q.End)))
	return b.String()
}
