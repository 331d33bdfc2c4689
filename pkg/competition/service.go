// Package competition is the read path for competition leaderboards.
//
// A read goes frozen snapshot, then cache, then network, in that order:
//
//  1. A frozen competition returns its snapshot. No network access.
//  2. A cached leaderboard is returned immediately. If it was cached with
//     an empty participant list a detached background refresh is started.
//     Only the newest refresh for a competition writes its result back.
//  3. Otherwise metadata, participants and (once the competition has
//     started) the leaderboard are fetched. The metadata lookup is retried
//     on a 1s/2s/4s schedule before the competition is reported missing.
//  4. A fresh leaderboard for a competition whose end has passed is frozen
//     exactly once.
//
// A board is only cached or frozen when every replica query behind it
// reached end of stored results. A board missing answers is shown with a
// retryable "network unavailable" error and rebuilt on the next read.
//
// Failures never escape as errors: they are reported on the View.
package competition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daviddao/podium/pkg/activity"
	"github.com/daviddao/podium/pkg/cache"
	"github.com/daviddao/podium/pkg/clock"
	"github.com/daviddao/podium/pkg/eventlog"
	"github.com/daviddao/podium/pkg/freeze"
	"github.com/daviddao/podium/pkg/identity"
	"github.com/daviddao/podium/pkg/leaderboard"
	"github.com/daviddao/podium/pkg/lifecycle"
	"github.com/daviddao/podium/pkg/model"
	"github.com/daviddao/podium/pkg/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound is returned when the replicas answered and none knows the
	// competition.
	ErrNotFound = errors.New("competition not found")
	// ErrUnavailable is returned when no replica finished answering.
	ErrUnavailable = errors.New("network unavailable")
)

// Defaults for network waits.
const (
	DefaultSubscribeTimeout = 2 * time.Second
	DefaultMetadataTimeout  = 5 * time.Second
	DefaultPublishTimeout   = 10 * time.Second
	DefaultWatchInterval    = 30 * time.Second
)

// View is what a reader sees of one competition.
type View struct {
	CompetitionID string                   `json:"competition_id"`
	Competition   *model.Competition       `json:"competition,omitempty"`
	Status        model.Status             `json:"status,omitempty"`
	Entries       []model.LeaderboardEntry `json:"entries"`
	Teams         []model.TeamEntry        `json:"teams,omitempty"`
	Participants  []string                 `json:"participants"`
	IsLoading     bool                     `json:"is_loading"`
	FromCache     bool                     `json:"from_cache,omitempty"`
	FrozenAt      *time.Time               `json:"frozen_at,omitempty"`
	Error         string                   `json:"error,omitempty"`
	Retryable     bool                     `json:"retryable,omitempty"`
}

// roster is the resolved participant list of a competition.
type roster struct {
	Participants []string          `json:"participants"`
	Teams        map[string]string `json:"teams,omitempty"`
	Private      map[string]bool   `json:"private,omitempty"`
}

// board is the cached leaderboard of a competition that is not frozen.
type board struct {
	Entries      []model.LeaderboardEntry `json:"entries"`
	Teams        []model.TeamEntry        `json:"teams,omitempty"`
	Participants []string                 `json:"participants"`
	Private      map[string]bool          `json:"private,omitempty"`
	BuiltAt      time.Time                `json:"built_at"`
	Error        string                   `json:"error,omitempty"`
	// Incomplete boards are never cached or frozen.
	Incomplete bool `json:"-"`
}

// stale reports whether b was built before a boundary the competition has
// since crossed.
func (b board) stale(c model.Competition, status model.Status) bool {
	switch status {
	case model.StatusLive:
		return b.BuiltAt.Before(c.Start)
	case model.StatusEnded:
		return b.BuiltAt.Before(c.End)
	}
	return false
}

func competitionKey(id string) string  { return "competition:" + id }
func participantsKey(id string) string { return "participants:" + id }
func leaderboardKey(id string) string  { return "leaderboard:" + id }
func activeKey(p string) string        { return "active:" + p }

// Deps are the collaborators of a Service.
type Deps struct {
	Client   eventlog.Client
	Cache    *cache.Cache
	Freezer  *freeze.Store
	Engine   *activity.Engine
	Identity identity.Provider
}

// Service coordinates reads, refreshes and joins.
type Service struct {
	client   eventlog.Client
	cache    *cache.Cache
	freezer  *freeze.Store
	engine   *activity.Engine
	identity identity.Provider
	clock    clock.Clock
	logger   *slog.Logger

	metadataDelays   []time.Duration
	subscribeTimeout time.Duration
	metadataTimeout  time.Duration
	publishTimeout   time.Duration
	watchInterval    time.Duration
	tieBreak         leaderboard.TieBreak

	loads singleflight.Group

	mu          sync.Mutex
	generations map[string]uint64
	refreshing  map[string]bool
	bg          sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetadataDelays sets the retry schedule of metadata lookups.
func WithMetadataDelays(d []time.Duration) Option {
	return func(s *Service) { s.metadataDelays = d }
}

// WithSubscribeTimeout bounds participant and join list fetches.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(s *Service) { s.subscribeTimeout = d }
}

// WithMetadataTimeout bounds each metadata lookup attempt.
func WithMetadataTimeout(d time.Duration) Option {
	return func(s *Service) { s.metadataTimeout = d }
}

// WithPublishTimeout bounds join publishing.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) { s.publishTimeout = d }
}

// WithWatchInterval sets the default Watch re-check interval.
func WithWatchInterval(d time.Duration) Option {
	return func(s *Service) { s.watchInterval = d }
}

// WithTieBreak sets how equal scores are ordered.
func WithTieBreak(t leaderboard.TieBreak) Option {
	return func(s *Service) { s.tieBreak = t }
}

// NewService returns a Service. Client, Cache and Freezer are required.
func NewService(d Deps, opts ...Option) (*Service, error) {
	if d.Client == nil || d.Cache == nil || d.Freezer == nil {
		return nil, errors.New("competition: client, cache and freezer are required")
	}
	s := &Service{
		client:           d.Client,
		cache:            d.Cache,
		freezer:          d.Freezer,
		engine:           d.Engine,
		identity:         d.Identity,
		clock:            clock.System{},
		logger:           slog.Default(),
		metadataDelays:   retry.MetadataDelays,
		subscribeTimeout: DefaultSubscribeTimeout,
		metadataTimeout:  DefaultMetadataTimeout,
		publishTimeout:   DefaultPublishTimeout,
		watchInterval:    DefaultWatchInterval,
		tieBreak:         leaderboard.TieBreakInput,
		generations:      make(map[string]uint64),
		refreshing:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = activity.NewEngine(s.client, activity.WithClock(s.clock), activity.WithLogger(s.logger))
	}
	if s.identity == nil {
		s.identity = identity.Local{}
	}
	return s, nil
}

// Wait blocks until background refreshes have finished.
func (s *Service) Wait() { s.bg.Wait() }

// GetLeaderboard returns the current view of competition id.
func (s *Service) GetLeaderboard(ctx context.Context, id string) View {
	ctx, span := tracer.Start(ctx, "competition.GetLeaderboard",
		trace.WithAttributes(attribute.String("competition.id", id)))
	defer span.End()

	if snap, ok := s.freezer.Get(id); ok {
		reads.WithLabelValues("frozen").Inc()
		return s.frozenView(ctx, snap)
	}
	if v, ok := s.cachedView(ctx, id); ok {
		reads.WithLabelValues("cache").Inc()
		return v
	}
	reads.WithLabelValues("network").Inc()
	v := s.load(ctx, id, false)
	if v.Error != "" {
		span.SetStatus(codes.Error, v.Error)
	}
	span.SetAttributes(attribute.String("competition.status", string(v.Status)))
	return v
}

// Refresh rebuilds the leaderboard from the network, bypassing every cache.
// A frozen competition returns its snapshot untouched.
func (s *Service) Refresh(ctx context.Context, id string) View {
	ctx, span := tracer.Start(ctx, "competition.Refresh",
		trace.WithAttributes(attribute.String("competition.id", id)))
	defer span.End()

	if snap, ok := s.freezer.Get(id); ok {
		return s.frozenView(ctx, snap)
	}
	s.cache.Invalidate(ctx, leaderboardKey(id))
	s.cache.Invalidate(ctx, participantsKey(id))
	return s.load(ctx, id, true)
}

// Invalidate drops every cached entry for competition id. Frozen snapshots
// are untouched.
func (s *Service) Invalidate(ctx context.Context, id string) int {
	n := s.cache.Invalidate(ctx, competitionKey(id))
	n += s.cache.Invalidate(ctx, participantsKey(id))
	n += s.cache.Invalidate(ctx, leaderboardKey(id))
	return n
}

func (s *Service) cachedView(ctx context.Context, id string) (View, bool) {
	b, ok := cache.Get[board](ctx, s.cache, leaderboardKey(id))
	if !ok {
		return View{}, false
	}
	comp, ok := cache.Get[model.Competition](ctx, s.cache, competitionKey(id))
	if !ok {
		return View{}, false
	}
	now := s.clock.Now()
	status := lifecycle.Compute(comp.Start, comp.End, now, false)
	if b.stale(comp, status) {
		return View{}, false
	}

	// A board built after the end is final; freeze it if an earlier read
	// could not.
	if status == model.StatusEnded && s.freezer.ShouldFreeze(comp.End) {
		if v, ok := s.freeze(ctx, comp, b); ok {
			return v, true
		}
	}
	if len(b.Participants) == 0 {
		v := s.view(comp, status, b)
		v.FromCache = true
		v.IsLoading = true
		s.refreshInBackground(id)
		return v, true
	}
	v := s.view(comp, status, b)
	v.FromCache = true
	return v, true
}

// fetched is the result of a full network read, not yet committed.
type fetched struct {
	comp   model.Competition
	status model.Status
	board  board
}

// load runs a full network read. Concurrent loads of the same competition
// share one fetch and one generation.
func (s *Service) load(ctx context.Context, id string, force bool) View {
	key := id
	if force {
		key += "|force"
	}
	v, _, _ := s.loads.Do(key, func() (any, error) {
		gen := s.nextGeneration(id)
		ctx := context.WithoutCancel(ctx)
		f, err := s.fetch(ctx, id, force)
		if err != nil {
			return errorView(id, err), nil
		}
		return s.commit(ctx, f, gen), nil
	})
	return v.(View)
}

func (s *Service) fetch(ctx context.Context, id string, force bool) (fetched, error) {
	comp, err := s.competition(ctx, id, force)
	if err != nil {
		return fetched{}, err
	}
	r, complete := s.roster(ctx, comp, force)
	now := s.clock.Now()
	status := lifecycle.Compute(comp.Start, comp.End, now, false)
	b := board{
		Entries:      []model.LeaderboardEntry{},
		Participants: r.Participants,
		Private:      r.Private,
		BuiltAt:      now,
		Incomplete:   !complete,
	}
	if !complete {
		b.Error = ErrUnavailable.Error()
	}
	if status == model.StatusUpcoming {
		return fetched{comp: comp, status: status, board: b}, nil
	}

	res := s.engine.QueryParticipants(ctx, activity.Query{
		Participants: r.Participants,
		ActivityType: comp.ActivityType,
		Start:        comp.Start,
		End:          comp.End,
		NoCache:      force,
	})
	if !res.Complete() {
		b.Incomplete = true
	}
	if b.Error == "" {
		b.Error = res.Error
	}
	opts := leaderboard.Options{
		Rule:               comp.Scoring,
		QualifyingDistance: comp.QualifyingDistance,
		Allowed:            r.Participants,
		Private:            r.Private,
		TieBreak:           s.tieBreak,
	}
	if comp.TeamMode {
		b.Teams = leaderboard.BuildTeams(res.Ordered(), r.Teams, opts)
	} else {
		b.Entries = leaderboard.Build(res.Ordered(), opts)
	}
	return fetched{comp: comp, status: status, board: b}, nil
}

// commit caches a fetched board if gen is still the newest for the
// competition, and freezes it when the competition is over. A board
// missing replica answers is only shown.
func (s *Service) commit(ctx context.Context, f fetched, gen uint64) View {
	if f.board.Incomplete {
		s.logger.Warn("incomplete leaderboard not cached",
			slog.String("competition", f.comp.ID), slog.String("status", string(f.status)))
		return s.view(f.comp, f.status, f.board)
	}
	if s.isCurrent(f.comp.ID, gen) {
		cache.Set(s.cache, leaderboardKey(f.comp.ID), f.board, cache.ClassLiveLeaderboard)
	} else {
		s.logger.Debug("superseded leaderboard discarded", slog.String("competition", f.comp.ID))
	}
	if f.status == model.StatusEnded && s.freezer.ShouldFreeze(f.comp.End) {
		if v, ok := s.freeze(ctx, f.comp, f.board); ok {
			return v
		}
	}
	return s.view(f.comp, f.status, f.board)
}

func (s *Service) freeze(ctx context.Context, comp model.Competition, b board) (View, bool) {
	snap, created, err := s.freezer.Freeze(ctx, freeze.Request{
		CompetitionID: comp.ID,
		Organizer:     comp.Organizer,
		Participants:  b.Participants,
		Leaderboard:   b.Entries,
		Teams:         b.Teams,
		EndTime:       comp.End,
	})
	if err != nil {
		s.logger.Warn("freeze failed; will retry on next read",
			slog.String("competition", comp.ID), slog.Any("error", err))
		return View{}, false
	}
	if created {
		s.cache.Invalidate(ctx, leaderboardKey(comp.ID))
		s.cache.Invalidate(ctx, participantsKey(comp.ID))
	}
	return s.frozenView(ctx, snap), true
}

// refreshInBackground rebuilds a competition on a detached goroutine. At
// most one runs per competition; a foreground load started meanwhile makes
// its result obsolete.
func (s *Service) refreshInBackground(id string) {
	s.mu.Lock()
	if s.refreshing[id] {
		s.mu.Unlock()
		return
	}
	s.refreshing[id] = true
	s.generations[id]++
	gen := s.generations[id]
	s.mu.Unlock()

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.refreshing, id)
			s.mu.Unlock()
		}()
		ctx := context.Background()
		s.cache.Invalidate(ctx, participantsKey(id))
		f, err := s.fetch(ctx, id, false)
		if err != nil {
			s.logger.Debug("background refresh failed", slog.String("competition", id), slog.Any("error", err))
			return
		}
		s.commit(ctx, f, gen)
		s.logger.Debug("background refresh done",
			slog.String("competition", id), slog.Int("participants", len(f.board.Participants)))
	}()
}

func (s *Service) nextGeneration(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generations[id]++
	return s.generations[id]
}

func (s *Service) isCurrent(id string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[id] == gen
}

func (s *Service) viewer() string {
	p, _ := s.identity.CurrentParticipant()
	return p
}

func (s *Service) view(comp model.Competition, status model.Status, b board) View {
	entries := leaderboard.VisibleTo(b.Entries, s.viewer())
	v := View{
		CompetitionID: comp.ID,
		Competition:   &comp,
		Status:        status,
		Entries:       entries,
		Teams:         b.Teams,
		Participants:  b.Participants,
	}
	if v.Participants == nil {
		v.Participants = []string{}
	}
	if status != model.StatusUpcoming && b.Error != "" {
		v.Error = b.Error
		v.Retryable = b.Incomplete
	}
	return v
}

func (s *Service) frozenView(ctx context.Context, snap model.FrozenSnapshot) View {
	frozenAt := snap.FrozenAt
	v := View{
		CompetitionID: snap.CompetitionID,
		Status:        model.StatusFrozen,
		Entries:       leaderboard.VisibleTo(snap.Leaderboard, s.viewer()),
		Teams:         snap.Teams,
		Participants:  snap.Participants,
		FrozenAt:      &frozenAt,
	}
	if comp, ok := cache.Get[model.Competition](ctx, s.cache, competitionKey(snap.CompetitionID)); ok {
		v.Competition = &comp
	}
	return v
}

func errorView(id string, err error) View {
	msg := err.Error()
	switch {
	case errors.Is(err, ErrNotFound):
		msg = ErrNotFound.Error()
	case errors.Is(err, ErrUnavailable):
		msg = ErrUnavailable.Error()
	}
	return View{
		CompetitionID: id,
		Entries:       []model.LeaderboardEntry{},
		Participants:  []string{},
		Error:         msg,
		Retryable:     true,
	}
}

// competition returns the metadata of id, cached under the metadata class.
// A competition that no replica returns, or that no replica answered for,
// is retried on the metadata schedule; a malformed definition is not.
func (s *Service) competition(ctx context.Context, id string, force bool) (model.Competition, error) {
	produce := func(ctx context.Context) (model.Competition, error) {
		var comp model.Competition
		err := retry.Do(ctx, s.metadataDelays, isMissing, func(ctx context.Context) error {
			c, err := s.lookupCompetition(ctx, id)
			if err != nil {
				return err
			}
			comp = c
			return nil
		})
		return comp, err
	}
	if force {
		return cache.ForceFetch(ctx, s.cache, competitionKey(id), cache.ClassMetadata, produce)
	}
	return cache.Fetch(ctx, s.cache, competitionKey(id), cache.ClassMetadata, produce)
}

// competitionOnce is competition without retries, for bulk listing.
func (s *Service) competitionOnce(ctx context.Context, id string) (model.Competition, error) {
	return cache.Fetch(ctx, s.cache, competitionKey(id), cache.ClassMetadata, func(ctx context.Context) (model.Competition, error) {
		return s.lookupCompetition(ctx, id)
	})
}

func isMissing(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable)
}

func (s *Service) lookupCompetition(ctx context.Context, id string) (model.Competition, error) {
	f := eventlog.Filter{
		Kinds: []int{model.KindCompetition},
		Tags:  map[string][]string{tagD: {id}},
	}
	var matching []eventlog.Event
	events, complete := eventlog.Gather(ctx, s.client, f, s.metadataTimeout)
	for _, e := range events {
		if f.Matches(e) {
			matching = append(matching, e)
		}
	}
	e, ok := eventlog.Newest(matching)
	if !ok {
		if !complete {
			return model.Competition{}, fmt.Errorf("%w: looking up %s", ErrUnavailable, id)
		}
		return model.Competition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	comp, err := ParseCompetition(e)
	if err != nil {
		return model.Competition{}, fmt.Errorf("malformed competition definition: %w", err)
	}
	return comp, nil
}

// roster resolves the participant list: the organizer's list first, then
// joiners in join order. complete is false when the join list fetch timed
// out; such a roster is not cached.
func (s *Service) roster(ctx context.Context, comp model.Competition, force bool) (roster, bool) {
	produce := func(ctx context.Context) (roster, error) {
		r, complete := s.lookupRoster(ctx, comp)
		if !complete {
			return r, cache.ErrPartial
		}
		return r, nil
	}
	var (
		r   roster
		err error
	)
	if force {
		r, err = cache.ForceFetch(ctx, s.cache, participantsKey(comp.ID), cache.ClassParticipants, produce)
	} else {
		r, err = cache.Fetch(ctx, s.cache, participantsKey(comp.ID), cache.ClassParticipants, produce)
	}
	return r, err == nil
}

func (s *Service) lookupRoster(ctx context.Context, comp model.Competition) (roster, bool) {
	addr := comp.Address()
	f := eventlog.Filter{
		Kinds: []int{model.KindJoin},
		Tags:  map[string][]string{tagA: {addr}},
	}
	var joins []join
	events, complete := eventlog.Gather(ctx, s.client, f, s.subscribeTimeout)
	for _, e := range events {
		if !f.Matches(e) {
			continue
		}
		if j, ok := parseJoin(e); ok && j.Address == addr {
			joins = append(joins, j)
		}
	}
	sort.Slice(joins, func(i, j int) bool {
		if joins[i].At != joins[j].At {
			return joins[i].At < joins[j].At
		}
		return joins[i].ID < joins[j].ID
	})

	r := roster{Participants: []string{}}
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			r.Participants = append(r.Participants, p)
		}
	}
	for _, p := range comp.Participants {
		add(p)
	}
	for _, j := range joins {
		add(j.Participant)
		if j.Team != "" {
			if r.Teams == nil {
				r.Teams = make(map[string]string)
			}
			if _, set := r.Teams[j.Participant]; !set {
				r.Teams[j.Participant] = j.Team
			}
		}
		if j.Private {
			if r.Private == nil {
				r.Private = make(map[string]bool)
			}
			r.Private[j.Participant] = true
		}
	}
	// Organizer assignments override self-chosen teams.
	for p, t := range comp.Teams {
		if r.Teams == nil {
			r.Teams = make(map[string]string)
		}
		r.Teams[p] = t
	}
	return r, complete
}

// JoinRequest asks to join a competition.
type JoinRequest struct {
	CompetitionID string `json:"competition_id"`
	// ParticipantID defaults to the current participant.
	ParticipantID string `json:"participant_id,omitempty"`
	Team          string `json:"team,omitempty"`
	Private       bool   `json:"private,omitempty"`
	// PledgeCommitted is set when an irreversible precondition, such as a
	// payment, has already happened.
	PledgeCommitted bool `json:"pledge_committed,omitempty"`
}

// JoinResult is the outcome of Join. CanRetry tells the caller it may
// resubmit without redoing the committed pledge.
type JoinResult struct {
	Success      bool   `json:"success"`
	JoinRecordID string `json:"join_record_id,omitempty"`
	Accepted     int    `json:"accepted,omitempty"`
	Error        string `json:"error,omitempty"`
	CanRetry     bool   `json:"can_retry,omitempty"`
}

// Join publishes a join record for the current participant.
func (s *Service) Join(ctx context.Context, req JoinRequest) JoinResult {
	ctx, span := tracer.Start(ctx, "competition.Join",
		trace.WithAttributes(attribute.String("competition.id", req.CompetitionID)))
	defer span.End()

	res := s.join(ctx, req)
	if res.Success {
		joins.WithLabelValues("ok").Inc()
	} else {
		joins.WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, res.Error)
	}
	return res
}

func (s *Service) join(ctx context.Context, req JoinRequest) JoinResult {
	signer, ok := s.identity.Signer()
	if !ok {
		return JoinResult{Error: "no signer available"}
	}
	if req.ParticipantID == "" {
		req.ParticipantID, _ = s.identity.CurrentParticipant()
	}
	if req.ParticipantID == "" {
		req.ParticipantID = signer.PubKey()
	}
	if req.ParticipantID != signer.PubKey() {
		return JoinResult{Error: "participant does not match signer"}
	}
	if s.freezer.IsFrozen(req.CompetitionID) {
		return JoinResult{Error: "competition has ended"}
	}

	comp, err := s.competition(ctx, req.CompetitionID, false)
	if err != nil {
		return JoinResult{Error: errorView(req.CompetitionID, err).Error, CanRetry: req.PledgeCommitted}
	}
	if !s.clock.Now().Before(comp.End) {
		return JoinResult{Error: "competition has ended"}
	}

	e, err := signer.Sign(ctx, joinEvent(comp, req))
	if err != nil {
		return JoinResult{Error: fmt.Sprintf("sign join record: %v", err), CanRetry: req.PledgeCommitted}
	}
	pctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	n, err := s.client.Publish(pctx, e)
	if err != nil || n == 0 {
		s.logger.Warn("join not accepted",
			slog.String("competition", comp.ID), slog.String("participant", req.ParticipantID), slog.Any("error", err))
		return JoinResult{Error: "join record was not accepted by any replica", CanRetry: req.PledgeCommitted}
	}

	s.cache.Invalidate(ctx, participantsKey(comp.ID))
	s.cache.Invalidate(ctx, leaderboardKey(comp.ID))
	s.cache.Invalidate(ctx, activeKey(req.ParticipantID))
	s.logger.Info("joined competition",
		slog.String("competition", comp.ID), slog.String("participant", req.ParticipantID), slog.Int("accepted", n))
	return JoinResult{Success: true, JoinRecordID: e.ID, Accepted: n}
}

// ActiveCompetitions lists the competitions participant has joined or is
// listed in that have not ended as of asOf, ordered by start.
func (s *Service) ActiveCompetitions(ctx context.Context, participant string, asOf time.Time) ([]model.Competition, error) {
	if participant == "" {
		return nil, errors.New("participant is required")
	}
	ctx, span := tracer.Start(ctx, "competition.ActiveCompetitions",
		trace.WithAttributes(attribute.String("participant", participant)))
	defer span.End()

	all, err := cache.Fetch(ctx, s.cache, activeKey(participant), cache.ClassActiveCompetitions,
		func(ctx context.Context) ([]model.Competition, error) {
			list, complete := s.lookupMemberships(ctx, participant)
			if !complete {
				return list, cache.ErrPartial
			}
			return list, nil
		})
	if err != nil && !errors.Is(err, cache.ErrPartial) {
		return nil, err
	}
	active := make([]model.Competition, 0, len(all))
	for _, c := range all {
		if asOf.Before(c.End) && !s.freezer.IsFrozen(c.ID) {
			active = append(active, c)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return clock.TotalOrderLess(active[i].Start, active[i].ID, active[j].Start, active[j].ID)
	})
	return active, nil
}

// lookupMemberships finds every competition participant joined or is
// listed in, regardless of time. complete is false when either list fetch
// timed out.
func (s *Service) lookupMemberships(ctx context.Context, participant string) ([]model.Competition, bool) {
	var (
		joined, listed         []eventlog.Event
		joinedDone, listedDone bool
		g                      errgroup.Group
	)
	joinFilter := eventlog.Filter{Authors: []string{participant}, Kinds: []int{model.KindJoin}}
	listFilter := eventlog.Filter{Kinds: []int{model.KindCompetition}, Tags: map[string][]string{tagP: {participant}}}
	g.Go(func() error {
		joined, joinedDone = eventlog.Gather(ctx, s.client, joinFilter, s.subscribeTimeout)
		return nil
	})
	g.Go(func() error {
		listed, listedDone = eventlog.Gather(ctx, s.client, listFilter, s.subscribeTimeout)
		return nil
	})
	_ = g.Wait()

	byID := make(map[string]model.Competition)
	for _, e := range listed {
		if !listFilter.Matches(e) {
			continue
		}
		if c, err := ParseCompetition(e); err == nil {
			byID[c.ID] = c
		}
	}

	type ref struct{ organizer, id string }
	var refs []ref
	for _, e := range joined {
		j, ok := parseJoin(e)
		if !ok || j.Participant != participant {
			continue
		}
		org, id, ok := parseAddress(j.Address)
		if !ok {
			continue
		}
		if _, known := byID[id]; known {
			continue
		}
		refs = append(refs, ref{org, id})
	}

	resolved := make([]*model.Competition, len(refs))
	var (
		lg         errgroup.Group
		unresolved atomic.Bool
	)
	lg.SetLimit(8)
	for i, r := range refs {
		lg.Go(func() error {
			c, err := s.competitionOnce(ctx, r.id)
			if errors.Is(err, ErrUnavailable) {
				unresolved.Store(true)
			}
			if err != nil || c.Organizer != r.organizer {
				return nil
			}
			resolved[i] = &c
			return nil
		})
	}
	_ = lg.Wait()
	for _, c := range resolved {
		if c != nil {
			byID[c.ID] = *c
		}
	}

	out := make([]model.Competition, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, joinedDone && listedDone && !unresolved.Load()
}

// Watch emits the current view, then re-checks the competition's state
// every interval, or sooner when its start or end falls within the
// interval, and emits a rebuilt view whenever it changes. The channel
// closes when ctx ends or the competition is frozen.
func (s *Service) Watch(ctx context.Context, id string, interval time.Duration) <-chan View {
	if interval <= 0 {
		interval = s.watchInterval
	}
	out := make(chan View, 1)
	go func() {
		defer close(out)
		send := func(v View) bool {
			select {
			case out <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}

		v := s.GetLeaderboard(ctx, id)
		if !send(v) || v.Status == model.StatusFrozen {
			return
		}
		prev := v.Status
		comp := v.Competition

		timer := time.NewTimer(s.nextWake(comp, interval))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			c, status, ok := s.currentStatus(ctx, id)
			if ok && c != nil {
				comp = c
			}
			timer.Reset(s.nextWake(comp, interval))
			if !ok {
				continue
			}
			tr := lifecycle.Transition{From: prev, To: status}
			switch {
			case tr.Rebuild():
				s.logger.Info("competition state changed",
					slog.String("competition", id), slog.String("from", string(prev)), slog.String("to", string(status)))
				v = s.Refresh(ctx, id)
			case tr.Changed():
				v = s.GetLeaderboard(ctx, id)
			default:
				continue
			}
			prev = v.Status
			if !send(v) || v.Status == model.StatusFrozen {
				return
			}
		}
	}()
	return out
}

func (s *Service) currentStatus(ctx context.Context, id string) (*model.Competition, model.Status, bool) {
	if s.freezer.IsFrozen(id) {
		return nil, model.StatusFrozen, true
	}
	comp, ok := cache.Get[model.Competition](ctx, s.cache, competitionKey(id))
	if !ok {
		var err error
		if comp, err = s.competitionOnce(ctx, id); err != nil {
			return nil, "", false
		}
	}
	return &comp, lifecycle.Compute(comp.Start, comp.End, s.clock.Now(), false), true
}

// transitionSlack puts a boundary wake-up just past the boundary, where
// the new state already holds.
const transitionSlack = 10 * time.Millisecond

// nextWake returns how long a watcher sleeps: interval, or less when the
// competition's next state change comes sooner.
func (s *Service) nextWake(comp *model.Competition, interval time.Duration) time.Duration {
	if comp == nil {
		return interval
	}
	now := s.clock.Now()
	at, ok := lifecycle.NextTransition(comp.Start, comp.End, now)
	if !ok {
		return interval
	}
	if d := at.Sub(now) + transitionSlack; d < interval {
		return d
	}
	return interval
}
