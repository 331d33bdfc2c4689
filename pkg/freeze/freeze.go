// Package freeze archives finished competitions permanently.
//
// Once a competition's end time has passed its final leaderboard is frozen:
// written to the durable store under "frozen:snapshot:<id>", its id appended
// to the index key "frozen:index", and promoted into memory. Load reads the
// index at startup so historical competitions never touch the network.
//
// Freezing is monotonic and one-way. A second Freeze for the same id is a
// no-op that returns the original snapshot unchanged. Only Purge, an
// administrative operation, removes a snapshot.
package freeze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/daviddao/podium/pkg/clock"
	"github.com/daviddao/podium/pkg/kv"
	"github.com/daviddao/podium/pkg/lifecycle"
	"github.com/daviddao/podium/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	indexKey       = "frozen:index"
	snapshotPrefix = "frozen:snapshot:"
)

var freezeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "podium_freeze_total",
	Help: "Freeze attempts by result",
}, []string{"result"})

// Request carries everything needed to freeze one competition.
type Request struct {
	CompetitionID string
	Organizer     string
	Participants  []string
	Leaderboard   []model.LeaderboardEntry
	Teams         []model.TeamEntry
	EndTime       time.Time
}

// Store is the permanent snapshot archive. Safe for concurrent use.
type Store struct {
	kv     kv.Store
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.RWMutex
	snapshots map[string]model.FrozenSnapshot
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// New creates a Store over the given durable store. Call Load before use
// to warm it with previously frozen competitions.
func New(store kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:        store,
		clock:     clock.System{},
		logger:    slog.Default(),
		snapshots: make(map[string]model.FrozenSnapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads every indexed snapshot into memory. Snapshots that cannot be
// read are logged and skipped; only an unreadable index fails the load.
func (s *Store) Load(ctx context.Context) error {
	ids, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	loaded := 0
	for _, id := range ids {
		raw, err := s.kv.Get(ctx, snapshotPrefix+id)
		if err != nil {
			s.logger.Warn("frozen snapshot missing", slog.String("competition", id), slog.Any("error", err))
			continue
		}
		var snap model.FrozenSnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			s.logger.Warn("frozen snapshot unreadable", slog.String("competition", id), slog.Any("error", err))
			continue
		}
		s.mu.Lock()
		s.snapshots[id] = snap
		s.mu.Unlock()
		loaded++
	}
	s.logger.Debug("frozen snapshots loaded", slog.Int("count", loaded))
	return nil
}

// IsFrozen reports whether id has a snapshot.
func (s *Store) IsFrozen(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.snapshots[id]
	return ok
}

// Get returns the snapshot for id.
func (s *Store) Get(id string) (model.FrozenSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	return snap, ok
}

// List returns all snapshots ordered by end time, then id.
func (s *Store) List() []model.FrozenSnapshot {
	s.mu.RLock()
	out := make([]model.FrozenSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return clock.TotalOrderLess(out[i].EndTime, out[i].CompetitionID, out[j].EndTime, out[j].CompetitionID)
	})
	return out
}

// ShouldFreeze reports whether a competition ending at end is over.
func (s *Store) ShouldFreeze(end time.Time) bool {
	return lifecycle.SafeToFinalize(end, s.clock.Now())
}

// Freeze archives req. If the competition is already frozen the existing
// snapshot is returned with created=false and nothing is written. On a
// persistence error the competition stays unfrozen so a later read can try
// again.
func (s *Store) Freeze(ctx context.Context, req Request) (model.FrozenSnapshot, bool, error) {
	if req.CompetitionID == "" {
		return model.FrozenSnapshot{}, false, errors.New("freeze: competition id is required")
	}

	// The write lock is held across persistence so two concurrent freezes
	// of the same competition produce exactly one snapshot.
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.snapshots[req.CompetitionID]; ok {
		freezeTotal.WithLabelValues("already_frozen").Inc()
		return existing, false, nil
	}

	snap := model.FrozenSnapshot{
		CompetitionID: req.CompetitionID,
		Organizer:     req.Organizer,
		Participants:  append([]string(nil), req.Participants...),
		Leaderboard:   append([]model.LeaderboardEntry(nil), req.Leaderboard...),
		Teams:         append([]model.TeamEntry(nil), req.Teams...),
		FrozenAt:      s.clock.Now().UTC(),
		EndTime:       req.EndTime,
	}
	if err := s.persist(ctx, snap); err != nil {
		freezeTotal.WithLabelValues("error").Inc()
		return model.FrozenSnapshot{}, false, err
	}
	s.snapshots[snap.CompetitionID] = snap
	freezeTotal.WithLabelValues("created").Inc()
	s.logger.Info("competition frozen",
		slog.String("competition", snap.CompetitionID),
		slog.Int("participants", len(snap.Participants)),
		slog.Int("entries", len(snap.Leaderboard)))
	return snap, true, nil
}

// Purge removes a snapshot from memory and durable storage.
func (s *Store) Purge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	if err := s.writeIndex(ctx, kept); err != nil {
		return err
	}
	if err := s.kv.Remove(ctx, snapshotPrefix+id); err != nil {
		return fmt.Errorf("remove snapshot %s: %w", id, err)
	}
	delete(s.snapshots, id)
	s.logger.Info("frozen snapshot purged", slog.String("competition", id))
	return nil
}

// persist writes the snapshot first and the index second, so an index entry
// never points at a snapshot that was not written. Caller holds s.mu.
func (s *Store) persist(ctx context.Context, snap model.FrozenSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.CompetitionID, err)
	}
	if err := s.kv.Set(ctx, snapshotPrefix+snap.CompetitionID, string(b)); err != nil {
		return fmt.Errorf("write snapshot %s: %w", snap.CompetitionID, err)
	}
	ids, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == snap.CompetitionID {
			return nil
		}
	}
	return s.writeIndex(ctx, append(ids, snap.CompetitionID))
}

func (s *Store) readIndex(ctx context.Context) ([]string, error) {
	raw, err := s.kv.Get(ctx, indexKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read frozen index: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode frozen index: %w", err)
	}
	return ids, nil
}

func (s *Store) writeIndex(ctx context.Context, ids []string) error {
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, indexKey, string(b)); err != nil {
		return fmt.Errorf("write frozen index: %w", err)
	}
	return nil
}
