package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/daviddao/podium/pkg/activity"
	"github.com/daviddao/podium/pkg/cache"
	"github.com/daviddao/podium/pkg/clock"
	"github.com/daviddao/podium/pkg/competition"
	"github.com/daviddao/podium/pkg/config"
	"github.com/daviddao/podium/pkg/eventlog"
	"github.com/daviddao/podium/pkg/freeze"
	"github.com/daviddao/podium/pkg/identity"
	"github.com/daviddao/podium/pkg/kv"
	"github.com/daviddao/podium/pkg/leaderboard"
	"golang.org/x/time/rate"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	clock    clock.Clock
	store    kv.Store
	replicas []*eventlog.SQLiteReplica
	pool     *eventlog.Pool
	cache    *cache.Cache
	freezer  *freeze.Store
	engine   *activity.Engine
	identity identity.Local
	svc      *competition.Service
}

// newApp opens the durable store and the replicas and wires the service.
// Parent directories of file-backed paths are created as needed.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, clock: clock.System{}}

	if cfg.Store.Driver != "memory" {
		if err := ensureDir(cfg.Store.Path); err != nil {
			return nil, err
		}
	}
	store, err := kv.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s store %q: %w", cfg.Store.Driver, cfg.Store.Path, err)
	}
	a.store = store

	clients := make([]eventlog.Client, 0, len(cfg.Replicas))
	for _, path := range cfg.Replicas {
		if err := ensureDir(path); err != nil {
			a.Close()
			return nil, err
		}
		r, err := eventlog.OpenSQLiteReplica(path, eventlog.WithReplicaLogger(logger))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("cannot open replica %q: %w", path, err)
		}
		a.replicas = append(a.replicas, r)
		clients = append(clients, r)
	}
	limit := rate.Inf
	if cfg.ReplicaRateLimit > 0 {
		limit = rate.Limit(cfg.ReplicaRateLimit)
	}
	a.pool = eventlog.NewPool(clients,
		eventlog.WithRateLimit(limit, max(1, len(clients))),
		eventlog.WithPoolLogger(logger),
		eventlog.WithPublishTimeout(cfg.Timeouts.Publish),
		eventlog.WithFetchTimeout(cfg.Timeouts.Subscribe),
	)

	a.cache = cache.New(
		cache.WithDurable(store),
		cache.WithTTLs(cfg.TTL.Classes()),
		cache.WithLogger(logger),
		cache.WithName("podium"),
	)
	a.freezer = freeze.New(store, freeze.WithLogger(logger))
	if err := a.freezer.Load(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("cannot load frozen snapshots: %w", err)
	}
	a.engine = activity.NewEngine(a.pool,
		activity.WithTimeout(cfg.Timeouts.Subscribe),
		activity.WithLogger(logger),
	)
	a.identity = identity.NewLocal(cfg.Participant)

	svc, err := competition.NewService(competition.Deps{
		Client:   a.pool,
		Cache:    a.cache,
		Freezer:  a.freezer,
		Engine:   a.engine,
		Identity: a.identity,
	},
		competition.WithLogger(logger),
		competition.WithMetadataDelays(cfg.MetadataDelays),
		competition.WithSubscribeTimeout(cfg.Timeouts.Subscribe),
		competition.WithMetadataTimeout(cfg.Timeouts.Metadata),
		competition.WithPublishTimeout(cfg.Timeouts.Publish),
		competition.WithWatchInterval(cfg.WatchInterval),
		competition.WithTieBreak(leaderboard.TieBreak(cfg.TieBreak)),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.svc = svc
	return a, nil
}

// Close waits for background work, flushes the cache and releases storage.
func (a *app) Close() {
	if a.svc != nil {
		a.svc.Wait()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	for _, r := range a.replicas {
		_ = r.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// resolveParticipant returns the flag value, falling back to the configured
// participant.
func (a *app) resolveParticipant(flagVal string) (string, error) {
	if flagVal != "" {
		return flagVal, nil
	}
	if a.cfg.Participant != "" {
		return a.cfg.Participant, nil
	}
	return "", fmt.Errorf("no participant: pass --participant or set %s", config.EnvParticipant)
}

// sign stamps e with the local identity.
func (a *app) sign(ctx context.Context, e eventlog.Event) (eventlog.Event, error) {
	signer, ok := a.identity.Signer()
	if !ok {
		return eventlog.Event{}, fmt.Errorf("no identity: set %s", config.EnvParticipant)
	}
	return signer.Sign(ctx, e)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
