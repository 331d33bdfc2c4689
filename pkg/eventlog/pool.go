package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	replicaSubscriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podium_eventlog_replica_subscriptions_total",
		Help: "Replica subscriptions opened by the pool, by result",
	}, []string{"result"})
	publishAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "podium_eventlog_publish_accepted_total",
		Help: "Replica acceptances of published events",
	})
)

// Pool is a Client that fans every operation out to a set of replicas.
// Subscriptions merge all replica streams, deduplicated by id; EOSE fires
// once every replica has signalled it or failed, provided at least one
// signalled it. A pool no replica answered never reaches EOSE. Publish
// succeeds if at least one replica accepts.
type Pool struct {
	replicas       []Client
	limiter        *rate.Limiter
	logger         *slog.Logger
	publishTimeout time.Duration
	fetchTimeout   time.Duration
}

var _ Client = (*Pool)(nil)

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithRateLimit paces replica subscriptions to r per second with the given
// burst. The default is unlimited.
func WithRateLimit(r rate.Limit, burst int) PoolOption {
	return func(p *Pool) { p.limiter = rate.NewLimiter(r, burst) }
}

// WithPoolLogger sets the logger.
func WithPoolLogger(l *slog.Logger) PoolOption { return func(p *Pool) { p.logger = l } }

// WithPublishTimeout bounds each replica's publish.
func WithPublishTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.publishTimeout = d }
}

// WithFetchTimeout bounds FetchOne.
func WithFetchTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.fetchTimeout = d }
}

// NewPool returns a pool over replicas.
func NewPool(replicas []Client, opts ...PoolOption) *Pool {
	p := &Pool{
		replicas:       replicas,
		limiter:        rate.NewLimiter(rate.Inf, 0),
		logger:         slog.Default(),
		publishTimeout: 5 * time.Second,
		fetchTimeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Len returns the number of replicas.
func (p *Pool) Len() int { return len(p.replicas) }

// Subscribe implements Client.
func (p *Pool) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	subID := uuid.NewString()
	out := make(chan Event, 64)
	eose := make(chan struct{})

	if len(p.replicas) == 0 {
		close(out)
		return NewSubscription(out, eose, cancel), nil
	}

	var (
		seenMu   sync.Mutex
		seen     = make(map[string]struct{})
		pending  = int32(len(p.replicas))
		answered atomic.Bool
		wg       sync.WaitGroup
	)
	forward := func(e Event) bool {
		seenMu.Lock()
		_, dup := seen[e.ID]
		if !dup {
			seen[e.ID] = struct{}{}
		}
		seenMu.Unlock()
		if dup {
			return true
		}
		select {
		case out <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for i, r := range p.replicas {
		wg.Add(1)
		go func() {
			defer wg.Done()
			signalled := false
			signal := func(reached bool) {
				if signalled {
					return
				}
				signalled = true
				if reached {
					answered.Store(true)
				}
				if atomic.AddInt32(&pending, -1) == 0 && answered.Load() {
					close(eose)
				}
			}
			// A failed or closed replica counts as done.
			defer signal(false)

			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
			sub, err := r.Subscribe(ctx, f)
			if err != nil {
				replicaSubscriptions.WithLabelValues("error").Inc()
				p.logger.Debug("replica subscribe failed",
					slog.String("sub", subID), slog.Int("replica", i), slog.Any("error", err))
				return
			}
			replicaSubscriptions.WithLabelValues("ok").Inc()
			defer sub.Close()

			replicaEOSE := sub.EOSE
			for {
				select {
				case e, ok := <-sub.Events:
					if !ok || !forward(e) {
						return
					}
				case <-replicaEOSE:
					replicaEOSE = nil
				drain:
					for {
						select {
						case e, ok := <-sub.Events:
							if !ok || !forward(e) {
								return
							}
						default:
							break drain
						}
					}
					signal(true)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	p.logger.Debug("pool subscription opened",
		slog.String("sub", subID), slog.Int("replicas", len(p.replicas)), slog.String("filter", f.String()))
	return NewSubscription(out, eose, cancel), nil
}

// FetchOne implements Client by collecting from every replica and keeping
// the newest match.
func (p *Pool) FetchOne(ctx context.Context, f Filter) (Event, bool, error) {
	e, ok := Newest(Collect(ctx, p, f, p.fetchTimeout))
	return e, ok, nil
}

// Publish implements Client. It returns the number of replicas that
// accepted e, and an error only when none did.
func (p *Pool) Publish(ctx context.Context, e Event) (int, error) {
	if len(p.replicas) == 0 {
		return 0, errors.New("publish: no replicas configured")
	}

	var (
		accepted atomic.Int32
		mu       sync.Mutex
		errs     []error
		g        errgroup.Group
	)
	for _, r := range p.replicas {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
			defer cancel()
			n, err := r.Publish(ctx, e)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			accepted.Add(int32(n))
			return nil
		})
	}
	_ = g.Wait()

	n := int(accepted.Load())
	publishAccepted.Add(float64(n))
	if n == 0 {
		return 0, fmt.Errorf("publish %s: no replica accepted: %w", e.ID, errors.Join(errs...))
	}
	p.logger.Debug("event published", slog.String("id", e.ID), slog.Int("kind", e.Kind), slog.Int("accepted", n))
	return n, nil
}
