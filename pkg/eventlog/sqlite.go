package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/daviddao/podium/pkg/retry"

	_ "modernc.org/sqlite"
)

// SQLiteReplica is a local replica of the event log in SQLite (WAL mode).
// Author, kind, id and time predicates run in SQL; tag predicates are
// applied after the scan.
type SQLiteReplica struct {
	db           *sql.DB
	pollInterval time.Duration
	logger       *slog.Logger
}

var _ Client = (*SQLiteReplica)(nil)

// ReplicaOption configures a SQLiteReplica.
type ReplicaOption func(*SQLiteReplica)

// WithPollInterval keeps subscriptions open after EOSE, polling for newly
// published events at the given interval. Zero closes them at EOSE.
func WithPollInterval(d time.Duration) ReplicaOption {
	return func(r *SQLiteReplica) { r.pollInterval = d }
}

// WithReplicaLogger sets the logger.
func WithReplicaLogger(l *slog.Logger) ReplicaOption {
	return func(r *SQLiteReplica) { r.logger = l }
}

// OpenSQLiteReplica opens (or creates) the replica database at path.
func OpenSQLiteReplica(path string, opts ...ReplicaOption) (*SQLiteReplica, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	r := &SQLiteReplica{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate replica: %w", err)
	}
	return r, nil
}

// Close closes the database connection.
func (r *SQLiteReplica) Close() error { return r.db.Close() }

func (r *SQLiteReplica) migrate() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS events (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		pubkey      TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		kind        INTEGER NOT NULL,
		tags        TEXT NOT NULL,
		content     TEXT NOT NULL,
		sig         TEXT NOT NULL DEFAULT '',
		received_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_author ON events(pubkey, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, created_at);
	`)
	return err
}

// Publish implements Client. Publishing an event the replica already holds
// counts as accepted.
func (r *SQLiteReplica) Publish(ctx context.Context, e Event) (int, error) {
	if err := Validate(e); err != nil {
		return 0, err
	}
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return 0, fmt.Errorf("encode tags: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err = retry.Do(ctx, retry.SQLiteConfig.Delays(), retry.IsTransientSQLite, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig, received_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			e.ID, e.PubKey, e.CreatedAt, e.Kind, string(tagsJSON), e.Content, e.Sig, now,
		)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return 1, nil
}

// Count returns the number of stored events.
func (r *SQLiteReplica) Count(ctx context.Context) int64 {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// FetchOne implements Client.
func (r *SQLiteReplica) FetchOne(ctx context.Context, f Filter) (Event, bool, error) {
	f.Limit = 1
	events, _, err := r.query(ctx, f, 0)
	if err != nil {
		return Event{}, false, err
	}
	e, ok := Newest(events)
	return e, ok, nil
}

// Subscribe implements Client.
func (r *SQLiteReplica) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	cursor := r.maxSeq(ctx)
	stored, _, err := r.query(ctx, f, 0)
	if err != nil {
		return nil, err
	}
	var tail func(context.Context, func(Event) bool)
	if r.pollInterval > 0 {
		tail = func(ctx context.Context, emit func(Event) bool) {
			r.tail(ctx, f, cursor, emit)
		}
	}
	return serve(ctx, stored, tail), nil
}

// tail polls for events stored after cursor until ctx ends.
func (r *SQLiteReplica) tail(ctx context.Context, f Filter, cursor int64, emit func(Event) bool) {
	f.Limit = 0
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, last, err := r.query(ctx, f, cursor)
			if err != nil {
				r.logger.Debug("replica tail query failed", slog.Any("error", err))
				continue
			}
			for _, e := range events {
				if !emit(e) {
					return
				}
			}
			if last > cursor {
				cursor = last
			}
		}
	}
}

func (r *SQLiteReplica) maxSeq(ctx context.Context) int64 {
	var seq int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0
	}
	return seq
}

// query returns events matching f. With afterSeq > 0 it returns only rows
// stored after that sequence number, oldest first; otherwise newest first.
// The second result is the highest sequence number scanned.
func (r *SQLiteReplica) query(ctx context.Context, f Filter, afterSeq int64) ([]Event, int64, error) {
	var (
		where []string
		args  []any
	)
	in := func(col string, n int) string {
		return col + " IN (" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
	}
	if len(f.IDs) > 0 {
		where = append(where, in("id", len(f.IDs)))
		for _, v := range f.IDs {
			args = append(args, v)
		}
	}
	if len(f.Authors) > 0 {
		where = append(where, in("pubkey", len(f.Authors)))
		for _, v := range f.Authors {
			args = append(args, v)
		}
	}
	if len(f.Kinds) > 0 {
		where = append(where, in("kind", len(f.Kinds)))
		for _, v := range f.Kinds {
			args = append(args, v)
		}
	}
	if f.Since > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		where = append(where, "created_at <= ?")
		args = append(args, f.Until)
	}
	if afterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, afterSeq)
	}

	q := `SELECT seq, id, pubkey, created_at, kind, tags, content, sig FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if afterSeq > 0 {
		q += " ORDER BY seq ASC"
	} else {
		q += " ORDER BY created_at DESC, id ASC"
	}
	// Tag predicates are checked after the scan, so the limit can only be
	// pushed down when there are none.
	if f.Limit > 0 && len(f.Tags) == 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var (
		events []Event
		last   int64
	)
	for rows.Next() {
		var (
			e        Event
			seq      int64
			tagsJSON string
		)
		if err := rows.Scan(&seq, &e.ID, &e.PubKey, &e.CreatedAt, &e.Kind, &tagsJSON, &e.Content, &e.Sig); err != nil {
			return nil, 0, err
		}
		if seq > last {
			last = seq
		}
		if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
			return nil, 0, fmt.Errorf("decode tags for event %s: %w", e.ID, err)
		}
		if len(f.Tags) > 0 && !(Filter{Tags: f.Tags}).Matches(e) {
			continue
		}
		events = append(events, e)
		if f.Limit > 0 && len(events) >= f.Limit {
			break
		}
	}
	return events, last, rows.Err()
}
