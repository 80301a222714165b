// Package history keeps a SQLite trail of detector events: when a session
// started and with which build, every failed network check, every new
// version seen, and cancellation. Writes are buffered and flushed in
// batches so the detector never waits on disk.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hazyhaar/buildwatch/idgen"
	"github.com/hazyhaar/buildwatch/upgrade"
)

// Schema creates the event table.
const Schema = `
CREATE TABLE IF NOT EXISTS upgrade_events (
	event_id      TEXT PRIMARY KEY,
	timestamp     INTEGER NOT NULL,
	session_id    TEXT NOT NULL,
	storage_key   TEXT NOT NULL,
	kind          TEXT NOT NULL,
	hash          TEXT,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_upgrade_events_time ON upgrade_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_upgrade_events_session ON upgrade_events(session_id, kind);`

const flushBatch = 100

// Entry is one stored event.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Session   string    `json:"session_id"`
	Key       string    `json:"storage_key"`
	Kind      string    `json:"kind"`
	Hash      string    `json:"hash,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Filter narrows Query. Zero fields match everything.
type Filter struct {
	Session string
	Kind    string
	Since   time.Time
	Limit   int // default 100
}

// Log persists events asynchronously.
type Log struct {
	db       *sql.DB
	newID    idgen.Generator
	logger   *slog.Logger
	interval time.Duration
	ch       chan *Entry
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Option configures a Log.
type Option func(*Log)

// WithIDGenerator sets the generator for event IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Log) { l.newID = gen }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithFlushInterval sets how often buffered events are written. Default: 5s.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Log) { l.interval = d }
}

// New applies Schema to db and starts the flush loop. bufferSize bounds the
// queue; when it is full Record falls back to a synchronous insert.
func New(db *sql.DB, bufferSize int, opts ...Option) (*Log, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	l := &Log{
		db:       db,
		newID:    idgen.Prefixed("evt_", idgen.UUIDv7()),
		logger:   slog.Default(),
		interval: 5 * time.Second,
		ch:       make(chan *Entry, bufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l, nil
}

// Record queues a detector event. It has the shape of upgrade.Options.OnEvent.
func (l *Log) Record(ev upgrade.Event) {
	e := &Entry{
		ID:        l.newID(),
		Timestamp: ev.At,
		Session:   ev.Session,
		Key:       ev.Key,
		Kind:      string(ev.Kind),
		Hash:      ev.Hash,
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("history: buffer full, sync fallback", "kind", e.Kind)
		if err := l.Insert(context.Background(), e); err != nil {
			l.logger.Error("history: sync fallback failed", "error", err)
		}
	}
}

// Insert writes one entry synchronously.
func (l *Log) Insert(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = l.newID()
	}
	_, err := l.db.ExecContext(ctx, insertSQL,
		e.ID, e.Timestamp.UnixMilli(), e.Session, e.Key, e.Kind, e.Hash, e.Error)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

const insertSQL = `INSERT INTO upgrade_events
	(event_id, timestamp, session_id, storage_key, kind, hash, error_message)
	VALUES (?,?,?,?,?,?,?)`

// Query returns matching entries, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	q := `SELECT event_id, timestamp, session_id, storage_key, kind, hash, error_message
		FROM upgrade_events WHERE 1=1`
	var args []any
	if f.Session != "" {
		q += " AND session_id = ?"
		args = append(args, f.Session)
	}
	if f.Kind != "" {
		q += " AND kind = ?"
		args = append(args, f.Kind)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC, event_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var hash, msg sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Session, &e.Key, &e.Kind, &hash, &msg); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Hash = hash.String
		e.Error = msg.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than maxAge.
func (l *Log) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	threshold := time.Now().Add(-maxAge).UnixMilli()
	res, err := l.db.ExecContext(ctx, "DELETE FROM upgrade_events WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("history: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush loop. Safe to call twice.
func (l *Log) Close() error {
	l.once.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

// Handler serves GET ?session=&kind=&limit= as JSON.
func (l *Log) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := Filter{
			Session: r.URL.Query().Get("session"),
			Kind:    r.URL.Query().Get("kind"),
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				f.Limit = n
			}
		}
		entries, err := l.Query(r.Context(), f)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "internal error"})
			return
		}
		if entries == nil {
			entries = []*Entry{}
		}
		json.NewEncoder(w).Encode(entries)
	}
}

func (l *Log) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	batch := make([]*Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			l.logger.Error("history: begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, insertSQL)
		if err != nil {
			tx.Rollback()
			l.logger.Error("history: prepare", "error", err)
			return
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx,
				e.ID, e.Timestamp.UnixMilli(), e.Session, e.Key, e.Kind, e.Hash, e.Error,
			); err != nil {
				l.logger.Error("history: insert", "error", err, "event_id", e.ID)
			}
		}
		if err := tx.Commit(); err != nil {
			l.logger.Error("history: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
