// Package recording implements the recording controller (design doc
// Section 4.12, component C12): an idle/recording two-state machine that
// spools intercepted request/response summaries into a bounded,
// queryable store while active, and broadcasts a "recording stopped"
// event (with a session summary) to connected reporters when
// deactivated.
//
// Grounded on two teacher packages: internal/audit/index.go (SQLite-backed
// queryable projection) for the spool itself, adapted from an on-disk
// audit index into an in-memory recording-session spool, and
// internal/dashboard/websocket.go for the broadcast hub's shape.
package recording

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// State is the controller's two-state machine (spec Section 4.12).
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

// RequestLog is one recorded transaction (spec Section 3 data model).
type RequestLog struct {
	Seq        int64       `json:"seq"`
	RequestID  string      `json:"requestId"`
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	StatusCode int         `json:"statusCode"`
	RecordedAt time.Time   `json:"recordedAt"`
	Header     http.Header `json:"header,omitempty"`
}

// summary is the per-session rollup broadcast alongside the raw entries
// (SPEC_FULL.md supplemented feature: "recording session summaries",
// mirroring the teacher's AuditLog lifecycle-event pattern).
type summary struct {
	EntryCount int            `json:"entryCount"`
	StartedAt  time.Time      `json:"startedAt"`
	StoppedAt  time.Time      `json:"stoppedAt"`
	PerHost    map[string]int `json:"perHost"`
}

// Controller owns the recording state, the bounded in-memory SQLite
// spool, and the set of WebSocket reporters listening for the
// "recording stopped" broadcast.
type Controller struct {
	mu        sync.Mutex
	state     State
	capacity  int
	startedAt time.Time
	nextSeq   int64

	db  *sql.DB
	hub *hub
}

// New opens an in-memory SQLite spool and returns an idle controller. A
// non-positive capacity defaults to 10000 entries (spec Section 5:
// "bounded in-memory queue" — no unbounded growth while recording is
// left running).
func New(capacity int) (*Controller, error) {
	if capacity <= 0 {
		capacity = 10000
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("recording: open spool: %w", err)
	}
	db.SetMaxOpenConns(1) // :memory: is per-connection; pin to one connection so the schema and rows survive across calls

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id  TEXT NOT NULL,
			method      TEXT NOT NULL,
			url         TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			header      TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("recording: create spool schema: %w", err)
	}

	c := &Controller{
		capacity: capacity,
		db:       db,
		hub:      newHub(),
	}
	go c.hub.run()
	return c, nil
}

// State reports the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start transitions idle -> recording. A no-op if already recording.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Recording {
		return
	}
	c.state = Recording
	c.startedAt = time.Now()
	if _, err := c.db.Exec("DELETE FROM entries"); err != nil {
		slog.Error("recording: clear spool on start failed", "error", err)
	}
	slog.Info("recording started")
}

// Stop transitions recording -> idle, flushing the spool into a
// "recording stopped" broadcast consumed by offline reporters (spec
// Section 4.12).
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state != Recording {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	started := c.startedAt
	c.mu.Unlock()

	entries, err := c.tail(0)
	if err != nil {
		slog.Error("recording: read spool on stop failed", "error", err)
		entries = nil
	}

	perHost := make(map[string]int, len(entries))
	for _, e := range entries {
		perHost[hostOf(e.URL)]++
	}

	slog.Info("recording stopped", "entries", len(entries))

	payload, err := json.Marshal(map[string]any{
		"event":   "recording_stopped",
		"entries": entries,
		"summary": summary{
			EntryCount: len(entries),
			StartedAt:  started,
			StoppedAt:  time.Now(),
			PerHost:    perHost,
		},
	})
	if err != nil {
		slog.Error("recording: marshal recording-stopped broadcast failed", "error", err)
		return
	}
	c.hub.broadcast(payload)
}

// Record spools entry if currently recording; dropped (with a log) once
// the spool is at capacity, rather than growing without bound.
func (c *Controller) Record(entry RequestLog) {
	c.mu.Lock()
	if c.state != Recording {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if n, err := c.Len(); err != nil {
		slog.Error("recording: count spool failed", "error", err)
	} else if n >= c.capacity {
		slog.Warn("recording spool at capacity, dropping entry", "requestId", entry.RequestID)
		return
	}

	header, _ := json.Marshal(entry.Header)
	_, err := c.db.Exec(
		`INSERT INTO entries (request_id, method, url, status_code, recorded_at, header) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.Method, entry.URL, entry.StatusCode, entry.RecordedAt.Format(time.RFC3339Nano), string(header),
	)
	if err != nil {
		slog.Error("recording: insert spool entry failed", "error", err)
	}
}

// Entries returns up to limit of the most recently spooled entries,
// oldest first; limit <= 0 returns everything. Exposed for the
// `devproxy recordings export` command and the live-view HTTP surface.
func (c *Controller) Entries(limit int) ([]RequestLog, error) {
	return c.tail(limit)
}

// Len reports how many entries are currently spooled.
func (c *Controller) Len() (int, error) {
	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("recording: count spool: %w", err)
	}
	return n, nil
}

// tail returns up to limit of the most recent spooled entries, oldest
// first; limit <= 0 returns everything.
func (c *Controller) tail(limit int) ([]RequestLog, error) {
	query := "SELECT seq, request_id, method, url, status_code, recorded_at, header FROM entries ORDER BY seq ASC"
	var args []any
	if limit > 0 {
		query = "SELECT seq, request_id, method, url, status_code, recorded_at, header FROM (" +
			"SELECT seq, request_id, method, url, status_code, recorded_at, header FROM entries ORDER BY seq DESC LIMIT ?" +
			") ORDER BY seq ASC"
		args = append(args, limit)
	}

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("recording: query spool: %w", err)
	}
	defer rows.Close()

	var out []RequestLog
	for rows.Next() {
		var e RequestLog
		var recordedAt, header string
		if err := rows.Scan(&e.Seq, &e.RequestID, &e.Method, &e.URL, &e.StatusCode, &recordedAt, &header); err != nil {
			return nil, fmt.Errorf("recording: scan spool row: %w", err)
		}
		e.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		if header != "" {
			_ = json.Unmarshal([]byte(header), &e.Header)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the spool's backing database. The broadcast hub's
// goroutine is not stopped.
func (c *Controller) Close() error {
	return c.db.Close()
}

// ServeWS upgrades the connection to a WebSocket and registers it as a
// reporter for future "recording stopped" broadcasts.
func (c *Controller) ServeWS(w http.ResponseWriter, r *http.Request) {
	c.hub.serve(w, r)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
