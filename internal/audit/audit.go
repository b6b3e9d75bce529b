// Package audit keeps the tamper-evident operator audit trail in its own
// SQLite file, separate from engagement checkpoints. Every entry is
// HMAC-SHA256-signed with the key given to Open; the daemon passes its
// keystore-derived engagement key, and there is no separate trusted-time key.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the audit database file under the storage base.
const FileName = "audit.sqlite"

// Entry is one audit record.
type Entry struct {
	ID           int64
	EngagementID string
	EventType    string
	EventData    string
	Actor        string
	Timestamp    string
	Signature    string
}

// Log is the signed audit log.
type Log struct {
	mu  sync.Mutex
	db  *sql.DB
	key []byte
	now func() string
	log *slog.Logger
}

// Open creates or opens the audit database under basePath. now supplies
// trusted timestamps; nil falls back to the local clock.
func Open(basePath string, key []byte, now func() string) (*Log, error) {
	if err := os.MkdirAll(basePath, 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(basePath, FileName))
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		engagement_id TEXT NOT NULL,
		event_type    TEXT NOT NULL,
		event_data    TEXT,
		actor         TEXT NOT NULL,
		timestamp     TEXT NOT NULL,
		signature     TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_engagement_ts ON audit(engagement_id, timestamp)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init audit index: %w", err)
	}
	if now == nil {
		now = func() string { return time.Now().UTC().Format(time.RFC3339Nano) }
	}
	return &Log{db: db, key: key, now: now, log: slog.Default().With("component", "audit")}, nil
}

// Close releases the database.
func (l *Log) Close() error { return l.db.Close() }

// sign computes the entry signature over its canonical pipe-joined form.
func (l *Log) sign(engagementID, eventType, eventData, actor, timestamp string) string {
	mac := hmac.New(sha256.New, l.key)
	fmt.Fprintf(mac, "%s|%s|%s|%s|%s", engagementID, eventType, eventData, actor, timestamp)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Record appends a signed entry.
func (l *Log) Record(ctx context.Context, engagementID, eventType, eventData, actor string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := l.now()
	signature := l.sign(engagementID, eventType, eventData, actor, timestamp)
	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO audit (engagement_id, event_type, event_data, actor, timestamp, signature) VALUES (?, ?, ?, ?, ?, ?)`,
		engagementID, eventType, eventData, actor, timestamp, signature,
	); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Query returns the entries for an engagement in insertion order.
func (l *Log) Query(ctx context.Context, engagementID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, engagement_id, event_type, COALESCE(event_data, ''), actor, timestamp, signature
		 FROM audit WHERE engagement_id = ? ORDER BY id`, engagementID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.EngagementID, &e.EventType, &e.EventData, &e.Actor, &e.Timestamp, &e.Signature); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyEntry recomputes an entry's signature.
func (l *Log) VerifyEntry(e Entry) bool {
	expected := l.sign(e.EngagementID, e.EventType, e.EventData, e.Actor, e.Timestamp)
	return hmac.Equal([]byte(expected), []byte(e.Signature))
}
