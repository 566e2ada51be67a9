package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists idempotency results, the request audit trail and
// webhook subscriptions.
type SQLiteStore struct {
	db *sql.DB
}

// ErrIdempotencyMismatch is returned when a key is reused with a different
// request body.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS webhooks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            api_key TEXT NOT NULL,
            event_type TEXT NOT NULL,
            url TEXT NOT NULL,
            secret TEXT NOT NULL,
            active INTEGER NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CachedResponse is a previously persisted idempotent result.
type CachedResponse struct {
	Status int
	Body   []byte
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(method))
	sum.Write([]byte{0})
	sum.Write([]byte(path))
	sum.Write([]byte{0})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

func (s *SQLiteStore) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*CachedResponse, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_hash, response_status, response_body FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`,
		apiKey, key)
	var storedHash string
	var cached CachedResponse
	switch err := row.Scan(&storedHash, &cached.Status, &cached.Body); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &cached, nil
}

func (s *SQLiteStore) StoreIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_keys (api_key, idempotency_key, request_hash, response_status, response_body) VALUES (?, ?, ?, ?, ?)`,
		apiKey, key, requestHash, status, body)
	return err
}

func (s *SQLiteStore) Audit(ctx context.Context, apiKey, method, path string, requestBody []byte, status int, responseBody []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (api_key, method, path, request_body, response_status, response_body) VALUES (?, ?, ?, ?, ?, ?)`,
		apiKey, method, path, requestBody, status, responseBody)
	return err
}

// WebhookSubscription routes matching events to a client endpoint. Payloads
// are signed with the subscription secret.
type WebhookSubscription struct {
	ID        int64
	APIKey    string
	EventType string
	URL       string
	Secret    string
	Active    bool
}

func (s *SQLiteStore) CreateWebhook(ctx context.Context, sub *WebhookSubscription) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (api_key, event_type, url, secret, active, created_at) VALUES (?, ?, ?, ?, 1, ?)`,
		sub.APIKey, sub.EventType, sub.URL, sub.Secret, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) ActiveWebhooks(ctx context.Context, eventType string) ([]*WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, api_key, event_type, url, secret, active FROM webhooks WHERE active = 1 AND (event_type = ? OR event_type = '*')`,
		eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []*WebhookSubscription
	for rows.Next() {
		sub := &WebhookSubscription{}
		if err := rows.Scan(&sub.ID, &sub.APIKey, &sub.EventType, &sub.URL, &sub.Secret, &sub.Active); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStore) EventCursor(ctx context.Context, name string) (uint64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM event_cursors WHERE name = ?`, name)
	var value uint64
	switch err := row.Scan(&value); {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, err
	}
	return value, nil
}

func (s *SQLiteStore) SetEventCursor(ctx context.Context, name string, value uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_cursors (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		name, value)
	return err
}
