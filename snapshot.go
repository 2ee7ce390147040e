package rtm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ============================================================================
// Store snapshots
// ============================================================================

const snapshotVersion = 1

type storeSnapshot struct {
	Version  int                 `json:"version"`
	Cursor   string              `json:"cursor,omitempty"`
	Chats    []Chat              `json:"chats"`
	Messages []Message           `json:"messages"`
	Order    map[string][]string `json:"order"`
	Users    []User              `json:"users,omitempty"`
}

// Serialize encodes the store for an external persistence mechanism. Typing
// signals are not included.
func (s *Store) Serialize() ([]byte, error) {
	s.mu.RLock()
	snap := storeSnapshot{
		Version: snapshotVersion,
		Cursor:  s.cursor,
		Order:   make(map[string][]string, len(s.order)),
	}
	for _, c := range s.chats {
		snap.Chats = append(snap.Chats, *c)
	}
	for chatID, ids := range s.order {
		snap.Order[chatID] = append([]string(nil), ids...)
		for _, id := range ids {
			snap.Messages = append(snap.Messages, *s.messages[id])
		}
	}
	for _, u := range s.users {
		snap.Users = append(snap.Users, *u)
	}
	s.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the store's contents with a snapshot. Pending messages
// lost their outbound command with the previous process, so they come back
// as failed and can be retried. Subscriptions are kept.
func (s *Store) Restore(data []byte) error {
	var snap storeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	chats := make(map[string]*Chat, len(snap.Chats))
	for _, c := range snap.Chats {
		c := c
		c.SelfTyping = false
		chats[c.ID] = &c
	}
	messages := make(map[string]*Message, len(snap.Messages))
	for _, m := range snap.Messages {
		m := m
		if m.DeliveryState == DeliveryPending {
			m.DeliveryState = DeliveryFailed
		}
		messages[m.ID] = &m
	}
	order := make(map[string][]string, len(snap.Order))
	for chatID, ids := range snap.Order {
		for _, id := range ids {
			if _, ok := messages[id]; !ok {
				return fmt.Errorf("snapshot order references unknown message %q", id)
			}
		}
		if _, ok := chats[chatID]; !ok {
			chats[chatID] = &Chat{ID: chatID, Kind: chatKindFor(chatID)}
		}
		order[chatID] = append([]string(nil), ids...)
	}
	users := make(map[string]*User, len(snap.Users))
	for _, u := range snap.Users {
		u := u
		users[u.ID] = &u
	}

	s.mu.Lock()
	s.chats = chats
	s.messages = messages
	s.order = order
	s.users = users
	s.typing = make(map[string]map[string]time.Time)
	s.cursor = snap.Cursor
	var changes []Change
	for _, c := range chats {
		changes = append(changes, chatChange(c, ChangeUpsert))
	}
	s.mu.Unlock()
	s.deliver(changes)
	return nil
}

// ============================================================================
// Snapshot persistence
// ============================================================================

// SnapshotStore persists opaque store snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
}

// SQLiteSnapshots keeps snapshots in a SQLite database.
type SQLiteSnapshots struct {
	db *sql.DB
}

// OpenSQLiteSnapshots opens (or creates) the database at dsn.
func OpenSQLiteSnapshots(dsn string) (*SQLiteSnapshots, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		saved_at INTEGER NOT NULL
	);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate snapshots: %w", err)
	}
	return &SQLiteSnapshots{db: db}, nil
}

// Save stores data under key, replacing any previous snapshot.
func (s *SQLiteSnapshots) Save(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (key, data, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at
	`, key, data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot saved under key, or ErrNoSnapshot.
func (s *SQLiteSnapshots) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return data, nil
}

// SavedAt returns when the snapshot under key was last written.
func (s *SQLiteSnapshots) SavedAt(ctx context.Context, key string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT saved_at FROM snapshots WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNoSnapshot
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load snapshot time: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// Close closes the database.
func (s *SQLiteSnapshots) Close() error {
	return s.db.Close()
}
