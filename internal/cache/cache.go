package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Namespaces used by callers.
const (
	NamespaceSync = "sync"
	NamespacePair = "pair"
)

// DefaultRetention is the retention used when none is configured.
const DefaultRetention = 30 * 24 * time.Hour

// Entry is a resumable scan checkpoint. It is never authoritative: callers
// re-confirm current state against the chain and resume from LastBlockSeen+1.
type Entry struct {
	Value         json.RawMessage `json:"value"`
	LastBlockSeen uint64          `json:"last_block_seen"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ResumeFrom returns the first block not yet covered by the entry.
func (e Entry) ResumeFrom() uint64 {
	return e.LastBlockSeen + 1
}

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"CREATE TABLE IF NOT EXISTS scan_entries (key TEXT PRIMARY KEY, blob BLOB NOT NULL, updated_at INTEGER NOT NULL);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	return &Store{db: db, lock: flock.New(lockPath), now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Key builds the storage key for an address inside a namespace.
func Key(namespace, address string) string {
	return strings.ToLower(strings.TrimSpace(namespace)) + ":" + strings.ToLower(strings.TrimSpace(address))
}

// Prune deletes entries not updated within retention.
func (s *Store) Prune(retention time.Duration) error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := s.now().UTC().Add(-retention).Unix()
	if _, err := s.db.Exec("DELETE FROM scan_entries WHERE updated_at < ?", cutoff); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

// Get returns the entry for address. Missing, unreadable and corrupt entries
// all report a miss.
func (s *Store) Get(ctx context.Context, namespace, address string) (Entry, bool) {
	if s == nil || s.db == nil {
		return Entry{}, false
	}
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT blob FROM scan_entries WHERE key = ?", Key(namespace, address)).Scan(&blob)
	if err != nil {
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(blob, &entry); err != nil {
		return Entry{}, false
	}
	if entry.UpdatedAt.IsZero() {
		return Entry{}, false
	}
	return entry, true
}

// Put stores entry, stamping UpdatedAt. Writers across processes are
// serialized by the file lock.
func (s *Store) Put(ctx context.Context, namespace, address string, entry Entry) error {
	if s == nil || s.db == nil {
		return errors.New("cache store is not open")
	}
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	entry.UpdatedAt = s.now().UTC()
	blob, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_entries (key, blob, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			blob=excluded.blob,
			updated_at=excluded.updated_at
	`, Key(namespace, address), blob, entry.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}
