package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dukerupert/chabapp/internal/model"
)

// CacheStore keeps cache partitions in SQLite. It satisfies cache.Storage.
type CacheStore struct {
	db *sql.DB
}

func NewCacheStore(db *sql.DB) *CacheStore {
	return &CacheStore{db: db}
}

// Open creates the partition if it does not already exist.
func (s *CacheStore) Open(ctx context.Context, partition string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO cache_partitions (name) VALUES (?)`, partition)
	if err != nil {
		return fmt.Errorf("open cache partition %q: %w", partition, err)
	}
	return nil
}

// Put overwrites any entry already stored under the same key.
func (s *CacheStore) Put(ctx context.Context, entry *model.CacheEntry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("marshal cache header: %w", err)
	}
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (partition, request_key, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(partition, request_key) DO UPDATE SET
		   status = excluded.status, header = excluded.header, body = excluded.body, stored_at = excluded.stored_at`,
		entry.Partition, entry.Key, entry.Status, string(header), body, storedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put cache entry %q: %w", entry.Key, err)
	}
	return nil
}

// Match returns nil, nil when the key is not cached.
func (s *CacheStore) Match(ctx context.Context, partition, key string) (*model.CacheEntry, error) {
	entry := model.CacheEntry{Partition: partition, Key: key}
	var header string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries WHERE partition = ? AND request_key = ?`,
		partition, key,
	).Scan(&entry.Status, &header, &entry.Body, &entry.StoredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match cache entry %q: %w", key, err)
	}

	entry.Header = http.Header{}
	if err := json.Unmarshal([]byte(header), &entry.Header); err != nil {
		return nil, fmt.Errorf("decode cache header %q: %w", key, err)
	}
	return &entry, nil
}

func (s *CacheStore) Keys(ctx context.Context, partition string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_key FROM cache_entries WHERE partition = ? ORDER BY request_key`, partition)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan cache key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *CacheStore) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_partitions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list cache partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan cache partition: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeletePartition removes the partition and, by cascade, all of its entries.
func (s *CacheStore) DeletePartition(ctx context.Context, partition string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_partitions WHERE name = ?`, partition); err != nil {
		return fmt.Errorf("delete cache partition %q: %w", partition, err)
	}
	return nil
}
