package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/golang/glog"

	h "github.com/microcosm-cc/modelcache/helpers"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS cache_buckets (
    name    TEXT PRIMARY KEY,
    created TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS cache_entries (
    bucket      TEXT NOT NULL REFERENCES cache_buckets (name) ON DELETE CASCADE,
    request_key TEXT NOT NULL,
    status      INTEGER NOT NULL,
    header      BYTEA NOT NULL,
    body        BYTEA NOT NULL,
    stored      TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (bucket, request_key)
);`

// PostgresStorage keeps buckets in two tables. Bucket deletion cascades to
// the entries, and PutAll runs in a single transaction.
type PostgresStorage struct {
	db *sql.DB
}

type postgresBucket struct {
	s    *PostgresStorage
	name string
}

// NewPostgresStorage connects and creates the tables if needed
func NewPostgresStorage(ctx context.Context, c h.DBConfig) (*PostgresStorage, error) {
	db, err := h.OpenDB(c)
	if err != nil {
		return nil, err
	}

	s := &PostgresStorage{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStorage) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	if err != nil {
		return fmt.Errorf("creating cache tables: %w", err)
	}
	return nil
}

// Close releases the connection pool
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// Open implements Storage
func (s *PostgresStorage) Open(ctx context.Context, name string) (Bucket, error) {
	_, err := s.db.ExecContext(ctx, `--Storage::Open
INSERT INTO cache_buckets (name)
VALUES ($1)
ON CONFLICT (name) DO NOTHING`,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("insert bucket %s: %w", name, err)
	}

	return &postgresBucket{s: s, name: name}, nil
}

// Keys implements Storage
func (s *PostgresStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `--Storage::Keys
SELECT name
  FROM cache_buckets
 ORDER BY created ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("select buckets: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("row parsing error: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error fetching rows: %w", err)
	}

	return names, nil
}

// Delete implements Storage
func (s *PostgresStorage) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `--Storage::Delete
DELETE FROM cache_buckets
 WHERE name = $1`,
		name,
	)
	if err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *postgresBucket) Name() string {
	return b.name
}

func (b *postgresBucket) Match(ctx context.Context, key string) (*Snapshot, bool, error) {
	var (
		snap   Snapshot
		header []byte
	)

	err := b.s.db.QueryRowContext(ctx, `--Bucket::Match
SELECT status
      ,header
      ,body
      ,stored
  FROM cache_entries
 WHERE bucket = $1
   AND request_key = $2`,
		b.name,
		key,
	).Scan(
		&snap.Status,
		&header,
		&snap.Body,
		&snap.StoredAt,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select entry %s: %w", key, err)
	}

	snap.Header = http.Header{}
	if err := json.Unmarshal(header, &snap.Header); err != nil {
		return nil, false, fmt.Errorf("decoding header of %s: %w", key, err)
	}

	return &snap, true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (b *postgresBucket) put(ctx context.Context, db execer, key string, snap *Snapshot) error {
	if err := storable(b.name, key, snap); err != nil {
		return err
	}

	header, err := json.Marshal(snap.Header)
	if err != nil {
		return fmt.Errorf("encoding header of %s: %w", key, err)
	}

	body := snap.Body
	if body == nil {
		body = []byte{}
	}

	_, err = db.ExecContext(ctx, `--Bucket::Put
INSERT INTO cache_entries (
    bucket, request_key, status, header, body, stored
) VALUES (
    $1, $2, $3, $4, $5, $6
)
ON CONFLICT (bucket, request_key) DO UPDATE
   SET status = EXCLUDED.status
      ,header = EXCLUDED.header
      ,body = EXCLUDED.body
      ,stored = EXCLUDED.stored`,
		b.name,
		key,
		snap.Status,
		header,
		body,
		snap.StoredAt,
	)
	if err != nil {
		return fmt.Errorf("upsert entry %s: %w", key, err)
	}
	return nil
}

func (b *postgresBucket) Put(ctx context.Context, key string, snap *Snapshot) error {
	return b.put(ctx, b.s.db, key, snap)
}

func (b *postgresBucket) PutAll(ctx context.Context, entries []Entry) error {
	tx, err := h.GetTransaction(b.s.db)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, en := range entries {
		if err := b.put(ctx, tx, en.Key, en.Snapshot); err != nil {
			return err
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	if glog.V(3) {
		glog.Infof("Stored %d entries in %s", len(entries), b.name)
	}
	return nil
}

func (b *postgresBucket) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.s.db.QueryContext(ctx, `--Bucket::Keys
SELECT request_key
  FROM cache_entries
 WHERE bucket = $1
 ORDER BY request_key`,
		b.name,
	)
	if err != nil {
		return nil, fmt.Errorf("select keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("row parsing error: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error fetching rows: %w", err)
	}

	return keys, nil
}
