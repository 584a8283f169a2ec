package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	stamperr "github.com/stampstore/stampstore/internal/errors"
)

// SQLiteBlobs implements BlobAPI with records stored as BLOBs in a single
// SQLite file. It suits single-node deployments without a cloud bucket.
type SQLiteBlobs struct {
	db *sql.DB
}

// NewSQLiteBlobs opens (or creates) the database at dbPath, applies
// performance PRAGMAs and creates the blob table.
func NewSQLiteBlobs(dbPath string) (*SQLiteBlobs, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite blob database: %w", err)
	}

	b := &SQLiteBlobs{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite blob database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBlobs) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS records (
			bucket TEXT NOT NULL,
			name   TEXT NOT NULL,
			data   BLOB NOT NULL,
			PRIMARY KEY (bucket, name)
		);`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating blob schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (b *SQLiteBlobs) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// GetBlob reads one record.
func (b *SQLiteBlobs) GetBlob(ctx context.Context, bucket, name string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE bucket = ? AND name = ?`, bucket, name,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", stamperr.ErrNotFound, bucket, name)
	}
	if err != nil {
		return nil, fmt.Errorf("getting record %s/%s: %w", bucket, name, err)
	}
	return data, nil
}

// PutBlob stores data. Uses INSERT OR REPLACE so that re-uploads overwrite
// the existing row.
func (b *SQLiteBlobs) PutBlob(ctx context.Context, bucket, name string, data []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (bucket, name, data) VALUES (?, ?, ?)`,
		bucket, name, data,
	)
	if err != nil {
		return fmt.Errorf("putting record %s/%s: %w", bucket, name, err)
	}
	return nil
}

// HealthCheck pings the database. Buckets are implicit.
func (b *SQLiteBlobs) HealthCheck(ctx context.Context, _ string) error {
	return b.db.PingContext(ctx)
}

var _ BlobAPI = (*SQLiteBlobs)(nil)
