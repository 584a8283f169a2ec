package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/stampstore/stampstore/internal/alert"
	"github.com/stampstore/stampstore/internal/config"
	stamperr "github.com/stampstore/stampstore/internal/errors"
)

// Disk is the local-disk tier. Records live at
//
//	<root>/<shard>/<oid[:prefix]>/<c>/<h>/<a>/<r>/<candid>.avro
//
// where shard is a stable hash of the object id modulo the shard count and
// every object-id character after the prefix adds one directory level. In
// test mode every record is stored directly under root.
type Disk struct {
	// RootDir is the base directory for all records.
	RootDir string

	shards    uint64
	prefixLen int
	flat      bool
}

// NewDisk creates the disk tier and its root and temp directories.
func NewDisk(cfg config.DiskConfig) (*Disk, error) {
	if cfg.Shards < 1 {
		return nil, fmt.Errorf("disk shards must be positive, got %d", cfg.Shards)
	}
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating disk root directory %q: %w", cfg.RootDir, err)
	}
	tmpDir := filepath.Join(cfg.RootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &Disk{
		RootDir:   cfg.RootDir,
		shards:    uint64(cfg.Shards),
		prefixLen: cfg.PrefixLen,
		flat:      cfg.TestMode,
	}, nil
}

// CleanTempFiles removes leftovers of interrupted writes. It is called on
// startup.
func (d *Disk) CleanTempFiles() error {
	tmpDir := filepath.Join(d.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// Dir returns the directory holding the records of oid.
func (d *Disk) Dir(oid string) string {
	if d.flat {
		return d.RootDir
	}
	shard := strconv.FormatUint(xxhash.Sum64String(oid)%d.shards, 10)
	parts := []string{d.RootDir, shard}
	if len(oid) <= d.prefixLen {
		return filepath.Join(append(parts, oid)...)
	}
	parts = append(parts, oid[:d.prefixLen])
	for _, c := range oid[d.prefixLen:] {
		parts = append(parts, string(c))
	}
	return filepath.Join(parts...)
}

// path returns the record file for key. ok is false when the key cannot be
// placed because it has no object id.
func (d *Disk) path(key alert.Key) (string, bool) {
	if key.Oid == "" && !d.flat {
		return "", false
	}
	return filepath.Join(d.Dir(key.Oid), key.Candid+".avro"), true
}

// Fetch reads the record file for key. Keys without an object id always
// miss outside test mode.
func (d *Disk) Fetch(_ context.Context, key alert.Key) ([]byte, error) {
	p, ok := d.path(key)
	if !ok {
		return nil, fmt.Errorf("%w: disk lookup needs an object id", stamperr.ErrNotFound)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", stamperr.ErrNotFound, p)
		}
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

// Store writes data for key using the crash-only atomic write pattern: write
// to a temp file, fsync, rename. Keys without an object id cannot be placed
// outside test mode and fail with errors.ErrNotPlaced.
func (d *Disk) Store(_ context.Context, key alert.Key, data []byte) error {
	p, ok := d.path(key)
	if !ok {
		return fmt.Errorf("%w: disk placement needs an object id", stamperr.ErrNotPlaced)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating parent directories for %s: %w", p, err)
	}

	tmpPath := filepath.Join(d.RootDir, ".tmp", "tmp-"+uuid.NewString())
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing record data: %w", err)
	}
	// Fsync before rename to guarantee durability.
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return nil
}

var _ Tier = (*Disk)(nil)
