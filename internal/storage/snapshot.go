package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrSnapshotExists is returned when a snapshot with the same tag is present.
var ErrSnapshotExists = errors.New("snapshot already exists")

// Snapshot writes a consistent copy of the database into the snapshots
// directory next to it and returns the snapshot path. The CLI takes one
// before applying migrations.
func (s *SQLiteStorage) Snapshot(ctx context.Context, tag string) (string, error) {
	if err := validateContext(ctx); err != nil {
		return "", err
	}
	if s.dbPath == ":memory:" {
		return "", fmt.Errorf("cannot snapshot an in-memory database")
	}

	if tag == "" {
		tag = fmt.Sprintf("snapshot-%s", time.Now().Format("2006-01-02-150405"))
	}
	if strings.ContainsAny(tag, `/\'";`) || strings.Contains(tag, "..") {
		return "", errors.New("invalid snapshot tag: cannot contain path separators or quotes")
	}

	dir, err := filepath.Abs(filepath.Join(filepath.Dir(s.dbPath), "snapshots"))
	if err != nil {
		return "", fmt.Errorf("failed to resolve snapshot directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if strings.ContainsAny(dir, `'";`) {
		return "", fmt.Errorf("invalid snapshot directory %q", dir)
	}

	dest := filepath.Join(dir, tag+".db")
	if _, err := os.Stat(dest); err == nil {
		return "", ErrSnapshotExists
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return "", fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	// #nosec G201 - dest is validated above
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", dest)); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return dest, nil
}
