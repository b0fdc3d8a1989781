package stores

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// stateTables lists the tables copied by Restore, parents first.
var stateTables = []string{"meta", "runs", "resources", "events", "outputs"}

// Backup writes a gzip-compressed snapshot of the database to dest.
func (s *SQLiteStore) Backup(ctx context.Context, dest io.Writer) error {
	dir, err := os.MkdirTemp("", "tstack-backup-")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, "state.db")
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, snapshot); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}

	f, err := os.Open(snapshot)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	zw := gzip.NewWriter(dest)
	if _, err := io.Copy(zw, f); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish backup: %w", err)
	}

	return nil
}

// Restore replaces all state with the snapshot read from src. The snapshot
// must have been sealed with the same passphrase.
func (s *SQLiteStore) Restore(ctx context.Context, src io.Reader) error {
	zr, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("invalid backup: %w", err)
	}
	defer zr.Close()

	dir, err := os.MkdirTemp("", "tstack-restore-")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, "state.db")
	f, err := os.Create(snapshot)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if _, err := io.Copy(f, zr); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to read backup: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}

	if err := s.copySnapshot(ctx, snapshot); err != nil {
		return err
	}

	// The restored meta table may carry a different salt.
	return s.loadSealer(ctx)
}

// copySnapshot replaces every state table with the rows of the snapshot
// database. ATTACH is per connection, so the copy runs on a dedicated one.
func (s *SQLiteStore) copySnapshot(ctx context.Context, snapshot string) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS snapshot`, snapshot); err != nil {
		return fmt.Errorf("failed to attach snapshot: %w", err)
	}
	defer func() { _, _ = conn.ExecContext(context.Background(), `DETACH DATABASE snapshot`) }()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := len(stateTables) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, "DELETE FROM main."+stateTables[i]); err != nil {
			return fmt.Errorf("failed to clear %s: %w", stateTables[i], err)
		}
	}
	for _, table := range stateTables {
		if _, err := tx.ExecContext(ctx, "INSERT INTO main."+table+" SELECT * FROM snapshot."+table); err != nil {
			return fmt.Errorf("failed to restore %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit restore: %w", err)
	}
	return nil
}
