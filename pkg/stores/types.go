package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/tstack/pkg/engine"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config holds SQLite store configuration
type Config struct {
	// Path is the database file, or MemoryPath.
	Path string

	// Passphrase derives the key that seals secret outputs. When empty,
	// secrets are not persisted and are refreshed from providers instead.
	Passphrase string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.StateManager
	engine.InputHashKeyer
	engine.BackupManager

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Run history
	ListRuns(ctx context.Context, stack string, limit int) ([]engine.Run, error)
	PruneRuns(ctx context.Context, stack string, keep int) (int64, error)
	GetEvents(ctx context.Context, runID string) ([]engine.Event, error)
	LatestOutputs(ctx context.Context, stack string) (*engine.Run, []engine.StackOutput, error)

	// Utility
	CanSeal() bool
	HealthCheck(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)
