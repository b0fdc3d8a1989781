package stores

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/tstack/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	metaSealSalt     = "seal_salt"
	metaSealCheck    = "seal_check"
	metaInputHashKey = "input_hash_key"
	sealCheckText    = "tstack"

	inputHashPurpose = "tstack input hash"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	sealer *Sealer
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a distinct database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations and prepares the sealer.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return s.loadSealer(ctx)
}

// loadSealer derives the sealing key from the configured passphrase. The
// salt and a check value live in the meta table so a wrong passphrase is
// detected before anything is written.
func (s *SQLiteStore) loadSealer(ctx context.Context) error {
	s.sealer = nil
	if s.cfg.Passphrase == "" {
		return nil
	}

	salt, err := s.getMeta(ctx, metaSealSalt)
	if err != nil {
		return err
	}

	if salt == nil {
		if salt, err = NewSalt(); err != nil {
			return err
		}
		sealer, err := NewSealer(s.cfg.Passphrase, salt)
		if err != nil {
			return err
		}
		check, err := sealer.Seal([]byte(sealCheckText))
		if err != nil {
			return err
		}
		if err := s.putMeta(ctx, metaSealSalt, salt); err != nil {
			return err
		}
		if err := s.putMeta(ctx, metaSealCheck, check); err != nil {
			return err
		}
		s.sealer = sealer
		return nil
	}

	sealer, err := NewSealer(s.cfg.Passphrase, salt)
	if err != nil {
		return err
	}
	check, err := s.getMeta(ctx, metaSealCheck)
	if err != nil {
		return err
	}
	if plain, err := sealer.Open(check); err != nil || string(plain) != sealCheckText {
		return fmt.Errorf("passphrase does not match state database: %w", ErrSealed)
	}

	s.sealer = sealer
	return nil
}

// InputHashKey returns the key for digests of requests with secret inputs.
// With a passphrase it is derived from the sealing key. Without one it is a
// random key kept in the meta table, created on first use.
func (s *SQLiteStore) InputHashKey(ctx context.Context) ([]byte, error) {
	if s.sealer != nil {
		return s.sealer.DeriveKey(inputHashPurpose)
	}

	key, err := s.getMeta(ctx, metaInputHashKey)
	if err != nil || key != nil {
		return key, err
	}
	key = make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate input hash key: %w", err)
	}
	if err := s.putMeta(ctx, metaInputHashKey, key); err != nil {
		return nil, err
	}
	return key, nil
}

// CanSeal reports whether secrets are persisted.
func (s *SQLiteStore) CanSeal() bool {
	return s.sealer != nil
}

func (s *SQLiteStore) getMeta(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) putMeta(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

// GetResourceState returns the recorded state of a resource, or nil if it
// has never been provisioned.
func (s *SQLiteStore) GetResourceState(ctx context.Context, urn string) (*engine.ResourceState, error) {
	query := `
		SELECT urn, kind, name, provider_id, input_hash, outputs, secret_keys,
		       sealed_secrets, operation, run_id, updated_at
		FROM resources
		WHERE urn = ?
	`

	state, err := s.scanResource(s.db.QueryRowContext(ctx, query, urn))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource state: %w", err)
	}
	return state, nil
}

// SaveResourceState upserts a resource. Secret outputs are sealed, or
// dropped when no passphrase is configured.
func (s *SQLiteStore) SaveResourceState(ctx context.Context, state *engine.ResourceState) error {
	if state == nil || state.URN == "" {
		return fmt.Errorf("resource state requires a URN")
	}

	stack, err := stackOf(state.URN)
	if err != nil {
		return err
	}

	outputs, err := json.Marshal(nonNil(state.Outputs))
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}
	secretKeys, err := json.Marshal(state.SecretKeys())
	if err != nil {
		return fmt.Errorf("failed to marshal secret keys: %w", err)
	}

	var sealed []byte
	if len(state.Secrets) > 0 && s.sealer != nil {
		if sealed, err = s.sealer.SealJSON(state.Secrets); err != nil {
			return err
		}
	}

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
		INSERT INTO resources (urn, stack, kind, name, provider_id, input_hash, outputs,
		                       secret_keys, sealed_secrets, operation, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(urn) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			provider_id = excluded.provider_id,
			input_hash = excluded.input_hash,
			outputs = excluded.outputs,
			secret_keys = excluded.secret_keys,
			sealed_secrets = excluded.sealed_secrets,
			operation = excluded.operation,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		state.URN,
		stack,
		string(state.Kind),
		state.Name,
		state.ID,
		state.InputHash,
		string(outputs),
		string(secretKeys),
		sealed,
		string(state.Operation),
		state.RunID,
		updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save resource state: %w", err)
	}

	return nil
}

// ListResourceStates lists all recorded resources of a stack ordered by URN.
func (s *SQLiteStore) ListResourceStates(ctx context.Context, stack string) ([]engine.ResourceState, error) {
	query := `
		SELECT urn, kind, name, provider_id, input_hash, outputs, secret_keys,
		       sealed_secrets, operation, run_id, updated_at
		FROM resources
		WHERE stack = ?
		ORDER BY urn
	`

	rows, err := s.db.QueryContext(ctx, query, stack)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource states: %w", err)
	}
	defer rows.Close()

	var states []engine.ResourceState
	for rows.Next() {
		state, err := s.scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource state: %w", err)
		}
		states = append(states, *state)
	}

	return states, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanResource(row rowScanner) (*engine.ResourceState, error) {
	var (
		state      engine.ResourceState
		kind       string
		operation  string
		outputs    string
		secretKeys string
		sealed     []byte
	)

	err := row.Scan(
		&state.URN,
		&kind,
		&state.Name,
		&state.ID,
		&state.InputHash,
		&outputs,
		&secretKeys,
		&sealed,
		&operation,
		&state.RunID,
		&state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	state.Kind = engine.ResourceKind(kind)
	state.Operation = engine.OperationType(operation)

	if err := json.Unmarshal([]byte(outputs), &state.Outputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outputs of %s: %w", state.URN, err)
	}

	var keys []string
	if err := json.Unmarshal([]byte(secretKeys), &keys); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret keys of %s: %w", state.URN, err)
	}
	if len(keys) == 0 {
		return &state, nil
	}

	if s.sealer == nil || len(sealed) == 0 {
		state.SecretsUnavailable = true
		return &state, nil
	}
	if err := s.sealer.OpenJSON(sealed, &state.Secrets); err != nil {
		state.Secrets = nil
		state.SecretsUnavailable = true
	}

	return &state, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*engine.Run, error) {
	query := `
		SELECT id, stack, status, started_at, completed_at, duration_ms, summary, error
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(fmt.Sprintf("run not found: %s", runID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// SaveRun inserts a run or updates its status, timings and summary.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run requires an ID")
	}

	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	var completedAt *time.Time
	if run.CompletedAt != nil {
		t := run.CompletedAt.UTC()
		completedAt = &t
	}

	query := `
		INSERT INTO runs (id, stack, status, started_at, completed_at, duration_ms, summary, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			summary = excluded.summary,
			error = excluded.error
	`

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.Stack,
		string(run.Status),
		run.StartedAt.UTC(),
		completedAt,
		run.Duration.Milliseconds(),
		string(summary),
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// ListRuns lists the runs of a stack, newest first. A limit of 0 lists all.
func (s *SQLiteStore) ListRuns(ctx context.Context, stack string, limit int) ([]engine.Run, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, stack, status, started_at, completed_at, duration_ms, summary, error
		FROM runs
		WHERE stack = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, stack, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []engine.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	return runs, rows.Err()
}

// PruneRuns deletes all but the newest keep runs of a stack. Their events
// and outputs are removed by cascade.
func (s *SQLiteStore) PruneRuns(ctx context.Context, stack string, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}

	query := `
		DELETE FROM runs
		WHERE stack = ? AND id NOT IN (
			SELECT id FROM runs WHERE stack = ? ORDER BY started_at DESC LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, stack, stack, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	return result.RowsAffected()
}

func scanRun(row rowScanner) (*engine.Run, error) {
	var (
		run         engine.Run
		status      string
		completedAt sql.NullTime
		durationMS  int64
		summary     string
	)

	err := row.Scan(
		&run.ID,
		&run.Stack,
		&status,
		&run.StartedAt,
		&completedAt,
		&durationMS,
		&summary,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}

	run.Status = engine.RunStatus(status)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary of run %s: %w", run.ID, err)
	}

	return &run, nil
}

// AppendEvent appends an event to the run's event log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	if event == nil || event.RunID == "" {
		return fmt.Errorf("event requires a run ID")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	query := `
		INSERT INTO events (id, run_id, urn, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.URN,
		string(event.Type),
		event.Level,
		event.Message,
		string(details),
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// GetEvents returns the event log of a run in order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string) ([]engine.Event, error) {
	query := `
		SELECT id, run_id, urn, type, level, message, details, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []engine.Event
	for rows.Next() {
		var (
			event     engine.Event
			eventType string
			details   string
		)
		if err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.URN,
			&eventType,
			&event.Level,
			&event.Message,
			&details,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(eventType)
		if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// SaveOutputs replaces the stack outputs recorded for a run. Secret values
// are sealed, or left out when no passphrase is configured.
func (s *SQLiteStore) SaveOutputs(ctx context.Context, runID string, outputs []engine.StackOutput) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM outputs WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear outputs: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outputs (run_id, name, value, secret, sealed) VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare output insert: %w", err)
	}
	defer stmt.Close()

	for _, out := range outputs {
		var (
			value  *string
			sealed []byte
		)
		switch {
		case !out.Secret:
			v := out.Value
			value = &v
		case s.sealer != nil:
			if sealed, err = s.sealer.Seal([]byte(out.Value)); err != nil {
				return err
			}
		}

		if _, err := stmt.ExecContext(ctx, runID, out.Name, value, out.Secret, sealed); err != nil {
			return fmt.Errorf("failed to save output %s: %w", out.Name, err)
		}
	}

	return tx.Commit()
}

// LatestOutputs returns the outputs of the newest run of a stack that
// published any. Secret values that cannot be unsealed are returned empty.
func (s *SQLiteStore) LatestOutputs(ctx context.Context, stack string) (*engine.Run, []engine.StackOutput, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id FROM runs r
		WHERE r.stack = ? AND EXISTS (SELECT 1 FROM outputs o WHERE o.run_id = r.id)
		ORDER BY r.started_at DESC
		LIMIT 1
	`, stack).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, engine.NewPermanentError(fmt.Sprintf("no outputs recorded for stack %s", stack), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find latest run: %w", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, value, secret, sealed FROM outputs WHERE run_id = ? ORDER BY name
	`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get outputs: %w", err)
	}
	defer rows.Close()

	var outputs []engine.StackOutput
	for rows.Next() {
		var (
			out    engine.StackOutput
			value  sql.NullString
			sealed []byte
		)
		if err := rows.Scan(&out.Name, &value, &out.Secret, &sealed); err != nil {
			return nil, nil, fmt.Errorf("failed to scan output: %w", err)
		}
		out.Value = value.String
		if out.Secret && s.sealer != nil && len(sealed) > 0 {
			if plain, err := s.sealer.Open(sealed); err == nil {
				out.Value = string(plain)
			}
		}
		outputs = append(outputs, out)
	}

	return run, outputs, rows.Err()
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// HealthCheck verifies the database connection and schema are usable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&count); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}

func stackOf(urn string) (string, error) {
	// urn:<stack>:<kind>::<name>
	const prefix = "urn:"
	if len(urn) <= len(prefix) || urn[:len(prefix)] != prefix {
		return "", fmt.Errorf("invalid URN %q", urn)
	}
	rest := urn[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return rest[:i], nil
		}
	}
	return "", fmt.Errorf("invalid URN %q", urn)
}

func nonNil(p engine.Properties) engine.Properties {
	if p == nil {
		return engine.Properties{}
	}
	return p
}
