package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/tstack/pkg/config"
	"github.com/openfroyo/tstack/pkg/policy"
	"github.com/openfroyo/tstack/pkg/stores"
	"github.com/openfroyo/tstack/pkg/telemetry"
)

// session is what every stack command works with once the stack file is
// loaded.
type session struct {
	cfg *config.StackConfig
	tel *telemetry.Telemetry
	ctx context.Context
}

// loadSession loads the stack file and sets up telemetry from it.
// metricsAddr overrides the stack's metrics address when set.
func loadSession(ctx context.Context, metricsAddr string) (*session, error) {
	cfg, err := config.NewLoader().Load(ctx, configPath)
	if err != nil {
		return nil, err
	}

	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = buildVersion
	tc.Stack = cfg.Name
	tc.Metrics.Enabled = false
	cfg.Telemetry.ApplyTo(tc)
	if metricsAddr != "" {
		tc.Metrics.Enabled = true
		tc.Metrics.ListenAddress = metricsAddr
	}
	if verbose {
		tc.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if cfg.Passphrase != "" {
		tel.Track(cfg.Passphrase)
	}

	return &session{cfg: cfg, tel: tel, ctx: tel.WithContext(ctx)}, nil
}

// close flushes telemetry.
func (s *session) close() {
	if err := s.tel.Shutdown(context.Background()); err != nil {
		s.tel.Logger.WithError(err).Warn("Failed to shut down telemetry")
	}
}

// policies builds the request policy engine for the stack.
func (s *session) policies() (*policy.Engine, error) {
	pe, err := policy.NewEngine(s.tel.Logger.Zerolog(),
		policy.WithEnforce(s.cfg.Policy.Enforce),
		policy.WithStack(s.cfg.Name),
	)
	if err != nil {
		return nil, err
	}
	if s.cfg.Policy.Dir != "" {
		if err := pe.LoadPolicies(s.ctx, []string{s.cfg.Policy.Dir}); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// openStore opens the stack's state database, creating its directory.
func (s *session) openStore() (*stores.SQLiteStore, error) {
	return openStore(s.ctx, s.cfg.Engine.StatePath, s.cfg.Passphrase)
}

func openStore(ctx context.Context, path, passphrase string) (*stores.SQLiteStore, error) {
	if path != stores.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	store, err := stores.Open(ctx, stores.Config{Path: path, Passphrase: passphrase})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store %s: %w", path, err)
	}
	return store, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
