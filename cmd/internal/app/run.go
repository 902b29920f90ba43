package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"marketchat/cmd/internal/chat"
)

// Run is the CLI entrypoint used by cmd/marketchat.
// Commands: serve (default) and migrate.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run(args []string) error {
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "serve":
		a, err := New(ctx, cfg, log)
		if err != nil {
			return err
		}
		return a.Run(ctx)
	case "migrate":
		return migrate(ctx, cfg, log)
	default:
		return fmt.Errorf("unknown command %q (want serve or migrate)", cmd)
	}
}

func migrate(ctx context.Context, cfg Config, log Logger) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("migrate: MARKETCHAT_DATABASE_URL is not set")
	}
	pool, err := NewDBPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer pool.Close()

	if err := chat.ApplySchema(ctx, pool, cfg.Database.Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("db.schema.applied", "schema", cfg.Database.Schema)
	return nil
}
