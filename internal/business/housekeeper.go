package business

import (
	"context"
	"fmt"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/auth-callback/internal/config"
	"github.com/openkcm/auth-callback/internal/session"
	sessionsql "github.com/openkcm/auth-callback/internal/session/sql"
)

// HousekeeperMain removes expired sessions from the database until ctx is done.
// Valkey expires sessions on its own, so there is nothing to do for that backend.
func HousekeeperMain(ctx context.Context, cfg *config.Config) error {
	if cfg.Session.Backend != config.SessionBackendPostgres {
		slogctx.Info(ctx, "Session backend expires sessions itself; housekeeping is not needed", "backend", cfg.Session.Backend)
		return nil
	}

	db, err := newDBPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialise the session repository: %w", err)
	}
	defer db.Close()

	return runHousekeeper(ctx, session.NewHousekeeper(sessionsql.NewRepository(db)), cfg.Housekeeper.TriggerInterval)
}

func runHousekeeper(ctx context.Context, housekeeper *session.Housekeeper, interval time.Duration) error {
	c := time.Tick(interval)
	for {
		err := housekeeper.TriggerHousekeeping(ctx)
		if err != nil {
			slogctx.Error(ctx, "Error during session housekeeping", "error", err)
		}

		select {
		case <-c:
			continue
		case <-ctx.Done():
			return nil
		}
	}
}
