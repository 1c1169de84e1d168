package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/pantry-backend/pkg/config"
	"github.com/angelmondragon/pantry-backend/pkg/db"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
)

// ShouldAutoRun reports whether services apply migrations at boot. Only dev
// deployments with PANTRY_AUTO_MIGRATE set do; prod runs cmd/migrate.
func ShouldAutoRun(app config.AppConfig) bool {
	return app.IsDev() && app.AutoMigrate
}

// MaybeRunDev validates and applies the embedded migrations when
// ShouldAutoRun allows it, logging the schema version before and after.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !ShouldAutoRun(cfg.App) {
		return nil
	}
	if err := ValidateEmbedded(); err != nil {
		return fmt.Errorf("embedded migrations invalid: %w", err)
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}
	runner, err := EmbeddedRunner(sqlDB)
	if err != nil {
		return err
	}
	from, err := runner.Version(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	ctx = logg.WithFields(ctx, map[string]any{"source": "embedded", "from_version": from})
	applied, err := runner.Up(ctx)
	if err != nil {
		return err
	}
	for _, res := range applied {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"version":     res.Version,
			"duration_ms": res.Duration.Milliseconds(),
		}), "migration applied")
	}
	to, err := runner.Version(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	logg.Info(logg.WithFields(ctx, map[string]any{"to_version": to, "applied": len(applied)}), "schema up to date")
	return nil
}
