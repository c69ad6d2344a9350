package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/truvoice-backend/pkg/config"
	"github.com/angelmondragon/truvoice-backend/pkg/db"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
)

// MaybeRunDev applies the embedded billing migrations when running in dev with
// TRUVOICE_AUTO_MIGRATE set. The shipped set is inspected first so a broken
// migration never half-builds the subscription tables.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !autoMigrate(cfg) {
		return nil
	}

	report, err := ValidateEmbedded()
	if err != nil {
		return fmt.Errorf("embedded migrations: %w", err)
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":            cfg.App.Env,
		"dir":            EmbeddedDir,
		"migrations":     len(report.Files),
		"billing_tables": len(report.Tables),
	})
	logg.Info(ctx, "billing migrations auto-run starting")

	if err := RunEmbedded(ctx, sqlDB, "up"); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}

	logg.Info(ctx, "billing migrations applied")
	return nil
}

func autoMigrate(cfg *config.Config) bool {
	return cfg != nil && cfg.App.IsDev() && cfg.FeatureFlags.AutoMigrate
}
