package main

import (
	"context"
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/domain/funding"
	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/internal/config"
	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/internal/database"
	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/internal/migrate"
	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/internal/server"
	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/logger"
)

func main() {
	// Order matters: .env.local overrides .env. Load() won't overwrite
	// existing vars, Overload() will.
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		fx.Provide(logger.NewLogger),
		config.Module,
		database.Module,
		migrate.Module,
		server.Module,

		funding.Module,

		fx.Invoke(runMigrations),
	).Run()
}

func runMigrations(lc fx.Lifecycle, m *migrate.Migrator) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return m.Up(ctx)
		},
	})
}
