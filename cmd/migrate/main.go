package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/truvoice-backend/pkg/config"
	"github.com/angelmondragon/truvoice-backend/pkg/db"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
	"github.com/angelmondragon/truvoice-backend/pkg/migrate"
)

func main() {
	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", "migration command: up|down|status|version|create|add-enum-value|validate")
	dir := flag.String("dir", migrate.DefaultDir, "goose migrations directory")
	embedded := flag.Bool("embedded", false, "use the migrations compiled into this binary instead of -dir")

	name := flag.String("name", "", "migration name (for create)")
	enumType := flag.String("enum", "", "billing enum type (for add-enum-value)")
	enumValue := flag.String("value", "", "new enum value (for add-enum-value)")
	version := flag.String("version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")

	flag.Parse()

	// Authoring commands work on files only and need no config.
	switch *cmd {
	case "create":
		if *name == "" {
			exitf("missing -name for create")
		}
		path, err := migrate.CreateSQLMigration(*dir, *name)
		if err != nil {
			exitf("failed to create migration: %v", err)
		}
		fmt.Println("created migration:", path)
		return

	case "add-enum-value":
		path, err := migrate.CreateEnumValueMigration(*dir, *enumType, *enumValue)
		if err != nil {
			exitf("failed to create enum migration: %v", err)
		}
		fmt.Println("created migration:", path)
		return

	case "validate":
		report := validate(*dir, *embedded)
		printReport(report)
		fmt.Println("migration validation passed")
		return
	}

	cfg, err := config.Load()
	if err != nil {
		exitf("config: %v", err)
	}
	logg := logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"cmd":      *cmd,
		"dir":      *dir,
		"embedded": *embedded,
	})

	// Refuse to touch a database with a schema the billing core cannot use.
	validate(*dir, *embedded)

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	sqlDB, err := dbClient.DB().DB()
	requireResource(ctx, logg, "sql database", err)

	logg.Info(ctx, "migrate ready")

	switch *cmd {
	case "up", "down", "status":
		if err := run(ctx, sqlDB, *dir, *embedded, *cmd); err != nil {
			exitf("goose %s failed: %v", *cmd, err)
		}
	case "version":
		if *version == "" {
			exitf("missing -version for version command")
		}
		if *embedded {
			exitf("-cmd=version works on -dir only")
		}
		if err := migrate.MigrateToVersion(ctx, sqlDB, *dir, *version); err != nil {
			exitf("goose version migrate failed: %v", err)
		}
	default:
		exitf("unknown -cmd value: %s", *cmd)
	}
	logg.Info(ctx, "migrate finished")
}

func run(ctx context.Context, sqlDB *sql.DB, dir string, embedded bool, command string) error {
	if embedded {
		return migrate.RunEmbedded(ctx, sqlDB, command)
	}
	return migrate.Run(ctx, sqlDB, dir, command)
}

func validate(dir string, embedded bool) migrate.Report {
	var (
		report migrate.Report
		err    error
	)
	if embedded {
		report, err = migrate.ValidateEmbedded()
	} else {
		report, err = migrate.Inspect(os.DirFS(dir), ".")
	}
	if err != nil {
		exitf("migration validation failed: %v", err)
	}
	return report
}

func printReport(report migrate.Report) {
	tables := make([]string, 0, len(report.Tables))
	for table := range report.Tables {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	fmt.Printf("%d migrations\n", len(report.Files))
	for _, table := range tables {
		fmt.Printf("  %-26s %s\n", table, report.Tables[table])
	}
	if len(report.Missing) > 0 {
		fmt.Printf("billing tables not created here: %v\n", report.Missing)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
