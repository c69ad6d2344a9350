package migrate_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/angelmondragon/truvoice-backend/pkg/config"
	"github.com/angelmondragon/truvoice-backend/pkg/migrate"
)

func TestMigrationsDirIsValid(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate migrations: %v", err)
	}
}

func TestSubscriptionsMigrationContainsConstraints(t *testing.T) {
	content := readMigration(t, "*_create_subscriptions.sql")

	checks := []string{
		"CREATE TABLE IF NOT EXISTS subscriptions",
		"'incomplete_expired'",
		"CONSTRAINT subscriptions_external_subscription_id_key UNIQUE (external_subscription_id)",
		"CHECK (current_period_end > current_period_start)",
		"processor_updated_at timestamptz NOT NULL",
		"version integer NOT NULL DEFAULT 1",
		"DROP TABLE IF EXISTS subscriptions",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestInvoiceAndEventMigrations(t *testing.T) {
	invoices := readMigration(t, "*_create_subscription_invoices.sql")
	for _, sub := range []string{
		"CREATE TYPE invoice_status AS ENUM ('draft', 'open', 'paid', 'void', 'uncollectible')",
		"UNIQUE (external_invoice_id)",
	} {
		if !strings.Contains(invoices, sub) {
			t.Errorf("invoices migration missing %q", sub)
		}
	}

	events := readMigration(t, "*_create_billing_processed_events.sql")
	if !strings.Contains(events, "event_id text PRIMARY KEY") {
		t.Errorf("processed events must be keyed by event id")
	}
}

func TestCreateSQLMigrationWritesTemplate(t *testing.T) {
	dir := t.TempDir()
	path, err := migrate.CreateSQLMigration(dir, "Add Billing Column!")
	if err != nil {
		t.Fatalf("create migration: %v", err)
	}
	if !strings.HasSuffix(path, "_add_billing_column.sql") {
		t.Fatalf("unexpected sanitized filename %s", path)
	}
	if err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("generated migration should validate: %v", err)
	}
}

func readMigration(t *testing.T, pattern string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", pattern))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no migration matching %s", pattern)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func TestEmbeddedMigrationsMatchDirectory(t *testing.T) {
	embedded, err := migrate.EmbeddedVersions()
	if err != nil {
		t.Fatalf("embedded versions: %v", err)
	}
	onDisk, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(embedded) != len(onDisk) || len(embedded) == 0 {
		t.Fatalf("expected embedded migrations to mirror the directory, got %d vs %d", len(embedded), len(onDisk))
	}
}

func TestEmbeddedMigrationsCreateEveryBillingTable(t *testing.T) {
	report, err := migrate.ValidateEmbedded()
	if err != nil {
		t.Fatalf("validate embedded: %v", err)
	}
	if len(report.Missing) != 0 {
		t.Fatalf("embedded migrations miss billing tables %v", report.Missing)
	}
	if got := report.Tables["billing_processed_events"]; !strings.HasSuffix(got, "_create_billing_processed_events.sql") {
		t.Fatalf("processed events created by unexpected migration %q", got)
	}
}

func TestCreateEnumValueMigrationRunsOutsideTransaction(t *testing.T) {
	dir := t.TempDir()
	path, err := migrate.CreateEnumValueMigration(dir, "subscription_status", "paused")
	if err != nil {
		t.Fatalf("create enum migration: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read generated migration: %v", err)
	}
	for _, want := range []string{"-- +goose NO TRANSACTION", "ALTER TYPE subscription_status ADD VALUE IF NOT EXISTS 'paused'"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("generated migration missing %q:\n%s", want, data)
		}
	}
	if err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("generated migration should validate: %v", err)
	}
}

func TestCreateEnumValueMigrationRejectsUnknownEnum(t *testing.T) {
	if _, err := migrate.CreateEnumValueMigration(t.TempDir(), "user_role", "owner"); err == nil {
		t.Fatalf("expected non-billing enum to be rejected")
	}
	if _, err := migrate.CreateEnumValueMigration(t.TempDir(), "invoice_status", "Bad Value"); err == nil {
		t.Fatalf("expected malformed value to be rejected")
	}
}

func TestValidateDirRejectsUnsafeBillingChanges(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{
			name: "enum value inside transaction",
			file: "20260401000000_add_paused_status.sql",
			body: "-- +goose Up\nALTER TYPE subscription_status ADD VALUE 'paused';\n-- +goose Down\nSELECT 1;\n",
		},
		{
			name: "dropping the dedup ledger",
			file: "20260401000000_reset_events.sql",
			body: "-- +goose Up\nDROP TABLE billing_processed_events;\n-- +goose Down\nSELECT 1;\n",
		},
		{
			name: "partial billing schema",
			file: "20260401000000_create_subscriptions.sql",
			body: "-- +goose Up\nCREATE TABLE subscriptions (id uuid);\n-- +goose Down\nDROP TABLE subscriptions;\n",
		},
		{
			name: "missing down",
			file: "20260401000000_add_column.sql",
			body: "-- +goose Up\nSELECT 1;\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, tt.file), []byte(tt.body), 0o644); err != nil {
				t.Fatalf("write migration: %v", err)
			}
			if err := migrate.ValidateDir(dir); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestMaybeRunDevOnlyRunsWhenFlagged(t *testing.T) {
	cases := []*config.Config{
		nil,
		{App: config.AppConfig{Env: config.AppEnvProd}, FeatureFlags: config.FeatureFlagsConfig{AutoMigrate: true}},
		{App: config.AppConfig{Env: config.AppEnvDev}},
	}
	for i, cfg := range cases {
		// A nil db client proves nothing was touched.
		if err := migrate.MaybeRunDev(context.Background(), cfg, nil, nil); err != nil {
			t.Fatalf("case %d: expected skip, got %v", i, err)
		}
	}
}

func TestDestructiveCommandsAreRefused(t *testing.T) {
	ctx := context.Background()
	db := &sql.DB{}
	if err := migrate.Run(ctx, db, "migrations", "reset"); err == nil || !strings.Contains(err.Error(), "reset") {
		t.Fatalf("expected reset refusal, got %v", err)
	}
	if err := migrate.MigrateToVersion(ctx, db, "migrations", "0"); err == nil || !strings.Contains(err.Error(), "billing schema") {
		t.Fatalf("expected version 0 refusal, got %v", err)
	}
}
