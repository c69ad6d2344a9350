package migrate

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"slices"
	"strings"
)

var (
	sqlFileRe     = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)
	createTableRe = regexp.MustCompile(`(?i)CREATE TABLE (?:IF NOT EXISTS )?([a-z_]+)`)
	addValueRe    = regexp.MustCompile(`(?i)ALTER TYPE ([a-z_]+) ADD VALUE`)
	dropTableRe   = regexp.MustCompile(`(?i)DROP TABLE (?:IF EXISTS )?([a-z_]+)`)
)

// BillingTables are the tables the subscription core cannot run without.
var BillingTables = []string{
	"users",
	"subscriptions",
	"subscription_invoices",
	"billing_processed_events",
	"outbox_events",
	"outbox_dlq",
}

// BillingEnums are the postgres enum types backing subscription state.
var BillingEnums = []string{
	"plan_type",
	"subscription_status",
	"checkout_state",
	"invoice_status",
	"event_type_enum",
	"outbox_dlq_error_reason_enum",
}

// Report summarizes a validated migrations directory.
type Report struct {
	Files   []string
	Tables  map[string]string // table -> creating migration
	Missing []string
}

// ValidateDir validates the migrations under dir on disk.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}
	_, err := Inspect(os.DirFS(dir), ".")
	return err
}

// ValidateEmbedded validates the migrations compiled into the binary.
func ValidateEmbedded() (Report, error) {
	return Inspect(embedded, EmbeddedDir)
}

// Inspect checks file names, goose headers and billing schema rules.
// Adding a value to a billing enum must run outside a transaction, and no Up
// section may drop a billing table. A directory that creates none of the
// billing tables is accepted as a scratch directory; one that creates some
// must create them all.
func Inspect(fsys fs.FS, dir string) (Report, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return Report{}, fmt.Errorf("read dir %q: %w", dir, err)
	}

	report := Report{Tables: map[string]string{}}
	seen := map[string]string{} // version -> filename

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			return report, fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name)
		}
		if prev, ok := seen[m[1]]; ok {
			return report, fmt.Errorf("duplicate migration version %s in %q and %q", m[1], prev, name)
		}
		seen[m[1]] = name

		b, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return report, fmt.Errorf("read file %q: %w", name, err)
		}
		up, err := upSection(name, string(b))
		if err != nil {
			return report, err
		}

		for _, t := range createTableRe.FindAllStringSubmatch(up, -1) {
			report.Tables[strings.ToLower(t[1])] = name
		}
		for _, t := range dropTableRe.FindAllStringSubmatch(up, -1) {
			if slices.Contains(BillingTables, strings.ToLower(t[1])) {
				return report, fmt.Errorf("migration %q drops billing table %s in its Up section", name, t[1])
			}
		}
		for _, t := range addValueRe.FindAllStringSubmatch(up, -1) {
			if slices.Contains(BillingEnums, strings.ToLower(t[1])) && !strings.Contains(string(b), "-- +goose NO TRANSACTION") {
				return report, fmt.Errorf("migration %q adds a %s value and must be marked \"-- +goose NO TRANSACTION\"", name, t[1])
			}
		}
		report.Files = append(report.Files, name)
	}

	for _, table := range BillingTables {
		if _, ok := report.Tables[table]; !ok {
			report.Missing = append(report.Missing, table)
		}
	}
	if len(report.Missing) > 0 && len(report.Missing) < len(BillingTables) {
		return report, fmt.Errorf("billing schema incomplete, missing tables: %s", strings.Join(report.Missing, ", "))
	}
	return report, nil
}

func upSection(name, txt string) (string, error) {
	upIdx := strings.Index(txt, "-- +goose Up")
	if upIdx < 0 {
		return "", fmt.Errorf("migration %q missing \"-- +goose Up\"", name)
	}
	downIdx := strings.Index(txt, "-- +goose Down")
	if downIdx < 0 {
		return "", fmt.Errorf("migration %q missing \"-- +goose Down\"", name)
	}
	if downIdx < upIdx {
		return "", fmt.Errorf("migration %q has its Down section before Up", name)
	}
	return txt[upIdx:downIdx], nil
}
