package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

var (
	nameSanitizeRe = regexp.MustCompile(`[^a-z0-9_]+`)
	enumValueRe    = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// CreateSQLMigration creates an empty goose SQL migration file:
//
//	<dir>/<YYYYMMDDHHMMSS>_<name>.sql
func CreateSQLMigration(dir string, name string) (string, error) {
	safe, err := sanitizeName(name)
	if err != nil {
		return "", err
	}
	body := fmt.Sprintf(`-- +goose Up
-- +goose StatementBegin
-- %s
-- +goose StatementEnd

-- +goose Down
-- +goose StatementBegin
-- rollback %s
-- +goose StatementEnd
`, safe, safe)
	return writeMigration(dir, safe, body, time.Now())
}

// CreateEnumValueMigration scaffolds adding a value to one of the billing
// enums, e.g. a new processor status. Postgres cannot add enum values inside
// a transaction or drop them afterwards, so the file opts out of the goose
// transaction and its Down section is a no-op.
func CreateEnumValueMigration(dir, enumType, value string) (string, error) {
	if !slices.Contains(BillingEnums, enumType) {
		return "", fmt.Errorf("enum %q is not a billing enum (%s)", enumType, strings.Join(BillingEnums, ", "))
	}
	if !enumValueRe.MatchString(value) {
		return "", fmt.Errorf("enum value %q must be lower snake case", value)
	}
	safe, err := sanitizeName(fmt.Sprintf("add_%s_%s", value, enumType))
	if err != nil {
		return "", err
	}
	body := fmt.Sprintf(`-- +goose NO TRANSACTION
-- +goose Up
ALTER TYPE %s ADD VALUE IF NOT EXISTS '%s';

-- +goose Down
-- enum values cannot be dropped; rows using '%s' must be migrated by hand.
SELECT 1;
`, enumType, value, value)
	return writeMigration(dir, safe, body, time.Now())
}

func sanitizeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("name is required")
	}
	safe := strings.ToLower(strings.TrimSpace(name))
	safe = strings.ReplaceAll(safe, " ", "_")
	safe = nameSanitizeRe.ReplaceAllString(safe, "_")
	safe = strings.Trim(safe, "_")
	if safe == "" {
		return "", fmt.Errorf("name %q results in empty sanitized filename", name)
	}
	return safe, nil
}

func writeMigration(dir, safe, body string, now time.Time) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", dir, err)
	}

	version := now.UTC().Format("20060102150405")
	fullpath := filepath.Join(dir, fmt.Sprintf("%s_%s.sql", version, safe))
	if _, err := os.Stat(fullpath); err == nil {
		return "", fmt.Errorf("migration already exists: %s", fullpath)
	}
	if err := os.WriteFile(fullpath, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write migration %q: %w", fullpath, err)
	}
	return fullpath, nil
}
