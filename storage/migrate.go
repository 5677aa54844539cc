package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// applyMigrations runs every embedded *.sql script against db in filename
// order. Grounded on SPEC_FULL.md §4.1: "run once at storage.Open in
// filename order; a migration failure is a fatal startup error."
func applyMigrations(db *sql.DB) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("storage: read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		script, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		logrus.WithFields(logrus.Fields{
			"function":  "applyMigrations",
			"migration": name,
		}).Info("applying migration")

		if _, err := db.Exec(string(script)); err != nil {
			return fmt.Errorf("storage: apply migration %s: %w", name, err)
		}
	}

	return nil
}
