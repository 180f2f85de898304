// Package migrate applies the embedded schema history. All pending steps run
// inside one transaction, so a workspace database is either brought fully up
// to date or left untouched.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// A step is one embedded .sql file, named NNNN_description.sql.
type step struct {
	version int
	name    string
	stmts   string
}

func loadSteps() ([]step, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	var steps []step
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, found := strings.Cut(e.Name(), "_")
		version, convErr := strconv.Atoi(prefix)
		if !found || convErr != nil {
			return nil, fmt.Errorf("migration file %s has no numeric prefix", e.Name())
		}
		data, err := schemaFS.ReadFile("sql/" + e.Name())
		if err != nil {
			return nil, err
		}
		steps = append(steps, step{version: version, name: e.Name(), stmts: string(data)})
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].version != steps[j].version {
			return steps[i].version < steps[j].version
		}
		return steps[i].name < steps[j].name
	})
	return steps, nil
}

// Migrate brings the database to the latest embedded schema version.
func Migrate(db *sql.DB) error {
	steps, err := loadSteps()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		current = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, s := range steps {
		if s.version <= current {
			continue
		}
		if _, err := tx.Exec(s.stmts); err != nil {
			return fmt.Errorf("apply %s: %w", s.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, s.version); err != nil {
			return fmt.Errorf("record %s: %w", s.name, err)
		}
		current = s.version
	}
	return tx.Commit()
}
