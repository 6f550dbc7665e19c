package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// RunSQLiteMigrations applies all embedded SQLite files in lexical order,
// one statement at a time.
func RunSQLiteMigrations(ctx context.Context, db *sql.DB) error {
	files, err := sqlFiles(SQLiteFS, "sqlite")
	if err != nil {
		return err
	}

	for _, f := range files {
		if err := validateNoSemicolonInStrings(f.body); err != nil {
			return fmt.Errorf("validate migration %s: %w", f.name, err)
		}
		for _, stmt := range splitStatements(f.body) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", f.name, err)
			}
		}
	}

	return nil
}
