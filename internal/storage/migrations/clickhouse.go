package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// ClickhouseExecer is satisfied by the ClickHouse driver connection.
type ClickhouseExecer interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// RunClickhouseMigrations applies all embedded SQL files to an existing database.
// The driver does not support multi-statement Exec, so files are split.
func RunClickhouseMigrations(ctx context.Context, conn ClickhouseExecer) error {
	files, err := sqlFiles(ClickhouseFS, "clickhouse")
	if err != nil {
		return err
	}

	for _, f := range files {
		// Validate SQL doesn't contain semicolons in strings (would break splitter)
		if err := validateNoSemicolonInStrings(f.body); err != nil {
			return fmt.Errorf("validate migration %s: %w", f.name, err)
		}
		for _, stmt := range splitStatements(f.body) {
			if err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", f.name, err)
			}
		}
	}

	return nil
}

type sqlFile struct {
	name string
	body string
}

// sqlFiles reads dir's .sql files from fsys in lexical order.
func sqlFiles(fsys fs.FS, dir string) ([]sqlFile, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	files := make([]sqlFile, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, dir+"/"+name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		files = append(files, sqlFile{name: name, body: string(data)})
	}
	return files, nil
}

// splitStatements splits SQL content into individual statements by semicolon.
//
// The splitter does NOT handle semicolons inside string literals, block
// comments or dollar-quoted strings. Migrations split this way must:
//  1. Keep semicolons out of string literals
//  2. Use -- style comments only
//  3. End each statement with a semicolon
//
// Rule 1 is checked at migration time by validateNoSemicolonInStrings.
func splitStatements(input string) []string {
	var filtered []string
	for _, line := range strings.Split(input, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		filtered = append(filtered, line)
	}
	joined := strings.Join(filtered, "\n")

	var stmts []string
	for _, part := range strings.Split(joined, ";") {
		stmt := strings.TrimSpace(part)
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// validateNoSemicolonInStrings rejects semicolons inside single-quoted strings.
func validateNoSemicolonInStrings(sql string) error {
	inString := false
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		if ch == '\'' {
			if i+1 < len(sql) && sql[i+1] == '\'' {
				i++
				continue
			}
			inString = !inString
		} else if ch == ';' && inString {
			return fmt.Errorf("semicolon found inside string literal")
		}
	}
	return nil
}
