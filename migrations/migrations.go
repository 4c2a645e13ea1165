// Package migrations embeds the relaybox schema for every supported database.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Supported dialects.
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
	MySQL    = "mysql"
)

//go:embed postgres/*.sql sqlite/*.sql mysql/*.sql
var files embed.FS

// Up returns the ordered 'up' scripts of the given dialect.
func Up(dialect string) ([]string, error) {
	names, err := fs.Glob(files, dialect+"/*.up.sql")
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("unknown dialect %q", dialect)
	}
	sort.Strings(names)

	scripts := make([]string, 0, len(names))
	for _, n := range names {
		b, err := files.ReadFile(n)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, string(b))
	}
	return scripts, nil
}

// Apply runs every 'up' script of the dialect against db. The scripts are
// idempotent so Apply can be called on an already migrated database.
func Apply(ctx context.Context, db *sql.DB, dialect string) error {
	scripts, err := Up(dialect)
	if err != nil {
		return err
	}
	for _, script := range scripts {
		for _, stmt := range strings.Split(script, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("could not apply the %s schema: %w", dialect, err)
			}
		}
	}
	return nil
}
