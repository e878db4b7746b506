// Package migrations embeds the goose SQL migrations for the escrow
// record store.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

func setup() error {
	goose.SetBaseFS(FS)
	return goose.SetDialect("postgres")
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	if err := setup(); err != nil {
		return fmt.Errorf("goose setup: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

// Run executes a goose command (up, down, status, version, redo, up-to,
// down-to) against db.
func Run(ctx context.Context, command string, db *sql.DB, args ...string) error {
	if err := setup(); err != nil {
		return fmt.Errorf("goose setup: %w", err)
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}
