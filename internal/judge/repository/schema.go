// Package repository persists submissions, problems, datasets and the latest
// submission status.
package repository

import (
	"context"
	_ "embed"
	"strings"

	"codejudge/internal/common/db"
	appErr "codejudge/pkg/errors"
)

//go:embed schema.sql
var schema string

// Migrate creates the judge tables when they do not exist yet.
func Migrate(ctx context.Context, database db.Database) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := database.Exec(ctx, stmt); err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "apply judge schema")
		}
	}
	return nil
}
