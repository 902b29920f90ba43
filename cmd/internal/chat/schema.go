package chat

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema used when none is configured.
const DefaultSchema = "marketchat"

//go:embed schema.sql
var schemaSQL string

// SchemaSQL renders the DDL for schema.
func SchemaSQL(schema string) (string, error) {
	if !isValidPGIdent(schema) {
		return "", errors.New("chat: invalid schema identifier")
	}
	return strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{schema}.Sanitize()), nil
}

// ApplySchema creates the schema and its tables if they do not exist. It is idempotent.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("chat: nil pool")
	}
	ddl, err := SchemaSQL(schema)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
