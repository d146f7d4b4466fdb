package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for an insert-or-ignore statement.
type UpsertConfig struct {
	Table        string   // target table
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
}

// InsertIgnoreSQL builds an INSERT ... ON CONFLICT (keys) DO NOTHING
// statement for a batch of rows. This is the content-addressed dedup
// primitive: replaying the same rows is a no-op, and RowsAffected on the
// returned statement reports how many rows were genuinely new.
func InsertIgnoreSQL(cfg UpsertConfig, rowCount int) (string, error) {
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}
	if rowCount <= 0 {
		return "", eris.New("db: upsert: no rows")
	}

	placeholders := make([]string, rowCount)
	n := 1
	for i := 0; i < rowCount; i++ {
		ps := make([]string, len(cfg.Columns))
		for j := range cfg.Columns {
			ps[j] = fmt.Sprintf("$%d", n)
			n++
		}
		placeholders[i] = "(" + strings.Join(ps, ", ") + ")"
	}

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO NOTHING",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(placeholders, ", "),
		quoteAndJoin(cfg.ConflictKeys),
	)
	return sql, nil
}

// FlattenRows turns [][]any row tuples into the flat args slice matching
// the placeholders produced by InsertIgnoreSQL.
func FlattenRows(rows [][]any) []any {
	var args []any
	for _, row := range rows {
		args = append(args, row...)
	}
	return args
}

// sanitizeTable handles schema-qualified table names like "intake.jobs".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
