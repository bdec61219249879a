package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/retention-engine/internal/db/migrations"
)

func TestOpenSQLiteAppliesMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "retention.db")

	conn, err := Open(ctx, "sqlite", path, 1, 1)
	require.NoError(t, err)

	var applied int
	require.NoError(t, conn.GetContext(ctx, &applied, `SELECT COUNT(*) FROM schema_migrations`))
	assert.Equal(t, 2, applied)

	// Re-running is a no-op.
	require.NoError(t, Migrate(ctx, conn, migrations.FS))
	require.NoError(t, conn.GetContext(ctx, &applied, `SELECT COUNT(*) FROM schema_migrations`))
	assert.Equal(t, 2, applied)
	require.NoError(t, conn.Close())

	reopened, err := Open(ctx, "sqlite", path, 1, 1)
	require.NoError(t, err)
	defer reopened.Close()

	var tables int
	require.NoError(t, reopened.GetContext(ctx, &tables,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('customers', 'customer_addresses', 'campaigns')`))
	assert.Equal(t, 3, tables)

	var eventIDs int
	require.NoError(t, reopened.GetContext(ctx, &eventIDs,
		`SELECT COUNT(*) FROM pragma_table_info('campaigns') WHERE name = 'event_ids'`))
	assert.Equal(t, 1, eventIDs)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn", 1, 1)
	assert.Error(t, err)
}

func TestSplitStatements(t *testing.T) {
	sql := `
-- leading comment
CREATE TABLE a (id TEXT);

-- index comment
CREATE INDEX a_idx ON a (id);
-- trailing comment
`
	stmts := splitStatements(sql)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX a_idx")
}

func TestUpSection(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE x (id TEXT);\n-- +migrate Down\nDROP TABLE x;\n"
	up := upSection(content)
	assert.Contains(t, up, "CREATE TABLE x")
	assert.NotContains(t, up, "DROP TABLE")
}
