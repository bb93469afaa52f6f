package postgres

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/storage/postgres/migrations"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	t.Parallel()

	entries, err := fs.ReadDir(migrations.FS, ".")
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	require.Equal(t, ups, downs)
}

func TestInitMigrationCreatesCrawlTables(t *testing.T) {
	t.Parallel()

	data, err := fs.ReadFile(migrations.FS, "0001_init.up.sql")
	require.NoError(t, err)
	sql := string(data)
	for _, table := range []string{"codes", "names", "rawdata", "files"} {
		require.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	require.Contains(t, sql, "code       TEXT        NOT NULL UNIQUE")
	require.Contains(t, sql, "name         TEXT        NOT NULL UNIQUE")
}
