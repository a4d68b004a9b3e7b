package postgres

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsOrdersByVersion(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	for i, m := range migrations {
		require.Equal(t, i+1, m.version)
	}
	require.Contains(t, migrations[0].sql, "attendance_records_active_user_idx")
	require.Contains(t, migrations[2].sql, "attendance_day_summaries")
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("0012_add_index.up.sql")
	require.NoError(t, err)
	require.Equal(t, 12, v)

	_, err = parseVersion("init.sql")
	require.Error(t, err)
}
