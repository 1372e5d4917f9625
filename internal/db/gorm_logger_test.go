package db

import (
	"path/filepath"
	"testing"

	"github.com/arencloud/hoadesk/internal/config"
	"github.com/arencloud/hoadesk/internal/logging"
	"github.com/arencloud/hoadesk/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeSQL(t *testing.T) {
	cases := []struct{ in, op, table string }{
		{"SELECT * FROM `users` WHERE id = ?", "SELECT", "users"},
		{"insert into documents (title) values (?)", "INSERT", "documents"},
		{"UPDATE settings_rows SET data = ? WHERE id = ?", "UPDATE", "settings_rows"},
		{"DELETE FROM \"documents\" WHERE id = 1", "DELETE", "documents"},
		{"", "", ""},
	}
	for _, c := range cases {
		op, table := summarizeSQL(c.in)
		assert.Equal(t, c.op, op, c.in)
		assert.Equal(t, c.table, table, c.in)
	}
}

func TestOpenMigratesAndBootstrapsAdmin(t *testing.T) {
	t.Cleanup(func() { logging.SetPersist(nil) })
	cfg := &config.Config{DBDriver: "sqlite", DBPath: filepath.Join(t.TempDir(), "nested", "test.db")}
	gdb, err := Open(cfg, logging.Nop())
	require.NoError(t, err)

	var admin models.User
	require.NoError(t, gdb.Where("email = ?", DefaultAdminEmail).First(&admin).Error)
	assert.Equal(t, "admin", admin.Role)
	assert.True(t, admin.MustChangePassword)

	// second bootstrap is a no-op
	require.NoError(t, bootstrapAdmin(gdb, logging.Nop()))
	var count int64
	require.NoError(t, gdb.Model(&models.User{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	_, err := Open(&config.Config{DBDriver: "postgres"}, logging.Nop())
	assert.Error(t, err)
}
