package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperdargo/DTEmpire-Ai-Chat-Bot/empirebot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	os.Setenv("EB_DATABASE_TYPE", "sqlite")
	os.Setenv("EB_DATABASE", dbPath)
	t.Cleanup(
		func() {
			os.Unsetenv("EB_DATABASE_TYPE")
			os.Unsetenv("EB_DATABASE")
		},
	)

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	err := rootCmd.Execute()
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Database ready")
	assert.Contains(t, output, "Initialization complete")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&empirebot.GuildState{}))
	assert.True(t, mg.HasTable(&empirebot.AIRequestLog{}))
	assert.True(t, mg.HasTable(&empirebot.RelayedMessage{}))
}
