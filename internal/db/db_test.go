package db

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailcampaign-backend/internal/logger"
)

func TestMigrationsEmbedded(t *testing.T) {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		body, err := fs.ReadFile(migrations, f)
		require.NoError(t, err)
		assert.Contains(t, string(body), "-- +goose Up", f)
		assert.Contains(t, string(body), "-- +goose Down", f)
	}
}

func TestMigrationsCreatePipelineTables(t *testing.T) {
	body, err := fs.ReadFile(migrations, "migrations/00001_init.sql")
	require.NoError(t, err)
	for _, table := range []string{"campaigns", "leads", "recipient_lists", "recipient_list_members", "templates", "from_addresses", "mail_settings", "campaign_events"} {
		assert.True(t, strings.Contains(string(body), "CREATE TABLE "+table+" ("), table)
	}
}

func TestOpen_RequiresURL(t *testing.T) {
	_, err := Open(t.Context(), "", logger.Nop())
	assert.Error(t, err)
}

func TestMigrate_UnknownSubcommand(t *testing.T) {
	assert.Error(t, Migrate(nil, "sideways"))
}
