package empirebot

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// gormDB creates a temporary SQLite database for testing purposes.
func gormDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbfile := filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))

	db, err := CreateDB(context.Background(), dbTypeSQLite, dbfile)
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	return db
}

func testDatabase(t testing.TB) DBI {
	t.Helper()
	return NewDatabase(gormDB(t), nil, false)
}

func TestGuildState_LazyCreation(t *testing.T) {
	ctx := context.Background()
	db := testDatabase(t)

	assert.Nil(t, db.Guild("g1"))

	require.NoError(t, db.SetPreferredModel(ctx, "g1", ModelClaude))

	guild := db.Guild("g1")
	require.NotNil(t, guild)
	assert.Equal(t, "g1", guild.ID)
	assert.Equal(t, string(ModelClaude), guild.PreferredModel)
}

func TestPreferredModel_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := testDatabase(t)

	_, ok := db.PreferredModel("g1")
	assert.False(t, ok)

	require.NoError(t, db.SetPreferredModel(ctx, "g1", ModelGemini))

	m, ok := db.PreferredModel("g1")
	require.True(t, ok)
	assert.Equal(t, ModelGemini, m)

	// last write wins
	require.NoError(t, db.SetPreferredModel(ctx, "g1", ModelGrok))
	m, ok = db.PreferredModel("g1")
	require.True(t, ok)
	assert.Equal(t, ModelGrok, m)
}

func TestAddAIChannel(t *testing.T) {
	ctx := context.Background()
	db := testDatabase(t)

	channels, err := db.AddAIChannel(ctx, "g1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, channels)

	channels, err = db.AddAIChannel(ctx, "g1", "c2")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, channels)

	// re-adding is a no-op, not an error
	channels, err = db.AddAIChannel(ctx, "g1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, channels)

	assert.Equal(t, []string{"c1", "c2"}, db.AIChannels("g1"))
	assert.Nil(t, db.AIChannels("g2"))
}

func TestSetRelayChannel_ReplacesPrior(t *testing.T) {
	ctx := context.Background()
	db := testDatabase(t)

	_, ok := db.RelayChannel("g1")
	assert.False(t, ok)

	require.NoError(t, db.SetRelayChannel(ctx, "g1", "c1"))
	id, ok := db.RelayChannel("g1")
	require.True(t, ok)
	assert.Equal(t, "c1", id)

	require.NoError(t, db.SetRelayChannel(ctx, "g1", "c2"))
	id, ok = db.RelayChannel("g1")
	require.True(t, ok)
	assert.Equal(t, "c2", id)
}

func TestLoadGuilds(t *testing.T) {
	ctx := context.Background()
	gdb := gormDB(t)
	db := NewDatabase(gdb, nil, false)

	require.NoError(t, db.SetPreferredModel(ctx, "g1", ModelClaude))
	require.NoError(t, db.SetRelayChannel(ctx, "g2", "c1"))

	// a fresh wrapper over the same connection starts with an empty
	// cache and fills it from the table
	fresh := NewDatabase(gdb, nil, false)
	assert.Nil(t, fresh.Guild("g1"))

	guilds := fresh.LoadGuilds()
	assert.Len(t, guilds, 2)
	require.NotNil(t, fresh.Guild("g1"))
	require.NotNil(t, fresh.Guild("g2"))
	assert.Equal(t, string(ModelClaude), fresh.Guild("g1").PreferredModel)
	assert.Equal(t, "c1", fresh.Guild("g2").RelayChannelID)
}

func TestReloadGuild(t *testing.T) {
	ctx := context.Background()
	gdb := gormDB(t)
	db := NewDatabase(gdb, nil, false)
	other := NewDatabase(gdb, nil, false)

	require.NoError(t, other.SetPreferredModel(ctx, "g1", ModelMistral))

	// db's cache doesn't see the write until reloaded
	assert.Nil(t, db.Guild("g1"))
	guild := db.ReloadGuild("g1")
	require.NotNil(t, guild)
	assert.Equal(t, string(ModelMistral), guild.PreferredModel)
	assert.NotNil(t, db.Guild("g1"))

	// reloading a nonexistent guild evicts and returns nil
	assert.Nil(t, db.ReloadGuild("g2"))
}

func TestStringList(t *testing.T) {
	testCases := []struct {
		name     string
		list     StringList
		expected string
	}{
		{
			name:     "multiple values",
			list:     StringList{"a", "b", "c"},
			expected: "a" + recordSeparator + "b" + recordSeparator + "c",
		},
		{
			name:     "single value",
			list:     StringList{"a"},
			expected: "a",
		},
		{
			name:     "empty list",
			list:     nil,
			expected: "",
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				value, err := tc.list.Value()
				require.NoError(t, err)
				assert.Equal(t, tc.expected, value)

				var scanned StringList
				require.NoError(t, scanned.Scan(value))
				if len(tc.list) == 0 {
					assert.Nil(t, scanned)
				} else {
					assert.Equal(t, tc.list, scanned)
				}
			},
		)
	}
}

func TestStringList_ScanBytes(t *testing.T) {
	var s StringList
	require.NoError(t, s.Scan([]byte("x"+recordSeparator+"y")))
	assert.Equal(t, StringList{"x", "y"}, s)

	require.NoError(t, s.Scan(nil))
	assert.Nil(t, s)

	assert.Error(t, s.Scan(42))
}

func TestCreateDB_PersistsRelayedMessages(t *testing.T) {
	db := NewDatabase(gormDB(t), nil, false)

	msg := RelayedMessage{
		GuildID:        "g1",
		ChannelID:      "c1",
		SpeakerName:    "Alice",
		SpeakerMessage: "ai hello there",
		Prompt:         "hello there",
	}
	rows, err := db.Create(context.Background(), &msg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	var stored []RelayedMessage
	require.NoError(t, db.DB().Where("guild_id = ?", "g1").Find(&stored).Error)
	require.Len(t, stored, 1)
	assert.Equal(t, "Alice", stored[0].SpeakerName)
	assert.Equal(t, "hello there", stored[0].Prompt)
	assert.NotZero(t, stored[0].CreatedAt)
}

func TestDatabaseUpdates(t *testing.T) {
	ctx := context.Background()
	db := testDatabase(t)

	require.NoError(t, db.SetPreferredModel(ctx, "g1", ModelClaude))
	guild := db.Guild("g1")
	require.NotNil(t, guild)

	rows, err := db.Updates(
		ctx,
		guild,
		map[string]any{"preferred_model": string(ModelOpenAI)},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	reloaded := db.ReloadGuild("g1")
	require.NotNil(t, reloaded)
	assert.Equal(t, string(ModelOpenAI), reloaded.PreferredModel)
}
