package empirebot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app-id"
	return cfg
}

func TestConfigValidation(t *testing.T) {
	require.NoError(t, structValidator.Struct(validTestConfig()))
}

func TestConfigValidation_Failures(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{
			name:   "missing discord token",
			mutate: func(cfg *Config) { cfg.Discord.Token = "" },
		},
		{
			name:   "missing application id",
			mutate: func(cfg *Config) { cfg.Discord.ApplicationID = "" },
		},
		{
			name:   "missing command prefix",
			mutate: func(cfg *Config) { cfg.Discord.CommandPrefix = "" },
		},
		{
			name:   "bad database type",
			mutate: func(cfg *Config) { cfg.DatabaseType = "oracle" },
		},
		{
			name:   "bad AI base URL",
			mutate: func(cfg *Config) { cfg.AI.BaseURL = "not a url" },
		},
		{
			name: "AI request timeout too short",
			mutate: func(cfg *Config) {
				cfg.AI.RequestTimeout = 50 * time.Millisecond
			},
		},
		{
			name: "API enabled without listen address",
			mutate: func(cfg *Config) {
				cfg.API.Enabled = true
				cfg.API.Listen = ""
			},
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := validTestConfig()
				tc.mutate(cfg)
				assert.Error(t, structValidator.Struct(cfg))
			},
		)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, dbTypeSQLite, cfg.DatabaseType)
	assert.Equal(t, DefaultCommandPrefix, cfg.Discord.CommandPrefix)
	assert.Equal(t, DefaultAIBaseURL, cfg.AI.BaseURL)
	assert.Equal(t, DefaultAIRequestTimeout, cfg.AI.RequestTimeout)
	assert.Equal(t, DefaultRelayTriggerWords, cfg.Discord.RelayTriggerWords)

	require.NotNil(t, cfg.LogLevel)
	require.NotNil(t, cfg.AI.LogLevel)
	require.NotNil(t, cfg.Discord.LogLevel)
	require.NotNil(t, cfg.Discord.DiscordGoLogLevel)
	require.NotNil(t, cfg.DatabaseLogLevel)
	require.NotNil(t, cfg.API.LogLevel)
}

// mutating one DefaultConfig's trigger words must not leak into the next
func TestDefaultConfig_TriggerWordsCopied(t *testing.T) {
	first := DefaultConfig()
	first.Discord.RelayTriggerWords[0] = "mutated"

	second := DefaultConfig()
	assert.Equal(t, DefaultRelayTriggerWords[0], second.Discord.RelayTriggerWords[0])
}
