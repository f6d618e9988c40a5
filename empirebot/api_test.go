package empirebot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiRequest(
	t testing.TB,
	bot *EmpireBot,
	path string,
) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	bot.api.engine.ServeHTTP(w, req)
	return w
}

func TestAPIDefaultCORSAllowsRequests(t *testing.T) {
	srv := successBackend(t, "unused", "claude")

	// DefaultConfig leaves CORS.AllowOrigins empty; newAPI must still
	// produce a working engine rather than rejecting all origins.
	bot, _ := newTestBot(t, srv.URL)
	assert.Empty(t, bot.config.API.CORS.AllowOrigins)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, apiHealthCheck, nil)
	req.Header.Set("Origin", "http://example.com")
	bot.api.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAPIHealthCheck(t *testing.T) {
	srv := successBackend(t, "unused", "claude")
	bot, _ := newTestBot(t, srv.URL)

	w := apiRequest(t, bot, apiHealthCheck)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAPIGetModels(t *testing.T) {
	srv := successBackend(t, "unused", "claude")
	bot, _ := newTestBot(t, srv.URL)

	w := apiRequest(t, bot, apiPathModels)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Models []apiModelInfo `json:"models"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Models, len(AllowedModels))
	assert.Equal(t, "nova-micro", body.Models[0].ID)
	assert.Equal(t, "DTEmpire", body.Models[0].DisplayName)
}

func TestAPIGetGuild(t *testing.T) {
	srv := successBackend(t, "unused", "claude")
	bot, _ := newTestBot(t, srv.URL)

	w := apiRequest(t, bot, "/api/guilds/g1")
	assert.Equal(t, http.StatusNotFound, w.Code)

	ctx := context.Background()
	require.NoError(t, bot.writeDB.SetPreferredModel(ctx, "g1", ModelGrok))
	_, err := bot.writeDB.AddAIChannel(ctx, "g1", "c1")
	require.NoError(t, err)

	w = apiRequest(t, bot, "/api/guilds/g1")
	require.Equal(t, http.StatusOK, w.Code)

	var guild GuildState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &guild))
	assert.Equal(t, "g1", guild.ID)
	assert.Equal(t, string(ModelGrok), guild.PreferredModel)
	assert.Equal(t, StringList{"c1"}, guild.AIChannelIDs)
}

func TestAPIGetStatus(t *testing.T) {
	srv := successBackend(t, "unused", "claude")
	bot, _ := newTestBot(t, srv.URL)

	// hit another route first so the metrics map has an entry
	_ = apiRequest(t, bot, apiHealthCheck)

	w := apiRequest(t, bot, apiPathStatus)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, Version, body["version"])
	assert.Contains(t, body, "uptime")
	assert.Contains(t, body, "discord_connected")
	assert.Contains(t, body, "request_metrics")
}

func TestAPIRequestIDHeader(t *testing.T) {
	srv := successBackend(t, "unused", "claude")
	bot, _ := newTestBot(t, srv.URL)

	w := apiRequest(t, bot, apiHealthCheck)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))
}

func TestAPIShutdown(t *testing.T) {
	srv := successBackend(t, "unused", "claude")
	bot, _ := newTestBot(t, srv.URL)
	bot.signalStop = make(chan struct{}, 1)

	notifier, err := newStateNotifier(bot)
	require.NoError(t, err)
	bot.stateNotifier = notifier

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, apiPathShutdown, nil)
	bot.api.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	select {
	case <-bot.signalStop:
		//
	default:
		t.Fatal("expected a stop signal")
	}
}

func TestAPIShutdown_NotRunning(t *testing.T) {
	srv := successBackend(t, "unused", "claude")
	bot, _ := newTestBot(t, srv.URL)
	bot.stateNotifier = nil

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, apiPathShutdown, nil)
	bot.api.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
