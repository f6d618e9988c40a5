package empirebot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubGuildStore is an in-memory GuildStore that records writes,
// for router tests that must assert a write did or did not happen.
type stubGuildStore struct {
	preferredModels map[string]Model
	aiChannels      map[string][]string
	relayChannels   map[string]string

	setPreferredModelCalls int
	addAIChannelCalls      int
	setRelayChannelCalls   int

	writeErr error
}

func newStubGuildStore() *stubGuildStore {
	return &stubGuildStore{
		preferredModels: map[string]Model{},
		aiChannels:      map[string][]string{},
		relayChannels:   map[string]string{},
	}
}

func (s *stubGuildStore) Guild(guildID string) *GuildState {
	if _, ok := s.preferredModels[guildID]; !ok {
		return nil
	}
	return &GuildState{ModelStringID: ModelStringID{ID: guildID}}
}

func (s *stubGuildStore) PreferredModel(guildID string) (Model, bool) {
	m, ok := s.preferredModels[guildID]
	return m, ok
}

func (s *stubGuildStore) SetPreferredModel(
	_ context.Context,
	guildID string,
	m Model,
) error {
	s.setPreferredModelCalls++
	if s.writeErr != nil {
		return s.writeErr
	}
	s.preferredModels[guildID] = m
	return nil
}

func (s *stubGuildStore) AddAIChannel(
	_ context.Context,
	guildID string,
	channelID string,
) ([]string, error) {
	s.addAIChannelCalls++
	if s.writeErr != nil {
		return nil, s.writeErr
	}
	for _, id := range s.aiChannels[guildID] {
		if id == channelID {
			return s.aiChannels[guildID], nil
		}
	}
	s.aiChannels[guildID] = append(s.aiChannels[guildID], channelID)
	return s.aiChannels[guildID], nil
}

func (s *stubGuildStore) AIChannels(guildID string) []string {
	return s.aiChannels[guildID]
}

func (s *stubGuildStore) SetRelayChannel(
	_ context.Context,
	guildID string,
	channelID string,
) error {
	s.setRelayChannelCalls++
	if s.writeErr != nil {
		return s.writeErr
	}
	s.relayChannels[guildID] = channelID
	return nil
}

func (s *stubGuildStore) RelayChannel(guildID string) (string, bool) {
	id, ok := s.relayChannels[guildID]
	return id, ok
}

// stubInvoker records calls and returns a canned result.
type stubInvoker struct {
	calls  int
	prompt string
	userID string
	model  Model
	result AIResult
}

func (s *stubInvoker) Invoke(
	_ context.Context,
	_ DBI,
	prompt string,
	userID string,
	model Model,
) AIResult {
	s.calls++
	s.prompt = prompt
	s.userID = userID
	s.model = model
	return s.result
}

func allowManage() bool { return true }
func denyManage() bool  { return false }

func newTestRouter(
	t testing.TB,
	store *stubGuildStore,
	invoker *stubInvoker,
) *CommandRouter {
	t.Helper()
	return newCommandRouter(
		DefaultCommandPrefix,
		store,
		invoker,
		nil,
		"",
		nil,
	)
}

func TestParseCommandLine(t *testing.T) {
	testCases := []struct {
		name            string
		line            string
		expectedKind    CommandKind
		expectedArgText string
	}{
		{name: "help", line: "help", expectedKind: CommandHelp},
		{
			name:            "ai with argument",
			line:            "ai what is gravity",
			expectedKind:    CommandAI,
			expectedArgText: "what is gravity",
		},
		{name: "ai no argument", line: "ai", expectedKind: CommandAI},
		{name: "models", line: "models", expectedKind: CommandModels},
		{
			name:            "model singular alias",
			line:            "model gemini",
			expectedKind:    CommandModels,
			expectedArgText: "gemini",
		},
		{
			name:         "mixed case command",
			line:         "MODELS",
			expectedKind: CommandModels,
		},
		{name: "setchannel", line: "setchannel", expectedKind: CommandSetChannel},
		{
			name:         "setmcchannel",
			line:         "setmcchannel",
			expectedKind: CommandSetRelayChannel,
		},
		{name: "unknown", line: "dance", expectedKind: CommandUnknown},
		{name: "empty line", line: "", expectedKind: CommandUnknown},
		{
			name:            "argument whitespace trimmed",
			line:            "ai   spaced   ",
			expectedKind:    CommandAI,
			expectedArgText: "spaced",
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				kind, _, argText := parseCommandLine(tc.line)
				assert.Equal(t, tc.expectedKind.String(), kind.String())
				assert.Equal(t, tc.expectedArgText, argText)
			},
		)
	}
}

func TestRouteHelp(t *testing.T) {
	router := newTestRouter(t, newStubGuildStore(), &stubInvoker{})
	result := router.Route(context.Background(), "help", CommandContext{})
	assert.Equal(t, CommandHelp, result.Kind)
	assert.Equal(t, OutcomeOK, result.Outcome)
}

func TestRouteAI_EmptyArgumentNeverInvokes(t *testing.T) {
	invoker := &stubInvoker{}
	router := newTestRouter(t, newStubGuildStore(), invoker)

	result := router.Route(
		context.Background(),
		"ai",
		CommandContext{SpeakerID: "u1", GuildID: "g1"},
	)

	assert.Equal(t, CommandAI, result.Kind)
	assert.Equal(t, OutcomeUsageError, result.Outcome)
	assert.Equal(t, "Usage: >ai <message>", result.Message)
	assert.Zero(t, invoker.calls)
}

func TestRouteAI_UsesGuildPreference(t *testing.T) {
	store := newStubGuildStore()
	store.preferredModels["g1"] = ModelGemini
	invoker := &stubInvoker{
		result: AIResult{Success: true, Text: "hi!", Model: ModelGemini},
	}
	router := newTestRouter(t, store, invoker)

	result := router.Route(
		context.Background(),
		"ai what is gravity",
		CommandContext{SpeakerID: "u1", GuildID: "g1"},
	)

	assert.Equal(t, OutcomeOK, result.Outcome)
	assert.Equal(t, 1, invoker.calls)
	assert.Equal(t, "what is gravity", invoker.prompt)
	assert.Equal(t, "u1", invoker.userID)
	assert.Equal(t, ModelGemini, invoker.model)
	require.NotNil(t, result.AI)
	assert.True(t, result.AI.Success)
	assert.Equal(t, "hi!", result.AI.Text)
}

func TestRouteModels_PermissionDeniedNeverWrites(t *testing.T) {
	store := newStubGuildStore()
	router := newTestRouter(t, store, &stubInvoker{})

	result := router.Route(
		context.Background(),
		"models gemini",
		CommandContext{
			SpeakerID:           "u1",
			GuildID:             "g1",
			HasManageCapability: denyManage,
		},
	)

	assert.Equal(t, CommandModels, result.Kind)
	assert.Equal(t, OutcomePermissionDenied, result.Outcome)
	assert.Zero(t, store.setPreferredModelCalls)
}

func TestRouteModels_NilPermissionPredicateDenies(t *testing.T) {
	store := newStubGuildStore()
	router := newTestRouter(t, store, &stubInvoker{})

	result := router.Route(
		context.Background(),
		"models gemini",
		CommandContext{SpeakerID: "u1", GuildID: "g1"},
	)

	assert.Equal(t, OutcomePermissionDenied, result.Outcome)
	assert.Zero(t, store.setPreferredModelCalls)
}

func TestRouteModels_ReadCurrentPreference(t *testing.T) {
	store := newStubGuildStore()
	store.preferredModels["g1"] = ModelClaude
	router := newTestRouter(t, store, &stubInvoker{})

	result := router.Route(
		context.Background(),
		"models",
		CommandContext{
			SpeakerID:           "u1",
			GuildID:             "g1",
			HasManageCapability: allowManage,
		},
	)

	assert.Equal(t, OutcomeOK, result.Outcome)
	assert.Equal(t, ModelClaude, result.CurrentModel)
	assert.Zero(t, store.setPreferredModelCalls)
}

func TestRouteModels_SetValidModel(t *testing.T) {
	store := newStubGuildStore()
	router := newTestRouter(t, store, &stubInvoker{})

	result := router.Route(
		context.Background(),
		"models DTEmpire",
		CommandContext{
			SpeakerID:           "u1",
			GuildID:             "g1",
			HasManageCapability: allowManage,
		},
	)

	assert.Equal(t, OutcomeOK, result.Outcome)
	assert.Equal(t, ModelNovaMicro, result.SetModel)
	assert.Equal(t, "Model set to: DTEmpire", result.Message)
	assert.Equal(t, ModelNovaMicro, store.preferredModels["g1"])
}

func TestRouteModels_InvalidModel(t *testing.T) {
	store := newStubGuildStore()
	router := newTestRouter(t, store, &stubInvoker{})

	result := router.Route(
		context.Background(),
		"models not-a-model",
		CommandContext{
			SpeakerID:           "u1",
			GuildID:             "g1",
			HasManageCapability: allowManage,
		},
	)

	assert.Equal(t, OutcomeInvalidModel, result.Outcome)
	assert.Contains(t, result.Message, "Invalid model")
	assert.Contains(t, result.Message, "DTEmpire")
	assert.Zero(t, store.setPreferredModelCalls)
}

func TestRouteModels_StoreError(t *testing.T) {
	store := newStubGuildStore()
	store.writeErr = errors.New("disk full")
	router := newTestRouter(t, store, &stubInvoker{})

	result := router.Route(
		context.Background(),
		"models gemini",
		CommandContext{
			SpeakerID:           "u1",
			GuildID:             "g1",
			HasManageCapability: allowManage,
		},
	)

	assert.Equal(t, OutcomeStoreError, result.Outcome)
	assert.Equal(t, DefaultDiscordErrorMessage, result.Message)
}

func TestRouteSetChannel(t *testing.T) {
	store := newStubGuildStore()
	router := newTestRouter(t, store, &stubInvoker{})
	cc := CommandContext{
		SpeakerID:           "u1",
		GuildID:             "g1",
		ChannelID:           "c1",
		HasManageCapability: allowManage,
	}

	result := router.Route(context.Background(), "setchannel", cc)
	assert.Equal(t, OutcomeOK, result.Outcome)
	assert.Equal(t, []string{"c1"}, result.AIChannels)
	assert.Contains(t, result.Message, "<#c1>")

	// adding the same channel again doesn't duplicate it
	result = router.Route(context.Background(), "setchannel", cc)
	assert.Equal(t, OutcomeOK, result.Outcome)
	assert.Equal(t, []string{"c1"}, result.AIChannels)
}

func TestRouteSetChannel_GuildOnly(t *testing.T) {
	store := newStubGuildStore()
	router := newTestRouter(t, store, &stubInvoker{})

	result := router.Route(
		context.Background(),
		"setchannel",
		CommandContext{
			SpeakerID:           "u1",
			ChannelID:           "c1",
			HasManageCapability: allowManage,
		},
	)

	assert.Equal(t, OutcomeGuildOnly, result.Outcome)
	assert.Zero(t, store.addAIChannelCalls)
}

func TestRouteSetChannel_PermissionDenied(t *testing.T) {
	store := newStubGuildStore()
	router := newTestRouter(t, store, &stubInvoker{})

	result := router.Route(
		context.Background(),
		"setchannel",
		CommandContext{
			SpeakerID:           "u1",
			GuildID:             "g1",
			ChannelID:           "c1",
			HasManageCapability: denyManage,
		},
	)

	assert.Equal(t, OutcomePermissionDenied, result.Outcome)
	assert.Zero(t, store.addAIChannelCalls)
}

func TestRouteSetRelayChannel(t *testing.T) {
	store := newStubGuildStore()
	router := newTestRouter(t, store, &stubInvoker{})
	cc := CommandContext{
		SpeakerID:           "u1",
		GuildID:             "g1",
		ChannelID:           "c1",
		HasManageCapability: allowManage,
	}

	result := router.Route(context.Background(), "setmcchannel", cc)
	assert.Equal(t, CommandSetRelayChannel, result.Kind)
	assert.Equal(t, OutcomeOK, result.Outcome)
	assert.Equal(t, "c1", store.relayChannels["g1"])

	// setting a new channel replaces the old one
	cc.ChannelID = "c2"
	result = router.Route(context.Background(), "setmcchannel", cc)
	assert.Equal(t, OutcomeOK, result.Outcome)
	assert.Equal(t, "c2", store.relayChannels["g1"])
}

func TestRouteUnknownCommand(t *testing.T) {
	router := newTestRouter(t, newStubGuildStore(), &stubInvoker{})

	result := router.Route(
		context.Background(),
		"dance around",
		CommandContext{SpeakerID: "u1"},
	)

	assert.Equal(t, CommandUnknown, result.Kind)
	assert.Equal(t, OutcomeUnknownCommand, result.Outcome)
	assert.Equal(t, "dance", result.AttemptedCommand)
	assert.Equal(t, "Unknown command. Try >help", result.Message)
}

func TestEffectivePreference(t *testing.T) {
	store := newStubGuildStore()
	store.preferredModels["g1"] = ModelMistral

	router := newTestRouter(t, store, &stubInvoker{})
	assert.Equal(t, ModelMistral, router.EffectivePreference("g1"))
	assert.Equal(t, Model(""), router.EffectivePreference("g2"))
	assert.Equal(t, Model(""), router.EffectivePreference(""))

	override := newCommandRouter(
		DefaultCommandPrefix,
		store,
		&stubInvoker{},
		nil,
		"grok",
		nil,
	)
	assert.Equal(t, ModelGrok, override.EffectivePreference("g1"))
}
