package empirebot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
)

// CommandKind identifies one of the fixed prefix commands. Dispatch is a
// closed switch over this enum rather than a string-keyed table, so the
// compiler can check exhaustiveness.
type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandHelp
	CommandAI
	CommandModels
	CommandSetChannel
	CommandSetRelayChannel
)

func (k CommandKind) String() string {
	switch k {
	case CommandHelp:
		return "help"
	case CommandAI:
		return "ai"
	case CommandModels:
		return "models"
	case CommandSetChannel:
		return "setchannel"
	case CommandSetRelayChannel:
		return "setmcchannel"
	case CommandUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// CommandOutcome is the result category of one routed command, matching
// the error taxonomy the reply composer renders from.
type CommandOutcome int

const (
	// OutcomeOK means the command did what it was asked
	OutcomeOK CommandOutcome = iota

	// OutcomeUsageError means a required argument was missing or malformed
	OutcomeUsageError

	// OutcomePermissionDenied means the caller lacks manage-capability
	OutcomePermissionDenied

	// OutcomeGuildOnly means a guild-only command was invoked outside a guild
	OutcomeGuildOnly

	// OutcomeInvalidModel means the model token didn't resolve
	OutcomeInvalidModel

	// OutcomeUnknownCommand means the command token isn't one of ours
	OutcomeUnknownCommand

	// OutcomeStoreError means a guild preference write failed
	OutcomeStoreError
)

// CommandContext carries the identity and scope of one command
// invocation. HasManageCapability is supplied by the caller - the router
// never works out permissions itself, it only asks.
type CommandContext struct {
	SpeakerID string

	// GuildID is empty outside a guild
	GuildID string

	ChannelID string

	// HasManageCapability reports whether the speaker may alter
	// guild-wide configuration
	HasManageCapability func() bool
}

// CommandResult is everything the reply composer needs to render one
// command's outcome. Which fields are set depends on Kind and Outcome.
type CommandResult struct {
	Kind    CommandKind
	Outcome CommandOutcome

	// Message is a plain-text reply, for outcomes that don't render
	// an embed
	Message string

	// Prompt is the text sent to the AI backend (ai command only)
	Prompt string

	// AI is the backend result (ai command only)
	AI *AIResult

	// CurrentModel is the guild's preference at read time (models
	// command with no argument). Empty when no preference is stored.
	CurrentModel Model

	// SetModel is the newly stored preference (models command with a
	// valid argument)
	SetModel Model

	// AIChannels is the guild's updated AI channel set (setchannel)
	AIChannels []string

	// AttemptedCommand is the unrecognized command token (unknown only)
	AttemptedCommand string
}

// CommandRouter parses prefix command lines and dispatches them. It owns
// no permission logic and no rendering: permission checks come in via
// [CommandContext], and the outcome goes back out as a [CommandResult].
type CommandRouter struct {
	prefix        string
	store         GuildStore
	invoker       Invoker
	db            DBI
	modelOverride string
	logger        *slog.Logger
}

func newCommandRouter(
	prefix string,
	store GuildStore,
	invoker Invoker,
	db DBI,
	modelOverride string,
	logger *slog.Logger,
) *CommandRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRouter{
		prefix:        prefix,
		store:         store,
		invoker:       invoker,
		db:            db,
		modelOverride: modelOverride,
		logger:        logger.With(loggerNameKey, "command_router"),
	}
}

// parseCommandLine splits a command line on the first run of whitespace
// into a case-insensitively matched command and its argument text (the
// remainder, trimmed - possibly empty).
func parseCommandLine(line string) (kind CommandKind, token string, argText string) {
	token, argText, _ = strings.Cut(strings.TrimSpace(line), " ")
	argText = strings.TrimSpace(argText)

	switch strings.ToLower(token) {
	case "help":
		kind = CommandHelp
	case "ai":
		kind = CommandAI
	case "models", "model":
		kind = CommandModels
	case "setchannel":
		kind = CommandSetChannel
	case "setmcchannel":
		kind = CommandSetRelayChannel
	default:
		kind = CommandUnknown
	}
	return kind, token, argText
}

// Route parses and executes one prefix command line. Commands are
// mutually exclusive - exactly one is selected per invocation, and every
// branch resolves to exactly one CommandResult.
func (r *CommandRouter) Route(
	ctx context.Context,
	line string,
	cc CommandContext,
) CommandResult {
	kind, token, argText := parseCommandLine(line)

	switch kind {
	case CommandHelp:
		return CommandResult{Kind: CommandHelp, Outcome: OutcomeOK}
	case CommandAI:
		return r.routeAI(ctx, argText, cc)
	case CommandModels:
		return r.routeModels(ctx, argText, cc)
	case CommandSetChannel:
		return r.routeSetChannel(ctx, cc)
	case CommandSetRelayChannel:
		return r.routeSetRelayChannel(ctx, cc)
	default:
		return CommandResult{
			Kind:             CommandUnknown,
			Outcome:          OutcomeUnknownCommand,
			AttemptedCommand: token,
			Message:          fmt.Sprintf("Unknown command. Try %shelp", r.prefix),
		}
	}
}

func (r *CommandRouter) routeAI(
	ctx context.Context,
	argText string,
	cc CommandContext,
) CommandResult {
	if argText == "" {
		return CommandResult{
			Kind:    CommandAI,
			Outcome: OutcomeUsageError,
			Message: fmt.Sprintf("Usage: %sai <message>", r.prefix),
		}
	}

	model := r.EffectivePreference(cc.GuildID)
	result := r.invoker.Invoke(ctx, r.db, argText, cc.SpeakerID, model)
	return CommandResult{
		Kind:    CommandAI,
		Outcome: OutcomeOK,
		Prompt:  argText,
		AI:      &result,
	}
}

func (r *CommandRouter) routeModels(
	ctx context.Context,
	argText string,
	cc CommandContext,
) CommandResult {
	if cc.HasManageCapability == nil || !cc.HasManageCapability() {
		return CommandResult{
			Kind:    CommandModels,
			Outcome: OutcomePermissionDenied,
			Message: "You need Manage Guild permission to change models.",
		}
	}

	if argText == "" {
		var current Model
		if cc.GuildID != "" {
			current, _ = r.store.PreferredModel(cc.GuildID)
		}
		return CommandResult{
			Kind:         CommandModels,
			Outcome:      OutcomeOK,
			CurrentModel: current,
		}
	}

	model, ok := ResolveModel(argText)
	if !ok {
		return CommandResult{
			Kind:    CommandModels,
			Outcome: OutcomeInvalidModel,
			Message: fmt.Sprintf(
				"Invalid model. Allowed: %s",
				strings.Join(AllowedModelNames(), ", "),
			),
		}
	}

	if err := r.store.SetPreferredModel(ctx, cc.GuildID, model); err != nil {
		r.logger.ErrorContext(
			ctx,
			"error storing model preference",
			tint.Err(err),
			"guild_id", cc.GuildID,
			"model", model,
		)
		return CommandResult{
			Kind:    CommandModels,
			Outcome: OutcomeStoreError,
			Message: DefaultDiscordErrorMessage,
		}
	}

	return CommandResult{
		Kind:     CommandModels,
		Outcome:  OutcomeOK,
		SetModel: model,
		Message:  fmt.Sprintf("Model set to: %s", model.DisplayName()),
	}
}

func (r *CommandRouter) routeSetChannel(
	ctx context.Context,
	cc CommandContext,
) CommandResult {
	if cc.HasManageCapability == nil || !cc.HasManageCapability() {
		return CommandResult{
			Kind:    CommandSetChannel,
			Outcome: OutcomePermissionDenied,
			Message: "You need Manage Guild permission to set AI channels.",
		}
	}
	if cc.GuildID == "" {
		return CommandResult{
			Kind:    CommandSetChannel,
			Outcome: OutcomeGuildOnly,
			Message: "This command only works in guilds.",
		}
	}

	channels, err := r.store.AddAIChannel(ctx, cc.GuildID, cc.ChannelID)
	if err != nil {
		r.logger.ErrorContext(
			ctx,
			"error adding AI channel",
			tint.Err(err),
			"guild_id", cc.GuildID,
			"channel_id", cc.ChannelID,
		)
		return CommandResult{
			Kind:    CommandSetChannel,
			Outcome: OutcomeStoreError,
			Message: DefaultDiscordErrorMessage,
		}
	}

	mentions := make([]string, 0, len(channels))
	for _, id := range channels {
		mentions = append(mentions, fmt.Sprintf("<#%s>", id))
	}
	return CommandResult{
		Kind:       CommandSetChannel,
		Outcome:    OutcomeOK,
		AIChannels: channels,
		Message: fmt.Sprintf(
			"✓ This channel is now an AI channel.\n\nAI channels in this guild: %s",
			strings.Join(mentions, ", "),
		),
	}
}

func (r *CommandRouter) routeSetRelayChannel(
	ctx context.Context,
	cc CommandContext,
) CommandResult {
	if cc.HasManageCapability == nil || !cc.HasManageCapability() {
		return CommandResult{
			Kind:    CommandSetRelayChannel,
			Outcome: OutcomePermissionDenied,
			Message: "You need Manage Guild permission to set the Minecraft channel.",
		}
	}
	if cc.GuildID == "" {
		return CommandResult{
			Kind:    CommandSetRelayChannel,
			Outcome: OutcomeGuildOnly,
			Message: "This command only works in guilds.",
		}
	}

	if err := r.store.SetRelayChannel(ctx, cc.GuildID, cc.ChannelID); err != nil {
		r.logger.ErrorContext(
			ctx,
			"error setting relay channel",
			tint.Err(err),
			"guild_id", cc.GuildID,
			"channel_id", cc.ChannelID,
		)
		return CommandResult{
			Kind:    CommandSetRelayChannel,
			Outcome: OutcomeStoreError,
			Message: DefaultDiscordErrorMessage,
		}
	}

	return CommandResult{
		Kind:    CommandSetRelayChannel,
		Outcome: OutcomeOK,
		Message: "✓ This channel is now the Minecraft server chat channel. " +
			"Players can trigger the bot by typing:\n\n**ai** <message>\n**bot** <message>",
	}
}

// EffectivePreference resolves which model to request on behalf of a
// message in the given guild: the config-level override beats the guild's
// stored preference, which beats no preference (empty Model - the
// backend's own default applies).
func (r *CommandRouter) EffectivePreference(guildID string) Model {
	var guildPreference Model
	if guildID != "" {
		guildPreference, _ = r.store.PreferredModel(guildID)
	}
	model, _ := effectiveModel(r.modelOverride, guildPreference)
	return model
}
