package empirebot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/hyperdargo/DTEmpire-Ai-Chat-Bot/empirebot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// EmpireBot is the main application struct. It wires the Discord gateway
// session, the AI backend client, the command router, guild state
// persistence and the status API together, and owns the bot's lifecycle.
//
// Fields:
//   - config: Pointer to the main configuration struct.
//   - db: Read-side GORM connection.
//   - writeDB: gorm.DB wrapper for write/update/delete operations. When
//     using sqlite, a mutex serializes writes - otherwise it behaves
//     like db.
//   - discord: Discord gateway integration.
//   - ai: AI completion backend client.
//   - router: Prefix command router.
//   - api: Read-only status API server.
//   - stateNotifier: Cross-instance guild state change notifications.
type EmpireBot struct {
	config *Config

	db *gorm.DB

	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	discord *Discord

	ai *AIClient

	router *CommandRouter

	api *API

	stateNotifier StateNotifier

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it when Run has finished
	// initializing: database migrated, guild cache loaded, API
	// listening, discord session open and commands registered
	signalReady chan struct{}

	// A value is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	// triggerGuildRefreshCh receives guild IDs whose cached state
	// should be reloaded from the database
	triggerGuildRefreshCh chan string

	// messagesInProgress counts gateway message events currently being
	// handled
	messagesInProgress atomic.Int64
}

// New creates and initializes a new EmpireBot instance.
//
// It sets up logging for each component, the AI backend client, the
// Discord integration and the status API from the given config. Database
// connections are deferred until [EmpireBot.Run].
func New(config *Config) (*EmpireBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	if config.Discord.UILink == "" {
		config.Discord.UILink = strings.TrimRight(config.AI.BaseURL, "/") + "/ui"
	}

	b := &EmpireBot{
		config:                config,
		signalReady:           make(chan struct{}, 1),
		eventShutdown:         make(chan struct{}, 1),
		triggerGuildRefreshCh: make(chan string, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)

	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.ai = newAIClient(b.config.AI, b.config.HTTPClient)

	b.config.Discord.httpClient = b.config.HTTPClient

	disc := newDiscord(b.config.Discord)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	b.discord = disc
	disc.b = b

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

func (b *EmpireBot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

func (b *EmpireBot) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// Run starts the bot's main loop: it validates configuration, opens and
// migrates the database, loads the guild cache, starts the status API
// and cross-instance listeners, opens the discord gateway session and
// registers slash commands, then blocks until the context is canceled or
// a stop signal arrives.
func (b *EmpireBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// the 'runtime' context - canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			b.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			b.logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	notifier, err := newStateNotifier(b)
	if err != nil {
		logger.Error("error creating state notifier", tint.Err(err))
		return err
	}
	b.stateNotifier = notifier

	runtimeGroup, groupCtx := errgroup.WithContext(ctx)

	if b.config.API.Enabled {
		runtimeGroup.Go(
			func() error {
				httpErr := b.api.Serve(groupCtx)
				if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
					b.logger.ErrorContext(
						groupCtx,
						"error serving api HTTP",
						tint.Err(httpErr),
					)
					return httpErr
				}
				return nil
			},
		)
	}

	runtimeGroup.Go(
		func() error {
			b.watchGuildRefreshes(groupCtx)
			return nil
		},
	)

	if channel := b.stateNotifier.GuildChannelName(); channel != "" {
		runtimeGroup.Go(
			func() error {
				if e := b.stateNotifier.Listen(groupCtx, channel); e != nil {
					b.logger.ErrorContext(
						groupCtx,
						"error listening to guild update channel",
						tint.Err(e),
					)
				}
				return nil
			},
		)
	}
	if channel := b.stateNotifier.StopChannelName(); channel != "" {
		runtimeGroup.Go(
			func() error {
				if e := b.stateNotifier.Listen(groupCtx, channel); e != nil {
					b.logger.ErrorContext(
						groupCtx,
						"error listening to stop channel",
						tint.Err(e),
					)
				}
				return nil
			},
		)
	}

	if discErr := b.discordInit(ctx); discErr != nil {
		b.logger.ErrorContext(ctx, "error starting discord", tint.Err(discErr))
		return discErr
	}

	b.signalReady <- struct{}{}
	b.logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()

	shutdownErr := b.shutdown(context.WithoutCancel(ctx))
	groupErr := runtimeGroup.Wait()
	if groupErr != nil && !errors.Is(groupErr, http.ErrServerClosed) {
		return errors.Join(shutdownErr, groupErr)
	}
	return shutdownErr
}

// initRun opens the database, migrates it, and loads the guild cache.
func (b *EmpireBot) initRun(ctx context.Context) error {
	db, err := CreateDB(ctx, b.config.DatabaseType, b.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(
		db,
		b.logger,
		b.config.DatabaseType != dbTypeSQLite,
	)

	guilds := b.writeDB.LoadGuilds()
	b.logger.InfoContext(ctx, "loaded guild cache", "guild_count", len(guilds))

	b.router = newCommandRouter(
		b.config.Discord.CommandPrefix,
		b.writeDB,
		b.ai,
		b.writeDB,
		b.config.AI.Model,
		b.logger,
	)

	return nil
}

// discordInit creates the gateway session, registers slash commands, and
// attaches the event handlers.
func (b *EmpireBot) discordInit(ctx context.Context) error {
	session, err := b.discord.newSession()
	if err != nil {
		return err
	}
	b.discord.session = session

	intents := b.config.Discord.GatewayIntents
	if b.config.Discord.AllowMessageContent {
		intents |= discordgo.IntentsMessageContent
	} else {
		b.logger.WarnContext(
			ctx,
			"message content intent disabled - prefix commands, AI channels "+
				"and the relay bridge will not see message text",
		)
	}
	identify := discordgo.Identify{Intents: intents}
	identify.Token = b.config.Discord.Token
	session.SetIdentify(identify)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.handleMessageCreate),
		session.AddHandler(b.handleInteractionCreate),
	}

	b.logger.InfoContext(ctx, "connecting to discord")
	if err = session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err = b.discord.registerCommands(); err != nil {
		return fmt.Errorf("error registering discord commands: %w", err)
	}

	return nil
}

// watchGuildRefreshes reloads guild state cache entries as refresh
// signals arrive, until the context ends.
func (b *EmpireBot) watchGuildRefreshes(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case guildID := <-b.triggerGuildRefreshCh:
			guild := b.writeDB.ReloadGuild(guildID)
			b.logger.InfoContext(
				ctx,
				"reloaded guild state",
				columnGuildID, guildID,
				"found", guild != nil,
			)
		}
	}
}

// shutdown closes the discord session and the API server, bounded by
// [Config.ShutdownTimeout].
func (b *EmpireBot) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.config.ShutdownTimeout)
	defer cancel()

	var errs []error

	for _, removeHandler := range b.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}

	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			b.logger.Error("error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if b.api != nil && b.api.httpServer != nil {
		if err := b.api.httpServer.Shutdown(ctx); err != nil {
			b.logger.Error("error shutting down api server", tint.Err(err))
			errs = append(errs, err)
		}
	}

	b.logger.Info("shutdown complete")
	select {
	case b.eventShutdown <- struct{}{}:
	default:
	}
	return errors.Join(errs...)
}

// classifierSnapshot captures the configuration state one message is
// classified against.
func (b *EmpireBot) classifierSnapshot(guildID string) ClassifierSnapshot {
	snap := ClassifierSnapshot{
		Prefix:           b.config.Discord.CommandPrefix,
		GlobalAIChannels: b.config.Discord.AIChannelIDs,
	}
	if guildID != "" {
		if relayChannel, ok := b.writeDB.RelayChannel(guildID); ok {
			snap.RelayChannelID = relayChannel
		}
		snap.GuildAIChannels = b.writeDB.AIChannels(guildID)
	}
	return snap
}

// handleMessageCreate is the gateway MessageCreate handler. The actual
// work happens in a per-event goroutine behind a panic recovery
// boundary, so a failure handling one message can never take down the
// gateway connection.
func (b *EmpireBot) handleMessageCreate(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if m.Author == nil {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if m.Author.ID == b.config.Discord.ApplicationID {
		return
	}

	go func() {
		b.messagesInProgress.Add(1)
		defer b.messagesInProgress.Add(-1)

		ctx, logger := b.getLogger(context.Background())
		defer func() {
			if rc := recover(); rc != nil {
				logger.ErrorContext(
					ctx,
					"recovered from panic handling message",
					"panic", rc,
					"stack", string(debug.Stack()),
				)
			}
		}()

		b.processMessage(ctx, s, m)
	}()
}

func (b *EmpireBot) processMessage(
	ctx context.Context,
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	ctx, logger := b.getLogger(ctx)

	m.Content = strings.TrimSpace(m.Content)
	if m.Content == "" {
		return
	}

	inbound := InboundMessage{
		FromAutomation: m.Author.Bot || m.WebhookID != "",
		GuildID:        m.GuildID,
		ChannelID:      m.ChannelID,
		AuthorID:       m.Author.ID,
		Content:        m.Content,
	}
	classified := classifyMessage(inbound, b.classifierSnapshot(m.GuildID))

	if classified.Intent == IntentIgnored {
		return
	}
	logger.DebugContext(
		ctx,
		"classified message",
		append(
			messageLogAttrs(*m),
			"intent", classified.Intent.String(),
		)...,
	)

	switch classified.Intent {
	case IntentRelayBridge:
		b.handleRelayMessage(ctx, m)
	case IntentPrefixCommand:
		b.handlePrefixCommand(ctx, s, m, classified.CommandLine)
	case IntentFreeTextAutoReply:
		b.handleAutoReply(ctx, m)
	default:
		//
	}
}

// handleRelayMessage handles a message bridged from the relay channel:
// it parses the "[Member] Name » text" shape, checks whether the relayed
// speaker addressed the bot with a trigger word, and if so answers in
// plain text so the reply can be mirrored back out of Discord.
func (b *EmpireBot) handleRelayMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	ctx, logger := b.getLogger(ctx)

	chat := parseRelayedChat(m.Content)
	if chat == nil {
		return
	}

	prompt, ok := extractTriggeredPrompt(
		chat.SpeakerMessage,
		b.config.Discord.RelayTriggerWords,
	)
	if !ok {
		return
	}

	logger.InfoContext(
		ctx,
		"answering relayed chat",
		"speaker", chat.SpeakerName,
		columnGuildID, m.GuildID,
		"channel_id", m.ChannelID,
	)

	if typingErr := b.discord.session.ChannelTyping(m.ChannelID); typingErr != nil {
		logger.WarnContext(ctx, "error sending typing indicator", tint.Err(typingErr))
	}

	relayLog := RelayedMessage{
		GuildID:        m.GuildID,
		ChannelID:      m.ChannelID,
		SpeakerName:    chat.SpeakerName,
		SpeakerMessage: chat.SpeakerMessage,
		Prompt:         prompt,
	}
	if _, err := b.writeDB.Create(ctx, &relayLog); err != nil {
		logger.ErrorContext(ctx, "error logging relayed message", tint.Err(err))
	}

	model := b.router.EffectivePreference(m.GuildID)
	result := b.ai.Invoke(ctx, b.writeDB, prompt, chat.SpeakerName, model)

	if !result.Success {
		if sendErr := b.discord.channelMessageSend(
			m.ChannelID,
			DefaultUpstreamErrorMessage,
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending relay error reply", tint.Err(sendErr))
		}
		return
	}

	// bare text, no embed or speaker prefix - the relay mirrors raw
	// message content back out of Discord
	reply := shortenString(result.Text, discordMaxMessageLength)
	if sendErr := b.discord.channelMessageSend(m.ChannelID, reply); sendErr != nil {
		logger.ErrorContext(ctx, "error sending relay reply", tint.Err(sendErr))
	}
}

// handlePrefixCommand routes a ">"-prefixed command line and renders the
// result back to the channel.
func (b *EmpireBot) handlePrefixCommand(
	ctx context.Context,
	s *discordgo.Session,
	m *discordgo.MessageCreate,
	commandLine string,
) {
	ctx, logger := b.getLogger(ctx)

	cc := CommandContext{
		SpeakerID: m.Author.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		HasManageCapability: func() bool {
			return b.memberCanManageGuild(s, m)
		},
	}

	kind, _, _ := parseCommandLine(commandLine)
	if kind == CommandAI {
		if typingErr := b.discord.session.ChannelTyping(m.ChannelID); typingErr != nil {
			logger.WarnContext(ctx, "error sending typing indicator", tint.Err(typingErr))
		}
	}

	result := b.router.Route(ctx, commandLine, cc)
	b.notifyGuildStateChanged(ctx, m.GuildID, result)

	send := b.commandResultMessage(result)
	if send == nil {
		return
	}
	send.Reference = m.Reference()
	if _, sendErr := b.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		send,
	); sendErr != nil {
		logger.ErrorContext(
			ctx,
			"error sending command reply",
			append(messageLogAttrs(*m), tint.Err(sendErr))...,
		)
	}
}

// handleAutoReply answers free text posted in an AI-enabled channel.
func (b *EmpireBot) handleAutoReply(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	ctx, logger := b.getLogger(ctx)

	prompt := m.Content
	if prompt == "" {
		return
	}

	if typingErr := b.discord.session.ChannelTyping(m.ChannelID); typingErr != nil {
		logger.WarnContext(ctx, "error sending typing indicator", tint.Err(typingErr))
	}

	model := b.router.EffectivePreference(m.GuildID)
	result := b.ai.Invoke(ctx, b.writeDB, prompt, m.Author.ID, model)

	if !result.Success {
		if _, sendErr := b.discord.session.ChannelMessageSendReply(
			m.ChannelID,
			DefaultUpstreamErrorMessage,
			m.Reference(),
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending error reply", tint.Err(sendErr))
		}
		return
	}

	if _, sendErr := b.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Embeds:    []*discordgo.MessageEmbed{b.discord.aiResponseEmbed(prompt, result)},
			Reference: m.Reference(),
		},
	); sendErr != nil {
		logger.ErrorContext(ctx, "error sending auto reply", tint.Err(sendErr))
	}
}

// commandResultMessage renders a CommandResult as an outgoing message.
// Returns nil when there's nothing to send.
func (b *EmpireBot) commandResultMessage(result CommandResult) *discordgo.MessageSend {
	if result.Outcome != OutcomeOK {
		if result.Message == "" {
			return nil
		}
		return &discordgo.MessageSend{Content: result.Message}
	}

	switch result.Kind {
	case CommandHelp:
		return &discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{b.discord.helpEmbed()},
			Components: b.discord.helpButtons(),
		}
	case CommandAI:
		if result.AI == nil || !result.AI.Success {
			return &discordgo.MessageSend{Content: DefaultUpstreamErrorMessage}
		}
		return &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				b.discord.aiResponseEmbed(result.Prompt, *result.AI),
			},
		}
	case CommandModels:
		if result.SetModel != "" {
			return &discordgo.MessageSend{Content: result.Message}
		}
		return &discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{b.discord.modelInfoEmbed(result.CurrentModel)},
			Components: b.discord.modelButtons(),
		}
	default:
		if result.Message == "" {
			return nil
		}
		return &discordgo.MessageSend{Content: result.Message}
	}
}

// notifyGuildStateChanged tells other instances to reload the guild's
// cached state after a successful preference write.
func (b *EmpireBot) notifyGuildStateChanged(
	ctx context.Context,
	guildID string,
	result CommandResult,
) {
	if guildID == "" || result.Outcome != OutcomeOK || b.stateNotifier == nil {
		return
	}
	switch result.Kind {
	case CommandModels, CommandSetChannel, CommandSetRelayChannel:
		if result.Kind == CommandModels && result.SetModel == "" {
			// read-only invocation
			return
		}
		notifyCtx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx),
			dbNotifierSendTimeout,
		)
		defer cancel()
		b.stateNotifier.GuildUpdated(notifyCtx, guildID)
	default:
		//
	}
}

// memberCanManageGuild reports whether the message author holds the
// Manage Guild permission in the message's channel.
func (b *EmpireBot) memberCanManageGuild(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) bool {
	if m.GuildID == "" {
		return false
	}
	if s == nil || s.State == nil {
		return false
	}
	perms, err := s.State.MessagePermissions(m.Message)
	if err != nil {
		b.logger.Warn(
			"error resolving member permissions",
			append(messageLogAttrs(*m), tint.Err(err))...,
		)
		return false
	}
	return perms&discordgo.PermissionManageServer != 0
}

// interactionCanManageGuild reports whether the interaction's invoker
// holds the Manage Guild permission.
func interactionCanManageGuild(i *discordgo.InteractionCreate) bool {
	return i.GuildID != "" &&
		i.Member != nil &&
		i.Member.Permissions&discordgo.PermissionManageServer != 0
}

// handleInteractionCreate is the gateway InteractionCreate handler,
// covering the slash commands and the model picker buttons.
func (b *EmpireBot) handleInteractionCreate(
	_ *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	go func() {
		ctx, logger := b.getLogger(context.Background())
		defer func() {
			if rc := recover(); rc != nil {
				logger.ErrorContext(
					ctx,
					"recovered from panic handling interaction",
					"panic", rc,
					"stack", string(debug.Stack()),
				)
			}
		}()

		switch i.Type {
		case discordgo.InteractionApplicationCommand:
			b.handleApplicationCommand(ctx, i)
		case discordgo.InteractionMessageComponent:
			b.handleMessageComponent(ctx, i)
		default:
			logger.DebugContext(
				ctx,
				"ignoring interaction",
				interactionLogAttrs(*i)...,
			)
		}
	}()
}

func (b *EmpireBot) handleApplicationCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	ctx, logger := b.getLogger(ctx)
	data := i.ApplicationCommandData()
	logger = logger.With("command", data.Name)
	ctx = WithLogger(ctx, logger)

	switch data.Name {
	case DiscordSlashCommandHelp:
		b.respondToInteraction(
			ctx, i, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Embeds:     []*discordgo.MessageEmbed{b.discord.helpEmbed()},
					Components: b.discord.helpButtons(),
				},
			},
		)
	case DiscordSlashCommandAI:
		b.handleSlashAI(ctx, i)
	case DiscordSlashCommandModels:
		b.handleSlashModels(ctx, i)
	default:
		logger.WarnContext(
			ctx,
			"unknown application command",
			interactionLogAttrs(*i)...,
		)
	}
}

// handleSlashAI defers the response, invokes the backend, then edits the
// deferred response with the result.
func (b *EmpireBot) handleSlashAI(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	ctx, logger := b.getLogger(ctx)

	options := discordInteractionOptions(i)
	promptOption, ok := options[aiPromptOption]
	if !ok || promptOption.StringValue() == "" {
		b.respondToInteraction(
			ctx, i, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: "A prompt is required.",
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}
	prompt := promptOption.StringValue()

	if err := b.discord.session.InteractionRespond(
		i.Interaction,
		b.discord.ackResponse(),
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	model := b.router.EffectivePreference(i.GuildID)
	if modelOption, hasModel := options[modelsModelOption]; hasModel {
		if m, resolved := ResolveModel(modelOption.StringValue()); resolved {
			model = m
		}
	}

	userID := interactionUserID(i)
	result := b.ai.Invoke(ctx, b.writeDB, prompt, userID, model)

	edit := &discordgo.WebhookEdit{}
	if result.Success {
		edit.Embeds = &[]*discordgo.MessageEmbed{
			b.discord.aiResponseEmbed(prompt, result),
		}
	} else {
		content := DefaultUpstreamErrorMessage
		edit.Content = &content
	}

	if _, err := b.discord.session.InteractionResponseEdit(
		i.Interaction,
		edit,
	); err != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
}

// handleSlashModels shows the model table, or stores a new guild
// preference when the model option is present.
func (b *EmpireBot) handleSlashModels(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	ctx, logger := b.getLogger(ctx)

	options := discordInteractionOptions(i)
	modelOption, hasModel := options[modelsModelOption]

	if !hasModel {
		var current Model
		if i.GuildID != "" {
			current, _ = b.writeDB.PreferredModel(i.GuildID)
		}
		b.respondToInteraction(
			ctx, i, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Embeds:     []*discordgo.MessageEmbed{b.discord.modelInfoEmbed(current)},
					Components: b.discord.modelButtons(),
				},
			},
		)
		return
	}

	logger.InfoContext(
		ctx,
		"model change requested via slash command",
		interactionLogAttrs(*i)...,
	)
	b.setGuildModelFromInteraction(ctx, i, modelOption.StringValue())
}

// handleMessageComponent handles the model picker buttons attached to
// the `/models` embed.
func (b *EmpireBot) handleMessageComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	ctx, logger := b.getLogger(ctx)

	customID := i.MessageComponentData().CustomID
	if _, ok := setModelButtonTarget(customID); !ok {
		logger.WarnContext(
			ctx,
			"unknown component interaction",
			append(interactionLogAttrs(*i), "custom_id", customID)...,
		)
		return
	}

	b.setGuildModelFromInteraction(
		ctx,
		i,
		customID[len(setModelCustomIDPrefix):],
	)
}

// setGuildModelFromInteraction validates permissions and the model token,
// stores the preference, and confirms ephemerally.
func (b *EmpireBot) setGuildModelFromInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	token string,
) {
	ctx, logger := b.getLogger(ctx)

	if !interactionCanManageGuild(i) {
		b.respondToInteraction(
			ctx, i, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: "You need Manage Guild permission to change models.",
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}

	model, ok := ResolveModel(token)
	if !ok {
		b.respondToInteraction(
			ctx, i, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: fmt.Sprintf(
						"Invalid model. Allowed: %s",
						strings.Join(AllowedModelNames(), ", "),
					),
					Flags: discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}

	if err := b.writeDB.SetPreferredModel(ctx, i.GuildID, model); err != nil {
		logger.ErrorContext(
			ctx,
			"error storing model preference",
			tint.Err(err),
			columnGuildID, i.GuildID,
			"model", model,
		)
		b.respondToInteraction(
			ctx, i, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: DefaultDiscordErrorMessage,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}

	if b.stateNotifier != nil {
		notifyCtx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx),
			dbNotifierSendTimeout,
		)
		b.stateNotifier.GuildUpdated(notifyCtx, i.GuildID)
		cancel()
	}

	b.respondToInteraction(
		ctx, i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: fmt.Sprintf("Model set to: %s", model.DisplayName()),
			},
		},
	)
}

func (b *EmpireBot) respondToInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	resp *discordgo.InteractionResponse,
) {
	_, logger := b.getLogger(ctx)
	if err := b.discord.session.InteractionRespond(i.Interaction, resp); err != nil {
		logger.ErrorContext(
			ctx,
			"error responding to interaction",
			append(interactionLogAttrs(*i), tint.Err(err))...,
		)
	}
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
