package empirebot

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// DiscordSlashCommandHelp is the name of the slash command that shows
	// usage and the model table.
	DiscordSlashCommandHelp = "help"

	// DiscordSlashCommandAI is the name of the slash command that sends a
	// prompt to the AI backend.
	DiscordSlashCommandAI = "ai"

	// DiscordSlashCommandModels is the name of the slash command that
	// shows or sets the guild's preferred model.
	DiscordSlashCommandModels = "models"

	// aiPromptOption is the option name used for the prompt in the
	// `/ai` slash command.
	aiPromptOption = "prompt"

	// modelsModelOption is the option name used for the model choice in
	// the `/models` slash command.
	modelsModelOption = "model"

	// setModelCustomIDPrefix prefixes the custom IDs of the model picker
	// buttons attached to the `/models` embed.
	setModelCustomIDPrefix = "set-model:"

	// discordMaxButtonsPerActionRow defines the maximum number of buttons
	// allowed per action row in Discord interactions.
	discordMaxButtonsPerActionRow = 5

	// embedColor is the accent color used on all bot embeds
	embedColor = 0x5865f2
)

// Discord manages the gateway session for the bot: connection state,
// event handler registration, slash command registration, and the
// helpers that compose outgoing replies.
//
// Fields:
//   - session: The Discord session handler.
//   - config: Configuration for the Discord integration.
//   - logger: Logger for Discord-related events.
//   - metricConnects: Counter for Discord connection events.
//   - metricDisconnects: Counter for Discord disconnection events.
//   - metricMessagesHandled: Counter for handled gateway messages.
//   - connected: Atomic boolean indicating if the connection is active.
//   - discordgoRemoveHandlerFuncs: Slice of functions to remove Discord
//     event handlers.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricMessagesHandled       atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	b                           *EmpireBot
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	if err != nil {
		return session, err
	}

	return session, nil
}

// appCommandHelp creates the ApplicationCommand for the "help" command.
func (*Discord) appCommandHelp() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandHelp,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Show bot commands and available models",
	}
}

// appCommandAI creates the ApplicationCommand for the "ai" command, with
// a required prompt option and an optional model override.
func (*Discord) appCommandAI() *discordgo.ApplicationCommand {
	minLength := 1

	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandAI,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Ask the AI a question",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        aiPromptOption,
				Description: "What to ask",
				Required:    true,
				MinLength:   &minLength,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        modelsModelOption,
				Description: "Model to use for this question only",
				Required:    false,
				Choices:     modelCommandChoices(),
			},
		},
	}
}

// appCommandModels creates the ApplicationCommand for the "models"
// command. Without the option it shows the current model, with it it
// sets the guild preference.
func (*Discord) appCommandModels() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandModels,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Show or set this server's AI model",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        modelsModelOption,
				Description: "Model to switch to",
				Required:    false,
				Choices:     modelCommandChoices(),
			},
		},
	}
}

func modelCommandChoices() []*discordgo.ApplicationCommandOptionChoice {
	choices := make(
		[]*discordgo.ApplicationCommandOptionChoice,
		0,
		len(AllowedModels),
	)
	for _, m := range AllowedModels {
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  m.DisplayName(),
				Value: string(m),
			},
		)
	}
	return choices
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandHelp(),
		d.appCommandAI(),
		d.appCommandModels(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name)
	}

	return created, nil
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			columnUserID, s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		if d.config.CustomStatus != "" {
			if statusErr := d.session.UpdateCustomStatus(d.config.CustomStatus); statusErr != nil {
				d.logger.Error("unable to set custom status", tint.Err(statusErr))
			}
		}
		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if sendErr := d.channelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

// ackResponse is the deferred 'thinking' acknowledgment sent for slash
// commands that take time to answer
func (*Discord) ackResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
}

// helpEmbed composes the command/usage reference shown by `>help` and `/help`
func (d *Discord) helpEmbed() *discordgo.MessageEmbed {
	prefix := d.config.CommandPrefix
	return &discordgo.MessageEmbed{
		Title: "DT Empire AI",
		Color: embedColor,
		Description: fmt.Sprintf(
			"Chat with the AI by mentioning a trigger word in an AI "+
				"channel, or use the commands below (prefix `%s`).",
			prefix,
		),
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  prefix + "ai <message>",
				Value: "Ask the AI a question",
			},
			{
				Name:  prefix + "models [model]",
				Value: "Show or set this server's AI model",
			},
			{
				Name:  prefix + "setchannel",
				Value: "Allow free-text AI replies in the current channel",
			},
			{
				Name:  prefix + "setmcchannel",
				Value: "Use the current channel as the relay bridge channel",
			},
			{
				Name:  "Models",
				Value: strings.Join(AllowedModelNames(), ", "),
			},
		},
	}
}

// helpButtons returns a link button row for the help embed, or nil when
// no UI link is configured.
func (d *Discord) helpButtons() []discordgo.MessageComponent {
	if d.config.UILink == "" {
		return nil
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label: "Dashboard",
					Style: discordgo.LinkButton,
					URL:   d.config.UILink,
				},
			},
		},
	}
}

// aiResponseEmbed composes the embed wrapping an AI answer, with the
// prompt as a field and the answering model in the footer.
func (*Discord) aiResponseEmbed(prompt string, result AIResult) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Color:       embedColor,
		Description: shortenString(result.Text, discordMaxMessageLength),
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  "Prompt",
				Value: truncate(prompt, 1024),
			},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("model: %s", result.Model.DisplayName()),
		},
	}
}

// modelInfoEmbed composes the embed shown by `/models` and `>models`
// without an argument: the current model plus the full model table.
func (*Discord) modelInfoEmbed(current Model) *discordgo.MessageEmbed {
	currentName := "(none set)"
	if current != "" {
		currentName = current.DisplayName()
	}
	fields := make([]*discordgo.MessageEmbedField, 0, len(AllowedModels)+1)
	fields = append(
		fields, &discordgo.MessageEmbedField{
			Name:  "Current model",
			Value: currentName,
		},
	)
	for _, m := range AllowedModels {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:   m.DisplayName(),
				Value:  fmt.Sprintf("`%s`", string(m)),
				Inline: true,
			},
		)
	}
	return &discordgo.MessageEmbed{
		Title:  "AI Models",
		Color:  embedColor,
		Fields: fields,
	}
}

// modelButtons returns button rows for switching the guild's preferred
// model, one button per allowed model.
func (*Discord) modelButtons() []discordgo.MessageComponent {
	buttons := make([]discordgo.MessageComponent, 0, len(AllowedModels))
	for _, m := range AllowedModels {
		buttons = append(
			buttons, discordgo.Button{
				Label:    m.DisplayName(),
				Style:    discordgo.SecondaryButton,
				CustomID: setModelCustomIDPrefix + string(m),
			},
		)
	}

	rows := make([]discordgo.MessageComponent, 0)
	for _, chunk := range chunkItems(discordMaxButtonsPerActionRow, buttons...) {
		rows = append(rows, discordgo.ActionsRow{Components: chunk})
	}
	return rows
}

// setModelButtonTarget extracts the model from a model picker button's
// custom ID. Returns false for custom IDs that aren't model buttons.
func setModelButtonTarget(customID string) (Model, bool) {
	token, ok := strings.CutPrefix(customID, setModelCustomIDPrefix)
	if !ok {
		return "", false
	}
	return ResolveModel(token)
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This is basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds and/or
	// components to the given channel
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows the typing indicator in the given channel
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	// ApplicationCommandBulkOverwrite overwrites Discord application
	// commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
	}
	return created, err
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
