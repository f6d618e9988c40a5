package empirebot

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite                     = "sqlite"
	dbTypePostgres                   = "postgres"
	postgresNotifyChannelGuildUpdate = "empirebot_guild_updated"
	postgresNotifyChannelStop        = "empirebot_stop"
	recordSeparator                  = string(rune(30))
)

var (
	sqliteExecPragma = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelStringID struct {
	ID string `gorm:"primaryKey" json:"id"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// GuildState is the per-guild configuration the bot persists: the
// preferred model, the set of AI-enabled channels, and the relay
// ("minecraft chat") channel. One row per guild ID, created lazily on
// the first write and never explicitly destroyed. Writes are rare,
// operator-gated and last-write-wins - there's no row locking, and
// concurrent in-flight events for the same guild may race on updates.
type GuildState struct {
	ModelStringID
	ModelUnixTime

	// PreferredModel is the canonical model ID for this guild, empty
	// when no preference is stored
	PreferredModel string `json:"preferred_model"`

	// AIChannelIDs are the channels where the bot replies to free text.
	// The set is additive - setchannel appends, nothing removes.
	AIChannelIDs StringList `gorm:"type:string" json:"ai_channel_ids"`

	// RelayChannelID is where the relay bridge posts mirrored chat.
	// Setting it replaces any prior value.
	RelayChannelID string `json:"relay_channel_id"`
}

func (g GuildState) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", g.ID),
		slog.String("preferred_model", g.PreferredModel),
		slog.Any("ai_channel_ids", []string(g.AIChannelIDs)),
		slog.String("relay_channel_id", g.RelayChannelID),
	)
}

// StringList stores a string slice as a single record-separator-joined
// column, so the guild state stays one row per guild on both sqlite
// and postgres.
type StringList []string

// Scan implements the sql.Scanner interface.
func (s *StringList) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return s.parse(string(v))
	case string:
		return s.parse(v)
	default:
		return fmt.Errorf("unexpected type for StringList: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (s StringList) Value() (driver.Value, error) {
	return strings.Join(s, recordSeparator), nil
}

func (s *StringList) parse(value string) error {
	if value == "" {
		*s = nil
		return nil
	}
	*s = strings.Split(value, recordSeparator)
	return nil
}

// GormDataType is used by GORM to determine the default data type for a field.
func (StringList) GormDataType() string {
	return "string"
}

// GuildStore is the read/write contract over per-guild state consumed by
// the command router and the message classifier paths.
type GuildStore interface {
	// Guild returns the cached state for the guild, or nil if none exists
	Guild(guildID string) *GuildState

	// PreferredModel returns the guild's stored model preference
	PreferredModel(guildID string) (Model, bool)

	// SetPreferredModel stores the guild's model preference,
	// creating the guild state if needed
	SetPreferredModel(ctx context.Context, guildID string, m Model) error

	// AddAIChannel adds a channel to the guild's AI channel set and
	// returns the updated set. Adding an already-present channel is
	// a no-op (and not an error).
	AddAIChannel(ctx context.Context, guildID string, channelID string) ([]string, error)

	// AIChannels returns the guild's AI channel set
	AIChannels(guildID string) []string

	// SetRelayChannel sets the guild's relay channel, replacing any
	// prior value
	SetRelayChannel(ctx context.Context, guildID string, channelID string) error

	// RelayChannel returns the guild's relay channel ID, if set
	RelayChannel(guildID string) (string, bool)
}

// database wraps the GORM connection, an in-memory guild state cache,
// and a mutex that serializes writes when concurrent writes are
// disabled (sqlite).
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	guildCache             map[string]*GuildState
	cacheMu                sync.Mutex
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance wrapping the given
// GORM connection. enableConcurrentWrites should be false for sqlite.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		guildCache:             map[string]*GuildState{},
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

// DBI defines the interface for database operations. This is here
// primarily to enable mocking for testing - [database] implements it
// for 'real' DB operations.
type DBI interface {
	GuildStore

	DB() *gorm.DB

	// LoadGuilds replaces the guild cache with all stored guild states
	LoadGuilds() []GuildState

	// ReloadGuild refreshes a single guild's cached state from the DB
	ReloadGuild(guildID string) *GuildState

	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// LoadGuilds returns all persisted guild states, replacing the cache.
func (d *database) LoadGuilds() []GuildState {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	d.guildCache = map[string]*GuildState{}

	var guilds []GuildState
	_ = d.db.Find(&guilds)
	for i := 0; i < len(guilds); i++ {
		g := guilds[i]
		d.guildCache[g.ID] = &g
	}
	return guilds
}

func (d *database) Guild(guildID string) *GuildState {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	return d.guildCache[guildID]
}

func (d *database) ReloadGuild(guildID string) *GuildState {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	var guild GuildState
	if err := d.db.Where("id = ?", guildID).Last(&guild).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			delete(d.guildCache, guildID)
		}
		return nil
	}
	d.guildCache[guildID] = &guild
	return &guild
}

func (d *database) PreferredModel(guildID string) (Model, bool) {
	guild := d.Guild(guildID)
	if guild == nil || guild.PreferredModel == "" {
		return "", false
	}
	return Model(guild.PreferredModel), true
}

func (d *database) AIChannels(guildID string) []string {
	guild := d.Guild(guildID)
	if guild == nil {
		return nil
	}
	channels := make([]string, len(guild.AIChannelIDs))
	copy(channels, guild.AIChannelIDs)
	return channels
}

func (d *database) RelayChannel(guildID string) (string, bool) {
	guild := d.Guild(guildID)
	if guild == nil || guild.RelayChannelID == "" {
		return "", false
	}
	return guild.RelayChannelID, true
}

// getOrCreateGuildLocked returns the cached guild state, creating the
// record lazily on first write. Callers must hold cacheMu.
func (d *database) getOrCreateGuildLocked(
	ctx context.Context,
	guildID string,
) (*GuildState, error) {
	if guild, ok := d.guildCache[guildID]; ok {
		return guild, nil
	}

	var guild GuildState
	err := d.db.WithContext(ctx).Where("id = ?", guildID).Last(&guild).Error
	switch {
	case err == nil:
		d.guildCache[guildID] = &guild
		return &guild, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		guild = GuildState{ModelStringID: ModelStringID{ID: guildID}}
		if _, createErr := d.Create(ctx, &guild); createErr != nil {
			return nil, createErr
		}
		d.logger.InfoContext(ctx, "created new guild state", "guild", guild)
		d.guildCache[guildID] = &guild
		return &guild, nil
	default:
		return nil, err
	}
}

func (d *database) SetPreferredModel(
	ctx context.Context,
	guildID string,
	m Model,
) error {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	guild, err := d.getOrCreateGuildLocked(ctx, guildID)
	if err != nil {
		return err
	}
	guild.PreferredModel = string(m)
	if _, err = d.Save(ctx, guild); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "set preferred model", "guild", guild)
	return nil
}

func (d *database) AddAIChannel(
	ctx context.Context,
	guildID string,
	channelID string,
) ([]string, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	guild, err := d.getOrCreateGuildLocked(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(guild.AIChannelIDs, channelID) {
		guild.AIChannelIDs = append(guild.AIChannelIDs, channelID)
		if _, err = d.Save(ctx, guild); err != nil {
			return nil, err
		}
		d.logger.InfoContext(ctx, "added AI channel", "guild", guild)
	}
	channels := make([]string, len(guild.AIChannelIDs))
	copy(channels, guild.AIChannelIDs)
	return channels, nil
}

func (d *database) SetRelayChannel(
	ctx context.Context,
	guildID string,
	channelID string,
) error {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	guild, err := d.getOrCreateGuildLocked(ctx, guildID)
	if err != nil {
		return err
	}
	guild.RelayChannelID = channelID
	if _, err = d.Save(ctx, guild); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "set relay channel", "guild", guild)
	return nil
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	db := d.db
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	db = db.WithContext(ctx)

	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	if len(omit) > 0 {
		rv := d.db.WithContext(ctx).Omit(omit...).Save(value)
		return rv.RowsAffected, rv.Error
	}
	rv := d.db.WithContext(ctx).Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and performs auto-migration.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		for _, pragma := range sqliteExecPragma {
			if err = db.Exec(pragma).Error; err != nil {
				return db, err
			}
		}
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&GuildState{},
		&AIRequestLog{},
		&RelayedMessage{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type ('sqlite' or 'postgres').
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// StateNotifier tells other bot instances about guild state changes, so
// their caches don't serve stale preferences when multiple instances
// share a postgres database. The sqlite variant only signals in-process.
type StateNotifier interface {
	GuildChannelName() string

	// GuildUpdated announces that a guild's stored state changed and
	// should be reloaded
	GuildUpdated(ctx context.Context, guildID string) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bot instances
	Stop(context.Context) bool

	// ID returns the identifier for this notifier. Instances use this
	// to filter out their own notifications.
	ID() string
	Listen(ctx context.Context, channel string) error
}

func newStateNotifier(b *EmpireBot) (StateNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := b.logger.With(loggerNameKey, "state_notifier")
	switch b.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteStateNotifier{
			logger:   log,
			b:        b,
			notifyID: notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresStateNotifier{
			b:        b,
			logger:   log,
			notifyID: notifyID,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

type sqliteStateNotifier struct {
	logger   *slog.Logger
	b        *EmpireBot
	notifyID string
}

func (s *sqliteStateNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteStateNotifier) GuildChannelName() string {
	return ""
}

func (sqliteStateNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteStateNotifier) ID() string {
	return s.notifyID
}

func (s *sqliteStateNotifier) GuildUpdated(ctx context.Context, guildID string) bool {
	s.logger.Info("got guild update notification", "guild_id", guildID)
	select {
	case s.b.triggerGuildRefreshCh <- guildID:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending guild refresh", "guild_id", guildID)
		return false
	}
	return true
}

func (s *sqliteStateNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.b.signalStop <- struct{}{}:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

type postgresStateNotifier struct {
	b        *EmpireBot
	logger   *slog.Logger
	notifyID string
}

func (postgresStateNotifier) GuildChannelName() string {
	return postgresNotifyChannelGuildUpdate
}

func (postgresStateNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresStateNotifier) ID() string {
	return p.notifyID
}

func (p *postgresStateNotifier) GuildUpdated(ctx context.Context, guildID string) bool {
	var sent bool

	msg := newGuildUpdatedNotificationMessage(p.ID(), guildID)

	notifyErr := p.b.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.GuildChannelName(),
		msg,
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY for guild update",
			tint.Err(notifyErr),
			"guild_id", guildID,
		)
	} else {
		p.logger.Info(
			"sent guild update notification",
			"pg_notify_id", p.ID(),
			"guild_id", guildID,
			"message", msg,
		)
		sent = true
	}

	return sent
}

func (p *postgresStateNotifier) Stop(ctx context.Context) bool {
	var sent bool

	notifyErr := p.b.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.StopChannelName(),
		p.ID(),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(ctx, "Error sending NOTIFY to stop bot", tint.Err(notifyErr))
	} else {
		p.logger.Info("sent stop signal", "pg_notify_id", p.ID())
		sent = true
	}

	return sent
}

func (p *postgresStateNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.b.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second) // Wait before retrying
			continue
		}

		switch channel {
		case p.GuildChannelName():
			notifierID, guildID := parseGuildUpdatedNotification(notification.Payload)
			if notifierID == p.ID() {
				logger.Info("Received guild update notification from self, ignoring")
				continue
			}
			select {
			case p.b.triggerGuildRefreshCh <- guildID:
				logger.Info("sent signal to reload guild", "guild_id", guildID)
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending guild refresh signal", "guild_id", guildID)
			}
		case p.StopChannelName():
			if notification.Payload == p.ID() {
				logger.Info("Received stop notification from self, ignoring")
				continue
			}
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.b.signalStop <- struct{}{}:
				logger.Info("forwarded stop signal")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("Received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}

func parseGuildUpdatedNotification(s string) (notifierID, guildID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newGuildUpdatedNotificationMessage(notifierID string, guildID string) string {
	return strings.Join([]string{notifierID, guildID}, recordSeparator)
}
