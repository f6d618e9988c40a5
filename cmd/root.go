package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/hyperdargo/DTEmpire-Ai-Chat-Bot/empirebot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = empirebot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "empirebot [flags]",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}

		// mapstructure may present either *slog.LevelVar or the
		// dereferenced struct as the target type.
		typ := t
		if typ.Kind() == reflect.Ptr {
			typ = typ.Elem()
		}
		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", empirebot.DefaultDatabase)
	viper.SetDefault("database_type", empirebot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		empirebot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		empirebot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", empirebot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", empirebot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", empirebot.DefaultShutdownTimeout)

	// AI backend config
	viper.SetDefault("ai.base_url", empirebot.DefaultAIBaseURL)
	viper.SetDefault("ai.request_timeout", empirebot.DefaultAIRequestTimeout)
	viper.SetDefault(
		"ai.max_requests_per_second",
		empirebot.DefaultAIMaxRequestsPerSecond,
	)
	viper.SetDefault("ai.model", "")
	viper.SetDefault("ai.log_level", empirebot.DefaultAILogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.command_prefix", empirebot.DefaultCommandPrefix)
	viper.SetDefault("discord.ai_channel_ids", []string{})
	viper.SetDefault(
		"discord.relay_trigger_words",
		empirebot.DefaultRelayTriggerWords,
	)
	viper.SetDefault("discord.allow_message_content", true)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.startup_message",
		empirebot.DefaultDiscordStartupMessage,
	)
	viper.SetDefault("discord.custom_status", empirebot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.ui_link", "")
	viper.SetDefault(
		"discord.gateway_intents",
		empirebot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.log_level",
		empirebot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		empirebot.DefaultDiscordgoLogLevel.String(),
	)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", empirebot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", empirebot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", empirebot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		empirebot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", empirebot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", empirebot.DefaultIdleTimeout)
	viper.SetDefault("api.development", false)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		empirebot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		empirebot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		empirebot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", empirebot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		empirebot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(empirebot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = empirebot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"discord.ai_channel_ids",
		viper.GetStringSlice("discord.ai_channel_ids"),
	)
	viper.Set(
		"discord.relay_trigger_words",
		viper.GetStringSlice("discord.relay_trigger_words"),
	)
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"ai.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
