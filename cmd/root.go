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

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/soni801/soni-bot/sonibot"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = sonibot.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"reminder.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// stringSliceKeys are converted from space-separated env values
var stringSliceKeys = []string{
	"api.cors.allow_headers",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "sonibot [flags]",
	Short: "soni-bot: reminders and reaction roles for discord",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := viper.Unmarshal(cfg, viper.DecodeHook(configDecodeHook())); err != nil {
			log.Fatalln(err)
		}
	},
}

func configDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		LevelToStringHookFunc(),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes strings like "INFO" or "debug" into
// a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
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
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("database", sonibot.DefaultDatabase)
	viper.SetDefault("database_type", sonibot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", sonibot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", sonibot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)
	viper.SetDefault("log_level", sonibot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", sonibot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", sonibot.DefaultShutdownTimeout)

	// Reminder config
	viper.SetDefault("reminder.poll_interval", sonibot.DefaultReminderPollInterval)
	viper.SetDefault("reminder.delivery_timeout", sonibot.DefaultReminderDeliveryTimeout)
	viper.SetDefault("reminder.max_delivery_attempts", sonibot.DefaultReminderMaxDeliveryAttempts)
	viper.SetDefault("reminder.retry_delay", sonibot.DefaultReminderRetryDelay)
	viper.SetDefault("reminder.deliveries_per_second", sonibot.DefaultReminderDeliveriesPerSecond)
	viper.SetDefault("reminder.delivery_concurrency", sonibot.DefaultReminderDeliveryConcurrency)
	viper.SetDefault("reminder.max_content_length", sonibot.DefaultReminderMaxContentLength)
	viper.SetDefault("reminder.require_future_due", false)
	viper.SetDefault("reminder.breaker_failures", sonibot.DefaultReminderBreakerFailures)
	viper.SetDefault("reminder.breaker_timeout", sonibot.DefaultReminderBreakerTimeout)
	viper.SetDefault("reminder.log_level", sonibot.DefaultReminderLogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", sonibot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", sonibot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(sonibot.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.startup_message", sonibot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.custom_status", sonibot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.error_message", sonibot.DefaultDiscordErrorMessage)
	viper.SetDefault("discord.register_commands", true)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", sonibot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.token_ttl", sonibot.DefaultAPITokenTTL)
	viper.SetDefault("api.log_level", sonibot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", sonibot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", sonibot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", sonibot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", sonibot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", sonibot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", sonibot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", sonibot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", sonibot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", sonibot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", sonibot.DefaultAPICORSAllowCredentials)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Fatalf("error loading %s: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(sonibot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = sonibot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
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

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Environment file to load configuration from",
	)
}
