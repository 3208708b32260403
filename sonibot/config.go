//nolint:lll // struct tags can't be split
package sonibot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix    = "SONIBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "SB"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "sonibot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown, including waiting on an
	// in-flight reminder batch.
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent  = discordgo.IntentsGuilds | discordgo.IntentsGuildMessageReactions
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordErrorMessage   = "Something went wrong while running this command"
	DefaultDiscordCustomStatus   = "/reminder create"
	DefaultDiscordStartupMessage = "I'm here!"

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPITokenTTL             = 24 * time.Hour
	DefaultAPICORSAllowCredentials = true
	defaultListenNetwork           = "tcp"
	minAPISecretLength             = 16

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultReminderPollInterval        = time.Second
	DefaultReminderDeliveryTimeout     = 10 * time.Second
	DefaultReminderMaxDeliveryAttempts = 1
	DefaultReminderRetryDelay          = 2 * time.Second
	DefaultReminderDeliveriesPerSecond = 5.0
	DefaultReminderDeliveryConcurrency = 4
	DefaultReminderMaxContentLength    = 1000
	DefaultReminderBreakerFailures     = 5
	DefaultReminderBreakerTimeout      = 30 * time.Second
	DefaultReminderLogLevel            = slog.LevelInfo
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Postgres DSN, or the path to the sqlite file
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType is 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// Log level for gorm
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// Queries slower than this are logged at WARN
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Reminder configures the reminder poller and command validation
	Reminder *ReminderConfig `yaml:"reminder" mapstructure:"reminder" json:"reminder" binding:"required"`

	// Admin API settings
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// Discord session and command settings
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// Level for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// open the database and connect to discord.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout bounds Run's shutdown. Whatever hasn't stopped by
	// then is abandoned.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development enables gin debug mode and pprof endpoints
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// ReminderConfig configures reminder validation and delivery.
type ReminderConfig struct {
	// How often to scan for due reminders
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=10ms"`

	// Upper bound on a single delivery attempt
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" mapstructure:"delivery_timeout" json:"delivery_timeout" binding:"min=100ms"`

	// Number of delivery attempts before a reminder is given up on. The
	// reminder is marked inactive either way. 1 means at-most-once.
	MaxDeliveryAttempts int `yaml:"max_delivery_attempts" mapstructure:"max_delivery_attempts" json:"max_delivery_attempts" binding:"min=1,max=10"`

	// Pause between delivery attempts of the same reminder
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" json:"retry_delay"`

	// Delivery rate limit, shared across all reminders. 0=unlimited
	DeliveriesPerSecond float64 `yaml:"deliveries_per_second" mapstructure:"deliveries_per_second" json:"deliveries_per_second" binding:"min=0"`

	// Maximum number of reminders delivered concurrently within a batch
	DeliveryConcurrency int `yaml:"delivery_concurrency" mapstructure:"delivery_concurrency" json:"delivery_concurrency" binding:"min=1"`

	// Maximum reminder content length, in characters
	MaxContentLength int `yaml:"max_content_length" mapstructure:"max_content_length" json:"max_content_length" binding:"min=1,max=4000"`

	// If true, new reminders must be due in the future
	RequireFutureDue bool `yaml:"require_future_due" mapstructure:"require_future_due" json:"require_future_due"`

	// Consecutive delivery failures that open the delivery circuit breaker.
	// 0 disables the breaker.
	BreakerFailures uint32 `yaml:"breaker_failures" mapstructure:"breaker_failures" json:"breaker_failures"`

	// How long the breaker stays open before allowing a trial delivery
	BreakerTimeout time.Duration `yaml:"breaker_timeout" mapstructure:"breaker_timeout" json:"breaker_timeout"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

func validateReminderConfig(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(ReminderConfig)
	if !ok {
		return
	}
	if cfg.MaxDeliveryAttempts > 1 && cfg.RetryDelay <= 0 {
		sl.ReportError(cfg.RetryDelay, "RetryDelay", "retry_delay", "required_with_retries", "")
	}
	if cfg.BreakerFailures > 0 && cfg.BreakerTimeout <= 0 {
		sl.ReportError(cfg.BreakerTimeout, "BreakerTimeout", "breaker_timeout", "required_with_breaker", "")
	}
}

func validateAPIConfig(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(APIConfig)
	if !ok || !cfg.Enabled {
		return
	}
	switch cfg.ListenNetwork {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		sl.ReportError(cfg.ListenNetwork, "ListenNetwork", "listen_network", "oneof", "tcp tcp4 tcp6 unix")
	}
	if len(cfg.Secret) < minAPISecretLength {
		sl.ReportError(cfg.Secret, "Secret", "secret", "min", "16")
	}
}

// DiscordConfig configures the discord session and slash commands.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Bot token, from the developer portal
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Application ID, from the developer portal
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// If set, commands are registered to this guild only, otherwise
	// globally.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Log level for the bot's discord handlers
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for discordgo's own logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If set, StartupMessage is sent to this channel whenever the bot
	// connects to the gateway
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Shown as the bot's custom status
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Sent when a command fails unexpectedly
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// If false, slash commands aren't re-registered on startup
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands"`
}

// APIConfig configures the backend API server
type APIConfig struct {
	// Disables the API server entirely when false
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// One of tcp, tcp4, tcp6 or unix
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true"`

	// Secret used for signing and verifying API bearer tokens
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_if=Enabled true"`

	// Lifetime of tokens minted by the `token` command
	TokenTTL time.Duration `yaml:"token_ttl" mapstructure:"token_ttl" json:"token_ttl"`

	// Optional TLS
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// Log level for request logs
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// CORS settings
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// See [http.Server.ReadTimeout]
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	// See [http.Server.ReadHeaderTimeout]
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`

	// See [http.Server.WriteTimeout]
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`

	// See [http.Server.IdleTimeout]
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`
}

// SSLConfig enables TLS for the API when Cert and Key are set.
type SSLConfig struct {
	// PEM certificate path
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// PEM key path
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig is converted to a gin-contrib/cors config by GINConfig.
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(c.AllowOrigins) == 0 {
		// cors.New panics without at least one origin source
		cfg.AllowOriginFunc = func(string) bool { return false }
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	reminderLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	reminderLogLevel.Set(DefaultReminderLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Reminder: &ReminderConfig{
			PollInterval:        DefaultReminderPollInterval,
			DeliveryTimeout:     DefaultReminderDeliveryTimeout,
			MaxDeliveryAttempts: DefaultReminderMaxDeliveryAttempts,
			RetryDelay:          DefaultReminderRetryDelay,
			DeliveriesPerSecond: DefaultReminderDeliveriesPerSecond,
			DeliveryConcurrency: DefaultReminderDeliveryConcurrency,
			MaxContentLength:    DefaultReminderMaxContentLength,
			BreakerFailures:     DefaultReminderBreakerFailures,
			BreakerTimeout:      DefaultReminderBreakerTimeout,
			LogLevel:            reminderLogLevel,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
			ErrorMessage:      DefaultDiscordErrorMessage,
			RegisterCommands:  true,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			TokenTTL:      DefaultAPITokenTTL,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
