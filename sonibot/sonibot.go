package sonibot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/soni801/soni-bot/sonibot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	shutdownAnnouncementInterval = 10 * time.Second
)

// Bot is the soni-bot application: the discord gateway connection, the
// slash commands, the reminder poller and the admin API.
//
// Create one with [New], then call [Bot.Run].
type Bot struct {
	config *Config
	logger *slog.Logger

	db      *gorm.DB
	writeDB DBI

	store     ReminderStore
	reminders *ReminderService
	poller    *ReminderPoller

	discord    *Discord
	api        *API
	dbNotifier DBNotifier
	metrics    *Metrics

	// prevents concurrent runs
	runMu     sync.Mutex
	startedAt time.Time

	// signalStop triggers a graceful shutdown when sent to
	signalStop chan struct{}

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New creates a Bot from the given config. Nothing is opened or started
// until [Bot.Run] is called.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
	default:
		errs = append(
			errs,
			fmt.Errorf("invalid database type %q (must be 'sqlite' or 'postgres')", config.DatabaseType),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:      config,
		metrics:     NewMetrics(),
		signalStop:  make(chan struct{}, 1),
		signalReady: make(chan struct{}, 1),
	}
	b.logger = slog.New(newLogHandler(defaultLogWriter, config.LogLevel))
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)
	b.discord = newDiscord(
		config.Discord,
		newNamedLogger(defaultLogWriter, config.Discord.LogLevel, "discord"),
		b.metrics,
	)

	api, err := newAPI(b, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	b.api = api

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// RegisterSlashCommands overwrites the bot's registered slash commands.
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if b.discord.session == nil {
		return nil, errors.New("discord session not initialized")
	}
	return b.discord.registerCommands(b.config.Reminder, options...)
}

// Run opens the database, connects to discord and starts the reminder
// poller, then blocks until ctx is cancelled or a stop signal is received
// (from /api/quit, or another instance), at which point it shuts down
// gracefully.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(b)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	b.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	runtimeWG := &sync.WaitGroup{}

	// cancelling this context triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	if b.config.API.Enabled {
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	// from here on, the API may be serving, so failures still need a
	// full shutdown
	abort := func(err error) error {
		cancel()
		return errors.Join(err, b.shutdown(ctx, runtimeWG))
	}

	if err = b.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return abort(err)
	}
	if err = b.discordInit(ctx); err != nil {
		return abort(err)
	}

	if err = b.poller.Start(ctx); err != nil {
		return abort(fmt.Errorf("error starting reminder poller: %w", err))
	}

	for _, channel := range []string{
		b.dbNotifier.PollChannelName(),
		b.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := b.dbNotifier.Listen(ctx, channel); e != nil && !errors.Is(e, context.Canceled) {
				logger.ErrorContext(ctx, "error listening on channel", "channel", channel, tint.Err(e))
			}
		}()
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal", "startup", time.Since(b.startedAt))

	// block until something cancels the runtime context - generally an
	// interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initRun opens and migrates the database, and creates everything that
// depends on it.
func (b *Bot) initRun(ctx context.Context) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.logger.Debug("finished initializing DB")

	reminderLogger := newNamedLogger(defaultLogWriter, b.config.Reminder.LogLevel, "reminders")

	b.store = NewReminderStore(b.writeDB)
	b.poller = NewReminderPoller(
		b.store,
		newDiscordNotifier(b.discord, reminderLogger),
		b.config.Reminder,
		reminderLogger.With(loggerNameKey, "reminder_poller"),
		b.metrics,
	)
	b.reminders = NewReminderService(b.store, b.config.Reminder, reminderLogger)
	b.reminders.onDue = func() { b.poller.Trigger() }
	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	gormLogger := newGORMLogger(
		newLogHandler(defaultLogWriter, b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	b.db = db

	if b.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}

	b.logger.Debug("migrating database...")
	if err = migrateDB(ctx, db); err != nil {
		return err
	}
	b.logger.Debug("finished migrating database")

	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
	return nil
}

func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession(b.config.HTTPClient)
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	ctx = WithLogger(ctx, b.discord.logger)

	for _, h := range b.discord.removeHandlerFuncs {
		h()
	}

	b.discord.session.SetIdentify(discordgo.Identify{Intents: b.config.Discord.GatewayIntents})

	// interactions and reactions are handled in their own goroutines, so
	// shutdown can wait on them
	async := func(f func()) {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			f()
		}()
	}

	reactionAdd := b.handlerReactionAdd(ctx)
	reactionRemove := b.handlerReactionRemove(ctx)

	b.discord.removeHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				async(func() { b.handleInteraction(ctx, handler) })
			},
		),
		b.discord.session.AddHandler(
			func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
				async(func() { reactionAdd(s, r) })
			},
		),
		b.discord.session.AddHandler(
			func(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
				async(func() { reactionRemove(s, r) })
			},
		),
	}

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger: b.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}
	return nil
}

// discordInit opens the gateway connection, sets the custom status and
// (if enabled) registers slash commands.
func (b *Bot) discordInit(ctx context.Context) error {
	b.logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		b.logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if status := b.config.Discord.CustomStatus; status != "" {
		go func() {
			if statusErr := b.discord.session.UpdateCustomStatus(status); statusErr != nil {
				b.logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}

	if b.config.Discord.RegisterCommands {
		if _, err := b.RegisterSlashCommands(discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
	}
	return nil
}

// shutdown stops the poller (letting an in-flight batch settle), waits
// for in-flight interactions, then closes the gateway and the API server.
// All of it is bounded by [Config.ShutdownTimeout].
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	var errs []error

	if err := b.poller.Stop(closeCtx); err != nil {
		errs = append(errs, fmt.Errorf("error stopping reminder poller: %w", err))
	}

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

waitLoop:
	for {
		select {
		case <-gracefulShutdownCh:
			b.logger.InfoContext(ctx, "runtime stopped", "elapsed", time.Since(shutdownStart))
			break waitLoop
		case <-announcementTicker.C:
			b.logger.InfoContext(
				ctx,
				"waiting on graceful shutdown",
				"remaining", time.Until(shutdownDeadline),
			)
		case <-closeCtx.Done():
			b.logger.WarnContext(ctx, "timed out waiting for graceful shutdown")
			errs = append(errs, errors.New("timed out waiting for graceful shutdown"))
			break waitLoop
		}
	}

	if b.discord.session != nil {
		for _, h := range b.discord.removeHandlerFuncs {
			h()
		}
		b.discord.removeHandlerFuncs = nil
		if err := b.discord.session.Close(); err != nil {
			b.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if b.api != nil && b.api.httpServer != nil && b.config.API.Enabled {
		if err := b.api.httpServer.Shutdown(closeCtx); err != nil {
			b.logger.ErrorContext(ctx, "error shutting down api server", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			if err = sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("error closing database: %w", err))
			}
		}
	}

	b.logger.InfoContext(ctx, "shutdown complete", "elapsed", time.Since(shutdownStart))
	return errors.Join(errs...)
}

func (*Bot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())

	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
