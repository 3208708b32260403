package sonibot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAPISecret   = "test-api-secret-0123456789"
	testChannelID   = "1100000000000000001"
	testGuildID     = "1200000000000000001"
	testBotUserID   = "1300000000000000001"
	testApplication = "1400000000000000001"
)

var testIDCounter atomic.Int64

func newTestID() string {
	return fmt.Sprintf("%d", 1500000000000000000+testIDCounter.Add(1))
}

// DefaultTestConfig returns a config using a sqlite database in a
// temporary directory, with a short poll interval and quiet logging.
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "test.sqlite3")
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.Development = true

	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = testApplication
	cfg.Discord.CustomStatus = ""

	cfg.API.Secret = testAPISecret
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.CORS.AllowOrigins = []string{"*"}
	cfg.API.CORS.AllowCredentials = false

	cfg.Reminder.PollInterval = 20 * time.Millisecond
	cfg.Reminder.DeliveriesPerSecond = 0
	cfg.Reminder.DeliveryTimeout = time.Second

	for _, lv := range []*slog.LevelVar{
		cfg.LogLevel,
		cfg.DatabaseLogLevel,
		cfg.Reminder.LogLevel,
		cfg.Discord.LogLevel,
		cfg.Discord.DiscordGoLogLevel,
		cfg.API.LogLevel,
	} {
		lv.Set(slog.LevelWarn)
	}
	return cfg
}

// setupTestDB returns a migrated sqlite database in a temporary directory.
func setupTestDB(t testing.TB) DBI {
	t.Helper()
	db, err := CreateDB(context.Background(), dbTypeSQLite, filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	require.NoError(t, configureSQLite(context.Background(), db))
	return NewDatabase(db, slog.New(slog.NewTextHandler(io.Discard, nil)), false)
}

type sentMessage struct {
	ChannelID string
	Message   *discordgo.MessageSend
}

type memberRoleChange struct {
	GuildID string
	UserID  string
	RoleID  string
	Added   bool
}

// mockDiscordSession implements DiscordSessionHandler without talking to
// discord, recording what was sent.
type mockDiscordSession struct {
	logger *slog.Logger

	mu               sync.Mutex
	opened           bool
	closes           int
	identify         discordgo.Identify
	customStatus     string
	handlers         int
	messages         []sentMessage
	commands         []*discordgo.ApplicationCommand
	reactionsAdded   []string
	reactionsRemoved []string
	roleChanges      []memberRoleChange

	// returned by Open
	openErr error
	// returned by ChannelMessageSendComplex
	sendErr error
	// returned by MessageReactionAdd
	reactionErr error
	// returned by GuildMemberRoleAdd and GuildMemberRoleRemove
	roleErr error
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)).With(loggerNameKey, "mock_discord_session"),
	}
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = false
	m.closes++
	return nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return m.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{Content: message})
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.messages = append(m.messages, sentMessage{ChannelID: channelID, Message: data})
	m.logger.Info("sent message", "channel_id", channelID)
	return &discordgo.Message{ID: newTestID(), ChannelID: channelID, Content: data.Content}, nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := make([]*discordgo.ApplicationCommand, 0, len(commands))
	for _, c := range commands {
		cmd := *c
		cmd.ID = newTestID()
		cmd.ApplicationID = appID
		created = append(created, &cmd)
	}
	m.commands = created
	return created, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customStatus = status
	return nil
}

func (m *mockDiscordSession) AddHandler(_ any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers++
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.handlers--
	}
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	_ *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	_ *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{ID: newTestID()}, nil
}

func (m *mockDiscordSession) InteractionResponseDelete(
	_ *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) error {
	return nil
}

func (m *mockDiscordSession) MessageReactionAdd(
	_ string,
	_ string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reactionErr != nil {
		return m.reactionErr
	}
	m.reactionsAdded = append(m.reactionsAdded, emojiID)
	return nil
}

func (m *mockDiscordSession) MessageReactionRemove(
	_ string,
	_ string,
	emojiID string,
	_ string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactionsRemoved = append(m.reactionsRemoved, emojiID)
	return nil
}

func (m *mockDiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	return m.changeRole(memberRoleChange{GuildID: guildID, UserID: userID, RoleID: roleID, Added: true})
}

func (m *mockDiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	return m.changeRole(memberRoleChange{GuildID: guildID, UserID: userID, RoleID: roleID})
}

func (m *mockDiscordSession) changeRole(c memberRoleChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roleErr != nil {
		return m.roleErr
	}
	m.roleChanges = append(m.roleChanges, c)
	return nil
}

func (m *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (m *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identify = i
}

func (m *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

func (m *mockDiscordSession) sentMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.messages...)
}

// stubInteractionHandler implements InteractionHandler, sending each
// response and edit to a buffered channel instead of discord.
type stubInteractionHandler struct {
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger

	callRespond chan *discordgo.InteractionResponse
	callEdit    chan *discordgo.WebhookEdit
	callDelete  chan struct{}

	// respondErr is returned from Respond, if set
	respondErr error
}

func newStubInteractionHandler(i *discordgo.InteractionCreate) *stubInteractionHandler {
	return &stubInteractionHandler{
		interaction: i,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		callRespond: make(chan *discordgo.InteractionResponse, 10),
		callEdit:    make(chan *discordgo.WebhookEdit, 10),
		callDelete:  make(chan struct{}, 10),
	}
}

func (s *stubInteractionHandler) Respond(
	_ context.Context,
	r *discordgo.InteractionResponse,
) error {
	s.callRespond <- r
	return s.respondErr
}

func (s *stubInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.callEdit <- e
	return &discordgo.Message{ID: newTestID()}, nil
}

func (s *stubInteractionHandler) Delete(_ context.Context, _ ...discordgo.RequestOption) {
	s.callDelete <- struct{}{}
}

func (s *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (s *stubInteractionHandler) Logger() *slog.Logger {
	return s.logger
}

// lastEmbed returns the embed of the most recent edit
func (s *stubInteractionHandler) lastEmbed(t testing.TB) *discordgo.MessageEmbed {
	t.Helper()
	select {
	case e := <-s.callEdit:
		require.NotNil(t, e.Embeds)
		require.Len(t, *e.Embeds, 1)
		return (*e.Embeds)[0]
	default:
		t.Fatal("expected an interaction edit")
		return nil
	}
}

func newDiscordUser(t testing.TB) *discordgo.User {
	t.Helper()
	id := newTestID()
	return &discordgo.User{
		ID:       id,
		Username: "user" + id[len(id)-4:],
	}
}

func subcommandOption(
	path string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) []*discordgo.ApplicationCommandInteractionDataOption {
	parts := strings.Fields(path)
	for idx := len(parts) - 1; idx >= 0; idx-- {
		optType := discordgo.ApplicationCommandOptionSubCommand
		if idx < len(parts)-1 {
			optType = discordgo.ApplicationCommandOptionSubCommandGroup
		}
		options = []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: parts[idx], Type: optType, Options: options},
		}
	}
	return options
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

// intOption holds its value as a float64, the way it's decoded from
// the gateway JSON
func intOption(name string, value int64) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

// newCommandInteraction returns a slash command interaction from u in a
// guild channel, where u has the given permissions.
func newCommandInteraction(
	u *discordgo.User,
	command string,
	permissions int64,
	options []*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        newTestID(),
			AppID:     testApplication,
			Type:      discordgo.InteractionApplicationCommand,
			ChannelID: testChannelID,
			GuildID:   testGuildID,
			Member: &discordgo.Member{
				User:        u,
				GuildID:     testGuildID,
				Permissions: permissions,
			},
			Data: discordgo.ApplicationCommandInteractionData{
				ID:      newTestID(),
				Name:    command,
				Options: options,
			},
		},
	}
}

type testBot struct {
	*Bot
	session *mockDiscordSession
}

// newTestBot returns an initialized bot (database, store, poller and
// service) using a mock discord session, without running it. The poller
// isn't started.
func newTestBot(t testing.TB, cfg *Config) *testBot {
	t.Helper()
	gin.DefaultWriter = io.Discard
	if cfg == nil {
		cfg = DefaultTestConfig(t)
	}

	bot, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession()
	bot.discord.session = session

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupTimeout)
	defer cancel()
	require.NoError(t, bot.initRun(ctx))

	bot.dbNotifier, err = newDBNotifier(bot)
	require.NoError(t, err)

	t.Cleanup(
		func() {
			if sqlDB, e := bot.db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return &testBot{Bot: bot, session: session}
}

// runTestBot starts a bot with Run, using a mock discord session, and
// waits for it to be ready. The bot is stopped when the test finishes.
func runTestBot(t testing.TB, cfg *Config) *testBot {
	t.Helper()
	gin.DefaultWriter = io.Discard
	if cfg == nil {
		cfg = DefaultTestConfig(t)
	}

	bot, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession()
	bot.discord.session = session

	ctx, cancel := context.WithCancel(context.Background())
	botErr := make(chan error, 1)
	go func() {
		botErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
	case e := <-botErr:
		cancel()
		t.Fatalf("bot exited before ready: %v", e)
	case <-time.After(cfg.StartupTimeout):
		cancel()
		t.Fatal("timed out waiting for bot to start")
	}

	t.Cleanup(
		func() {
			bot.signalStop <- struct{}{}
			select {
			case e := <-botErr:
				if e != nil && !errors.Is(e, context.Canceled) {
					t.Errorf("error stopping bot: %v", e)
				}
			case <-time.After(cfg.ShutdownTimeout):
				t.Error("timed out waiting for bot to stop")
			}
			cancel()
		},
	)
	return &testBot{Bot: bot, session: session}
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database type")
}

func TestNew_DefaultsHTTPClient(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.HTTPClient = nil

	bot, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, http.DefaultClient, bot.config.HTTPClient)
}

func TestRegisterSlashCommands_NoSession(t *testing.T) {
	bot, err := New(DefaultTestConfig(t))
	require.NoError(t, err)

	_, err = bot.RegisterSlashCommands()
	require.Error(t, err)
}

func TestBot_Run(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.CustomStatus = "testing"
	bot := runTestBot(t, cfg)

	bot.session.mu.Lock()
	opened := bot.session.opened
	commands := len(bot.session.commands)
	handlers := bot.session.handlers
	intents := bot.session.identify.Intents
	bot.session.mu.Unlock()

	assert.True(t, opened)
	assert.Equal(t, 2, commands)
	assert.Equal(t, 6, handlers)
	assert.Equal(t, cfg.Discord.GatewayIntents, intents)
	assert.True(t, bot.poller.Stats().Running)

	assert.Eventually(
		t, func() bool {
			bot.session.mu.Lock()
			defer bot.session.mu.Unlock()
			return bot.session.customStatus == "testing"
		},
		time.Second,
		10*time.Millisecond,
	)
}

func TestBot_RunDeliversDueReminder(t *testing.T) {
	bot := runTestBot(t, nil)
	owner := newDiscordUser(t)

	r, err := bot.reminders.Create(
		context.Background(), CreateReminderRequest{
			Owner:       owner.ID,
			Destination: testChannelID,
			Content:     "buy milk",
			Due:         time.Now().Add(-time.Second),
		},
	)
	require.NoError(t, err)

	require.Eventually(
		t, func() bool {
			return len(bot.session.sentMessages()) == 1
		},
		2*time.Second,
		10*time.Millisecond,
	)

	msg := bot.session.sentMessages()[0]
	assert.Equal(t, testChannelID, msg.ChannelID)
	assert.Contains(t, msg.Message.Content, "<@"+owner.ID+">")

	require.Eventually(
		t, func() bool {
			stored, e := getReminder(context.Background(), bot.db, r.ID)
			return e == nil && !stored.Active
		},
		2*time.Second,
		10*time.Millisecond,
	)
}

func TestBot_ShutdownStopsPoller(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.API.Enabled = false

	bot, err := New(cfg)
	require.NoError(t, err)
	bot.discord.session = newMockDiscordSession()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	botErr := make(chan error, 1)
	go func() {
		botErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
	case e := <-botErr:
		t.Fatalf("bot exited before ready: %v", e)
	case <-time.After(cfg.StartupTimeout):
		t.Fatal("timed out waiting for bot to start")
	}

	cancel()
	select {
	case e := <-botErr:
		require.NoError(t, e)
	case <-time.After(cfg.ShutdownTimeout):
		t.Fatal("timed out waiting for shutdown")
	}
	assert.False(t, bot.poller.Stats().Running)
}

func TestBot_RunShutsDownAfterDiscordError(t *testing.T) {
	cfg := DefaultTestConfig(t)

	bot, err := New(cfg)
	require.NoError(t, err)
	session := newMockDiscordSession()
	session.openErr = errors.New("gateway unavailable")
	bot.discord.session = session

	botErr := make(chan error, 1)
	go func() {
		botErr <- bot.Run(context.Background())
	}()

	select {
	case e := <-botErr:
		require.ErrorIs(t, e, session.openErr)
	case <-bot.signalReady:
		t.Fatal("bot shouldn't be ready when discord can't connect")
	case <-time.After(cfg.StartupTimeout + cfg.ShutdownTimeout):
		t.Fatal("timed out waiting for Run to return")
	}

	session.mu.Lock()
	assert.Equal(t, 1, session.closes)
	assert.Zero(t, session.handlers)
	session.mu.Unlock()

	// the API server was shut down, so it can't be started again
	assert.ErrorIs(t, bot.api.httpServer.ListenAndServe(), http.ErrServerClosed)

	sqlDB, err := bot.db.DB()
	require.NoError(t, err)
	assert.Error(t, sqlDB.Ping())
}

func TestHandleRecover(t *testing.T) {
	bot, err := New(DefaultTestConfig(t))
	require.NoError(t, err)

	assert.NotPanics(
		t, func() {
			bot.handleRecover(context.Background(), "oops")
			bot.handleRecover(context.Background(), errors.New("oops"))
			bot.handleRecover(context.Background(), 42)
		},
	)
}
