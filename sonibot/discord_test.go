package sonibot

import (
	"io"
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiscord(t testing.TB, cfg *DiscordConfig) (*Discord, *mockDiscordSession) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultTestConfig(t).Discord
	}
	d := newDiscord(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), NewMetrics())
	session := newMockDiscordSession()
	d.session = session
	return d, session
}

func TestDiscord_RegisterCommands(t *testing.T) {
	d, session := newTestDiscord(t, nil)

	created, err := d.registerCommands(DefaultConfig().Reminder)
	require.NoError(t, err)
	require.Len(t, created, 2)

	names := []string{created[0].Name, created[1].Name}
	assert.ElementsMatch(t, []string{DiscordSlashCommandReminder, DiscordSlashCommandReactionRole}, names)
	for _, c := range created {
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, testApplication, c.ApplicationID)
	}
	assert.Len(t, session.commands, 2)
}

func TestDiscord_ConnectDisconnect(t *testing.T) {
	cfg := DefaultTestConfig(t).Discord
	cfg.NotificationChannelID = testChannelID
	cfg.StartupMessage = "hello"
	d, session := newTestDiscord(t, cfg)

	assert.False(t, d.Connected())

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.Connected())
	assert.Equal(t, int64(1), d.metricConnects.Load())

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, testChannelID, sent[0].ChannelID)
	assert.Equal(t, "hello", sent[0].Message.Content)

	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, d.Connected())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}

func TestDiscord_ConnectWithoutNotification(t *testing.T) {
	d, session := newTestDiscord(t, nil)
	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.Empty(t, session.sentMessages())
}

func TestDiscord_Ready(t *testing.T) {
	d, _ := newTestDiscord(t, nil)
	assert.Nil(t, d.BotUser())

	d.handlerReady()(nil, &discordgo.Ready{})
	assert.Nil(t, d.BotUser())

	d.handlerReady()(
		nil, &discordgo.Ready{
			SessionID: "session",
			User:      &discordgo.User{ID: testBotUserID, Username: "soni-bot", Bot: true},
		},
	)
	require.NotNil(t, d.BotUser())
	assert.Equal(t, testBotUserID, d.BotUser().ID)
}

func TestDiscord_NewSession(t *testing.T) {
	cfg := DefaultTestConfig(t).Discord
	d := newDiscord(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	session, err := d.newSession(nil)
	require.NoError(t, err)
	ds, ok := session.(DiscordSession)
	require.True(t, ok)
	require.NotNil(t, ds.session)
	assert.Equal(t, "Bot "+cfg.Token, ds.session.Token)
	assert.False(t, ds.session.StateEnabled)
}

func TestEmbeds(t *testing.T) {
	field := &discordgo.MessageEmbedField{Name: "name", Value: "value"}

	assert.Equal(t, embedColorDefault, newEmbed("title", field).Color)
	assert.Equal(t, embedColorSuccess, successEmbed("title", field).Color)

	warning := warningEmbed("title", "name", "value")
	assert.Equal(t, embedColorWarning, warning.Color)
	assert.Equal(t, []*discordgo.MessageEmbedField{field}, warning.Fields)

	errEmbed := errorEmbed("boom")
	assert.Equal(t, embedColorError, errEmbed.Color)
	assert.Equal(t, "boom", errEmbed.Fields[0].Value)

	assert.Equal(t, discordgo.MessageFlagsEphemeral, ackResponse().Data.Flags)
}
