package sonibot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runReminderCommand runs `/reminder <path>` as u and returns the embed
// the command replied with.
func runReminderCommand(
	t testing.TB,
	bot *testBot,
	u *discordgo.User,
	path string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.MessageEmbed {
	t.Helper()
	i := newCommandInteraction(u, DiscordSlashCommandReminder, 0, subcommandOption(path, options...))
	handler := newStubInteractionHandler(i)
	bot.handleInteraction(context.Background(), handler)

	select {
	case resp := <-handler.callRespond:
		require.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, resp.Type)
		require.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	default:
		t.Fatal("expected the command to be acknowledged")
	}
	return handler.lastEmbed(t)
}

func reminderIDOption(id uint) *discordgo.ApplicationCommandInteractionDataOption {
	return stringOption(reminderOptionReminder, strconv.FormatUint(uint64(id), 10))
}

func embedFieldNames(e *discordgo.MessageEmbed) []string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Name)
	}
	return names
}

func TestReminderCommand_CreateRelative(t *testing.T) {
	bot := newTestBot(t, nil)
	u := newDiscordUser(t)

	before := time.Now()
	embed := runReminderCommand(
		t, bot, u, reminderSubcommandCreateRelative,
		stringOption(reminderOptionReminder, "buy milk"),
		intOption(reminderOptionHours, 1),
		intOption(reminderOptionMinutes, 30),
	)
	assert.Equal(t, "Reminder registered", embed.Title)
	assert.Equal(t, embedColorSuccess, embed.Color)
	assert.Equal(t, "buy milk", embed.Fields[0].Value)

	reminders, err := bot.reminders.List(context.Background(), u.ID)
	require.NoError(t, err)
	require.Len(t, reminders, 1)

	r := reminders[0]
	assert.Equal(t, testChannelID, r.Destination)
	assert.Equal(t, testGuildID, r.GuildID)
	assert.WithinDuration(t, before.Add(90*time.Minute), r.DueTime(), 5*time.Second)
	assert.Contains(t, embed.Fields[1].Value, discordTimestamp(r.DueTime(), "f"))
}

func TestReminderCommand_CreateRelativeTooFar(t *testing.T) {
	bot := newTestBot(t, nil)
	u := newDiscordUser(t)

	embed := runReminderCommand(
		t, bot, u, reminderSubcommandCreateRelative,
		stringOption(reminderOptionReminder, "see you in 1989"),
		intOption(reminderOptionDays, 200000),
	)
	assert.Equal(t, []string{"Invalid time"}, embedFieldNames(embed))

	reminders, err := bot.reminders.List(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Empty(t, reminders)
}

func TestReminderCommand_CreateAbsolute(t *testing.T) {
	bot := newTestBot(t, nil)
	u := newDiscordUser(t)

	year := int64(time.Now().Year() + 1)
	embed := runReminderCommand(
		t, bot, u, reminderSubcommandCreateAbsolute,
		stringOption(reminderOptionReminder, "new year"),
		intOption(reminderOptionDay, 1),
		intOption(reminderOptionMonth, 1),
		intOption(reminderOptionYear, year),
		intOption(reminderOptionHour, 9),
	)
	assert.Equal(t, "Reminder registered", embed.Title)

	reminders, err := bot.reminders.List(context.Background(), u.ID)
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	assert.Equal(t, time.Date(int(year), time.January, 1, 9, 0, 0, 0, time.UTC), reminders[0].DueTime())
}

func TestReminderCommand_CreateAbsoluteInvalidDate(t *testing.T) {
	bot := newTestBot(t, nil)
	u := newDiscordUser(t)

	embed := runReminderCommand(
		t, bot, u, reminderSubcommandCreateAbsolute,
		stringOption(reminderOptionReminder, "no such day"),
		intOption(reminderOptionDay, 31),
		intOption(reminderOptionMonth, 4),
		intOption(reminderOptionYear, int64(time.Now().Year()+1)),
	)
	assert.Equal(t, embedColorWarning, embed.Color)
	assert.Equal(t, []string{"Invalid date"}, embedFieldNames(embed))

	reminders, err := bot.reminders.List(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Empty(t, reminders)
}

func TestReminderCommand_CreateContentTooLong(t *testing.T) {
	bot := newTestBot(t, nil)
	u := newDiscordUser(t)

	embed := runReminderCommand(
		t, bot, u, reminderSubcommandCreateRelative,
		stringOption(reminderOptionReminder, strings.Repeat("a", DefaultReminderMaxContentLength+1)),
		intOption(reminderOptionMinutes, 1),
	)
	assert.Equal(t, []string{"Invalid content"}, embedFieldNames(embed))
	assert.Contains(t, embed.Fields[0].Value, strconv.Itoa(DefaultReminderMaxContentLength))
}

func TestReminderCommand_List(t *testing.T) {
	bot := newTestBot(t, nil)
	u := newDiscordUser(t)

	embed := runReminderCommand(t, bot, u, reminderSubcommandList)
	assert.Equal(t, "Active reminders", embed.Title)
	require.Len(t, embed.Fields, 1)
	assert.Equal(t, reminderListEmpty, embed.Fields[0].Value)

	now := time.Now()
	for _, c := range []struct {
		content string
		due     time.Duration
	}{
		{"third", 3 * time.Hour},
		{"first", time.Hour},
		{"second", 2 * time.Hour},
	} {
		createTestReminder(t, bot.reminders, u.ID, c.content, now.Add(c.due))
	}
	createTestReminder(t, bot.reminders, "someone else", "not mine", now.Add(time.Minute))

	embed = runReminderCommand(t, bot, u, reminderSubcommandList)
	require.Len(t, embed.Fields, 1)
	value := embed.Fields[0].Value
	assert.NotContains(t, value, "not mine")

	first := strings.Index(value, "first")
	second := strings.Index(value, "second")
	third := strings.Index(value, "third")
	require.True(t, first >= 0 && second >= 0 && third >= 0, value)
	assert.Less(t, first, second)
	assert.Less(t, second, third)
}

func TestReminderListFields_Chunked(t *testing.T) {
	now := time.Now()
	var reminders []Reminder
	for n := range 40 {
		reminders = append(
			reminders, Reminder{
				ModelUintID: ModelUintID{ID: uint(n + 1)},
				Content:     fmt.Sprintf("%03d %s", n, strings.Repeat("x", 250)),
				Due:         now.Add(time.Duration(n) * time.Minute).UnixMilli(),
			},
		)
	}

	fields := reminderListFields(reminders)
	require.Len(t, fields, reminderListMaxFields)
	assert.Equal(t, "Your active reminders", fields[0].Name)
	for _, f := range fields {
		assert.LessOrEqual(t, len(f.Value), 1024)
	}
	for _, f := range fields[1:] {
		assert.Equal(t, zeroWidthSpace, f.Name)
	}
	assert.Contains(t, fields[len(fields)-1].Value, "more")
	assert.Contains(t, fields[0].Value, "000 ")
	assert.Contains(t, fields[0].Value, "...`")
}

func TestReminderCommand_EditTime(t *testing.T) {
	bot := newTestBot(t, nil)
	u := newDiscordUser(t)

	due := time.Now().Add(2 * time.Hour).Truncate(time.Millisecond)
	r := createTestReminder(t, bot.reminders, u.ID, "move me", due)

	embed := runReminderCommand(
		t, bot, u, reminderSubcommandEditTime,
		reminderIDOption(r.ID),
		stringOption(reminderOptionAction, string(DueAdd)),
		intOption(reminderOptionTime, 3),
		stringOption(reminderOptionUnit, string(UnitDays)),
	)
	assert.Equal(t, "Successfully edited reminder", embed.Title)

	got, err := bot.reminders.Get(context.Background(), u.ID, r.ID)
	require.NoError(t, err)
	assert.Equal(t, due.Add(72*time.Hour).UnixMilli(), got.Due)

	embed = runReminderCommand(
		t, bot, u, reminderSubcommandEditTime,
		reminderIDOption(r.ID),
		stringOption(reminderOptionAction, string(DueSubtract)),
		intOption(reminderOptionTime, 10),
		stringOption(reminderOptionUnit, string(UnitDays)),
	)
	assert.Equal(t, []string{"Invalid time"}, embedFieldNames(embed))
}

func TestReminderCommand_EditContent(t *testing.T) {
	bot := newTestBot(t, nil)
	u := newDiscordUser(t)
	r := createTestReminder(t, bot.reminders, u.ID, "original", time.Now().Add(time.Hour))

	embed := runReminderCommand(
		t, bot, u, reminderSubcommandEditContent,
		reminderIDOption(r.ID),
		stringOption(reminderOptionContent, "edited"),
	)
	assert.Equal(t, "Successfully edited reminder", embed.Title)
	assert.Equal(t, "edited", embed.Fields[0].Value)

	// someone else's reminder looks like it doesn't exist
	other := newDiscordUser(t)
	embed = runReminderCommand(
		t, bot, other, reminderSubcommandEditContent,
		reminderIDOption(r.ID),
		stringOption(reminderOptionContent, "hijacked"),
	)
	assert.Equal(t, []string{"Invalid reminder"}, embedFieldNames(embed))

	got, err := bot.reminders.Get(context.Background(), u.ID, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Content)
}

func TestReminderCommand_Delete(t *testing.T) {
	bot := newTestBot(t, nil)
	u := newDiscordUser(t)
	r := createTestReminder(t, bot.reminders, u.ID, "delete me", time.Now().Add(time.Hour))

	embed := runReminderCommand(t, bot, u, reminderSubcommandDelete, stringOption(reminderOptionReminder, "delete me"))
	assert.Equal(t, []string{"Invalid reminder"}, embedFieldNames(embed), "values that aren't IDs don't exist")

	embed = runReminderCommand(t, bot, u, reminderSubcommandDelete, reminderIDOption(r.ID))
	assert.Equal(t, "Deleted reminder", embed.Title)
	assert.Equal(t, "delete me", embed.Fields[0].Value)

	embed = runReminderCommand(t, bot, u, reminderSubcommandDelete, reminderIDOption(r.ID))
	assert.Equal(t, []string{"Invalid reminder"}, embedFieldNames(embed))

	// an edit after deletion is rejected too
	embed = runReminderCommand(
		t, bot, u, reminderSubcommandEditContent,
		reminderIDOption(r.ID),
		stringOption(reminderOptionContent, "edited"),
	)
	assert.Equal(t, []string{"Invalid reminder"}, embedFieldNames(embed))
}

func TestReminderCommand_Clear(t *testing.T) {
	bot := newTestBot(t, nil)
	u := newDiscordUser(t)
	for range 2 {
		createTestReminder(t, bot.reminders, u.ID, "clear me", time.Now().Add(time.Hour))
	}

	embed := runReminderCommand(t, bot, u, reminderSubcommandClear)
	require.Len(t, embed.Fields, 1)
	assert.Equal(t, "Deleted 2 reminder(s).", embed.Fields[0].Value)

	reminders, err := bot.reminders.List(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Empty(t, reminders)
}

func TestReminderCommand_Autocomplete(t *testing.T) {
	bot := newTestBot(t, nil)
	u := newDiscordUser(t)

	milk := createTestReminder(t, bot.reminders, u.ID, "Buy milk", time.Now().Add(time.Hour))
	createTestReminder(t, bot.reminders, u.ID, "Walk the dog", time.Now().Add(2*time.Hour))

	focused := stringOption(reminderOptionReminder, "MILK")
	focused.Focused = true
	i := newCommandInteraction(u, DiscordSlashCommandReminder, 0, subcommandOption(reminderSubcommandDelete, focused))
	i.Type = discordgo.InteractionApplicationCommandAutocomplete

	handler := newStubInteractionHandler(i)
	bot.handleInteraction(context.Background(), handler)

	var resp *discordgo.InteractionResponse
	select {
	case resp = <-handler.callRespond:
	default:
		t.Fatal("expected an autocomplete response")
	}
	assert.Equal(t, discordgo.InteractionApplicationCommandAutocompleteResult, resp.Type)
	require.Len(t, resp.Data.Choices, 1)
	assert.Equal(t, "Buy milk", resp.Data.Choices[0].Name)
	assert.Equal(t, strconv.FormatUint(uint64(milk.ID), 10), resp.Data.Choices[0].Value)
	assert.Empty(t, handler.callEdit)
}

func TestReminderCommand_AutocompleteRespondError(t *testing.T) {
	bot := newTestBot(t, nil)
	u := newDiscordUser(t)
	createTestReminder(t, bot.reminders, u.ID, "Buy milk", time.Now().Add(time.Hour))

	focused := stringOption(reminderOptionReminder, "milk")
	focused.Focused = true
	i := newCommandInteraction(u, DiscordSlashCommandReminder, 0, subcommandOption(reminderSubcommandDelete, focused))
	i.Type = discordgo.InteractionApplicationCommandAutocomplete

	var logs bytes.Buffer
	handler := newStubInteractionHandler(i)
	handler.logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	handler.respondErr = errors.New("unknown interaction")

	bot.handleInteraction(context.Background(), handler)

	require.Len(t, handler.callRespond, 1)
	assert.Empty(t, handler.callEdit)
	assert.Contains(t, logs.String(), "error responding to autocomplete")
	assert.Contains(t, logs.String(), "unknown interaction")
}

func TestReminderErrorEmbed(t *testing.T) {
	bot := newTestBot(t, nil)

	testCases := []struct {
		err       error
		fieldName string
		internal  bool
	}{
		{ErrReminderNotFound, "Invalid reminder", false},
		{ErrContentTooLong, "Invalid content", false},
		{ErrDueInPast, "Invalid time", false},
		{ErrInvalidDate, "Invalid date", false},
		{ErrDueOutOfRange, "Invalid time", false},
		{ErrUnknownTimeUnit, "Invalid reminder", false},
		{errors.New("database is locked"), "An internal error prevented the command from being executed", true},
	}
	for _, tc := range testCases {
		embed, internal := bot.reminderErrorEmbed(tc.err)
		assert.Equal(t, tc.internal, internal, tc.err.Error())
		assert.Equal(t, []string{tc.fieldName}, embedFieldNames(embed), tc.err.Error())
	}
}

func TestParseReminderID(t *testing.T) {
	id, err := parseReminderID(" 42 ")
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)

	for _, s := range []string{"", "0", "-1", "abc", "4.2"} {
		_, err = parseReminderID(s)
		assert.ErrorIs(t, err, ErrReminderNotFound, s)
	}
}

func TestAppCommandReminder(t *testing.T) {
	cmd := appCommandReminder(DefaultReminderMaxContentLength)
	assert.Equal(t, DiscordSlashCommandReminder, cmd.Name)

	options := map[string]*discordgo.ApplicationCommandOption{}
	for _, o := range cmd.Options {
		options[o.Name] = o
	}
	require.Contains(t, options, "create")
	require.Contains(t, options, "edit")
	require.Contains(t, options, reminderSubcommandList)
	require.Contains(t, options, reminderSubcommandDelete)
	require.Contains(t, options, reminderSubcommandClear)

	var absolute *discordgo.ApplicationCommandOption
	for _, o := range options["create"].Options {
		if o.Name == "absolute" {
			absolute = o
		}
	}
	require.NotNil(t, absolute)

	for _, o := range absolute.Options {
		if o.Name != reminderOptionMonth {
			continue
		}
		require.Len(t, o.Choices, 12)
		assert.Equal(t, "January", o.Choices[0].Name)
		assert.Equal(t, 1, o.Choices[0].Value)
		assert.Equal(t, 12, o.Choices[11].Value)
	}

	var relative *discordgo.ApplicationCommandOption
	for _, o := range options["create"].Options {
		if o.Name == "relative" {
			relative = o
		}
	}
	require.NotNil(t, relative)
	for _, o := range relative.Options {
		if o.Name == reminderOptionDays {
			assert.InDelta(t, reminderMaxDays, o.MaxValue, 0)
		}
	}

	for _, o := range options["edit"].Options {
		if o.Name != "time" {
			continue
		}
		for _, opt := range o.Options {
			if opt.Name == reminderOptionTime {
				assert.InDelta(t, reminderMaxEditAmount, opt.MaxValue, 0)
			}
		}
	}
}
