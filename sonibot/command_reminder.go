package sonibot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	reminderSubcommandCreateRelative = "create relative"
	reminderSubcommandCreateAbsolute = "create absolute"
	reminderSubcommandList           = "list"
	reminderSubcommandEditTime       = "edit time"
	reminderSubcommandEditContent    = "edit content"
	reminderSubcommandDelete         = "delete"
	reminderSubcommandClear          = "clear"

	reminderOptionReminder = "reminder"
	reminderOptionContent  = "content"
	reminderOptionAction   = "action"
	reminderOptionTime     = "time"
	reminderOptionUnit     = "unit"
	reminderOptionDays     = "days"
	reminderOptionHours    = "hours"
	reminderOptionMinutes  = "minutes"
	reminderOptionSeconds  = "seconds"
	reminderOptionDay      = "day"
	reminderOptionMonth    = "month"
	reminderOptionYear     = "year"
	reminderOptionHour     = "hour"
	reminderOptionMinute   = "minute"
	reminderOptionSecond   = "second"

	// list output limits, below discord's embed field limit of 1024
	// characters and embed limit of 6000
	reminderListContentLength = 200
	reminderListFieldLength   = 1000
	reminderListMaxFields     = 5

	// used for embed field names that should appear blank
	zeroWidthSpace = "\u200b"

	reminderListEmpty = "You have no active reminders.\nCreate one with `/reminder create`."

	// upper bounds for relative amounts, 100 years in the option's unit
	reminderMaxDays       = 36500
	reminderMaxEditAmount = 36500 * 24 * 60 * 60
)

var monthNames = []string{
	"January", "February", "March", "April", "May", "June", "July",
	"August", "September", "October", "November", "December",
}

// appCommandReminder returns the `/reminder` command.
func appCommandReminder(maxContentLength int) *discordgo.ApplicationCommand {
	zero := 0.0
	one := 1.0
	minYear := 2000.0
	minLength := 1

	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
	}

	contentOption := func(name, description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        name,
			Description: description,
			Required:    true,
			MinLength:   &minLength,
			MaxLength:   maxContentLength,
		}
	}
	reminderOption := &discordgo.ApplicationCommandOption{
		Type:         discordgo.ApplicationCommandOptionString,
		Name:         reminderOptionReminder,
		Description:  "The reminder to use",
		Required:     true,
		Autocomplete: true,
	}
	intOption := func(
		name, description string,
		required bool,
		minValue *float64,
		maxValue float64,
	) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        name,
			Description: description,
			Required:    required,
			MinValue:    minValue,
			MaxValue:    maxValue,
		}
	}

	months := make([]*discordgo.ApplicationCommandOptionChoice, len(monthNames))
	for n, name := range monthNames {
		months[n] = &discordgo.ApplicationCommandOptionChoice{Name: name, Value: n + 1}
	}

	actions := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(dueActionSigns))
	for _, action := range []DueAction{DueAdd, DueSubtract} {
		actions = append(
			actions,
			&discordgo.ApplicationCommandOptionChoice{Name: string(action), Value: string(action)},
		)
	}

	units := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(timeUnitOrder))
	for _, unit := range timeUnitOrder {
		units = append(
			units,
			&discordgo.ApplicationCommandOptionChoice{Name: string(unit), Value: string(unit)},
		)
	}

	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandReminder,
		Description:      "Manage reminders",
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         &contexts,
		IntegrationTypes: &integrationTypes,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        "create",
				Description: "Create a reminder",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "relative",
						Description: "Create a reminder relative to the current time",
						Options: []*discordgo.ApplicationCommandOption{
							contentOption(reminderOptionReminder, "What to be reminded of"),
							intOption(reminderOptionDays, "The number of days to be reminded", false, &zero, reminderMaxDays),
							intOption(reminderOptionHours, "The number of hours to be reminded", false, &zero, 23),
							intOption(reminderOptionMinutes, "The number of minutes to be reminded", false, &zero, 59),
							intOption(reminderOptionSeconds, "The number of seconds to be reminded", false, &zero, 59),
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "absolute",
						Description: "Create a reminder at a specific time",
						Options: []*discordgo.ApplicationCommandOption{
							contentOption(reminderOptionReminder, "What to be reminded of"),
							intOption(reminderOptionDay, "The date of the month to be reminded", true, &one, 31),
							{
								Type:        discordgo.ApplicationCommandOptionInteger,
								Name:        reminderOptionMonth,
								Description: "The month to be reminded",
								Required:    true,
								Choices:     months,
							},
							intOption(reminderOptionYear, "The year to be reminded", true, &minYear, 0),
							intOption(reminderOptionHour, "The hour to be reminded (UTC timezone)", false, &zero, 23),
							intOption(reminderOptionMinute, "The minute to be reminded", false, &zero, 59),
							intOption(reminderOptionSecond, "The second to be reminded", false, &zero, 59),
						},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        reminderSubcommandList,
				Description: "List all your reminders",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        "edit",
				Description: "Edit a reminder",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "time",
						Description: "Edit the due time of a reminder",
						Options: []*discordgo.ApplicationCommandOption{
							reminderOption,
							{
								Type:        discordgo.ApplicationCommandOptionString,
								Name:        reminderOptionAction,
								Description: "The action to be taken",
								Required:    true,
								Choices:     actions,
							},
							intOption(reminderOptionTime, "The amount of time to be added or subtracted", true, &one, reminderMaxEditAmount),
							{
								Type:        discordgo.ApplicationCommandOptionString,
								Name:        reminderOptionUnit,
								Description: "Which time unit to use",
								Required:    true,
								Choices:     units,
							},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "content",
						Description: "Edit the content of a reminder",
						Options: []*discordgo.ApplicationCommandOption{
							reminderOption,
							contentOption(reminderOptionContent, "What to be reminded of"),
						},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        reminderSubcommandDelete,
				Description: "Delete a reminder",
				Options:     []*discordgo.ApplicationCommandOption{reminderOption},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        reminderSubcommandClear,
				Description: "Delete all your reminders",
			},
		},
	}
}

func discordTimestamp(t time.Time, style string) string {
	return fmt.Sprintf("<t:%d:%s>", t.Unix(), style)
}

func intOptionValue(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) int64 {
	if o, ok := options[name]; ok && o != nil {
		return o.IntValue()
	}
	return 0
}

func stringOptionValue(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) string {
	if o, ok := options[name]; ok && o != nil {
		return o.StringValue()
	}
	return ""
}

// parseReminderID parses the value of the `reminder` option. Values that
// aren't IDs are treated as a reminder that doesn't exist.
func parseReminderID(s string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 0)
	if err != nil || id == 0 {
		return 0, ErrReminderNotFound
	}
	return uint(id), nil
}

// handleReminderCommand runs a `/reminder` subcommand on behalf of u and
// replies with the result. Errors caused by the user's input are reported
// to the user and not returned.
func (b *Bot) handleReminderCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) error {
	i := handler.GetInteraction()
	data := i.ApplicationCommandData()
	subcommand := subcommandPath(data.Options)
	options := discordInteractionOptions(i)

	logger := handler.Logger().With("subcommand", subcommand)
	ctx = WithLogger(ctx, logger)

	embed, err := b.runReminderSubcommand(ctx, i, u, subcommand, options)
	if err != nil {
		var internal bool
		embed, internal = b.reminderErrorEmbed(err)
		if internal {
			logger.ErrorContext(ctx, "error running reminder command", tint.Err(err))
		} else {
			logger.InfoContext(ctx, "rejected reminder command", tint.Err(err))
			err = nil
		}
	}

	if replyErr := replyEmbed(ctx, handler, embed); replyErr != nil {
		return errors.Join(err, replyErr)
	}
	return err
}

func (b *Bot) runReminderSubcommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	subcommand string,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.MessageEmbed, error) {
	switch subcommand {
	case reminderSubcommandCreateRelative:
		due, err := RelativeDue{
			Days:    intOptionValue(options, reminderOptionDays),
			Hours:   intOptionValue(options, reminderOptionHours),
			Minutes: intOptionValue(options, reminderOptionMinutes),
			Seconds: intOptionValue(options, reminderOptionSeconds),
		}.After(b.reminders.now())
		if err != nil {
			return nil, err
		}
		return b.createReminder(ctx, i, u, stringOptionValue(options, reminderOptionReminder), due)
	case reminderSubcommandCreateAbsolute:
		due, err := AbsoluteDue{
			Year:   int(intOptionValue(options, reminderOptionYear)),
			Month:  int(intOptionValue(options, reminderOptionMonth)),
			Day:    int(intOptionValue(options, reminderOptionDay)),
			Hour:   int(intOptionValue(options, reminderOptionHour)),
			Minute: int(intOptionValue(options, reminderOptionMinute)),
			Second: int(intOptionValue(options, reminderOptionSecond)),
		}.Time()
		if err != nil {
			return nil, err
		}
		return b.createReminder(ctx, i, u, stringOptionValue(options, reminderOptionReminder), due)
	case reminderSubcommandList:
		reminders, err := b.reminders.List(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		return newEmbed("Active reminders", reminderListFields(reminders)...), nil
	case reminderSubcommandEditTime:
		id, err := parseReminderID(stringOptionValue(options, reminderOptionReminder))
		if err != nil {
			return nil, err
		}
		r, err := b.reminders.EditDue(
			ctx, u.ID, id, DueEdit{
				Action: DueAction(stringOptionValue(options, reminderOptionAction)),
				Amount: intOptionValue(options, reminderOptionTime),
				Unit:   TimeUnit(stringOptionValue(options, reminderOptionUnit)),
			},
		)
		if err != nil {
			return nil, err
		}
		return successEmbed(
			"Successfully edited reminder",
			&discordgo.MessageEmbedField{Name: "Reminder", Value: r.Content},
			&discordgo.MessageEmbedField{
				Name:  "New due time:",
				Value: discordTimestamp(r.DueTime(), "f"),
			},
		), nil
	case reminderSubcommandEditContent:
		id, err := parseReminderID(stringOptionValue(options, reminderOptionReminder))
		if err != nil {
			return nil, err
		}
		r, err := b.reminders.EditContent(ctx, u.ID, id, stringOptionValue(options, reminderOptionContent))
		if err != nil {
			return nil, err
		}
		return successEmbed(
			"Successfully edited reminder",
			&discordgo.MessageEmbedField{Name: "New content:", Value: r.Content},
		), nil
	case reminderSubcommandDelete:
		id, err := parseReminderID(stringOptionValue(options, reminderOptionReminder))
		if err != nil {
			return nil, err
		}
		r, err := b.reminders.Cancel(ctx, u.ID, id)
		if err != nil {
			return nil, err
		}
		return successEmbed(
			"Deleted reminder",
			&discordgo.MessageEmbedField{Name: "Successfully deleted the reminder", Value: r.Content},
		), nil
	case reminderSubcommandClear:
		cleared, err := b.reminders.Clear(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		return successEmbed(
			"Deleted reminder",
			&discordgo.MessageEmbedField{
				Name:  "Successfully cleared reminders",
				Value: fmt.Sprintf("Deleted %d reminder(s).", cleared),
			},
		), nil
	default:
		return nil, fmt.Errorf("unknown reminder subcommand: %q", subcommand)
	}
}

func (b *Bot) createReminder(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	content string,
	due time.Time,
) (*discordgo.MessageEmbed, error) {
	r, err := b.reminders.Create(
		ctx, CreateReminderRequest{
			Owner:       u.ID,
			Destination: i.ChannelID,
			GuildID:     i.GuildID,
			Content:     content,
			Due:         due,
		},
	)
	if err != nil {
		return nil, err
	}
	return successEmbed(
		"Reminder registered",
		&discordgo.MessageEmbedField{Name: "Content", Value: r.Content},
		&discordgo.MessageEmbedField{
			Name:  zeroWidthSpace,
			Value: "You will be reminded at " + discordTimestamp(r.DueTime(), "f"),
		},
	), nil
}

// reminderListFields renders reminders as one line each, split across
// embed fields so no field exceeds discord's length limit.
func reminderListFields(reminders []Reminder) []*discordgo.MessageEmbedField {
	const name = "Your active reminders"
	if len(reminders) == 0 {
		return []*discordgo.MessageEmbedField{{Name: name, Value: reminderListEmpty}}
	}

	var fields []*discordgo.MessageEmbedField
	var sb strings.Builder
	flush := func() {
		fieldName := zeroWidthSpace
		if len(fields) == 0 {
			fieldName = name
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: fieldName, Value: sb.String()})
		sb.Reset()
	}

	for n, r := range reminders {
		line := fmt.Sprintf(
			"• `%s`, due %s\n",
			ellipsize(r.Content, reminderListContentLength),
			discordTimestamp(r.DueTime(), "R"),
		)
		if sb.Len()+len(line) > reminderListFieldLength {
			if len(fields) == reminderListMaxFields-1 {
				fmt.Fprintf(&sb, "...and %d more", len(reminders)-n)
				break
			}
			flush()
		}
		sb.WriteString(line)
	}
	flush()
	return fields
}

// reminderErrorEmbed returns the embed shown to the user for err, and
// whether err is an internal error rather than a problem with the
// user's input.
func (b *Bot) reminderErrorEmbed(err error) (*discordgo.MessageEmbed, bool) {
	const title = "An error occurred"
	switch {
	case errors.Is(err, ErrReminderNotFound):
		return warningEmbed(title, "Invalid reminder", "The provided reminder does not exist"), false
	case errors.Is(err, ErrContentTooLong):
		return warningEmbed(
			title,
			"Invalid content",
			fmt.Sprintf(
				"The reminder content cannot exceed %d characters",
				b.config.Reminder.MaxContentLength,
			),
		), false
	case errors.Is(err, ErrDueInPast):
		return warningEmbed(title, "Invalid time", "The reminder cannot be set in the past"), false
	case errors.Is(err, ErrDueOutOfRange):
		return warningEmbed(title, "Invalid time", "The reminder is set too far in the future"), false
	case errors.Is(err, ErrInvalidDate):
		return warningEmbed(title, "Invalid date", "The provided date does not exist"), false
	case errors.Is(err, ErrInvalidReminder):
		return warningEmbed(title, "Invalid reminder", "The provided reminder is not valid"), false
	default:
		return errorEmbed(b.config.Discord.ErrorMessage), true
	}
}

// reminderAutocomplete suggests the user's active reminders matching
// what they've typed so far.
func (b *Bot) reminderAutocomplete(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) {
	logger := handler.Logger()

	var query string
	for _, opt := range leafOptions(handler.GetInteraction().ApplicationCommandData().Options) {
		if opt.Focused {
			query = opt.StringValue()
			break
		}
	}

	reminders, err := b.reminders.Search(ctx, u.ID, query, discordMaxAutocompleteChoices)
	if err != nil {
		logger.ErrorContext(ctx, "error searching reminders", tint.Err(err))
	}

	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(reminders))
	for _, r := range reminders {
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  ellipsize(r.Content, discordMaxAutocompleteNameLength),
				Value: strconv.FormatUint(uint64(r.ID), 10),
			},
		)
	}

	err = handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionApplicationCommandAutocompleteResult,
			Data: &discordgo.InteractionResponseData{Choices: choices},
		},
	)
	if err != nil {
		logger.DebugContext(ctx, "error responding to autocomplete", tint.Err(err))
	}
}
