package sonibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// discordNotifier delivers reminders as a message in the reminder's
// destination channel, mentioning its owner.
type discordNotifier struct {
	session func() DiscordSessionHandler
	logger  *slog.Logger
}

func newDiscordNotifier(d *Discord, logger *slog.Logger) *discordNotifier {
	return &discordNotifier{
		session: func() DiscordSessionHandler { return d.session },
		logger:  logger,
	}
}

// reminderMessage builds the message delivering r. Only the owner can be
// mentioned, so reminder content can't ping anyone else.
func reminderMessage(r Reminder) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Content: fmt.Sprintf("> <@%s>", r.Owner),
		Embeds: []*discordgo.MessageEmbed{
			newEmbed(
				"Reminder",
				&discordgo.MessageEmbedField{Name: "Reminder", Value: r.Content},
				&discordgo.MessageEmbedField{
					Name:  zeroWidthSpace,
					Value: "Set " + discordTimestamp(r.CreatedTime(), "R"),
				},
			),
		},
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Users: []string{r.Owner},
		},
	}
}

func (n *discordNotifier) Deliver(ctx context.Context, r Reminder) error {
	session := n.session()
	if session == nil {
		return errors.New("discord session not initialized")
	}

	msg, err := session.ChannelMessageSendComplex(
		r.Destination,
		reminderMessage(r),
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(0),
	)
	if err != nil {
		return classifyDeliveryError(err)
	}
	if msg != nil {
		n.logger.DebugContext(ctx, "sent reminder message", "reminder", r, "message_id", msg.ID)
	}
	return nil
}

// classifyDeliveryError marks client errors (other than rate limiting) as
// permanent: the channel is gone, or the bot can't post in it.
func classifyDeliveryError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		status := restErr.Response.StatusCode
		if status >= http.StatusBadRequest &&
			status < http.StatusInternalServerError &&
			status != http.StatusTooManyRequests {
			return &PermanentDeliveryError{Err: err}
		}
	}
	return err
}
