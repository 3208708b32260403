package sonibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	reactionRoleSubcommandCreate = "create"
	reactionRoleSubcommandRemove = "remove"

	reactionRoleOptionMessage = "message"
	reactionRoleOptionEmote   = "emote"
	reactionRoleOptionRole    = "role"

	columnReactionRoleGuildID   = "guild_id"
	columnReactionRoleMessageID = "message_id"
	columnReactionRoleReaction  = "reaction"
)

var (
	// <:name:id> or <a:name:id>
	customEmojiPattern = regexp.MustCompile(`^<a?:(\w+):(\d+)>$`)

	// https://discord.com/channels/<guild>/<channel>/<message>
	messageLinkPattern = regexp.MustCompile(
		`^https://(?:(?:ptb|canary)\.)?discord(?:app)?\.com/channels/(\d+|@me)/(\d+)/(\d+)$`,
	)
	snowflakePattern = regexp.MustCompile(`^\d+$`)

	errInvalidMessageReference = errors.New("invalid message reference")
)

// ReactionRole grants RoleID to guild members who react to MessageID
// with Reaction, and revokes it when the reaction is removed.
//
//nolint:lll // struct tags can't be split
type ReactionRole struct {
	ModelUintID
	GuildID   string `gorm:"not null;index" json:"guild_id"`
	ChannelID string `gorm:"not null" json:"channel_id"`
	MessageID string `gorm:"not null;index:idx_reaction_role_message" json:"message_id"`
	RoleID    string `gorm:"not null" json:"role_id"`

	// emoji in API name form: the unicode emoji, or name:id for custom emoji
	Reaction  string `gorm:"not null;index:idx_reaction_role_message" json:"reaction"`
	CreatedBy string `json:"created_by"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func (ReactionRole) TableName() string {
	return "reaction_roles"
}

func (r ReactionRole) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(r.ID)),
		slog.String("message_id", r.MessageID),
		slog.String("role_id", r.RoleID),
		slog.String("reaction", r.Reaction),
	)
}

// appCommandReactionRole returns the `/reactionrole` command, available
// in guilds to members with the Manage Roles permission.
func appCommandReactionRole() *discordgo.ApplicationCommand {
	var manageRoles int64 = discordgo.PermissionManageRoles
	dmPerm := false
	contexts := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
	}

	messageOption := func(description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        reactionRoleOptionMessage,
			Description: description,
			Required:    true,
		}
	}

	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandReactionRole,
		Description:              "Manage reaction roles in a server",
		Type:                     discordgo.ChatApplicationCommand,
		DefaultMemberPermissions: &manageRoles,
		DMPermission:             &dmPerm,
		Contexts:                 &contexts,
		IntegrationTypes:         &integrationTypes,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        reactionRoleSubcommandCreate,
				Description: "Create a reaction role",
				Options: []*discordgo.ApplicationCommandOption{
					messageOption("The message to register the reaction role for (ID or link)"),
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        reactionRoleOptionEmote,
						Description: "The emote used for the reaction role (type one emote)",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionRole,
						Name:        reactionRoleOptionRole,
						Description: "The role to assign",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        reactionRoleSubcommandRemove,
				Description: "Remove all reaction roles tied to a specific message (users will keep the role)",
				Options: []*discordgo.ApplicationCommandOption{
					messageOption("The message to remove the reaction roles from (ID or link)"),
				},
			},
		},
	}
}

// parseMessageReference accepts a message ID, which is assumed to be in
// channelID, or a message link.
func parseMessageReference(s string, channelID string) (string, string, error) {
	s = strings.TrimSpace(s)
	if snowflakePattern.MatchString(s) {
		return channelID, s, nil
	}
	if m := messageLinkPattern.FindStringSubmatch(s); m != nil {
		return m[2], m[3], nil
	}
	return "", "", fmt.Errorf("%w: %q", errInvalidMessageReference, s)
}

// parseEmoji converts an emote as typed in discord to its API name.
func parseEmoji(s string) string {
	s = strings.TrimSpace(s)
	if m := customEmojiPattern.FindStringSubmatch(s); m != nil {
		return m[1] + ":" + m[2]
	}
	return s
}

// findReactionRoles returns the reaction roles of a message. An empty
// reaction matches every reaction.
func findReactionRoles(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	messageID string,
	reaction string,
) ([]ReactionRole, error) {
	var roles []ReactionRole
	q := db.WithContext(ctx).Where(
		columnReactionRoleGuildID+" = ? AND "+columnReactionRoleMessageID+" = ?",
		guildID,
		messageID,
	)
	if reaction != "" {
		q = q.Where(columnReactionRoleReaction+" = ?", reaction)
	}
	err := q.Order("id asc").Find(&roles).Error
	return roles, err
}

func listReactionRoles(ctx context.Context, db *gorm.DB, guildID string) ([]ReactionRole, error) {
	var roles []ReactionRole
	q := db.WithContext(ctx)
	if guildID != "" {
		q = q.Where(columnReactionRoleGuildID+" = ?", guildID)
	}
	err := q.Order("id asc").Find(&roles).Error
	return roles, err
}

func restErrorCode(err error) int {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		return restErr.Message.Code
	}
	return 0
}

// handleReactionRoleCommand runs a `/reactionrole` subcommand on behalf of
// u and replies with the result.
func (b *Bot) handleReactionRoleCommand(
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

	var embed *discordgo.MessageEmbed
	var err error

	switch {
	case i.GuildID == "" || i.Member == nil:
		embed = warningEmbed(
			"Can't use command",
			"Server only",
			"Reaction roles can only be managed in a server.",
		)
	case i.Member.Permissions&discordgo.PermissionManageRoles == 0:
		embed = warningEmbed(
			"Insufficient permissions",
			"You do not have the necessary permissions",
			"You need the *Manage Roles* permission to be able to use this command.",
		)
	case subcommand == reactionRoleSubcommandCreate:
		embed, err = b.createReactionRole(ctx, i, u, options)
	case subcommand == reactionRoleSubcommandRemove:
		embed, err = b.removeReactionRoles(ctx, i, options)
	default:
		err = fmt.Errorf("unknown reactionrole subcommand: %q", subcommand)
	}

	if err != nil {
		logger.ErrorContext(ctx, "error running reactionrole command", tint.Err(err))
		embed = errorEmbed(b.config.Discord.ErrorMessage)
	}
	if replyErr := replyEmbed(ctx, handler, embed); replyErr != nil {
		return errors.Join(err, replyErr)
	}
	return err
}

func (b *Bot) createReactionRole(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.MessageEmbed, error) {
	channelID, messageID, err := parseMessageReference(
		stringOptionValue(options, reactionRoleOptionMessage),
		i.ChannelID,
	)
	if err != nil {
		return warningEmbed(
			"Invalid message",
			"The message is invalid",
			"Provide the ID of a message in this channel, or a link to the message.",
		), nil
	}

	roleOption, ok := options[reactionRoleOptionRole]
	if !ok || roleOption == nil {
		return nil, errors.New("missing role option")
	}
	roleID, _ := roleOption.Value.(string)
	if roleID == "" {
		return nil, errors.New("missing role ID")
	}

	reaction := parseEmoji(stringOptionValue(options, reactionRoleOptionEmote))
	if reaction == "" {
		return warningEmbed(
			"Invalid emote",
			"Emote can't be used",
			"The reaction emote has to either be from this server or be a global emoji.",
		), nil
	}

	if err = b.discord.session.MessageReactionAdd(
		channelID,
		messageID,
		reaction,
		discordgo.WithContext(ctx),
	); err != nil {
		switch restErrorCode(err) {
		case discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel:
			return warningEmbed(
				"Incorrect channel",
				"The message could not be found",
				"The reaction message must be in this channel, or be given as a message link.",
			), nil
		case discordgo.ErrCodeUnknownEmoji:
			return warningEmbed(
				"Invalid emote",
				"Emote can't be used",
				"The reaction emote has to either be from this server or be a global emoji.",
			), nil
		default:
			return nil, fmt.Errorf("error reacting to message: %w", err)
		}
	}

	rr := &ReactionRole{
		GuildID:   i.GuildID,
		ChannelID: channelID,
		MessageID: messageID,
		RoleID:    roleID,
		Reaction:  reaction,
		CreatedBy: u.ID,
	}
	if _, err = b.writeDB.Create(ctx, rr); err != nil {
		return nil, fmt.Errorf("error saving reaction role: %w", err)
	}
	b.logger.InfoContext(ctx, "created reaction role", "reaction_role", rr)

	return successEmbed(
		"Successfully created reaction role",
		&discordgo.MessageEmbedField{
			Name:  "Reaction role registered",
			Value: "This reaction role is now active.",
		},
	), nil
}

func (b *Bot) removeReactionRoles(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.MessageEmbed, error) {
	channelID, messageID, err := parseMessageReference(
		stringOptionValue(options, reactionRoleOptionMessage),
		i.ChannelID,
	)
	if err != nil {
		return warningEmbed(
			"Invalid message",
			"The message is invalid",
			"Provide the ID of a message in this channel, or a link to the message.",
		), nil
	}

	roles, err := findReactionRoles(ctx, b.db, i.GuildID, messageID, "")
	if err != nil {
		return nil, fmt.Errorf("error finding reaction roles: %w", err)
	}
	if len(roles) == 0 {
		return warningEmbed(
			"Failed to remove reaction roles",
			"No reaction roles to remove",
			"The specified message does not have any reaction roles.",
		), nil
	}

	if _, err = b.writeDB.Delete(
		ctx,
		&ReactionRole{},
		columnReactionRoleMessageID+" = ? AND "+columnReactionRoleGuildID+" = ?",
		messageID,
		i.GuildID,
	); err != nil {
		return nil, fmt.Errorf("error deleting reaction roles: %w", err)
	}
	b.logger.InfoContext(ctx, "removed reaction roles", "message_id", messageID, "count", len(roles))

	removed := map[string]bool{}
	for _, r := range roles {
		if removed[r.Reaction] {
			continue
		}
		removed[r.Reaction] = true
		if e := b.discord.session.MessageReactionRemove(
			channelID,
			messageID,
			r.Reaction,
			"@me",
			discordgo.WithContext(ctx),
		); e != nil {
			b.logger.WarnContext(ctx, "error removing own reaction", "reaction_role", r, tint.Err(e))
		}
	}

	return successEmbed(
		"Successfully removed reaction role",
		&discordgo.MessageEmbedField{
			Name: "Reaction role removed",
			Value: "This reaction role is no longer active. Users that already have the role " +
				"will still keep it, but it will no longer be assignable through a reaction.",
		},
	), nil
}

// handleReaction grants (or revokes) the roles mapped to a reaction.
// Reactions outside of guilds, and reactions by the bot itself, are
// ignored.
func (b *Bot) handleReaction(
	ctx context.Context,
	r *discordgo.MessageReaction,
	added bool,
) {
	if r == nil || r.GuildID == "" {
		return
	}
	if botUser := b.discord.BotUser(); botUser != nil && botUser.ID == r.UserID {
		return
	}

	reaction := r.Emoji.APIName()
	logger := b.logger.With(
		"message_id", r.MessageID,
		"user_id", r.UserID,
		"reaction", reaction,
		"added", added,
	)

	roles, err := findReactionRoles(ctx, b.db, r.GuildID, r.MessageID, reaction)
	if err != nil {
		logger.ErrorContext(ctx, "error finding reaction roles", tint.Err(err))
		return
	}

	for _, rr := range roles {
		if added {
			err = b.discord.session.GuildMemberRoleAdd(r.GuildID, r.UserID, rr.RoleID, discordgo.WithContext(ctx))
		} else {
			err = b.discord.session.GuildMemberRoleRemove(r.GuildID, r.UserID, rr.RoleID, discordgo.WithContext(ctx))
		}
		if err != nil {
			logger.ErrorContext(ctx, "error updating member role", "reaction_role", rr, tint.Err(err))
			continue
		}
		logger.InfoContext(ctx, "updated member role", "reaction_role", rr)
	}
}

func (b *Bot) handlerReactionAdd(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.MessageReactionAdd,
) {
	return func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if r.Member != nil && r.Member.User != nil && r.Member.User.Bot {
			return
		}
		b.handleReaction(ctx, r.MessageReaction, true)
	}
}

func (b *Bot) handlerReactionRemove(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.MessageReactionRemove,
) {
	return func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
		b.handleReaction(ctx, r.MessageReaction, false)
	}
}
