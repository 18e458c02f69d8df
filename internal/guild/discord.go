package guild

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/lnmiit-devs/cybot/internal/feed"
)

// Adapter wraps one discordgo session for one guild. It implements the
// role, notifier and replier interfaces the rest of the bot consumes.
type Adapter struct {
	session *discordgo.Session
	guildID string
	logger  *zap.Logger
}

// NewAdapter creates a gateway adapter. The session stays closed until
// Open is called.
func NewAdapter(token, guildID string, logger *zap.Logger) (*Adapter, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("discord token is required")
	}
	if strings.TrimSpace(guildID) == "" {
		return nil, errors.New("guild id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &Adapter{session: session, guildID: guildID, logger: logger}, nil
}

// Open connects the gateway and routes incoming messages to handler.
func (a *Adapter) Open(handler *Handler) error {
	if handler != nil {
		a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
			if m.Author == nil || m.Author.Bot {
				return
			}
			handler.Handle(context.Background(), Message{
				ChannelID: m.ChannelID,
				AuthorID:  m.Author.ID,
				Content:   m.Content,
				IsDM:      m.GuildID == "",
			})
		})
	}
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	a.logger.Info("discord gateway connected", zap.String("guild_id", a.guildID))
	return nil
}

// Close disconnects the gateway.
func (a *Adapter) Close() error {
	return a.session.Close()
}

// Connected reports whether the gateway session is ready.
func (a *Adapter) Connected() bool {
	return a.session != nil && a.session.DataReady
}

// EnsureRole returns the ID of the named role, creating it when missing.
func (a *Adapter) EnsureRole(ctx context.Context, name string) (string, error) {
	roles, err := a.session.GuildRoles(a.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("list guild roles: %w", err)
	}
	for _, role := range roles {
		if role.Name == name {
			return role.ID, nil
		}
	}

	created, err := a.session.GuildRoleCreate(a.guildID, &discordgo.RoleParams{Name: name}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("create role %q: %w", name, err)
	}
	a.logger.Info("guild role created", zap.String("role", name), zap.String("role_id", created.ID))
	return created.ID, nil
}

// MembersWithRole lists member IDs currently holding a role.
func (a *Adapter) MembersWithRole(ctx context.Context, roleID string) ([]string, error) {
	var holders []string
	after := ""
	for {
		members, err := a.session.GuildMembers(a.guildID, after, 1000, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list guild members: %w", err)
		}
		if len(members) == 0 {
			return holders, nil
		}
		for _, member := range members {
			for _, held := range member.Roles {
				if held == roleID {
					holders = append(holders, member.User.ID)
					break
				}
			}
		}
		after = members[len(members)-1].User.ID
	}
}

// IsMember reports whether the member is currently in the guild.
func (a *Adapter) IsMember(ctx context.Context, memberID string) (bool, error) {
	_, err := a.session.GuildMember(a.guildID, memberID, discordgo.WithContext(ctx))
	if err == nil {
		return true, nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("resolve guild member: %w", err)
}

// AddRole grants a role to a member.
func (a *Adapter) AddRole(ctx context.Context, memberID, roleID string) error {
	return a.session.GuildMemberRoleAdd(a.guildID, memberID, roleID, discordgo.WithContext(ctx))
}

// RemoveRole revokes a role from a member.
func (a *Adapter) RemoveRole(ctx context.Context, memberID, roleID string) error {
	return a.session.GuildMemberRoleRemove(a.guildID, memberID, roleID, discordgo.WithContext(ctx))
}

// PublishEvent posts one feed event to a channel.
func (a *Adapter) PublishEvent(ctx context.Context, channelID string, event feed.Event) error {
	_, err := a.session.ChannelMessageSendEmbed(channelID, EventEmbed(event), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("post feed event: %w", err)
	}
	return nil
}

// PublishLeaderboard posts a rendered leaderboard to a channel.
func (a *Adapter) PublishLeaderboard(ctx context.Context, channelID, title string, rows []LeaderboardRow) error {
	_, err := a.session.ChannelMessageSendEmbed(channelID, LeaderboardEmbed(title, rows), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("post leaderboard: %w", err)
	}
	return nil
}

// Reply sends a plain text message to a channel.
func (a *Adapter) Reply(ctx context.Context, channelID, content string) error {
	_, err := a.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	return err
}

// ReplyEmbed sends an embed to a channel.
func (a *Adapter) ReplyEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error {
	_, err := a.session.ChannelMessageSendEmbed(channelID, embed, discordgo.WithContext(ctx))
	return err
}

// SendDM sends a direct message to a member.
func (a *Adapter) SendDM(ctx context.Context, memberID, content string) error {
	channel, err := a.session.UserChannelCreate(memberID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("open dm channel: %w", err)
	}
	_, err = a.session.ChannelMessageSend(channel.ID, content, discordgo.WithContext(ctx))
	return err
}
