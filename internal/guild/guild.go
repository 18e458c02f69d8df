// Package guild is the Discord-facing boundary: message formatting, the
// gateway adapter and the prefix command router. Everything above it works
// in terms of small interfaces so the bot logic never touches discordgo
// directly.
package guild

import (
	"context"

	"github.com/bwmarrin/discordgo"
)

// LeaderboardRow is one rendered leaderboard line.
type LeaderboardRow struct {
	Position     int
	MemberID     string
	Username     string
	TotalStars   int
	TotalRepos   int
	MergedPRs    int
	IssuesOpened int
}

// Replier sends command responses to a channel.
type Replier interface {
	Reply(ctx context.Context, channelID, content string) error
	ReplyEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error
	SendDM(ctx context.Context, memberID, content string) error
}

// LeaderboardPublisher posts a rendered leaderboard to a channel.
type LeaderboardPublisher interface {
	PublishLeaderboard(ctx context.Context, channelID, title string, rows []LeaderboardRow) error
}
