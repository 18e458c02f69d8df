package guild

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/lnmiit-devs/cybot/internal/feed"
	"github.com/lnmiit-devs/cybot/internal/stats"
)

const (
	colorPush        = 0x2ECC71
	colorIssues      = 0xE67E22
	colorPullRequest = 0x3498DB
	colorCreate      = 0x9B59B6
	colorRelease     = 0xF1C40F
	colorFork        = 0x95A5A6
	colorWatch       = 0xE91E63
	colorNeutral     = 0x7289DA

	maxFieldLength = 200
)

var medals = []string{"🥇", "🥈", "🥉"}

// EventEmbed renders one feed event as a Discord embed.
func EventEmbed(event feed.Event) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Color:  kindColor(event.Kind),
		Footer: &discordgo.MessageEmbedFooter{Text: event.Repo},
	}
	if !event.CreatedAt.IsZero() {
		embed.Timestamp = event.CreatedAt.UTC().Format("2006-01-02T15:04:05Z")
	}

	switch event.Kind {
	case feed.KindPush:
		commits := "commits"
		if event.Push.Size == 1 {
			commits = "commit"
		}
		embed.Title = fmt.Sprintf("%s pushed %d %s to %s",
			event.Actor, event.Push.Size, commits, shortRef(event.Push.Ref))
		for _, commit := range event.Push.Commits {
			line := truncate(firstLine(commit.Message), maxFieldLength)
			embed.Description += fmt.Sprintf("`%s` %s\n", shortSHA(commit.SHA), line)
		}
	case feed.KindIssues:
		embed.Title = fmt.Sprintf("%s %s issue #%d", event.Actor, event.Issues.Action, event.Issues.Number)
		embed.Description = truncate(event.Issues.Title, maxFieldLength)
		embed.URL = event.Issues.URL
	case feed.KindPullRequest:
		action := event.PullRequest.Action
		if action == "closed" && event.PullRequest.Merged {
			action = "merged"
		}
		embed.Title = fmt.Sprintf("%s %s pull request #%d", event.Actor, action, event.PullRequest.Number)
		embed.Description = truncate(event.PullRequest.Title, maxFieldLength)
		embed.URL = event.PullRequest.URL
	case feed.KindCreate:
		embed.Title = fmt.Sprintf("%s created %s %s", event.Actor, event.Create.RefType, event.Create.Ref)
	case feed.KindRelease:
		name := event.Release.Name
		if name == "" {
			name = event.Release.TagName
		}
		embed.Title = fmt.Sprintf("%s published release %s", event.Actor, name)
		embed.URL = event.Release.URL
	case feed.KindFork:
		embed.Title = fmt.Sprintf("%s forked the repository", event.Actor)
		embed.Description = event.Fork.ForkFullName
	case feed.KindWatch:
		embed.Title = fmt.Sprintf("%s starred the repository", event.Actor)
	default:
		embed.Title = fmt.Sprintf("%s triggered %s", event.Actor, event.Type)
	}

	embed.Description = strings.TrimRight(embed.Description, "\n")
	return embed
}

// LeaderboardEmbed renders a leaderboard as a Discord embed. The first
// three rows get medals, the rest plain positions.
func LeaderboardEmbed(title string, rows []LeaderboardRow) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: title,
		Color: colorNeutral,
	}
	if len(rows) == 0 {
		embed.Description = "No linked members with GitHub activity yet."
		return embed
	}

	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, fmt.Sprintf("%s **%s** — ⭐ %d · %d repos · %d PRs merged",
			positionMarker(row.Position), row.Username, row.TotalStars, row.TotalRepos, row.MergedPRs))
	}
	embed.Description = strings.Join(lines, "\n")
	return embed
}

// ProfileEmbed renders one member's GitHub activity snapshot.
func ProfileEmbed(record stats.Record) *discordgo.MessageEmbed {
	title := record.Username
	if record.User.Name != "" {
		title = fmt.Sprintf("%s (%s)", record.User.Name, record.Username)
	}
	embed := &discordgo.MessageEmbed{
		Title: title,
		URL:   "https://github.com/" + record.Username,
		Color: colorNeutral,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Stars", Value: fmt.Sprint(record.TotalStars), Inline: true},
			{Name: "Repos", Value: fmt.Sprint(record.TotalRepos), Inline: true},
			{Name: "PRs merged (1y)", Value: fmt.Sprint(record.MergedPRs), Inline: true},
			{Name: "Issues opened (1y)", Value: fmt.Sprint(record.IssuesOpened), Inline: true},
		},
	}
	if record.User.AvatarURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: record.User.AvatarURL}
	}
	if record.User.Bio != "" {
		embed.Description = truncate(record.User.Bio, maxFieldLength)
	}
	return embed
}

// InfoEmbed renders a member summary with their GitHub link, if any.
func InfoEmbed(memberID, username string, record stats.Record) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "User Information",
		Color: colorNeutral,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Member", Value: fmt.Sprintf("<@%s>", memberID), Inline: true},
		},
	}

	if username == "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "GitHub", Value: "not linked", Inline: true,
		})
		return embed
	}

	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
		Name:   "GitHub",
		Value:  fmt.Sprintf("[%s](https://github.com/%s)", username, username),
		Inline: true,
	})
	if !record.Failed() {
		embed.Fields = append(embed.Fields,
			&discordgo.MessageEmbedField{Name: "Stars", Value: fmt.Sprint(record.TotalStars), Inline: true},
			&discordgo.MessageEmbedField{Name: "Repos", Value: fmt.Sprint(record.TotalRepos), Inline: true})
		if record.User.AvatarURL != "" {
			embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: record.User.AvatarURL}
		}
	}
	return embed
}

func positionMarker(position int) string {
	if position >= 1 && position <= len(medals) {
		return medals[position-1]
	}
	return fmt.Sprintf("`#%d`", position)
}

func kindColor(kind feed.Kind) int {
	switch kind {
	case feed.KindPush:
		return colorPush
	case feed.KindIssues:
		return colorIssues
	case feed.KindPullRequest:
		return colorPullRequest
	case feed.KindCreate:
		return colorCreate
	case feed.KindRelease:
		return colorRelease
	case feed.KindFork:
		return colorFork
	case feed.KindWatch:
		return colorWatch
	default:
		return colorNeutral
	}
}

func shortRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func firstLine(message string) string {
	line, _, _ := strings.Cut(message, "\n")
	return line
}

func truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit-1] + "…"
}
