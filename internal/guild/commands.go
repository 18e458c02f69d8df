package guild

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lnmiit-devs/cybot/internal/metrics"
	"github.com/lnmiit-devs/cybot/internal/rank"
	"github.com/lnmiit-devs/cybot/internal/stats"
	"github.com/lnmiit-devs/cybot/internal/store"
	"github.com/lnmiit-devs/cybot/internal/verify"
)

// StatsFetcher is the stats surface the command router needs.
type StatsFetcher interface {
	FetchUserStats(ctx context.Context, username string) (stats.Record, error)
	FetchAll(ctx context.Context, links []store.Link) []stats.Record
}

// Verifier runs the email OTP flow.
type Verifier interface {
	Start(ctx context.Context, memberID, email string) error
	Confirm(ctx context.Context, memberID, code string) (verify.Result, error)
}

// RoleGranter grants one role to one member.
type RoleGranter interface {
	GrantRole(ctx context.Context, roleName, memberID string) (bool, error)
}

// Message is one incoming user message.
type Message struct {
	ChannelID string
	AuthorID  string
	Content   string
	IsDM      bool
}

// HandlerConfig configures the command router.
type HandlerConfig struct {
	Prefix           string
	DisplaySize      int
	VerifiedRoleName string
}

// Handler routes prefix commands. Unknown or non-command messages are
// ignored silently.
type Handler struct {
	cfg      HandlerConfig
	links    store.LinkStore
	subs     store.SubscriptionStore
	fetcher  StatsFetcher
	replier  Replier
	verifier Verifier
	granter  RoleGranter
	logger   *zap.Logger
}

// NewHandler creates a command router. verifier and granter may be nil,
// disabling the verify command.
func NewHandler(cfg HandlerConfig, links store.LinkStore, subs store.SubscriptionStore, fetcher StatsFetcher, replier Replier, verifier Verifier, granter RoleGranter, logger *zap.Logger) (*Handler, error) {
	if links == nil || subs == nil {
		return nil, fmt.Errorf("link and subscription stores are required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("stats fetcher is required")
	}
	if replier == nil {
		return nil, fmt.Errorf("replier is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "!"
	}
	if cfg.DisplaySize <= 0 {
		cfg.DisplaySize = 10
	}
	if cfg.VerifiedRoleName == "" {
		cfg.VerifiedRoleName = "Verified"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:      cfg,
		links:    links,
		subs:     subs,
		fetcher:  fetcher,
		replier:  replier,
		verifier: verifier,
		granter:  granter,
		logger:   logger,
	}, nil
}

// Handle processes one incoming message.
func (h *Handler) Handle(ctx context.Context, msg Message) {
	fields, ok := parseCommand(h.cfg.Prefix, msg.Content)
	if !ok {
		return
	}

	var err error
	switch fields[0] {
	case "github":
		err = h.handleGitHub(ctx, msg, fields[1:])
	case "leaderboard":
		err = h.handleLeaderboard(ctx, msg)
	case "info":
		err = h.handleInfo(ctx, msg, fields[1:])
	case "verify":
		err = h.handleVerify(ctx, msg, fields[1:])
	case "help":
		err = h.reply(ctx, msg, h.helpText())
	default:
		return
	}

	if err != nil {
		h.logger.Warn("command failed",
			zap.String("command", fields[0]),
			zap.String("member_id", msg.AuthorID),
			zap.Error(err))
		_ = h.reply(ctx, msg, "Something went wrong, try again later.")
	}
}

func (h *Handler) handleGitHub(ctx context.Context, msg Message, args []string) error {
	if len(args) == 0 {
		return h.reply(ctx, msg, h.helpText())
	}

	switch args[0] {
	case "link":
		if len(args) != 2 {
			return h.reply(ctx, msg, fmt.Sprintf("Usage: `%sgithub link <username>`", h.cfg.Prefix))
		}
		return h.handleLink(ctx, msg, args[1])
	case "unlink":
		removed, err := h.links.RemoveLink(msg.AuthorID)
		if err != nil {
			return err
		}
		if !removed {
			return h.reply(ctx, msg, "You have no linked GitHub account.")
		}
		return h.reply(ctx, msg, "GitHub account unlinked.")
	case "subscribe":
		if len(args) != 2 {
			return h.reply(ctx, msg, fmt.Sprintf("Usage: `%sgithub subscribe <owner/repo>`", h.cfg.Prefix))
		}
		return h.handleSubscribe(ctx, msg, args[1], true)
	case "unsubscribe":
		if len(args) != 2 {
			return h.reply(ctx, msg, fmt.Sprintf("Usage: `%sgithub unsubscribe <owner/repo>`", h.cfg.Prefix))
		}
		return h.handleSubscribe(ctx, msg, args[1], false)
	case "subs":
		repos, err := h.subs.ChannelSubscriptions(msg.ChannelID)
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			return h.reply(ctx, msg, "This channel has no repository subscriptions.")
		}
		return h.reply(ctx, msg, "Subscribed repositories:\n• "+strings.Join(repos, "\n• "))
	case "profile":
		target := ""
		if len(args) > 1 {
			target = args[1]
		}
		return h.handleProfile(ctx, msg, target)
	default:
		return h.reply(ctx, msg, h.helpText())
	}
}

func (h *Handler) handleLink(ctx context.Context, msg Message, username string) error {
	record, err := h.fetcher.FetchUserStats(ctx, username)
	if err != nil {
		return err
	}
	if record.Failed() {
		return h.reply(ctx, msg, fmt.Sprintf("Could not link `%s`: %s.", username, record.Err))
	}

	if err := h.links.PutLink(store.Link{MemberID: msg.AuthorID, Username: record.Username}); err != nil {
		return h.reply(ctx, msg, "Could not link: "+err.Error())
	}
	if err := h.reply(ctx, msg, fmt.Sprintf("Linked to GitHub user `%s`.", record.Username)); err != nil {
		return err
	}
	return h.replier.ReplyEmbed(ctx, msg.ChannelID, ProfileEmbed(record))
}

func (h *Handler) handleSubscribe(ctx context.Context, msg Message, repo string, subscribe bool) error {
	if _, _, ok := store.SplitRepo(repo); !ok {
		return h.reply(ctx, msg, fmt.Sprintf("`%s` is not an `owner/repo` slug.", repo))
	}

	if subscribe {
		added, err := h.subs.Subscribe(repo, msg.ChannelID)
		if err != nil {
			return err
		}
		if !added {
			return h.reply(ctx, msg, "This channel is already subscribed to that repository.")
		}
		return h.reply(ctx, msg, fmt.Sprintf("Subscribed this channel to `%s`.", store.NormalizeRepo(repo)))
	}

	removed, err := h.subs.Unsubscribe(repo, msg.ChannelID)
	if err != nil {
		return err
	}
	if !removed {
		return h.reply(ctx, msg, "This channel is not subscribed to that repository.")
	}
	return h.reply(ctx, msg, fmt.Sprintf("Unsubscribed this channel from `%s`.", store.NormalizeRepo(repo)))
}

func (h *Handler) handleProfile(ctx context.Context, msg Message, target string) error {
	username := target
	switch {
	case target == "":
		link, ok, err := h.links.GetLink(msg.AuthorID)
		if err != nil {
			return err
		}
		if !ok {
			return h.reply(ctx, msg, fmt.Sprintf("Link an account first: `%sgithub link <username>`.", h.cfg.Prefix))
		}
		username = link.Username
	case isMention(target):
		link, ok, err := h.links.GetLink(mentionID(target))
		if err != nil {
			return err
		}
		if !ok {
			return h.reply(ctx, msg, "That member has no linked GitHub account.")
		}
		username = link.Username
	}

	record, err := h.fetcher.FetchUserStats(ctx, username)
	if err != nil {
		return err
	}
	if record.Failed() {
		return h.reply(ctx, msg, fmt.Sprintf("Could not fetch `%s`: %s.", username, record.Err))
	}
	return h.replier.ReplyEmbed(ctx, msg.ChannelID, ProfileEmbed(record))
}

// handleInfo summarizes a member: who they are on Discord and, when
// linked, their GitHub account with a stats snapshot.
func (h *Handler) handleInfo(ctx context.Context, msg Message, args []string) error {
	memberID := msg.AuthorID
	if len(args) == 1 && isMention(args[0]) {
		memberID = mentionID(args[0])
	}

	link, linked, err := h.links.GetLink(memberID)
	if err != nil {
		return err
	}
	if !linked {
		return h.replier.ReplyEmbed(ctx, msg.ChannelID, InfoEmbed(memberID, "", stats.Record{}))
	}

	record, err := h.fetcher.FetchUserStats(ctx, link.Username)
	if err != nil {
		return err
	}
	return h.replier.ReplyEmbed(ctx, msg.ChannelID, InfoEmbed(memberID, link.Username, record))
}

func (h *Handler) handleLeaderboard(ctx context.Context, msg Message) error {
	links, err := h.links.Links()
	if err != nil {
		return err
	}
	ranked := rank.Rank(h.fetcher.FetchAll(ctx, links))
	rows := Rows(rank.TopN(ranked, h.cfg.DisplaySize))
	return h.replier.ReplyEmbed(ctx, msg.ChannelID, LeaderboardEmbed("GitHub Leaderboard", rows))
}

func (h *Handler) handleVerify(ctx context.Context, msg Message, args []string) error {
	if h.verifier == nil {
		return h.reply(ctx, msg, "Verification is not enabled.")
	}
	// The exchange carries the member's email and code; keep it in DMs.
	if !msg.IsDM {
		prompt := fmt.Sprintf("Let's verify in private. Send `%sverify <email>` here.", h.cfg.Prefix)
		if err := h.replier.SendDM(ctx, msg.AuthorID, prompt); err != nil {
			return h.reply(ctx, msg, "I could not DM you. Enable direct messages from server members and try again.")
		}
		return h.reply(ctx, msg, "Check your DMs.")
	}
	if len(args) != 1 {
		return h.reply(ctx, msg, fmt.Sprintf("Usage: `%sverify <email>` then `%sverify <code>`.", h.cfg.Prefix, h.cfg.Prefix))
	}

	if isAllDigits(args[0]) {
		return h.handleVerifyCode(ctx, msg, args[0])
	}

	if err := h.verifier.Start(ctx, msg.AuthorID, args[0]); err != nil {
		return h.reply(ctx, msg, "Could not start verification: "+err.Error())
	}
	return h.reply(ctx, msg, fmt.Sprintf("Verification code sent. Reply with `%sverify <code>` within 2 minutes.", h.cfg.Prefix))
}

func (h *Handler) handleVerifyCode(ctx context.Context, msg Message, code string) error {
	result, err := h.verifier.Confirm(ctx, msg.AuthorID, code)
	if err != nil {
		return h.reply(ctx, msg, "Verification failed: "+err.Error())
	}
	metrics.Verifications.Inc()

	granted := []string{}
	if h.granter != nil {
		if _, err := h.granter.GrantRole(ctx, h.cfg.VerifiedRoleName, msg.AuthorID); err != nil {
			return err
		}
		granted = append(granted, h.cfg.VerifiedRoleName)
		if result.BatchRole != "" {
			if _, err := h.granter.GrantRole(ctx, result.BatchRole, msg.AuthorID); err != nil {
				return err
			}
			granted = append(granted, result.BatchRole)
		}
	}

	if len(granted) == 0 {
		return h.reply(ctx, msg, "Verified!")
	}
	return h.reply(ctx, msg, "Verified! Granted roles: "+strings.Join(granted, ", "))
}

func (h *Handler) reply(ctx context.Context, msg Message, content string) error {
	return h.replier.Reply(ctx, msg.ChannelID, content)
}

func (h *Handler) helpText() string {
	p := h.cfg.Prefix
	return strings.Join([]string{
		"Commands:",
		fmt.Sprintf("`%sgithub link <username>` — link your GitHub account", p),
		fmt.Sprintf("`%sgithub unlink` — remove your link", p),
		fmt.Sprintf("`%sgithub profile [user]` — show a GitHub activity profile", p),
		fmt.Sprintf("`%sgithub subscribe <owner/repo>` — feed repo events into this channel", p),
		fmt.Sprintf("`%sgithub unsubscribe <owner/repo>` — stop the feed", p),
		fmt.Sprintf("`%sgithub subs` — list this channel's subscriptions", p),
		fmt.Sprintf("`%sinfo [@member]` — show a member summary with their GitHub link", p),
		fmt.Sprintf("`%sleaderboard` — show the current GitHub leaderboard", p),
		fmt.Sprintf("`%sverify <email>` — verify your institute email", p),
	}, "\n")
}

// Rows converts ranked records into leaderboard rows with 1-based
// positions.
func Rows(ranked []stats.Record) []LeaderboardRow {
	rows := make([]LeaderboardRow, 0, len(ranked))
	for i, record := range ranked {
		rows = append(rows, LeaderboardRow{
			Position:     i + 1,
			MemberID:     record.MemberID,
			Username:     record.Username,
			TotalStars:   record.TotalStars,
			TotalRepos:   record.TotalRepos,
			MergedPRs:    record.MergedPRs,
			IssuesOpened: record.IssuesOpened,
		})
	}
	return rows
}

func parseCommand(prefix, content string) ([]string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, prefix) {
		return nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(trimmed, prefix))
	if len(fields) == 0 {
		return nil, false
	}
	fields[0] = strings.ToLower(fields[0])
	return fields, true
}

func isMention(arg string) bool {
	return strings.HasPrefix(arg, "<@") && strings.HasSuffix(arg, ">")
}

func mentionID(arg string) string {
	id := strings.TrimSuffix(strings.TrimPrefix(arg, "<@"), ">")
	return strings.TrimPrefix(id, "!")
}

func isAllDigits(arg string) bool {
	if arg == "" {
		return false
	}
	for _, r := range arg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
