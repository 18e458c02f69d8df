package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lnmiit-devs/cybot/internal/githubapi"
	"github.com/lnmiit-devs/cybot/internal/store"
)

// EventsAPI is the GitHub query surface the poller needs.
type EventsAPI interface {
	ListRepoEvents(ctx context.Context, owner, repo string, perPage int) (githubapi.EventListResult, error)
}

// Notifier delivers one feed event to one channel.
type Notifier interface {
	PublishEvent(ctx context.Context, channelID string, event Event) error
}

// PollerConfig configures the feed poller.
type PollerConfig struct {
	// PageSize is the events page fetched per repository per cycle.
	PageSize int
	// Pacing is the delay between delivered events.
	Pacing time.Duration
	// EmitOnFirstPoll delivers the first page seen for a repository with
	// no watermark. Off by default: a fresh watermark is seeded silently
	// so restarts and new subscriptions do not flood channels.
	EmitOnFirstPoll bool
}

// Poller walks subscribed repository feeds and delivers events newer than
// each repository's watermark, oldest first. The watermark only advances
// after every fresh event for that repository was delivered, so a failed
// delivery is retried on the next cycle rather than dropped.
type Poller struct {
	api      EventsAPI
	cursors  store.CursorStore
	subs     store.SubscriptionStore
	notifier Notifier
	cfg      PollerConfig
	logger   *zap.Logger
	// Sleep is injected for testability.
	Sleep func(time.Duration)
}

// NewPoller creates a feed poller.
func NewPoller(api EventsAPI, cursors store.CursorStore, subs store.SubscriptionStore, notifier Notifier, cfg PollerConfig, logger *zap.Logger) (*Poller, error) {
	if api == nil {
		return nil, errors.New("events api is required")
	}
	if cursors == nil || subs == nil {
		return nil, errors.New("cursor and subscription stores are required")
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		api:      api,
		cursors:  cursors,
		subs:     subs,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		Sleep:    time.Sleep,
	}, nil
}

// PollOnce runs one poll cycle over every subscribed repository. Per-repo
// failures are logged and skipped; one broken repository must not starve
// the rest of the cycle.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	repos, err := p.subs.Repos()
	if err != nil {
		return 0, fmt.Errorf("list subscribed repos: %w", err)
	}

	delivered := 0
	for _, repo := range repos {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		count, err := p.pollRepo(ctx, repo)
		delivered += count
		if errors.Is(err, errSecondaryLimited) {
			p.logger.Warn("secondary rate limit hit, ending poll cycle early",
				zap.String("repo", repo))
			break
		}
		if err != nil {
			p.logger.Warn("repo poll failed",
				zap.String("repo", repo), zap.Error(err))
		}
	}
	return delivered, nil
}

// errSecondaryLimited aborts the remainder of a poll cycle; the skipped
// repos are picked up again on the next tick.
var errSecondaryLimited = errors.New("secondary rate limit hit")

func (p *Poller) pollRepo(ctx context.Context, repo string) (int, error) {
	owner, name, ok := store.SplitRepo(repo)
	if !ok {
		return 0, fmt.Errorf("malformed repo key %q", repo)
	}

	channels, err := p.subs.Subscribers(repo)
	if err != nil {
		return 0, fmt.Errorf("list subscribers: %w", err)
	}
	if len(channels) == 0 {
		return 0, nil
	}

	result, err := p.api.ListRepoEvents(ctx, owner, name, p.cfg.PageSize)
	if err != nil {
		return 0, err
	}
	if decision := result.Meta.Decision; !decision.Allow {
		if decision.Reason == "secondary_limit" {
			return 0, errSecondaryLimited
		}
		if decision.WaitFor > 0 {
			p.logger.Debug("pausing for rate limit",
				zap.String("repo", repo),
				zap.Duration("wait", decision.WaitFor))
			p.Sleep(decision.WaitFor)
		}
	}
	if result.Status != githubapi.StatusOK {
		p.logger.Debug("repo events unavailable",
			zap.String("repo", repo),
			zap.String("status", string(result.Status)))
		return 0, nil
	}
	if len(result.Events) == 0 {
		return 0, nil
	}

	newest := result.Events[0].ID
	watermark, seen, err := p.cursors.Watermark(repo)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	if !seen && !p.cfg.EmitOnFirstPoll {
		// First sighting: seed the watermark without delivering, so a
		// new subscription does not replay the repository's backlog.
		if err := p.cursors.SetWatermark(repo, newest); err != nil {
			return 0, fmt.Errorf("seed watermark: %w", err)
		}
		return 0, nil
	}

	fresh := freshEvents(result.Events, watermark)
	if len(fresh) == 0 {
		return 0, nil
	}

	delivered := 0
	// fresh is newest-first; deliver oldest-first.
	for i := len(fresh) - 1; i >= 0; i-- {
		event := ParseEvent(repo, fresh[i])
		for _, channelID := range channels {
			if err := p.notifier.PublishEvent(ctx, channelID, event); err != nil {
				// Watermark stays put: these events redeliver next cycle.
				return delivered, fmt.Errorf("deliver event %s to channel %s: %w", event.ID, channelID, err)
			}
		}
		delivered++
		if p.cfg.Pacing > 0 && i > 0 {
			p.Sleep(p.cfg.Pacing)
		}
	}

	if err := p.cursors.SetWatermark(repo, newest); err != nil {
		return delivered, fmt.Errorf("advance watermark: %w", err)
	}
	return delivered, nil
}

// freshEvents returns the newest-first prefix of events strictly newer than
// the watermark. When the watermark has fallen off the page, the whole page
// counts as fresh.
func freshEvents(events []githubapi.RepoEvent, watermark string) []githubapi.RepoEvent {
	if watermark == "" {
		return events
	}
	for i, event := range events {
		if event.ID == watermark {
			return events[:i]
		}
	}
	return events
}
