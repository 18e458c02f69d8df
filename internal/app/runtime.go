package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lnmiit-devs/cybot/internal/config"
	"github.com/lnmiit-devs/cybot/internal/feed"
	"github.com/lnmiit-devs/cybot/internal/guild"
	"github.com/lnmiit-devs/cybot/internal/health"
	"github.com/lnmiit-devs/cybot/internal/metrics"
	"github.com/lnmiit-devs/cybot/internal/rank"
	"github.com/lnmiit-devs/cybot/internal/sched"
	"github.com/lnmiit-devs/cybot/internal/stats"
	"github.com/lnmiit-devs/cybot/internal/store"
	"github.com/lnmiit-devs/cybot/internal/verify"
)

// boardPublisher posts rendered leaderboards; satisfied by the guild
// adapter.
type boardPublisher interface {
	PublishLeaderboard(ctx context.Context, channelID, title string, rows []guild.LeaderboardRow) error
}

// Runtime owns the bot's wiring and lifecycle: the store, the Discord
// gateway, the GitHub client, and the scheduled feed and leaderboard
// cycles.
type Runtime struct {
	cfg    *config.Config
	logger *zap.Logger

	store      store.Store
	adapter    *guild.Adapter
	aggregator *stats.Aggregator
	poller     *feed.Poller
	reconciler *rank.Reconciler
	handler    *guild.Handler
	scheduler  *sched.Scheduler
	evaluator  *health.StatusEvaluator
	boards     boardPublisher

	schedulerUp atomic.Bool
	githubUp    atomic.Bool
}

// NewRuntime wires the application from configuration.
func NewRuntime(cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	st, err := newStore(cfg, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}

	dataClient, err := newDataClient(cfg, logger.Named("github"))
	if err != nil {
		return nil, fmt.Errorf("build github client: %w", err)
	}

	aggregator, err := stats.NewAggregator(dataClient, cfg.GitHub.Org, logger.Named("stats"))
	if err != nil {
		return nil, fmt.Errorf("build aggregator: %w", err)
	}

	adapter, err := guild.NewAdapter(cfg.Discord.Token, cfg.Discord.GuildID, logger.Named("discord"))
	if err != nil {
		return nil, fmt.Errorf("build discord adapter: %w", err)
	}

	poller, err := feed.NewPoller(dataClient, st, st, adapter, feed.PollerConfig{
		PageSize:        cfg.Feed.PageSize,
		Pacing:          cfg.Feed.Pacing,
		EmitOnFirstPoll: cfg.Feed.EmitOnFirstPoll,
	}, logger.Named("feed"))
	if err != nil {
		return nil, fmt.Errorf("build feed poller: %w", err)
	}

	reconciler, err := rank.NewReconciler(adapter, logger.Named("roles"))
	if err != nil {
		return nil, fmt.Errorf("build role reconciler: %w", err)
	}

	var verifier guild.Verifier
	if cfg.Verify.Enabled {
		fromAddress := cfg.Verify.FromAddress
		if strings.TrimSpace(fromAddress) == "" {
			fromAddress = "verify@" + strings.TrimPrefix(cfg.Verify.EmailDomain, "@")
		}
		mailer, err := verify.NewResendMailer(cfg.Verify.ResendAPIKey, fromAddress)
		if err != nil {
			return nil, fmt.Errorf("build mailer: %w", err)
		}
		service, err := verify.NewService(mailer, cfg.Verify.EmailDomain, cfg.Verify.SessionTimeout, logger.Named("verify"))
		if err != nil {
			return nil, fmt.Errorf("build verify service: %w", err)
		}
		verifier = service
	}

	handler, err := guild.NewHandler(guild.HandlerConfig{
		Prefix:      cfg.Discord.CommandPrefix,
		DisplaySize: cfg.Leaderboard.DisplaySize,
	}, st, st, aggregator, adapter, verifier, reconciler, logger.Named("commands"))
	if err != nil {
		return nil, fmt.Errorf("build command handler: %w", err)
	}

	runtime := &Runtime{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		adapter:    adapter,
		aggregator: aggregator,
		poller:     poller,
		reconciler: reconciler,
		handler:    handler,
		scheduler:  sched.New(logger.Named("sched")),
		evaluator:  health.NewStatusEvaluator(),
		boards:     adapter,
	}
	runtime.githubUp.Store(true)
	return runtime, nil
}

// Start connects the gateway and launches the scheduled cycles.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.adapter.Open(r.handler); err != nil {
		return err
	}

	tasks := []sched.Task{
		{
			Name:           "feed_poll",
			Interval:       r.cfg.Feed.Interval,
			RunImmediately: true,
			Run:            r.runFeedCycle,
		},
		{
			Name:     "daily_roles",
			Interval: r.cfg.Leaderboard.DailyInterval,
			Run:      r.runDailyCycle,
		},
		{
			Name:     "weekly_leaderboard",
			Interval: r.cfg.Leaderboard.WeeklyInterval,
			Run:      r.runWeeklyCycle,
		},
		{
			Name:     "monthly_champions",
			Interval: r.cfg.Leaderboard.MonthlyInterval,
			Run:      r.runMonthlyCycle,
		},
	}
	for _, task := range tasks {
		if err := r.scheduler.Register(task); err != nil {
			return fmt.Errorf("register task %s: %w", task.Name, err)
		}
	}
	if err := r.scheduler.Start(ctx); err != nil {
		return err
	}
	r.schedulerUp.Store(true)
	r.logger.Info("runtime started")
	return nil
}

// Stop shuts the scheduler, gateway and store down.
func (r *Runtime) Stop() {
	r.scheduler.Stop()
	r.schedulerUp.Store(false)
	if err := r.adapter.Close(); err != nil {
		r.logger.Warn("close discord gateway", zap.Error(err))
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("close store", zap.Error(err))
	}
	r.logger.Info("runtime stopped")
}

// Handler returns the HTTP surface: metrics plus health endpoints.
func (r *Runtime) Handler() http.Handler {
	return NewHTTPHandler(promhttp.Handler(), health.NewHandler(r))
}

// CurrentStatus implements health.Provider.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	storeHealthy := true
	if pinger, ok := r.store.(interface{ Ping(context.Context) error }); ok {
		storeHealthy = pinger.Ping(ctx) == nil
	}
	return r.evaluator.Evaluate(health.Input{
		StoreHealthy:     storeHealthy,
		DiscordConnected: r.adapter.Connected(),
		SchedulerHealthy: r.schedulerUp.Load(),
		GitHubHealthy:    r.githubUp.Load(),
	})
}

func (r *Runtime) runFeedCycle(ctx context.Context) error {
	delivered, err := r.poller.PollOnce(ctx)
	metrics.FeedPollCycles.Inc()
	metrics.FeedEventsDelivered.Add(float64(delivered))
	if err != nil {
		metrics.FeedPollFailures.Inc()
		r.githubUp.Store(false)
		return err
	}
	r.githubUp.Store(true)
	return nil
}

// snapshotAll fetches stats for every linked member and returns the
// records in link-insertion order.
func (r *Runtime) snapshotAll(ctx context.Context) ([]stats.Record, error) {
	links, err := r.store.Links()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	metrics.LinkedMembers.Set(float64(len(links)))

	records := r.aggregator.FetchAll(ctx, links)
	healthyGitHub := len(records) == 0
	for _, record := range records {
		if record.Failed() {
			metrics.StatsFetches.WithLabelValues("failure").Inc()
			continue
		}
		metrics.StatsFetches.WithLabelValues("success").Inc()
		healthyGitHub = true
	}
	r.githubUp.Store(healthyGitHub)
	return records, nil
}

// runDailyCycle reconciles the top and contributor roles against fresh
// stats, then posts the daily board.
func (r *Runtime) runDailyCycle(ctx context.Context) error {
	records, err := r.snapshotAll(ctx)
	if err != nil {
		return err
	}
	if err := r.syncRoles(ctx, records); err != nil {
		return err
	}
	if err := r.postBoard(ctx, records, "Daily GitHub Leaderboard", r.cfg.Leaderboard.DisplaySize); err != nil {
		return err
	}
	metrics.LeaderboardCycles.WithLabelValues("daily").Inc()
	return nil
}

// syncRoles converges the top and contributor roles onto records.
func (r *Runtime) syncRoles(ctx context.Context, records []stats.Record) error {
	ranked := rank.Rank(records)
	top := rank.TopN(ranked, r.cfg.Leaderboard.TopRoleSize)
	topIDs := make([]string, 0, len(top))
	for _, record := range top {
		topIDs = append(topIDs, record.MemberID)
	}
	changes, err := r.reconciler.SyncExclusiveRole(ctx, r.cfg.Leaderboard.TopRoleName, topIDs)
	r.countRoleChanges(changes)
	if err != nil {
		return err
	}

	threshold := rank.ContributorThreshold{
		MinStars: r.cfg.Leaderboard.ContributorMinStars,
		MinRepos: r.cfg.Leaderboard.ContributorMinRepos,
	}
	eligibility := make(map[string]bool, len(records))
	for _, record := range records {
		if record.Failed() {
			// Unknown this cycle; leave the member's role untouched.
			continue
		}
		eligibility[record.MemberID] = threshold.Qualifies(record)
	}
	changes, err = r.reconciler.SyncThresholdRole(ctx, r.cfg.Leaderboard.ContributorRoleName, eligibility)
	r.countRoleChanges(changes)
	return err
}

// runWeeklyCycle posts the weekly leaderboard.
func (r *Runtime) runWeeklyCycle(ctx context.Context) error {
	return r.publishBoard(ctx, "Weekly GitHub Leaderboard", r.cfg.Leaderboard.DisplaySize, "weekly")
}

// runMonthlyCycle posts the extended monthly champions board.
func (r *Runtime) runMonthlyCycle(ctx context.Context) error {
	return r.publishBoard(ctx, "Monthly GitHub Champions", r.cfg.Leaderboard.ChampionDisplaySize, "monthly")
}

func (r *Runtime) publishBoard(ctx context.Context, title string, size int, cadence string) error {
	records, err := r.snapshotAll(ctx)
	if err != nil {
		return err
	}
	if err := r.postBoard(ctx, records, title, size); err != nil {
		return err
	}
	metrics.LeaderboardCycles.WithLabelValues(cadence).Inc()
	return nil
}

func (r *Runtime) postBoard(ctx context.Context, records []stats.Record, title string, size int) error {
	channelID := r.cfg.Discord.LeaderboardChannelID
	if channelID == "" {
		channelID = r.cfg.Discord.FeedChannelID
	}
	if channelID == "" {
		r.logger.Warn("no leaderboard channel configured, skipping post",
			zap.String("board", title))
		return nil
	}
	rows := guild.Rows(rank.TopN(rank.Rank(records), size))
	return r.boards.PublishLeaderboard(ctx, channelID, title, rows)
}

func (r *Runtime) countRoleChanges(changes rank.Changes) {
	metrics.RoleChanges.WithLabelValues("added").Add(float64(len(changes.Added)))
	metrics.RoleChanges.WithLabelValues("removed").Add(float64(len(changes.Removed)))
}
