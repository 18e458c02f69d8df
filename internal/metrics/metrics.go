// Package metrics defines the Prometheus instruments the bot exposes on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FeedPollCycles counts completed feed poll cycles.
	FeedPollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cybot_feed_poll_cycles_total",
		Help: "Completed feed poll cycles.",
	})

	// FeedPollFailures counts feed poll cycles that errored.
	FeedPollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cybot_feed_poll_failures_total",
		Help: "Feed poll cycles that ended in an error.",
	})

	// FeedEventsDelivered counts feed events delivered to channels.
	FeedEventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cybot_feed_events_delivered_total",
		Help: "Feed events delivered to subscribed channels.",
	})

	// StatsFetches counts per-user stats snapshots, labeled by outcome.
	StatsFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cybot_stats_fetches_total",
		Help: "Per-user GitHub stats snapshot attempts.",
	}, []string{"outcome"})

	// LeaderboardCycles counts leaderboard cycles, labeled by cadence.
	LeaderboardCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cybot_leaderboard_cycles_total",
		Help: "Completed leaderboard cycles.",
	}, []string{"cadence"})

	// RoleChanges counts role grants and revocations from reconciliation.
	RoleChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cybot_role_changes_total",
		Help: "Role membership changes applied during reconciliation.",
	}, []string{"direction"})

	// Verifications counts completed email verifications.
	Verifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cybot_verifications_total",
		Help: "Completed email verifications.",
	})

	// LinkedMembers tracks the current number of linked members.
	LinkedMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cybot_linked_members",
		Help: "Members with a linked GitHub account.",
	})
)
