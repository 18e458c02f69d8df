package stats

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lnmiit-devs/cybot/internal/githubapi"
	"github.com/lnmiit-devs/cybot/internal/store"
)

// defaultWindow bounds contribution searches to the trailing year.
const defaultWindow = 365 * 24 * time.Hour

// Record is one member's aggregated GitHub activity snapshot.
type Record struct {
	MemberID     string
	Username     string
	User         githubapi.User
	TotalStars   int
	TotalRepos   int
	MergedPRs    int
	IssuesOpened int
	FetchedAt    time.Time
	Err          string
}

// Failed reports whether the snapshot carries no usable profile data.
func (r Record) Failed() bool {
	return r.Err != ""
}

// DataAPI is the GitHub query surface the aggregator needs.
type DataAPI interface {
	GetUser(ctx context.Context, username string) (githubapi.UserResult, error)
	ListUserRepos(ctx context.Context, username string) (githubapi.RepoListResult, error)
	CountMergedPRs(ctx context.Context, username, org string, since time.Time) (githubapi.CountResult, error)
	CountIssuesOpened(ctx context.Context, username, org string, since time.Time) (githubapi.CountResult, error)
}

// Aggregator builds per-user activity snapshots. A missing profile is the
// only hard failure; every other degraded call collapses to zero so one
// flaky endpoint cannot sink a whole leaderboard cycle.
type Aggregator struct {
	api    DataAPI
	org    string
	window time.Duration
	logger *zap.Logger
	// Now and Sleep are injected for testability.
	Now   func() time.Time
	Sleep func(time.Duration)
}

// NewAggregator creates a stats aggregator. org optionally scopes
// contribution searches to one GitHub organization.
func NewAggregator(api DataAPI, org string, logger *zap.Logger) (*Aggregator, error) {
	if api == nil {
		return nil, errors.New("data api is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		api:    api,
		org:    strings.TrimSpace(org),
		window: defaultWindow,
		logger: logger,
		Now:    time.Now,
		Sleep:  time.Sleep,
	}, nil
}

// pace honors the rate-limit decision attached to the previous call before
// the next one goes out.
func (a *Aggregator) pace(meta githubapi.CallMeta) {
	decision := meta.Decision
	if decision.Allow || decision.WaitFor <= 0 {
		return
	}
	a.logger.Debug("pausing for rate limit",
		zap.Duration("wait", decision.WaitFor),
		zap.String("reason", decision.Reason))
	a.Sleep(decision.WaitFor)
}

// FetchUserStats builds the activity snapshot for one GitHub username.
// The returned error covers invalid input only; lookup failures surface
// through Record.Err so callers can render them per user.
func (a *Aggregator) FetchUserStats(ctx context.Context, username string) (Record, error) {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" {
		return Record{}, errors.New("username is required")
	}

	record := Record{Username: trimmed, FetchedAt: a.Now()}

	userResult, err := a.api.GetUser(ctx, trimmed)
	if err != nil {
		return Record{}, err
	}
	a.pace(userResult.Meta)
	switch userResult.Status {
	case githubapi.StatusOK:
		record.User = userResult.User
	case githubapi.StatusNotFound:
		record.Err = "user not found"
		return record, nil
	default:
		record.Err = "profile unavailable"
		return record, nil
	}

	repoResult, err := a.api.ListUserRepos(ctx, trimmed)
	if err != nil {
		return Record{}, err
	}
	a.pace(repoResult.Meta)
	if repoResult.Status == githubapi.StatusOK {
		record.TotalRepos = len(repoResult.Repos)
		for _, repo := range repoResult.Repos {
			record.TotalStars += repo.Stars
		}
	} else {
		a.logger.Warn("repo listing degraded, counting zero",
			zap.String("username", trimmed),
			zap.String("status", string(repoResult.Status)))
	}

	since := record.FetchedAt.Add(-a.window)
	record.MergedPRs = a.countOrZero(ctx, trimmed, "merged prs", since, a.api.CountMergedPRs)
	record.IssuesOpened = a.countOrZero(ctx, trimmed, "issues opened", since, a.api.CountIssuesOpened)
	return record, nil
}

// FetchAll builds snapshots for every linked member. Per-user failures are
// recorded inline; the slice always covers all links in input order.
func (a *Aggregator) FetchAll(ctx context.Context, links []store.Link) []Record {
	records := make([]Record, 0, len(links))
	for _, link := range links {
		record, err := a.FetchUserStats(ctx, link.Username)
		if err != nil {
			record = Record{Username: link.Username, FetchedAt: a.Now(), Err: err.Error()}
		}
		record.MemberID = link.MemberID
		if record.Failed() {
			a.logger.Warn("user stats fetch failed",
				zap.String("username", link.Username),
				zap.String("reason", record.Err))
		}
		records = append(records, record)
	}
	return records
}

type countFunc func(ctx context.Context, username, org string, since time.Time) (githubapi.CountResult, error)

func (a *Aggregator) countOrZero(ctx context.Context, username, kind string, since time.Time, count countFunc) int {
	result, err := count(ctx, username, a.org, since)
	if err != nil {
		a.logger.Warn("contribution count failed, counting zero",
			zap.String("username", username),
			zap.String("kind", kind),
			zap.Error(err))
		return 0
	}
	a.pace(result.Meta)
	if result.Status != githubapi.StatusOK {
		a.logger.Warn("contribution count degraded, counting zero",
			zap.String("username", username),
			zap.String("kind", kind),
			zap.String("status", string(result.Status)))
		return 0
	}
	return result.Total
}
