package githubapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lnmiit-devs/cybot/internal/telemetry"
)

// Status is a normalized GitHub API endpoint outcome. Every non-OK status
// means "no data": the caller must tolerate a degraded result for that call.
type Status string

const (
	// StatusOK indicates a successful response.
	StatusOK Status = "ok"
	// StatusForbidden indicates a rate limit or restricted access. Never retried.
	StatusForbidden Status = "forbidden"
	// StatusNotFound indicates the resource does not exist or is hidden.
	StatusNotFound Status = "not_found"
	// StatusUnavailable indicates a service-side or transport failure after retries.
	StatusUnavailable Status = "unavailable"
	// StatusUnknown indicates an unclassified non-success status.
	StatusUnknown Status = "unknown"
)

// CallMeta reports rate-limit observations for one client call.
type CallMeta struct {
	RateHeaders RateLimitHeaders
	Decision    Decision
}

// User is one GitHub user profile.
type User struct {
	Login       string
	Name        string
	Company     string
	Location    string
	Bio         string
	AvatarURL   string
	Followers   int
	Following   int
	PublicRepos int
}

// Repo is one repository owned by a user.
type Repo struct {
	Name        string
	FullName    string
	Description string
	Language    string
	HTMLURL     string
	Stars       int
	Fork        bool
	UpdatedAt   time.Time
}

// RepoEvent is one wire-level repository event. The payload shape varies by
// Type; internal/feed parses it into a typed variant.
type RepoEvent struct {
	ID        string
	Type      string
	Actor     string
	CreatedAt time.Time
	Payload   json.RawMessage
}

// UserResult is the typed result of a user profile lookup.
type UserResult struct {
	Status Status
	User   User
	Meta   CallMeta
}

// RepoListResult is the typed result of a user repository listing.
type RepoListResult struct {
	Status Status
	Repos  []Repo
	Meta   CallMeta
}

// EventListResult is the typed result of a repository event feed fetch.
// Events are ordered newest-first, as returned by the API.
type EventListResult struct {
	Status Status
	Events []RepoEvent
	Meta   CallMeta
}

// CountResult is the typed result of a search count query.
type CountResult struct {
	Status Status
	Total  int
	Meta   CallMeta
}

// DataClient is a typed GitHub data client for the queries the bot needs.
type DataClient struct {
	gh     *github.Client
	policy RateLimitPolicy
	logger *zap.Logger
}

// NewDataClient creates a typed data client over a configured go-github client.
func NewDataClient(gh *github.Client, policy RateLimitPolicy, logger *zap.Logger) (*DataClient, error) {
	if gh == nil {
		return nil, errors.New("github client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DataClient{gh: gh, policy: policy, logger: logger}, nil
}

// dependencySpan starts a span for one GitHub call when detailed
// dependency tracing is on. The returned span is nil otherwise.
func dependencySpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if !telemetry.ShouldTraceDependencies() {
		return ctx, nil
	}
	return otel.Tracer("cybot/internal/githubapi").Start(ctx, operation)
}

func endSpan(span trace.Span, status Status) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String("github.status", string(status)))
	span.End()
}

// GetUser looks up one user profile.
func (c *DataClient) GetUser(ctx context.Context, username string) (UserResult, error) {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" {
		return UserResult{}, errors.New("username is required")
	}

	ctx, span := dependencySpan(ctx, "githubapi.get_user")
	user, resp, err := c.gh.Users.Get(ctx, trimmed)
	meta, status := c.classify(resp, err, "get user", zap.String("username", trimmed))
	endSpan(span, status)
	if status != StatusOK {
		return UserResult{Status: status, Meta: meta}, nil
	}

	return UserResult{
		Status: StatusOK,
		User: User{
			Login:       user.GetLogin(),
			Name:        user.GetName(),
			Company:     user.GetCompany(),
			Location:    user.GetLocation(),
			Bio:         user.GetBio(),
			AvatarURL:   user.GetAvatarURL(),
			Followers:   user.GetFollowers(),
			Following:   user.GetFollowing(),
			PublicRepos: user.GetPublicRepos(),
		},
		Meta: meta,
	}, nil
}

// ListUserRepos lists up to 100 repositories for one user, newest-updated
// first. A single page only: accounts with more than 100 repositories are
// undercounted, a documented approximation.
func (c *DataClient) ListUserRepos(ctx context.Context, username string) (RepoListResult, error) {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" {
		return RepoListResult{}, errors.New("username is required")
	}

	ctx, span := dependencySpan(ctx, "githubapi.list_user_repos")
	repos, resp, err := c.gh.Repositories.ListByUser(ctx, trimmed, &github.RepositoryListByUserOptions{
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: 100},
	})
	meta, status := c.classify(resp, err, "list user repos", zap.String("username", trimmed))
	endSpan(span, status)
	if status != StatusOK {
		return RepoListResult{Status: status, Meta: meta}, nil
	}

	result := RepoListResult{Status: StatusOK, Meta: meta, Repos: make([]Repo, 0, len(repos))}
	for _, repo := range repos {
		result.Repos = append(result.Repos, Repo{
			Name:        repo.GetName(),
			FullName:    repo.GetFullName(),
			Description: repo.GetDescription(),
			Language:    repo.GetLanguage(),
			HTMLURL:     repo.GetHTMLURL(),
			Stars:       repo.GetStargazersCount(),
			Fork:        repo.GetFork(),
			UpdatedAt:   repo.GetUpdatedAt().Time,
		})
	}
	return result, nil
}

// ListRepoEvents fetches the most recent events for one repository,
// newest-first.
func (c *DataClient) ListRepoEvents(ctx context.Context, owner, repo string, perPage int) (EventListResult, error) {
	trimmedOwner := strings.TrimSpace(owner)
	trimmedRepo := strings.TrimSpace(repo)
	if trimmedOwner == "" || trimmedRepo == "" {
		return EventListResult{}, errors.New("owner and repo are required")
	}
	if perPage <= 0 {
		perPage = 5
	}

	ctx, span := dependencySpan(ctx, "githubapi.list_repo_events")
	events, resp, err := c.gh.Activity.ListRepositoryEvents(ctx, trimmedOwner, trimmedRepo, &github.ListOptions{
		PerPage: perPage,
	})
	meta, status := c.classify(resp, err, "list repo events",
		zap.String("repo", trimmedOwner+"/"+trimmedRepo))
	endSpan(span, status)
	if status != StatusOK {
		return EventListResult{Status: status, Meta: meta}, nil
	}

	result := EventListResult{Status: StatusOK, Meta: meta, Events: make([]RepoEvent, 0, len(events))}
	for _, event := range events {
		result.Events = append(result.Events, RepoEvent{
			ID:        event.GetID(),
			Type:      event.GetType(),
			Actor:     event.GetActor().GetLogin(),
			CreatedAt: event.GetCreatedAt().Time,
			Payload:   event.GetRawPayload(),
		})
	}
	return result, nil
}

// CountMergedPRs counts pull requests authored by username and merged after
// since, optionally scoped to one organization.
func (c *DataClient) CountMergedPRs(ctx context.Context, username, org string, since time.Time) (CountResult, error) {
	return c.searchCount(ctx, buildSearchQuery(username, "is:pr is:merged", org, "merged", since))
}

// CountIssuesOpened counts issues authored by username created after since,
// optionally scoped to one organization.
func (c *DataClient) CountIssuesOpened(ctx context.Context, username, org string, since time.Time) (CountResult, error) {
	return c.searchCount(ctx, buildSearchQuery(username, "is:issue", org, "created", since))
}

func (c *DataClient) searchCount(ctx context.Context, query string) (CountResult, error) {
	if strings.TrimSpace(query) == "" {
		return CountResult{}, errors.New("search query is required")
	}

	ctx, span := dependencySpan(ctx, "githubapi.search_issues")
	result, resp, err := c.gh.Search.Issues(ctx, query, &github.SearchOptions{
		ListOptions: github.ListOptions{PerPage: 1},
	})
	meta, status := c.classify(resp, err, "search issues", zap.String("query", query))
	endSpan(span, status)
	if status != StatusOK {
		return CountResult{Status: status, Meta: meta}, nil
	}
	return CountResult{Status: StatusOK, Total: result.GetTotal(), Meta: meta}, nil
}

func buildSearchQuery(username, qualifiers, org, dateField string, since time.Time) string {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" {
		return ""
	}

	parts := []string{"author:" + trimmed, qualifiers}
	if strings.TrimSpace(org) != "" {
		parts = append(parts, "org:"+strings.TrimSpace(org))
	}
	if !since.IsZero() {
		parts = append(parts, fmt.Sprintf("%s:>%s", dateField, since.UTC().Format("2006-01-02")))
	}
	return strings.Join(parts, " ")
}

// classify folds a go-github response/error pair into a normalized status
// plus call metadata. Transport failures have already been retried by the
// transport layer; here they degrade to "no data".
func (c *DataClient) classify(resp *github.Response, err error, operation string, fields ...zap.Field) (CallMeta, Status) {
	meta := CallMeta{}
	if resp != nil {
		meta.RateHeaders = ParseRateLimitHeaders(resp.Header, resp.StatusCode)
		meta.Decision = c.policy.Evaluate(meta.RateHeaders)
	}

	if err == nil {
		if resp == nil {
			return meta, StatusUnavailable
		}
		return meta, statusFromHTTP(resp.StatusCode)
	}

	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		c.logger.Warn("github rate limit exceeded", append(fields, zap.String("operation", operation))...)
		return meta, StatusForbidden
	}

	var apiErr *github.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		status := statusFromHTTP(apiErr.Response.StatusCode)
		if status != StatusNotFound {
			c.logger.Warn("github api error",
				append(fields,
					zap.String("operation", operation),
					zap.Int("status_code", apiErr.Response.StatusCode))...)
		}
		return meta, status
	}

	c.logger.Warn("github request failed",
		append(fields, zap.String("operation", operation), zap.Error(err))...)
	return meta, StatusUnavailable
}

func statusFromHTTP(statusCode int) Status {
	switch {
	case statusCode >= 200 && statusCode <= 299:
		return StatusOK
	case statusCode == http.StatusForbidden || statusCode == http.StatusTooManyRequests:
		return StatusForbidden
	case statusCode == http.StatusNotFound:
		return StatusNotFound
	case statusCode >= 500:
		return StatusUnavailable
	default:
		return StatusUnknown
	}
}
