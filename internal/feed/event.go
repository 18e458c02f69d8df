package feed

import (
	"encoding/json"
	"time"

	"github.com/lnmiit-devs/cybot/internal/githubapi"
)

// Kind discriminates the typed event variants the feed renders.
type Kind string

const (
	// KindPush is a branch push.
	KindPush Kind = "push"
	// KindIssues is an issue lifecycle change.
	KindIssues Kind = "issues"
	// KindPullRequest is a pull request lifecycle change.
	KindPullRequest Kind = "pull_request"
	// KindCreate is a branch or tag creation.
	KindCreate Kind = "create"
	// KindRelease is a release publication.
	KindRelease Kind = "release"
	// KindFork is a repository fork.
	KindFork Kind = "fork"
	// KindWatch is a repository star.
	KindWatch Kind = "watch"
	// KindOther covers event types the feed renders generically.
	KindOther Kind = "other"
)

// Commit is one pushed commit.
type Commit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// PushDetail carries push event fields.
type PushDetail struct {
	Ref     string   `json:"ref"`
	Size    int      `json:"size"`
	Commits []Commit `json:"commits"`
}

// IssuesDetail carries issue event fields.
type IssuesDetail struct {
	Action string `json:"action"`
	Number int
	Title  string
	URL    string
}

// PullRequestDetail carries pull request event fields.
type PullRequestDetail struct {
	Action string `json:"action"`
	Number int    `json:"number"`
	Title  string
	Merged bool
	URL    string
}

// CreateDetail carries branch/tag creation fields.
type CreateDetail struct {
	Ref     string `json:"ref"`
	RefType string `json:"ref_type"`
}

// ReleaseDetail carries release event fields.
type ReleaseDetail struct {
	Action  string `json:"action"`
	TagName string
	Name    string
	URL     string
}

// ForkDetail carries fork event fields.
type ForkDetail struct {
	ForkFullName string
}

// Event is one feed event with exactly one detail variant populated,
// selected by Kind. KindOther and KindWatch carry no detail.
type Event struct {
	ID        string
	Repo      string
	Type      string
	Kind      Kind
	Actor     string
	CreatedAt time.Time

	Push        *PushDetail
	Issues      *IssuesDetail
	PullRequest *PullRequestDetail
	Create      *CreateDetail
	Release     *ReleaseDetail
	Fork        *ForkDetail
}

type issuesPayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
	} `json:"issue"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title   string `json:"title"`
		Merged  bool   `json:"merged"`
		HTMLURL string `json:"html_url"`
	} `json:"pull_request"`
}

type releasePayload struct {
	Action  string `json:"action"`
	Release struct {
		TagName string `json:"tag_name"`
		Name    string `json:"name"`
		HTMLURL string `json:"html_url"`
	} `json:"release"`
}

type forkPayload struct {
	Forkee struct {
		FullName string `json:"full_name"`
	} `json:"forkee"`
}

// ParseEvent lifts a wire-level repository event into a typed feed event.
// Payloads that fail to decode degrade to KindOther instead of erroring;
// a malformed payload must never stall the feed.
func ParseEvent(repo string, raw githubapi.RepoEvent) Event {
	event := Event{
		ID:        raw.ID,
		Repo:      repo,
		Type:      raw.Type,
		Kind:      KindOther,
		Actor:     raw.Actor,
		CreatedAt: raw.CreatedAt,
	}

	switch raw.Type {
	case "PushEvent":
		detail := &PushDetail{}
		if json.Unmarshal(raw.Payload, detail) == nil {
			event.Kind = KindPush
			event.Push = detail
		}
	case "IssuesEvent":
		payload := issuesPayload{}
		if json.Unmarshal(raw.Payload, &payload) == nil {
			event.Kind = KindIssues
			event.Issues = &IssuesDetail{
				Action: payload.Action,
				Number: payload.Issue.Number,
				Title:  payload.Issue.Title,
				URL:    payload.Issue.HTMLURL,
			}
		}
	case "PullRequestEvent":
		payload := pullRequestPayload{}
		if json.Unmarshal(raw.Payload, &payload) == nil {
			event.Kind = KindPullRequest
			event.PullRequest = &PullRequestDetail{
				Action: payload.Action,
				Number: payload.Number,
				Title:  payload.PullRequest.Title,
				Merged: payload.PullRequest.Merged,
				URL:    payload.PullRequest.HTMLURL,
			}
		}
	case "CreateEvent":
		detail := &CreateDetail{}
		if json.Unmarshal(raw.Payload, detail) == nil {
			event.Kind = KindCreate
			event.Create = detail
		}
	case "ReleaseEvent":
		payload := releasePayload{}
		if json.Unmarshal(raw.Payload, &payload) == nil {
			event.Kind = KindRelease
			event.Release = &ReleaseDetail{
				Action:  payload.Action,
				TagName: payload.Release.TagName,
				Name:    payload.Release.Name,
				URL:     payload.Release.HTMLURL,
			}
		}
	case "ForkEvent":
		payload := forkPayload{}
		if json.Unmarshal(raw.Payload, &payload) == nil {
			event.Kind = KindFork
			event.Fork = &ForkDetail{ForkFullName: payload.Forkee.FullName}
		}
	case "WatchEvent":
		event.Kind = KindWatch
	}

	return event
}
