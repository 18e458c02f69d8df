package feed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lnmiit-devs/cybot/internal/githubapi"
)

func rawEvent(id, eventType, payload string) githubapi.RepoEvent {
	return githubapi.RepoEvent{
		ID:        id,
		Type:      eventType,
		Actor:     "alice",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Payload:   json.RawMessage(payload),
	}
}

func TestParseEventPush(t *testing.T) {
	t.Parallel()

	event := ParseEvent("octo/demo", rawEvent("101", "PushEvent", `{
		"ref": "refs/heads/main",
		"size": 2,
		"commits": [
			{"sha": "abc123", "message": "fix flaky watcher"},
			{"sha": "def456", "message": "bump deps"}
		]
	}`))

	if event.Kind != KindPush {
		t.Fatalf("Kind = %q, want %q", event.Kind, KindPush)
	}
	if event.Push == nil {
		t.Fatalf("Push detail missing")
	}
	if event.Push.Ref != "refs/heads/main" || event.Push.Size != 2 {
		t.Fatalf("unexpected push detail: %+v", event.Push)
	}
	if len(event.Push.Commits) != 2 || event.Push.Commits[0].Message != "fix flaky watcher" {
		t.Fatalf("unexpected commits: %+v", event.Push.Commits)
	}
	if event.Repo != "octo/demo" || event.Actor != "alice" {
		t.Fatalf("envelope fields lost: %+v", event)
	}
}

func TestParseEventVariants(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		raw      githubapi.RepoEvent
		wantKind Kind
		check    func(t *testing.T, event Event)
	}{
		{
			name: "issues",
			raw: rawEvent("1", "IssuesEvent",
				`{"action": "opened", "issue": {"number": 7, "title": "crash on startup", "html_url": "https://example.test/7"}}`),
			wantKind: KindIssues,
			check: func(t *testing.T, event Event) {
				if event.Issues.Action != "opened" || event.Issues.Number != 7 {
					t.Fatalf("unexpected issues detail: %+v", event.Issues)
				}
			},
		},
		{
			name: "pull_request",
			raw: rawEvent("2", "PullRequestEvent",
				`{"action": "closed", "number": 12, "pull_request": {"title": "add cache", "merged": true, "html_url": "https://example.test/12"}}`),
			wantKind: KindPullRequest,
			check: func(t *testing.T, event Event) {
				if !event.PullRequest.Merged || event.PullRequest.Number != 12 {
					t.Fatalf("unexpected pull request detail: %+v", event.PullRequest)
				}
			},
		},
		{
			name:     "create",
			raw:      rawEvent("3", "CreateEvent", `{"ref": "v1.2.0", "ref_type": "tag"}`),
			wantKind: KindCreate,
			check: func(t *testing.T, event Event) {
				if event.Create.RefType != "tag" || event.Create.Ref != "v1.2.0" {
					t.Fatalf("unexpected create detail: %+v", event.Create)
				}
			},
		},
		{
			name: "release",
			raw: rawEvent("4", "ReleaseEvent",
				`{"action": "published", "release": {"tag_name": "v1.2.0", "name": "Spring", "html_url": "https://example.test/rel"}}`),
			wantKind: KindRelease,
			check: func(t *testing.T, event Event) {
				if event.Release.TagName != "v1.2.0" || event.Release.Name != "Spring" {
					t.Fatalf("unexpected release detail: %+v", event.Release)
				}
			},
		},
		{
			name:     "fork",
			raw:      rawEvent("5", "ForkEvent", `{"forkee": {"full_name": "bob/demo"}}`),
			wantKind: KindFork,
			check: func(t *testing.T, event Event) {
				if event.Fork.ForkFullName != "bob/demo" {
					t.Fatalf("unexpected fork detail: %+v", event.Fork)
				}
			},
		},
		{
			name:     "watch",
			raw:      rawEvent("6", "WatchEvent", `{"action": "started"}`),
			wantKind: KindWatch,
			check:    func(t *testing.T, event Event) {},
		},
		{
			name:     "unknown_type",
			raw:      rawEvent("7", "GollumEvent", `{"pages": []}`),
			wantKind: KindOther,
			check:    func(t *testing.T, event Event) {},
		},
		{
			name:     "malformed_payload_degrades",
			raw:      rawEvent("8", "PushEvent", `{not json`),
			wantKind: KindOther,
			check: func(t *testing.T, event Event) {
				if event.Push != nil {
					t.Fatalf("push detail should be absent for a malformed payload")
				}
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			event := ParseEvent("octo/demo", tc.raw)
			if event.Kind != tc.wantKind {
				t.Fatalf("Kind = %q, want %q", event.Kind, tc.wantKind)
			}
			tc.check(t, event)
		})
	}
}
