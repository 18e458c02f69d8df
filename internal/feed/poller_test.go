package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lnmiit-devs/cybot/internal/githubapi"
	"github.com/lnmiit-devs/cybot/internal/store"
)

type fakeEventsAPI struct {
	pages map[string]githubapi.EventListResult
	calls int
}

func (f *fakeEventsAPI) ListRepoEvents(_ context.Context, owner, repo string, _ int) (githubapi.EventListResult, error) {
	f.calls++
	if result, ok := f.pages[owner+"/"+repo]; ok {
		return result, nil
	}
	return githubapi.EventListResult{Status: githubapi.StatusOK}, nil
}

type delivery struct {
	channelID string
	eventID   string
}

type recordingNotifier struct {
	deliveries []delivery
	failOn     string
}

func (n *recordingNotifier) PublishEvent(_ context.Context, channelID string, event Event) error {
	if n.failOn != "" && event.ID == n.failOn {
		return errors.New("channel unavailable")
	}
	n.deliveries = append(n.deliveries, delivery{channelID: channelID, eventID: event.ID})
	return nil
}

func eventsPage(ids ...string) githubapi.EventListResult {
	result := githubapi.EventListResult{Status: githubapi.StatusOK}
	for _, id := range ids {
		result.Events = append(result.Events, githubapi.RepoEvent{
			ID:      id,
			Type:    "PushEvent",
			Actor:   "alice",
			Payload: json.RawMessage(`{"size": 1, "ref": "refs/heads/main"}`),
		})
	}
	return result
}

func newTestPoller(t *testing.T, api EventsAPI, notifier Notifier, cfg PollerConfig) (*Poller, *store.FileStore) {
	t.Helper()

	s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore() unexpected error: %v", err)
	}
	poller, err := NewPoller(api, s, s, notifier, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPoller() unexpected error: %v", err)
	}
	poller.Sleep = func(time.Duration) {}
	return poller, s
}

func TestPollOnceDeliversFreshEventsOldestFirst(t *testing.T) {
	t.Parallel()

	api := &fakeEventsAPI{pages: map[string]githubapi.EventListResult{
		"octo/demo": eventsPage("E105", "E104", "E103", "E102", "E101"),
	}}
	notifier := &recordingNotifier{}
	poller, s := newTestPoller(t, api, notifier, PollerConfig{PageSize: 5})

	if _, err := s.Subscribe("octo/demo", "c1"); err != nil {
		t.Fatalf("Subscribe() unexpected error: %v", err)
	}
	if err := s.SetWatermark("octo/demo", "E103"); err != nil {
		t.Fatalf("SetWatermark() unexpected error: %v", err)
	}

	delivered, err := poller.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() unexpected error: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}
	want := []delivery{
		{channelID: "c1", eventID: "E104"},
		{channelID: "c1", eventID: "E105"},
	}
	if len(notifier.deliveries) != len(want) {
		t.Fatalf("deliveries = %v, want %v", notifier.deliveries, want)
	}
	for i := range want {
		if notifier.deliveries[i] != want[i] {
			t.Fatalf("deliveries[%d] = %v, want %v", i, notifier.deliveries[i], want[i])
		}
	}

	watermark, ok, err := s.Watermark("octo/demo")
	if err != nil || !ok {
		t.Fatalf("Watermark() = (ok=%v, err=%v), want present", ok, err)
	}
	if watermark != "E105" {
		t.Fatalf("watermark = %q, want E105", watermark)
	}
}

func TestPollOnceSeedsWatermarkOnFirstSighting(t *testing.T) {
	t.Parallel()

	api := &fakeEventsAPI{pages: map[string]githubapi.EventListResult{
		"octo/demo": eventsPage("E105", "E104"),
	}}
	notifier := &recordingNotifier{}
	poller, s := newTestPoller(t, api, notifier, PollerConfig{PageSize: 5})

	if _, err := s.Subscribe("octo/demo", "c1"); err != nil {
		t.Fatalf("Subscribe() unexpected error: %v", err)
	}

	delivered, err := poller.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() unexpected error: %v", err)
	}
	if delivered != 0 || len(notifier.deliveries) != 0 {
		t.Fatalf("first sighting must not deliver, got %v", notifier.deliveries)
	}
	watermark, ok, _ := s.Watermark("octo/demo")
	if !ok || watermark != "E105" {
		t.Fatalf("watermark = (%q, %v), want seeded to E105", watermark, ok)
	}
}

func TestPollOnceEmitOnFirstPollDeliversBacklog(t *testing.T) {
	t.Parallel()

	api := &fakeEventsAPI{pages: map[string]githubapi.EventListResult{
		"octo/demo": eventsPage("E105", "E104"),
	}}
	notifier := &recordingNotifier{}
	poller, s := newTestPoller(t, api, notifier, PollerConfig{PageSize: 5, EmitOnFirstPoll: true})

	if _, err := s.Subscribe("octo/demo", "c1"); err != nil {
		t.Fatalf("Subscribe() unexpected error: %v", err)
	}

	delivered, err := poller.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() unexpected error: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}
	if notifier.deliveries[0].eventID != "E104" || notifier.deliveries[1].eventID != "E105" {
		t.Fatalf("unexpected deliveries: %v", notifier.deliveries)
	}
}

func TestPollOnceWatermarkOffPageDeliversWholePage(t *testing.T) {
	t.Parallel()

	api := &fakeEventsAPI{pages: map[string]githubapi.EventListResult{
		"octo/demo": eventsPage("E205", "E204", "E203"),
	}}
	notifier := &recordingNotifier{}
	poller, s := newTestPoller(t, api, notifier, PollerConfig{PageSize: 3})

	if _, err := s.Subscribe("octo/demo", "c1"); err != nil {
		t.Fatalf("Subscribe() unexpected error: %v", err)
	}
	if err := s.SetWatermark("octo/demo", "E100"); err != nil {
		t.Fatalf("SetWatermark() unexpected error: %v", err)
	}

	delivered, err := poller.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() unexpected error: %v", err)
	}
	if delivered != 3 {
		t.Fatalf("delivered = %d, want 3", delivered)
	}
	if notifier.deliveries[0].eventID != "E203" {
		t.Fatalf("first delivery = %v, want oldest E203", notifier.deliveries[0])
	}
}

func TestPollOnceIdleWhenNothingNew(t *testing.T) {
	t.Parallel()

	api := &fakeEventsAPI{pages: map[string]githubapi.EventListResult{
		"octo/demo": eventsPage("E105", "E104"),
	}}
	notifier := &recordingNotifier{}
	poller, s := newTestPoller(t, api, notifier, PollerConfig{PageSize: 5})

	if _, err := s.Subscribe("octo/demo", "c1"); err != nil {
		t.Fatalf("Subscribe() unexpected error: %v", err)
	}
	if err := s.SetWatermark("octo/demo", "E105"); err != nil {
		t.Fatalf("SetWatermark() unexpected error: %v", err)
	}

	delivered, err := poller.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() unexpected error: %v", err)
	}
	if delivered != 0 || len(notifier.deliveries) != 0 {
		t.Fatalf("idle cycle should deliver nothing, got %v", notifier.deliveries)
	}
}

func TestPollOnceDeliveryFailureHoldsWatermark(t *testing.T) {
	t.Parallel()

	api := &fakeEventsAPI{pages: map[string]githubapi.EventListResult{
		"octo/demo": eventsPage("E105", "E104"),
	}}
	notifier := &recordingNotifier{failOn: "E105"}
	poller, s := newTestPoller(t, api, notifier, PollerConfig{PageSize: 5})

	if _, err := s.Subscribe("octo/demo", "c1"); err != nil {
		t.Fatalf("Subscribe() unexpected error: %v", err)
	}
	if err := s.SetWatermark("octo/demo", "E103"); err != nil {
		t.Fatalf("SetWatermark() unexpected error: %v", err)
	}

	// Cycle errors are logged per repo, never propagated.
	if _, err := poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() unexpected error: %v", err)
	}

	watermark, _, _ := s.Watermark("octo/demo")
	if watermark != "E103" {
		t.Fatalf("watermark = %q, want unchanged E103 after delivery failure", watermark)
	}
}

func TestPollOnceSkipsReposWithoutSubscribers(t *testing.T) {
	t.Parallel()

	api := &fakeEventsAPI{pages: map[string]githubapi.EventListResult{
		"octo/demo": eventsPage("E105"),
	}}
	notifier := &recordingNotifier{}
	poller, _ := newTestPoller(t, api, notifier, PollerConfig{PageSize: 5})

	delivered, err := poller.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() unexpected error: %v", err)
	}
	if delivered != 0 || api.calls != 0 {
		t.Fatalf("no subscriptions means no API calls, got calls=%d", api.calls)
	}
}

func TestPollOnceFansOutToAllSubscribers(t *testing.T) {
	t.Parallel()

	api := &fakeEventsAPI{pages: map[string]githubapi.EventListResult{
		"octo/demo": eventsPage("E105"),
	}}
	notifier := &recordingNotifier{}
	poller, s := newTestPoller(t, api, notifier, PollerConfig{PageSize: 5})

	for _, channelID := range []string{"c1", "c2"} {
		if _, err := s.Subscribe("octo/demo", channelID); err != nil {
			t.Fatalf("Subscribe() unexpected error: %v", err)
		}
	}
	if err := s.SetWatermark("octo/demo", "E104"); err != nil {
		t.Fatalf("SetWatermark() unexpected error: %v", err)
	}

	delivered, err := poller.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() unexpected error: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	if len(notifier.deliveries) != 2 {
		t.Fatalf("fan-out deliveries = %d, want 2", len(notifier.deliveries))
	}
	seen := map[string]bool{}
	for _, d := range notifier.deliveries {
		if d.eventID != "E105" {
			t.Fatalf("unexpected event id %q", d.eventID)
		}
		seen[d.channelID] = true
	}
	if !seen["c1"] || !seen["c2"] {
		t.Fatalf("both channels should receive the event, got %v", notifier.deliveries)
	}
}

func TestPollOncePacesBetweenEvents(t *testing.T) {
	t.Parallel()

	api := &fakeEventsAPI{pages: map[string]githubapi.EventListResult{
		"octo/demo": eventsPage("E105", "E104", "E103"),
	}}
	notifier := &recordingNotifier{}
	poller, s := newTestPoller(t, api, notifier, PollerConfig{PageSize: 5, Pacing: time.Second})

	var slept []time.Duration
	poller.Sleep = func(d time.Duration) { slept = append(slept, d) }

	if _, err := s.Subscribe("octo/demo", "c1"); err != nil {
		t.Fatalf("Subscribe() unexpected error: %v", err)
	}
	if err := s.SetWatermark("octo/demo", "E102"); err != nil {
		t.Fatalf("SetWatermark() unexpected error: %v", err)
	}

	if _, err := poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() unexpected error: %v", err)
	}
	// Three events, two gaps.
	if len(slept) != 2 {
		t.Fatalf("len(slept) = %d, want 2", len(slept))
	}
	for i, d := range slept {
		if d != time.Second {
			t.Fatalf("slept[%d] = %s, want 1s", i, d)
		}
	}
}

func TestPollOnceHonorsRateLimitPause(t *testing.T) {
	t.Parallel()

	page := eventsPage("E105")
	page.Meta.Decision = githubapi.Decision{
		Allow:   false,
		WaitFor: 35 * time.Second,
		Reason:  "remaining_below_threshold",
	}
	api := &fakeEventsAPI{pages: map[string]githubapi.EventListResult{
		"octo/demo": page,
	}}
	notifier := &recordingNotifier{}
	poller, s := newTestPoller(t, api, notifier, PollerConfig{PageSize: 5})

	var slept []time.Duration
	poller.Sleep = func(d time.Duration) { slept = append(slept, d) }

	if _, err := s.Subscribe("octo/demo", "c1"); err != nil {
		t.Fatalf("Subscribe() unexpected error: %v", err)
	}
	if err := s.SetWatermark("octo/demo", "E104"); err != nil {
		t.Fatalf("SetWatermark() unexpected error: %v", err)
	}

	delivered, err := poller.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() unexpected error: %v", err)
	}
	// The page already fetched is still processed after the pause.
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	if len(slept) != 1 || slept[0] != 35*time.Second {
		t.Fatalf("slept = %v, want [35s]", slept)
	}
}

func TestPollOnceSecondaryLimitEndsCycleEarly(t *testing.T) {
	t.Parallel()

	limited := eventsPage("E105")
	limited.Meta.Decision = githubapi.Decision{
		Allow:   false,
		WaitFor: time.Minute,
		Reason:  "secondary_limit",
	}
	api := &fakeEventsAPI{pages: map[string]githubapi.EventListResult{
		"octo/alpha": limited,
		"octo/zulu":  eventsPage("E205"),
	}}
	notifier := &recordingNotifier{}
	poller, s := newTestPoller(t, api, notifier, PollerConfig{PageSize: 5})

	for _, repo := range []string{"octo/alpha", "octo/zulu"} {
		if _, err := s.Subscribe(repo, "c1"); err != nil {
			t.Fatalf("Subscribe() unexpected error: %v", err)
		}
		if err := s.SetWatermark(repo, "E104"); err != nil {
			t.Fatalf("SetWatermark() unexpected error: %v", err)
		}
	}

	delivered, err := poller.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() unexpected error: %v", err)
	}
	if delivered != 0 || len(notifier.deliveries) != 0 {
		t.Fatalf("secondary limit should deliver nothing, got %v", notifier.deliveries)
	}
	// Repos are walked in sorted order; the cycle stops at the limited one.
	if api.calls != 1 {
		t.Fatalf("api.calls = %d, want 1", api.calls)
	}

	// Nothing advanced: both repos redeliver next cycle.
	watermark, _, _ := s.Watermark("octo/alpha")
	if watermark != "E104" {
		t.Fatalf("watermark = %q, want unchanged E104", watermark)
	}
}

func TestPollOnceIsolatesBrokenRepo(t *testing.T) {
	t.Parallel()

	api := &fakeEventsAPI{pages: map[string]githubapi.EventListResult{
		"octo/bad":  {Status: githubapi.StatusUnavailable},
		"octo/good": eventsPage("E105"),
	}}
	notifier := &recordingNotifier{}
	poller, s := newTestPoller(t, api, notifier, PollerConfig{PageSize: 5})

	for _, repo := range []string{"octo/bad", "octo/good"} {
		if _, err := s.Subscribe(repo, "c1"); err != nil {
			t.Fatalf("Subscribe() unexpected error: %v", err)
		}
		if err := s.SetWatermark(repo, "E104"); err != nil {
			t.Fatalf("SetWatermark() unexpected error: %v", err)
		}
	}

	delivered, err := poller.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() unexpected error: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1 from the healthy repo", delivered)
	}
	if fmt.Sprint(notifier.deliveries) != fmt.Sprint([]delivery{{channelID: "c1", eventID: "E105"}}) {
		t.Fatalf("unexpected deliveries: %v", notifier.deliveries)
	}
}
