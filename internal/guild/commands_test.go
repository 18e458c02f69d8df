package guild

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/lnmiit-devs/cybot/internal/stats"
	"github.com/lnmiit-devs/cybot/internal/store"
	"github.com/lnmiit-devs/cybot/internal/verify"
)

type fakeReplier struct {
	messages []string
	embeds   []*discordgo.MessageEmbed
	dms      []string
	dmErr    error
}

func (f *fakeReplier) Reply(_ context.Context, _ string, content string) error {
	f.messages = append(f.messages, content)
	return nil
}

func (f *fakeReplier) ReplyEmbed(_ context.Context, _ string, embed *discordgo.MessageEmbed) error {
	f.embeds = append(f.embeds, embed)
	return nil
}

func (f *fakeReplier) SendDM(_ context.Context, _ string, content string) error {
	if f.dmErr != nil {
		return f.dmErr
	}
	f.dms = append(f.dms, content)
	return nil
}

type fakeFetcher struct {
	records map[string]stats.Record
}

func (f *fakeFetcher) FetchUserStats(_ context.Context, username string) (stats.Record, error) {
	if record, ok := f.records[strings.ToLower(username)]; ok {
		return record, nil
	}
	return stats.Record{Username: username, Err: "user not found"}, nil
}

func (f *fakeFetcher) FetchAll(ctx context.Context, links []store.Link) []stats.Record {
	records := make([]stats.Record, 0, len(links))
	for _, link := range links {
		record, _ := f.FetchUserStats(ctx, link.Username)
		record.MemberID = link.MemberID
		records = append(records, record)
	}
	return records
}

type fakeVerifier struct {
	started map[string]string
	result  verify.Result
	err     error
}

func (f *fakeVerifier) Start(_ context.Context, memberID, email string) error {
	if f.started == nil {
		f.started = make(map[string]string)
	}
	f.started[memberID] = email
	return nil
}

func (f *fakeVerifier) Confirm(_ context.Context, _, _ string) (verify.Result, error) {
	return f.result, f.err
}

type fakeGranter struct {
	granted []string
}

func (f *fakeGranter) GrantRole(_ context.Context, roleName, memberID string) (bool, error) {
	f.granted = append(f.granted, roleName+":"+memberID)
	return true, nil
}

type handlerFixture struct {
	handler  *Handler
	replier  *fakeReplier
	store    *store.FileStore
	verifier *fakeVerifier
	granter  *fakeGranter
}

func newHandlerFixture(t *testing.T, fetcher StatsFetcher) *handlerFixture {
	t.Helper()

	s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore() unexpected error: %v", err)
	}
	replier := &fakeReplier{}
	verifier := &fakeVerifier{result: verify.Result{Email: "23ucs123@lnmiit.ac.in", BatchRole: "Y23"}}
	granter := &fakeGranter{}
	handler, err := NewHandler(HandlerConfig{Prefix: "!"}, s, s, fetcher, replier, verifier, granter, zap.NewNop())
	if err != nil {
		t.Fatalf("NewHandler() unexpected error: %v", err)
	}
	return &handlerFixture{handler: handler, replier: replier, store: s, verifier: verifier, granter: granter}
}

func (f *handlerFixture) send(content string) {
	f.handler.Handle(context.Background(), Message{ChannelID: "c1", AuthorID: "m1", Content: content})
}

func (f *handlerFixture) sendDM(content string) {
	f.handler.Handle(context.Background(), Message{ChannelID: "dm1", AuthorID: "m1", Content: content, IsDM: true})
}

func (f *handlerFixture) lastMessage(t *testing.T) string {
	t.Helper()
	if len(f.replier.messages) == 0 {
		t.Fatalf("no reply recorded")
	}
	return f.replier.messages[len(f.replier.messages)-1]
}

func aliceFetcher() *fakeFetcher {
	return &fakeFetcher{records: map[string]stats.Record{
		"alice": {Username: "alice", TotalStars: 42, TotalRepos: 7},
	}}
}

func TestHandleIgnoresNonCommands(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, aliceFetcher())
	f.send("just chatting about go")
	f.send("!")
	f.send("!unknowncommand")

	if len(f.replier.messages) != 0 || len(f.replier.embeds) != 0 {
		t.Fatalf("unexpected replies: %v", f.replier.messages)
	}
}

func TestHandleLink(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, aliceFetcher())
	f.send("!github link alice")

	if !strings.Contains(f.replier.messages[0], "Linked to GitHub user `alice`") {
		t.Fatalf("reply = %q", f.replier.messages[0])
	}
	if len(f.replier.embeds) != 1 {
		t.Fatalf("expected a profile embed after linking")
	}

	link, ok, err := f.store.GetLink("m1")
	if err != nil || !ok || link.Username != "alice" {
		t.Fatalf("link not persisted: (%+v, %v, %v)", link, ok, err)
	}
}

func TestHandleLinkUnknownUser(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, aliceFetcher())
	f.send("!github link ghost")

	if !strings.Contains(f.lastMessage(t), "user not found") {
		t.Fatalf("reply = %q", f.lastMessage(t))
	}
	if _, ok, _ := f.store.GetLink("m1"); ok {
		t.Fatalf("failed link should not persist")
	}
}

func TestHandleUnlink(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, aliceFetcher())
	f.send("!github unlink")
	if !strings.Contains(f.lastMessage(t), "no linked GitHub account") {
		t.Fatalf("reply = %q", f.lastMessage(t))
	}

	f.send("!github link alice")
	f.send("!github unlink")
	if !strings.Contains(f.lastMessage(t), "unlinked") {
		t.Fatalf("reply = %q", f.lastMessage(t))
	}
}

func TestHandleSubscribeFlow(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, aliceFetcher())

	f.send("!github subscribe octo/demo")
	if !strings.Contains(f.lastMessage(t), "Subscribed this channel to `octo/demo`") {
		t.Fatalf("reply = %q", f.lastMessage(t))
	}
	f.send("!github subscribe octo/demo")
	if !strings.Contains(f.lastMessage(t), "already subscribed") {
		t.Fatalf("reply = %q", f.lastMessage(t))
	}
	f.send("!github subscribe notaslug")
	if !strings.Contains(f.lastMessage(t), "not an `owner/repo` slug") {
		t.Fatalf("reply = %q", f.lastMessage(t))
	}

	f.send("!github subs")
	if !strings.Contains(f.lastMessage(t), "octo/demo") {
		t.Fatalf("reply = %q", f.lastMessage(t))
	}

	f.send("!github unsubscribe octo/demo")
	if !strings.Contains(f.lastMessage(t), "Unsubscribed") {
		t.Fatalf("reply = %q", f.lastMessage(t))
	}
	f.send("!github unsubscribe octo/demo")
	if !strings.Contains(f.lastMessage(t), "not subscribed") {
		t.Fatalf("reply = %q", f.lastMessage(t))
	}
}

func TestHandleProfileOwnLink(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, aliceFetcher())

	f.send("!github profile")
	if !strings.Contains(f.lastMessage(t), "Link an account first") {
		t.Fatalf("reply = %q", f.lastMessage(t))
	}

	f.send("!github link alice")
	embedsBefore := len(f.replier.embeds)
	f.send("!github profile")
	if len(f.replier.embeds) != embedsBefore+1 {
		t.Fatalf("expected a profile embed")
	}
}

func TestHandleProfileMention(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, aliceFetcher())
	if err := f.store.PutLink(store.Link{MemberID: "m2", Username: "alice"}); err != nil {
		t.Fatalf("PutLink() unexpected error: %v", err)
	}

	f.send("!github profile <@!m2>")
	if len(f.replier.embeds) != 1 {
		t.Fatalf("expected a profile embed for mentioned member")
	}

	f.send("!github profile <@m9>")
	if !strings.Contains(f.lastMessage(t), "no linked GitHub account") {
		t.Fatalf("reply = %q", f.lastMessage(t))
	}
}

func TestHandleLeaderboard(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{records: map[string]stats.Record{
		"alice": {Username: "alice", TotalStars: 42},
		"bob":   {Username: "bob", TotalStars: 99},
	}}
	f := newHandlerFixture(t, fetcher)
	for _, link := range []store.Link{{MemberID: "m1", Username: "alice"}, {MemberID: "m2", Username: "bob"}} {
		if err := f.store.PutLink(link); err != nil {
			t.Fatalf("PutLink() unexpected error: %v", err)
		}
	}

	f.send("!leaderboard")
	if len(f.replier.embeds) != 1 {
		t.Fatalf("expected a leaderboard embed")
	}
	lines := strings.Split(f.replier.embeds[0].Description, "\n")
	if !strings.Contains(lines[0], "bob") {
		t.Fatalf("first line = %q, want bob on top", lines[0])
	}
}

func TestHandleInfo(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, aliceFetcher())

	f.send("!info")
	if len(f.replier.embeds) != 1 {
		t.Fatalf("expected an info embed, got %d", len(f.replier.embeds))
	}
	if f.replier.embeds[0].Fields[1].Value != "not linked" {
		t.Fatalf("GitHub field = %q, want not linked", f.replier.embeds[0].Fields[1].Value)
	}

	if err := f.store.PutLink(store.Link{MemberID: "m1", Username: "alice"}); err != nil {
		t.Fatalf("PutLink() unexpected error: %v", err)
	}
	f.send("!info")
	embed := f.replier.embeds[len(f.replier.embeds)-1]
	if !strings.Contains(embed.Fields[1].Value, "github.com/alice") {
		t.Fatalf("GitHub field = %q, want link to alice", embed.Fields[1].Value)
	}
	if embed.Fields[2].Name != "Stars" || embed.Fields[2].Value != "42" {
		t.Fatalf("Stars field = %+v, want 42", embed.Fields[2])
	}
}

func TestHandleInfoForMention(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, aliceFetcher())
	if err := f.store.PutLink(store.Link{MemberID: "m9", Username: "alice"}); err != nil {
		t.Fatalf("PutLink() unexpected error: %v", err)
	}

	f.send("!info <@m9>")
	if len(f.replier.embeds) != 1 {
		t.Fatalf("expected an info embed, got %d", len(f.replier.embeds))
	}
	if f.replier.embeds[0].Fields[0].Value != "<@m9>" {
		t.Fatalf("Member field = %q, want <@m9>", f.replier.embeds[0].Fields[0].Value)
	}
}

func TestHandleVerifyFlow(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, aliceFetcher())

	f.sendDM("!verify 23ucs123@lnmiit.ac.in")
	if f.verifier.started["m1"] != "23ucs123@lnmiit.ac.in" {
		t.Fatalf("verification not started: %v", f.verifier.started)
	}
	if !strings.Contains(f.lastMessage(t), "code sent") {
		t.Fatalf("reply = %q", f.lastMessage(t))
	}

	f.sendDM("!verify 123456")
	if !strings.Contains(f.lastMessage(t), "Verified!") {
		t.Fatalf("reply = %q", f.lastMessage(t))
	}
	want := []string{"Verified:m1", "Y23:m1"}
	if len(f.granter.granted) != len(want) {
		t.Fatalf("granted = %v, want %v", f.granter.granted, want)
	}
	for i := range want {
		if f.granter.granted[i] != want[i] {
			t.Fatalf("granted = %v, want %v", f.granter.granted, want)
		}
	}
}

func TestHandleVerifyInChannelRedirectsToDM(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, aliceFetcher())

	f.send("!verify 23ucs123@lnmiit.ac.in")
	if len(f.verifier.started) != 0 {
		t.Fatalf("channel message must not start verification: %v", f.verifier.started)
	}
	if len(f.replier.dms) != 1 || !strings.Contains(f.replier.dms[0], "verify <email>") {
		t.Fatalf("dms = %v, want the DM prompt", f.replier.dms)
	}
	if !strings.Contains(f.lastMessage(t), "Check your DMs") {
		t.Fatalf("reply = %q", f.lastMessage(t))
	}
}

func TestHandleVerifyDMsClosed(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, aliceFetcher())
	f.replier.dmErr = errors.New("cannot message this user")

	f.send("!verify 23ucs123@lnmiit.ac.in")
	if !strings.Contains(f.lastMessage(t), "could not DM you") {
		t.Fatalf("reply = %q", f.lastMessage(t))
	}
}

func TestHandleVerifyDisabled(t *testing.T) {
	t.Parallel()

	s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore() unexpected error: %v", err)
	}
	replier := &fakeReplier{}
	handler, err := NewHandler(HandlerConfig{}, s, s, aliceFetcher(), replier, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewHandler() unexpected error: %v", err)
	}

	handler.Handle(context.Background(), Message{ChannelID: "c1", AuthorID: "m1", Content: "!verify a@b.c"})
	if !strings.Contains(replier.messages[0], "not enabled") {
		t.Fatalf("reply = %q", replier.messages[0])
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		content string
		want    []string
		wantOK  bool
	}{
		{content: "!github link alice", want: []string{"github", "link", "alice"}, wantOK: true},
		{content: "  !LEADERBOARD  ", want: []string{"leaderboard"}, wantOK: true},
		{content: "github link alice", wantOK: false},
		{content: "!", wantOK: false},
		{content: "", wantOK: false},
	}

	for _, tc := range testCases {
		fields, ok := parseCommand("!", tc.content)
		if ok != tc.wantOK {
			t.Fatalf("parseCommand(%q) ok = %v, want %v", tc.content, ok, tc.wantOK)
		}
		if !ok {
			continue
		}
		if len(fields) != len(tc.want) {
			t.Fatalf("parseCommand(%q) = %v, want %v", tc.content, fields, tc.want)
		}
		for i := range tc.want {
			if fields[i] != tc.want[i] {
				t.Fatalf("parseCommand(%q) = %v, want %v", tc.content, fields, tc.want)
			}
		}
	}
}

func TestMentionHelpers(t *testing.T) {
	t.Parallel()

	if !isMention("<@123>") || !isMention("<@!123>") || isMention("alice") {
		t.Fatalf("isMention misclassified")
	}
	if mentionID("<@123>") != "123" || mentionID("<@!123>") != "123" {
		t.Fatalf("mentionID failed")
	}
}
