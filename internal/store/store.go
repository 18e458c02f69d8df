package store

import "strings"

// Link binds one guild member to one GitHub username. A member has at most
// one link; a username may be claimed by at most one member.
type Link struct {
	MemberID string `json:"member_id"`
	Username string `json:"username"`
}

// LinkStore persists member-to-GitHub links. All() returns links in
// insertion order, which downstream ranking uses as a stable tie-break.
type LinkStore interface {
	PutLink(link Link) error
	RemoveLink(memberID string) (bool, error)
	GetLink(memberID string) (Link, bool, error)
	FindByUsername(username string) (Link, bool, error)
	Links() ([]Link, error)
}

// SubscriptionStore persists channel subscriptions to repository feeds.
// Repositories are keyed by their "owner/name" slug.
type SubscriptionStore interface {
	Subscribe(repo, channelID string) (bool, error)
	Unsubscribe(repo, channelID string) (bool, error)
	Subscribers(repo string) ([]string, error)
	ChannelSubscriptions(channelID string) ([]string, error)
	Repos() ([]string, error)
}

// CursorStore persists per-repository feed watermarks. A watermark is the
// newest event ID already delivered for that repository.
type CursorStore interface {
	Watermark(repo string) (string, bool, error)
	SetWatermark(repo, eventID string) error
}

// Store is the full persistence surface of the bot.
type Store interface {
	LinkStore
	SubscriptionStore
	CursorStore
	Close() error
}

// NormalizeRepo canonicalizes an "owner/name" slug for use as a store key.
func NormalizeRepo(repo string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimSuffix(repo, "/")))
}

// SplitRepo splits an "owner/name" slug. ok is false when either half is
// missing.
func SplitRepo(repo string) (owner, name string, ok bool) {
	owner, name, found := strings.Cut(NormalizeRepo(repo), "/")
	if !found || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return owner, name, true
}
