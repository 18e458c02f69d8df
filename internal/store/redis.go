package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LRem(ctx context.Context, key string, count int64, value any) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	SIsMember(ctx context.Context, key string, member any) *redis.BoolCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStoreConfig configures the Redis-backed store.
type RedisStoreConfig struct {
	Namespace string
}

// RedisStore keeps links, subscriptions and feed cursors in Redis. Links
// live in a hash plus an order list so that Links() preserves insertion
// order, matching the file backend.
type RedisStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "cybot"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &RedisStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Ping verifies the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("redis store is not initialized")
	}
	return s.client.Ping(ctx).Err()
}

// PutLink inserts or updates the link for a member. A username already
// claimed by a different member is rejected.
func (s *RedisStore) PutLink(link Link) error {
	if s == nil || s.client == nil {
		return errors.New("redis store is not initialized")
	}
	if strings.TrimSpace(link.MemberID) == "" || strings.TrimSpace(link.Username) == "" {
		return errors.New("member id and username are required")
	}

	ctx := context.Background()
	existing, err := s.client.HGetAll(ctx, s.linksKey()).Result()
	if err != nil {
		return fmt.Errorf("read links: %w", err)
	}
	for memberID, username := range existing {
		if memberID != link.MemberID && strings.EqualFold(username, link.Username) {
			return fmt.Errorf("github user %q is already linked to another member", link.Username)
		}
	}

	_, known := existing[link.MemberID]
	if err := s.client.HSet(ctx, s.linksKey(), link.MemberID, link.Username).Err(); err != nil {
		return fmt.Errorf("write link: %w", err)
	}
	if !known {
		if err := s.client.RPush(ctx, s.linkOrderKey(), link.MemberID).Err(); err != nil {
			return fmt.Errorf("append link order: %w", err)
		}
	}
	return nil
}

// RemoveLink deletes a member's link. It reports whether a link existed.
func (s *RedisStore) RemoveLink(memberID string) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("redis store is not initialized")
	}

	ctx := context.Background()
	removed, err := s.client.HDel(ctx, s.linksKey(), memberID).Result()
	if err != nil {
		return false, fmt.Errorf("delete link: %w", err)
	}
	if removed == 0 {
		return false, nil
	}
	if err := s.client.LRem(ctx, s.linkOrderKey(), 0, memberID).Err(); err != nil {
		return true, fmt.Errorf("trim link order: %w", err)
	}
	return true, nil
}

// GetLink returns the link for a member, if any.
func (s *RedisStore) GetLink(memberID string) (Link, bool, error) {
	if s == nil || s.client == nil {
		return Link{}, false, errors.New("redis store is not initialized")
	}

	username, err := s.client.HGet(context.Background(), s.linksKey(), memberID).Result()
	if errors.Is(err, redis.Nil) {
		return Link{}, false, nil
	}
	if err != nil {
		return Link{}, false, fmt.Errorf("read link: %w", err)
	}
	return Link{MemberID: memberID, Username: username}, true, nil
}

// FindByUsername returns the link claiming a GitHub username, if any.
func (s *RedisStore) FindByUsername(username string) (Link, bool, error) {
	links, err := s.Links()
	if err != nil {
		return Link{}, false, err
	}
	for _, link := range links {
		if strings.EqualFold(link.Username, username) {
			return link, true, nil
		}
	}
	return Link{}, false, nil
}

// Links returns all links in insertion order.
func (s *RedisStore) Links() ([]Link, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store is not initialized")
	}

	ctx := context.Background()
	order, err := s.client.LRange(ctx, s.linkOrderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read link order: %w", err)
	}
	byMember, err := s.client.HGetAll(ctx, s.linksKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read links: %w", err)
	}

	result := make([]Link, 0, len(order))
	for _, memberID := range order {
		username, ok := byMember[memberID]
		if !ok {
			continue
		}
		result = append(result, Link{MemberID: memberID, Username: username})
	}
	return result, nil
}

// Subscribe adds a channel to a repository feed. It reports whether the
// subscription is new.
func (s *RedisStore) Subscribe(repo, channelID string) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("redis store is not initialized")
	}
	key := NormalizeRepo(repo)
	if key == "" || strings.TrimSpace(channelID) == "" {
		return false, errors.New("repo and channel id are required")
	}

	ctx := context.Background()
	added, err := s.client.SAdd(ctx, s.subscribersKey(key), channelID).Result()
	if err != nil {
		return false, fmt.Errorf("write subscription: %w", err)
	}
	if err := s.client.SAdd(ctx, s.repoIndexKey(), key).Err(); err != nil {
		return false, fmt.Errorf("index subscribed repo: %w", err)
	}
	return added > 0, nil
}

// Unsubscribe removes a channel from a repository feed. It reports whether
// a subscription existed.
func (s *RedisStore) Unsubscribe(repo, channelID string) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("redis store is not initialized")
	}
	key := NormalizeRepo(repo)

	ctx := context.Background()
	removed, err := s.client.SRem(ctx, s.subscribersKey(key), channelID).Result()
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	if removed == 0 {
		return false, nil
	}

	remaining, err := s.client.SMembers(ctx, s.subscribersKey(key)).Result()
	if err != nil {
		return true, fmt.Errorf("read remaining subscribers: %w", err)
	}
	if len(remaining) == 0 {
		if err := s.client.SRem(ctx, s.repoIndexKey(), key).Err(); err != nil {
			return true, fmt.Errorf("trim repo index: %w", err)
		}
	}
	return true, nil
}

// Subscribers returns the channels subscribed to a repository, sorted.
func (s *RedisStore) Subscribers(repo string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store is not initialized")
	}

	channels, err := s.client.SMembers(context.Background(), s.subscribersKey(NormalizeRepo(repo))).Result()
	if err != nil {
		return nil, fmt.Errorf("read subscribers: %w", err)
	}
	sort.Strings(channels)
	return channels, nil
}

// ChannelSubscriptions returns the repositories a channel is subscribed to,
// sorted.
func (s *RedisStore) ChannelSubscriptions(channelID string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store is not initialized")
	}

	ctx := context.Background()
	repos, err := s.client.SMembers(ctx, s.repoIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read repo index: %w", err)
	}

	var result []string
	for _, repo := range repos {
		isMember, err := s.client.SIsMember(ctx, s.subscribersKey(repo), channelID).Result()
		if err != nil {
			return nil, fmt.Errorf("check subscription: %w", err)
		}
		if isMember {
			result = append(result, repo)
		}
	}
	sort.Strings(result)
	return result, nil
}

// Repos returns every repository with at least one subscriber, sorted.
func (s *RedisStore) Repos() ([]string, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store is not initialized")
	}

	repos, err := s.client.SMembers(context.Background(), s.repoIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read repo index: %w", err)
	}
	sort.Strings(repos)
	return repos, nil
}

// Watermark returns the newest delivered event ID for a repository.
func (s *RedisStore) Watermark(repo string) (string, bool, error) {
	if s == nil || s.client == nil {
		return "", false, errors.New("redis store is not initialized")
	}

	eventID, err := s.client.HGet(context.Background(), s.cursorsKey(), NormalizeRepo(repo)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read watermark: %w", err)
	}
	return eventID, true, nil
}

// SetWatermark records the newest delivered event ID for a repository.
func (s *RedisStore) SetWatermark(repo, eventID string) error {
	if s == nil || s.client == nil {
		return errors.New("redis store is not initialized")
	}
	key := NormalizeRepo(repo)
	if key == "" || strings.TrimSpace(eventID) == "" {
		return errors.New("repo and event id are required")
	}

	if err := s.client.HSet(context.Background(), s.cursorsKey(), key, eventID).Err(); err != nil {
		return fmt.Errorf("write watermark: %w", err)
	}
	return nil
}

func (s *RedisStore) prefixed(suffix string) string {
	return s.namespace + ":" + suffix
}

func (s *RedisStore) linksKey() string {
	return s.prefixed("links")
}

func (s *RedisStore) linkOrderKey() string {
	return s.prefixed("links:order")
}

func (s *RedisStore) subscribersKey(repo string) string {
	return s.prefixed("subs:" + repo)
}

func (s *RedisStore) repoIndexKey() string {
	return s.prefixed("subs:index")
}

func (s *RedisStore) cursorsKey() string {
	return s.prefixed("cursors")
}
