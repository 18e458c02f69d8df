package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	linksFileName         = "links.json"
	subscriptionsFileName = "subscriptions.json"
	cursorsFileName       = "cursors.json"
)

// FileStore persists links, subscriptions and feed cursors as JSON files
// under one data directory. Every mutation rewrites the affected file in
// full through an atomic rename, so a crash never leaves a torn file.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	logger *zap.Logger

	links         []Link
	subscriptions map[string][]string
	cursors       map[string]string
}

// NewFileStore opens (or initializes) a file-backed store rooted at dir.
// Missing files start empty; unreadable files are logged and treated as
// empty rather than refusing startup.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("data directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	s := &FileStore{
		dir:           dir,
		logger:        logger,
		subscriptions: make(map[string][]string),
		cursors:       make(map[string]string),
	}
	s.loadFile(linksFileName, &s.links)
	s.loadFile(subscriptionsFileName, &s.subscriptions)
	s.loadFile(cursorsFileName, &s.cursors)
	if s.subscriptions == nil {
		s.subscriptions = make(map[string][]string)
	}
	if s.cursors == nil {
		s.cursors = make(map[string]string)
	}
	return s, nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error {
	return nil
}

// PutLink inserts or updates the link for a member. A username already
// claimed by a different member is rejected.
func (s *FileStore) PutLink(link Link) error {
	if strings.TrimSpace(link.MemberID) == "" || strings.TrimSpace(link.Username) == "" {
		return errors.New("member id and username are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.links {
		if existing.MemberID != link.MemberID && strings.EqualFold(existing.Username, link.Username) {
			return fmt.Errorf("github user %q is already linked to another member", link.Username)
		}
	}

	updated := false
	for i, existing := range s.links {
		if existing.MemberID == link.MemberID {
			s.links[i].Username = link.Username
			updated = true
			break
		}
	}
	if !updated {
		s.links = append(s.links, link)
	}
	return s.saveFile(linksFileName, s.links)
}

// RemoveLink deletes a member's link. It reports whether a link existed.
func (s *FileStore) RemoveLink(memberID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.links {
		if existing.MemberID == memberID {
			s.links = append(s.links[:i], s.links[i+1:]...)
			return true, s.saveFile(linksFileName, s.links)
		}
	}
	return false, nil
}

// GetLink returns the link for a member, if any.
func (s *FileStore) GetLink(memberID string) (Link, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.links {
		if existing.MemberID == memberID {
			return existing, true, nil
		}
	}
	return Link{}, false, nil
}

// FindByUsername returns the link claiming a GitHub username, if any.
func (s *FileStore) FindByUsername(username string) (Link, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.links {
		if strings.EqualFold(existing.Username, username) {
			return existing, true, nil
		}
	}
	return Link{}, false, nil
}

// Links returns all links in insertion order.
func (s *FileStore) Links() ([]Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Link, len(s.links))
	copy(result, s.links)
	return result, nil
}

// Subscribe adds a channel to a repository feed. It reports whether the
// subscription is new.
func (s *FileStore) Subscribe(repo, channelID string) (bool, error) {
	key := NormalizeRepo(repo)
	if key == "" || strings.TrimSpace(channelID) == "" {
		return false, errors.New("repo and channel id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.subscriptions[key] {
		if existing == channelID {
			return false, nil
		}
	}
	s.subscriptions[key] = append(s.subscriptions[key], channelID)
	return true, s.saveFile(subscriptionsFileName, s.subscriptions)
}

// Unsubscribe removes a channel from a repository feed. It reports whether
// a subscription existed.
func (s *FileStore) Unsubscribe(repo, channelID string) (bool, error) {
	key := NormalizeRepo(repo)

	s.mu.Lock()
	defer s.mu.Unlock()

	channels := s.subscriptions[key]
	for i, existing := range channels {
		if existing == channelID {
			channels = append(channels[:i], channels[i+1:]...)
			if len(channels) == 0 {
				delete(s.subscriptions, key)
			} else {
				s.subscriptions[key] = channels
			}
			return true, s.saveFile(subscriptionsFileName, s.subscriptions)
		}
	}
	return false, nil
}

// Subscribers returns the channels subscribed to a repository.
func (s *FileStore) Subscribers(repo string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channels := s.subscriptions[NormalizeRepo(repo)]
	result := make([]string, len(channels))
	copy(result, channels)
	return result, nil
}

// ChannelSubscriptions returns the repositories a channel is subscribed to,
// sorted for stable listing output.
func (s *FileStore) ChannelSubscriptions(channelID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var repos []string
	for repo, channels := range s.subscriptions {
		for _, existing := range channels {
			if existing == channelID {
				repos = append(repos, repo)
				break
			}
		}
	}
	sort.Strings(repos)
	return repos, nil
}

// Repos returns every repository with at least one subscriber, sorted.
func (s *FileStore) Repos() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repos := make([]string, 0, len(s.subscriptions))
	for repo := range s.subscriptions {
		repos = append(repos, repo)
	}
	sort.Strings(repos)
	return repos, nil
}

// Watermark returns the newest delivered event ID for a repository.
func (s *FileStore) Watermark(repo string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventID, ok := s.cursors[NormalizeRepo(repo)]
	return eventID, ok, nil
}

// SetWatermark records the newest delivered event ID for a repository.
func (s *FileStore) SetWatermark(repo, eventID string) error {
	key := NormalizeRepo(repo)
	if key == "" || strings.TrimSpace(eventID) == "" {
		return errors.New("repo and event id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[key] = eventID
	return s.saveFile(cursorsFileName, s.cursors)
}

func (s *FileStore) loadFile(name string, target any) {
	path := filepath.Join(s.dir, name)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		s.logger.Warn("read store file failed, starting empty",
			zap.String("path", path), zap.Error(err))
		return
	}
	if err := json.Unmarshal(raw, target); err != nil {
		s.logger.Warn("decode store file failed, starting empty",
			zap.String("path", path), zap.Error(err))
	}
}

func (s *FileStore) saveFile(name string, value any) error {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}
