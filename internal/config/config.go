package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Config is the root application configuration.
type Config struct {
	Server      ServerConfig
	Discord     DiscordConfig
	GitHub      GitHubConfig
	Retry       RetryConfig
	RateLimit   RateLimitConfig
	Feed        FeedConfig
	Leaderboard LeaderboardConfig
	Store       StoreConfig
	Verify      VerifyConfig
	Telemetry   TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// DiscordConfig configures the guild connection.
type DiscordConfig struct {
	Token                string `yaml:"token"`
	GuildID              string `yaml:"guild_id"`
	FeedChannelID        string `yaml:"feed_channel_id"`
	LeaderboardChannelID string `yaml:"leaderboard_channel_id"`
	CommandPrefix        string `yaml:"command_prefix"`
}

// GitHubConfig configures GitHub API interactions.
type GitHubConfig struct {
	APIBaseURL     string
	Token          string
	Org            string
	RequestTimeout time.Duration
	Auth           GitHubAuthConfig
}

// GitHubAuthConfig selects the authentication mode for the GitHub client.
// Mode "token" uses a personal access token, "app" a GitHub App installation
// key, and "none" runs unauthenticated at the lower rate-limit tier.
type GitHubAuthConfig struct {
	Mode           string `yaml:"mode"`
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// RetryConfig configures transport-level retries.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// RateLimitConfig configures rate-limit controls.
type RateLimitConfig struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
}

// FeedConfig configures repository event polling.
type FeedConfig struct {
	Interval        time.Duration
	PageSize        int
	Pacing          time.Duration
	EmitOnFirstPoll bool
}

// LeaderboardConfig configures ranking cadences and role assignment.
type LeaderboardConfig struct {
	DailyInterval       time.Duration
	WeeklyInterval      time.Duration
	MonthlyInterval     time.Duration
	TopRoleSize         int
	DisplaySize         int
	ChampionDisplaySize int
	TopRoleName         string
	ContributorRoleName string
	ContributorMinStars int
	ContributorMinRepos int
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend       string
	DataDir       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Namespace     string
}

// VerifyConfig configures member email verification.
type VerifyConfig struct {
	Enabled        bool
	EmailDomain    string
	ResendAPIKey   string
	FromAddress    string
	SessionTimeout time.Duration
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Load reads, defaults, and validates a YAML configuration document.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, errors.New("config reader is nil")
	}

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if !slices.Contains(validLogLevels, cfg.Server.LogLevel) {
		return fmt.Errorf("server.log_level must be one of %v", validLogLevels)
	}
	switch cfg.GitHub.Auth.Mode {
	case "none", "token", "app":
	default:
		return fmt.Errorf("github.auth.mode must be none, token, or app, got %q", cfg.GitHub.Auth.Mode)
	}
	if cfg.GitHub.Auth.Mode == "token" && strings.TrimSpace(cfg.GitHub.Token) == "" {
		return errors.New("github.token is required when github.auth.mode is token")
	}
	if cfg.GitHub.Auth.Mode == "app" {
		if cfg.GitHub.Auth.AppID <= 0 || cfg.GitHub.Auth.InstallationID <= 0 {
			return errors.New("github.auth.app_id and github.auth.installation_id are required when github.auth.mode is app")
		}
		if strings.TrimSpace(cfg.GitHub.Auth.PrivateKeyPath) == "" {
			return errors.New("github.auth.private_key_path is required when github.auth.mode is app")
		}
	}
	switch cfg.Store.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("store.backend must be file or redis, got %q", cfg.Store.Backend)
	}
	if cfg.Store.Backend == "redis" && strings.TrimSpace(cfg.Store.RedisAddr) == "" {
		return errors.New("store.redis_addr is required when store.backend is redis")
	}
	if cfg.Feed.PageSize <= 0 || cfg.Feed.PageSize > 100 {
		return fmt.Errorf("feed.page_size must be in (0, 100], got %d", cfg.Feed.PageSize)
	}
	if cfg.Leaderboard.TopRoleSize <= 0 {
		return fmt.Errorf("leaderboard.top_role_size must be > 0, got %d", cfg.Leaderboard.TopRoleSize)
	}
	if cfg.Verify.Enabled {
		if strings.TrimSpace(cfg.Verify.EmailDomain) == "" {
			return errors.New("verify.email_domain is required when verify.enabled")
		}
		if strings.TrimSpace(cfg.Verify.ResendAPIKey) == "" {
			return errors.New("verify.resend_api_key is required when verify.enabled")
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Discord.CommandPrefix == "" {
		cfg.Discord.CommandPrefix = "!"
	}
	if cfg.GitHub.RequestTimeout <= 0 {
		cfg.GitHub.RequestTimeout = 30 * time.Second
	}
	if cfg.GitHub.Auth.Mode == "" {
		if strings.TrimSpace(cfg.GitHub.Token) != "" {
			cfg.GitHub.Auth.Mode = "token"
		} else {
			cfg.GitHub.Auth.Mode = "none"
		}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = time.Second
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = 30 * time.Second
	}
	if cfg.RateLimit.MinRemainingThreshold <= 0 {
		cfg.RateLimit.MinRemainingThreshold = 10
	}
	if cfg.RateLimit.MinResetBuffer <= 0 {
		cfg.RateLimit.MinResetBuffer = 5 * time.Second
	}
	if cfg.RateLimit.SecondaryLimitBackoff <= 0 {
		cfg.RateLimit.SecondaryLimitBackoff = time.Minute
	}
	if cfg.Feed.Interval <= 0 {
		cfg.Feed.Interval = 5 * time.Minute
	}
	if cfg.Feed.PageSize == 0 {
		cfg.Feed.PageSize = 5
	}
	if cfg.Feed.Pacing <= 0 {
		cfg.Feed.Pacing = time.Second
	}
	if cfg.Leaderboard.DailyInterval <= 0 {
		cfg.Leaderboard.DailyInterval = 24 * time.Hour
	}
	if cfg.Leaderboard.WeeklyInterval <= 0 {
		cfg.Leaderboard.WeeklyInterval = 7 * 24 * time.Hour
	}
	if cfg.Leaderboard.MonthlyInterval <= 0 {
		cfg.Leaderboard.MonthlyInterval = 30 * 24 * time.Hour
	}
	if cfg.Leaderboard.TopRoleSize == 0 {
		cfg.Leaderboard.TopRoleSize = 3
	}
	if cfg.Leaderboard.DisplaySize <= 0 {
		cfg.Leaderboard.DisplaySize = 10
	}
	if cfg.Leaderboard.ChampionDisplaySize <= 0 {
		cfg.Leaderboard.ChampionDisplaySize = 15
	}
	if cfg.Leaderboard.TopRoleName == "" {
		cfg.Leaderboard.TopRoleName = "GitHub Top 3"
	}
	if cfg.Leaderboard.ContributorRoleName == "" {
		cfg.Leaderboard.ContributorRoleName = "Open Source Contributor"
	}
	if cfg.Leaderboard.ContributorMinStars <= 0 {
		cfg.Leaderboard.ContributorMinStars = 50
	}
	if cfg.Leaderboard.ContributorMinRepos <= 0 {
		cfg.Leaderboard.ContributorMinRepos = 5
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "data"
	}
	if cfg.Store.Namespace == "" {
		cfg.Store.Namespace = "cybot"
	}
	if cfg.Verify.SessionTimeout <= 0 {
		cfg.Verify.SessionTimeout = 2 * time.Minute
	}
	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "off"
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server      ServerConfig   `yaml:"server"`
	Discord     DiscordConfig  `yaml:"discord"`
	GitHub      rawGitHub      `yaml:"github"`
	Retry       rawRetry       `yaml:"retry"`
	RateLimit   rawRateLimit   `yaml:"rate_limit"`
	Feed        rawFeed        `yaml:"feed"`
	Leaderboard rawLeaderboard `yaml:"leaderboard"`
	Store       rawStore       `yaml:"store"`
	Verify      rawVerify      `yaml:"verify"`
	Telemetry   rawTelemetry   `yaml:"telemetry"`
}

type rawGitHub struct {
	APIBaseURL     string           `yaml:"api_base_url"`
	Token          string           `yaml:"token"`
	Org            string           `yaml:"org"`
	RequestTimeout duration         `yaml:"request_timeout"`
	Auth           GitHubAuthConfig `yaml:"auth"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
}

type rawRateLimit struct {
	MinRemainingThreshold int      `yaml:"min_remaining_threshold"`
	MinResetBuffer        duration `yaml:"min_reset_buffer"`
	SecondaryLimitBackoff duration `yaml:"secondary_limit_backoff"`
}

type rawFeed struct {
	Interval        duration `yaml:"interval"`
	PageSize        int      `yaml:"page_size"`
	Pacing          duration `yaml:"pacing"`
	EmitOnFirstPoll bool     `yaml:"emit_on_first_poll"`
}

type rawLeaderboard struct {
	DailyInterval       duration `yaml:"daily_interval"`
	WeeklyInterval      duration `yaml:"weekly_interval"`
	MonthlyInterval     duration `yaml:"monthly_interval"`
	TopRoleSize         int      `yaml:"top_role_size"`
	DisplaySize         int      `yaml:"display_size"`
	ChampionDisplaySize int      `yaml:"champion_display_size"`
	TopRoleName         string   `yaml:"top_role_name"`
	ContributorRoleName string   `yaml:"contributor_role_name"`
	ContributorMinStars int      `yaml:"contributor_min_stars"`
	ContributorMinRepos int      `yaml:"contributor_min_repos"`
}

type rawStore struct {
	Backend       string `yaml:"backend"`
	DataDir       string `yaml:"data_dir"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Namespace     string `yaml:"namespace"`
}

type rawVerify struct {
	Enabled        bool     `yaml:"enabled"`
	EmailDomain    string   `yaml:"email_domain"`
	ResendAPIKey   string   `yaml:"resend_api_key"`
	FromAddress    string   `yaml:"from_address"`
	SessionTimeout duration `yaml:"session_timeout"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	return &Config{
		Server:  r.Server,
		Discord: r.Discord,
		GitHub: GitHubConfig{
			APIBaseURL:     r.GitHub.APIBaseURL,
			Token:          r.GitHub.Token,
			Org:            r.GitHub.Org,
			RequestTimeout: r.GitHub.RequestTimeout.Duration,
			Auth:           r.GitHub.Auth,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
		},
		RateLimit: RateLimitConfig{
			MinRemainingThreshold: r.RateLimit.MinRemainingThreshold,
			MinResetBuffer:        r.RateLimit.MinResetBuffer.Duration,
			SecondaryLimitBackoff: r.RateLimit.SecondaryLimitBackoff.Duration,
		},
		Feed: FeedConfig{
			Interval:        r.Feed.Interval.Duration,
			PageSize:        r.Feed.PageSize,
			Pacing:          r.Feed.Pacing.Duration,
			EmitOnFirstPoll: r.Feed.EmitOnFirstPoll,
		},
		Leaderboard: LeaderboardConfig{
			DailyInterval:       r.Leaderboard.DailyInterval.Duration,
			WeeklyInterval:      r.Leaderboard.WeeklyInterval.Duration,
			MonthlyInterval:     r.Leaderboard.MonthlyInterval.Duration,
			TopRoleSize:         r.Leaderboard.TopRoleSize,
			DisplaySize:         r.Leaderboard.DisplaySize,
			ChampionDisplaySize: r.Leaderboard.ChampionDisplaySize,
			TopRoleName:         r.Leaderboard.TopRoleName,
			ContributorRoleName: r.Leaderboard.ContributorRoleName,
			ContributorMinStars: r.Leaderboard.ContributorMinStars,
			ContributorMinRepos: r.Leaderboard.ContributorMinRepos,
		},
		Store: StoreConfig{
			Backend:       r.Store.Backend,
			DataDir:       r.Store.DataDir,
			RedisAddr:     r.Store.RedisAddr,
			RedisPassword: r.Store.RedisPassword,
			RedisDB:       r.Store.RedisDB,
			Namespace:     r.Store.Namespace,
		},
		Verify: VerifyConfig{
			Enabled:        r.Verify.Enabled,
			EmailDomain:    r.Verify.EmailDomain,
			ResendAPIKey:   r.Verify.ResendAPIKey,
			FromAddress:    r.Verify.FromAddress,
			SessionTimeout: r.Verify.SessionTimeout.Duration,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}
}
