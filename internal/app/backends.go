package app

import (
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lnmiit-devs/cybot/internal/config"
	"github.com/lnmiit-devs/cybot/internal/githubapi"
	"github.com/lnmiit-devs/cybot/internal/store"
)

// newStore selects the persistence backend from configuration.
func newStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		return store.NewRedisStore(client, store.RedisStoreConfig{
			Namespace: cfg.Store.Namespace,
		}), nil
	case "file":
		return store.NewFileStore(cfg.Store.DataDir, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// newDataClient builds the GitHub data client for the configured auth
// mode. The retrying transport sits below authentication so every request,
// including App token refreshes, shares the same pacing limiter.
func newDataClient(cfg *config.Config, logger *zap.Logger) (*githubapi.DataClient, error) {
	authenticated := cfg.GitHub.Auth.Mode != "none"
	retryTransport := githubapi.NewRetryTransport(
		http.DefaultTransport,
		githubapi.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
		},
		githubapi.NewPacingLimiter(authenticated),
	)

	var httpClient *http.Client
	token := ""
	switch cfg.GitHub.Auth.Mode {
	case "app":
		appClient, err := githubapi.NewInstallationHTTPClient(githubapi.InstallationAuthConfig{
			AppID:          cfg.GitHub.Auth.AppID,
			InstallationID: cfg.GitHub.Auth.InstallationID,
			PrivateKeyPath: cfg.GitHub.Auth.PrivateKeyPath,
			Timeout:        cfg.GitHub.RequestTimeout,
			BaseTransport:  retryTransport,
		})
		if err != nil {
			return nil, err
		}
		httpClient = appClient
	case "token":
		token = cfg.GitHub.Token
		httpClient = &http.Client{Transport: retryTransport, Timeout: cfg.GitHub.RequestTimeout}
	default:
		httpClient = &http.Client{Transport: retryTransport, Timeout: cfg.GitHub.RequestTimeout}
	}

	restClient, err := githubapi.NewRESTClient(httpClient, cfg.GitHub.APIBaseURL, token)
	if err != nil {
		return nil, err
	}

	return githubapi.NewDataClient(restClient, githubapi.RateLimitPolicy{
		MinRemainingThreshold: cfg.RateLimit.MinRemainingThreshold,
		MinResetBuffer:        cfg.RateLimit.MinResetBuffer,
		SecondaryLimitBackoff: cfg.RateLimit.SecondaryLimitBackoff,
	}, logger)
}
