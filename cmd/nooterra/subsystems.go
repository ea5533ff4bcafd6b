package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	_ "github.com/lib/pq" // Postgres driver for the SQL chain store

	"github.com/nooterra/nooterra/pkg/chainstore"
	"github.com/nooterra/nooterra/pkg/client"
	"github.com/nooterra/nooterra/pkg/config"
	"github.com/nooterra/nooterra/pkg/observability"
)

// runtime holds the subsystems shared by the API commands.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	obs     *observability.Provider
	chain   chainstore.Store
	closers []func() error
}

func loadConfig(profile, profilesDir string) (*config.Config, error) {
	if profile == "" {
		profile = os.Getenv("NOOTERRA_PROFILE")
	}
	if profile == "" {
		return config.Load()
	}
	if profilesDir == "" {
		profilesDir = os.Getenv("NOOTERRA_PROFILES_DIR")
	}
	if profilesDir == "" {
		profilesDir = "profiles"
	}
	return config.LoadWithProfile(profilesDir, profile)
}

func setupRuntime(ctx context.Context, profile, profilesDir string, stderr io.Writer) (*runtime, error) {
	cfg, err := loadConfig(profile, profilesDir)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})),
	}
	slog.SetDefault(rt.logger)

	obs, err := observability.New(ctx, observability.ConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	rt.obs = obs
	rt.closers = append(rt.closers, func() error { return obs.Shutdown(context.Background()) })

	chain, closer, err := openChainStore(ctx, cfg.ChainStore)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.chain = chain
	if closer != nil {
		rt.closers = append(rt.closers, closer)
	}
	return rt, nil
}

func openChainStore(ctx context.Context, cfg config.ChainStoreConfig) (chainstore.Store, func() error, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return chainstore.NewMemoryStore(), nil, nil
	case "sqlite", "postgres":
		if cfg.DSN == "" {
			return nil, nil, fmt.Errorf("chain store %s needs NOOTERRA_CHAIN_STORE_DSN", cfg.Driver)
		}
		s, err := chainstore.OpenSQL(ctx, strings.ToLower(cfg.Driver), cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		addr := cfg.DSN
		if addr == "" {
			addr = "localhost:6379"
		}
		s := chainstore.NewRedisStore(addr, cfg.RedisPassword, cfg.RedisDB)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("chain store redis %s: %w", addr, err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported chain store driver: %s", cfg.Driver)
	}
}

func (rt *runtime) client() (*client.Client, error) {
	cfg := rt.cfg
	opts := []client.Option{
		client.WithProtocol(cfg.Protocol),
		client.WithAPIKey(cfg.APIKey),
		client.WithXAPIKey(cfg.XAPIKey),
		client.WithOpsToken(cfg.OpsToken),
		client.WithUserAgent("nooterra-cli/" + version),
		client.WithTimeout(cfg.Timeout),
		client.WithLogger(rt.logger.With("component", "nooterra-client")),
		client.WithRateLimit(cfg.RateLimitRPS, 1),
		client.WithTracker(rt.obs),
		client.WithChainStore(rt.chain),
	}
	if cfg.ProtocolConstraint != "" {
		opts = append(opts, client.WithProtocolConstraint(cfg.ProtocolConstraint))
	}
	return client.New(cfg.BaseURL, cfg.TenantID, opts...)
}

// Close releases subsystems in reverse order of setup.
func (rt *runtime) Close() {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		rt.logger.Warn("shutdown", "error", err)
	}
}
