package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/praetorian-labs/gradeflow/pkg/cache"
	"github.com/praetorian-labs/gradeflow/pkg/checkpoint"
	"github.com/praetorian-labs/gradeflow/pkg/config"
	"github.com/praetorian-labs/gradeflow/pkg/events"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/metrics"
	"github.com/praetorian-labs/gradeflow/pkg/orchestrator"
	"github.com/praetorian-labs/gradeflow/pkg/ratelimit"
	"github.com/praetorian-labs/gradeflow/pkg/registry"
	"github.com/praetorian-labs/gradeflow/pkg/retry"
	"github.com/praetorian-labs/gradeflow/pkg/runcontrol"
	"github.com/praetorian-labs/gradeflow/pkg/runstore"
)

// gatewayRetry is an exponential backoff (doubling from one second) with a
// capped max delay and a little jitter; gradeflow exposes no per-deployment
// setting for it.
var gatewayRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
	Multiplier:   2.0,
	Jitter:       0.1,
}

// runtime bundles every long-lived resource a gradeflow invocation needs,
// built once from a config file and a state directory and shared by
// whichever subcommand is running.
type runtime struct {
	cfg         *config.Config
	coordinator *orchestrator.Coordinator
	runs        *runstore.Store
	checkpoints *checkpoint.Store
	eventLog    *events.Log
	log         *slog.Logger

	closers []func() error
}

// openRuntime loads cfg from configPath (when non-empty) and assembles
// every backing store under stateDir: an events log, a checkpoint store,
// and a runstore directory, alongside the model gateway the configured
// backend resolves to.
func openRuntime(configPath, stateDir string) (*runtime, error) {
	cfg := &config.Config{}
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("gradeflow: load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg.SetDefaults()
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("gradeflow: create state dir %s: %w", stateDir, err)
	}

	log := slog.Default()
	rt := &runtime{cfg: cfg, log: log}

	store, err := cacheStoreFor(cfg.Cache)
	if err != nil {
		return nil, err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, closer.Close)
	}

	limiter := ratelimit.New(store, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second, cfg.RateLimit.Limit, log)
	respCache := cache.New(store, log, cfg.Cache.MinConfidence)

	backend, err := buildBackend(cfg.Gateway)
	if err != nil {
		return nil, err
	}
	m := &metrics.Metrics{}
	gw := gateway.New(backend, limiter, gatewayRetry, m, log)

	cpPath := cfg.Checkpoint.SQLitePath
	if cpPath == "" {
		cpPath = filepath.Join(stateDir, "checkpoints.db")
	}
	cpStore, err := checkpoint.Open(cpPath)
	if err != nil {
		return nil, fmt.Errorf("gradeflow: open checkpoint store: %w", err)
	}
	rt.closers = append(rt.closers, cpStore.Close)
	rt.checkpoints = cpStore

	evLog, err := events.Open(filepath.Join(stateDir, "events.db"))
	if err != nil {
		return nil, fmt.Errorf("gradeflow: open event log: %w", err)
	}
	rt.closers = append(rt.closers, evLog.Close)
	rt.eventLog = evLog

	runs, err := runstore.Open(filepath.Join(stateDir, "runs"))
	if err != nil {
		return nil, fmt.Errorf("gradeflow: open run store: %w", err)
	}
	rt.runs = runs

	controller := runcontrol.New(runcontrol.LimitsFromConfig(cfg.Run))

	rt.coordinator = orchestrator.New(orchestrator.Deps{
		Gateway:     gw,
		Cache:       respCache,
		Controller:  controller,
		Events:      evLog,
		Checkpoints: cpStore,
		Metrics:     m,
		Log:         log,
		Run:         cfg.Run,
	})

	return rt, nil
}

// Close releases every resource openRuntime opened, in reverse order.
func (rt *runtime) Close() error {
	var firstErr error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// cacheStoreFor builds the cache.Store the configured backend names,
// shared by both the response cache and the rate limiter.
func cacheStoreFor(cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "redis":
		return cache.NewRedisStore(context.Background(), cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return cache.NewMemoryStore(), nil
	}
}

// buildBackend resolves cfg.Backend through the gateway.Backends registry,
// passing a registry.Config (map[string]any) the way every generator
// factory in the registry expects.
func buildBackend(cfg config.GatewayConfig) (gateway.Backend, error) {
	backendName := cfg.Backend
	if backendName == "" {
		backendName = "bedrock"
	}

	var regCfg registry.Config
	switch backendName {
	case "openai":
		regCfg = registry.Config{
			"model":    cfg.OpenAI.Model,
			"api_key":  cfg.OpenAI.APIKey,
			"base_url": cfg.OpenAI.BaseURL,
		}
	default:
		regCfg = registry.Config{
			"model":    cfg.Bedrock.Model,
			"region":   cfg.Bedrock.Region,
			"endpoint": "",
		}
	}

	factory, ok := gateway.Backends.Get(backendName)
	if !ok {
		return nil, fmt.Errorf("gradeflow: unknown gateway backend %q", backendName)
	}
	return factory(regCfg)
}
