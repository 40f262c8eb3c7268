package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/connectivity"
	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/queue"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/agentworkforce/relaysync/internal/retry"
	"github.com/agentworkforce/relaysync/internal/syncengine"
)

const shutdownTimeout = 10 * time.Second

// runtime is one wired instance of the sync stack.
type runtime struct {
	cfg     config.Config
	log     *logrus.Logger
	store   queue.Store
	monitor *connectivity.Monitor
	engine  *syncengine.Engine
	coord   *syncengine.Coordinator
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.configPath)
}

func openRuntime(cfg config.Config) (*runtime, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	dsn, err := cfg.StoreDSN()
	if err != nil {
		return nil, err
	}
	store, err := queue.BuildStoreFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	settings := cfg.SyncSettings()
	client := remote.NewHTTPClient(cfg.Remote.Endpoint, cfg.Remote.APIKey, nil)
	client.SetTimeout(settings.RequestTimeout)

	connOpts := cfg.ConnectivityOptions()
	connOpts.Logger = log
	monitor := connectivity.NewMonitor(connOpts)

	engine, err := syncengine.New(syncengine.Options{
		Store:                  store,
		Remote:                 client,
		Policy:                 retry.NewPolicy(settings.Retry),
		Breaker:                retry.NewBreaker(cfg.BreakerSettings()),
		Logger:                 log,
		EnableBulkOptimization: settings.EnableBulkOptimization,
		MaxConcurrency:         settings.MaxConcurrency,
		RequestTimeout:         settings.RequestTimeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	coord := syncengine.NewCoordinator(syncengine.CoordinatorOptions{
		Engine:       engine,
		Connectivity: monitor,
		Settings:     settings,
		Logger:       log,
	})
	return &runtime{
		cfg:     cfg,
		log:     log,
		store:   store,
		monitor: monitor,
		engine:  engine,
		coord:   coord,
	}, nil
}

func (r *runtime) Close() error {
	return r.store.Close()
}

func (r *runtime) recoverQueue(ctx context.Context) error {
	res, err := r.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	r.log.WithFields(logrus.Fields{
		"store":       describeStore(r.store),
		"interrupted": res.Interrupted,
		"rescheduled": res.Rescheduled,
		"dormant":     res.Dormant,
	}).Info("queue recovered")
	return nil
}

// serve runs the daemon until ctx is done or the listener fails.
func (r *runtime) serve(ctx context.Context, configPath string) error {
	if err := r.recoverQueue(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := &http.Server{
		Addr: r.cfg.HTTP.Addr,
		Handler: httpapi.NewServerWithConfig(r.engine, r.coord, httpapi.ServerConfig{
			JWTSecret:       r.cfg.HTTP.JWTSecret,
			RateLimitMax:    r.cfg.HTTP.RateLimitMax,
			RateLimitWindow: time.Duration(r.cfg.HTTP.RateLimitWindowMs) * time.Millisecond,
			MaxBodyBytes:    r.cfg.HTTP.MaxBodyBytes,
			Logger:          r.log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		r.coord.Run(ctx)
	}()
	if configPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := config.Watch(ctx, configPath, r.applyConfig, config.WatchOptions{Logger: r.log}); err != nil {
				r.log.WithError(err).Warn("config watch stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		r.log.WithField("addr", server.Addr).Info("relaysync listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		r.log.WithError(err).Warn("http shutdown")
	}
	wg.Wait()
	r.log.Info("relaysync stopped")
	return serveErr
}

// applyConfig hot-applies a reloaded config. Store and listener settings
// only take effect on restart.
func (r *runtime) applyConfig(next config.Config) {
	r.coord.ApplyConfig(next.SyncSettings())
	if level, err := logrus.ParseLevel(next.Log.Level); err == nil {
		r.log.SetLevel(level)
	}
	nextDSN, _ := next.StoreDSN()
	currentDSN, _ := r.cfg.StoreDSN()
	if nextDSN != currentDSN || next.HTTP.Addr != r.cfg.HTTP.Addr {
		r.log.Warn("queue store and listen address changes require a restart")
	}
}

func describeStore(store queue.Store) string {
	if d, ok := store.(queue.Describer); ok {
		return d.Describe()
	}
	return fmt.Sprintf("%T", store)
}
