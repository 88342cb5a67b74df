package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"neuroauth/internal/config"
	"neuroauth/internal/health"
	"neuroauth/internal/logging"
	"neuroauth/internal/metrics"
	"neuroauth/internal/verify"
)

// cmdServe runs neuroauthd as a background service: it loads the model
// bundle, constructs the verification engine, and watches the bundle file
// for retraining so a freshly trained bundle is hot-swapped into the
// running engine without a restart (SPEC_FULL.md §5). It exposes only the
// ambient health and metrics endpoints over HTTP — the verification
// decision itself has no HTTP façade, per SPEC_FULL.md §1 — and blocks
// until SIGINT/SIGTERM.
func cmdServe() {
	cfg := loadConfigOrExit()
	log, err := logging.New(loggingConfig(cfg, "neuroauthd-serve"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "set up logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	checker := health.NewChecker()
	reg := metrics.NewRegistry("neuroauth", "verify")

	bundle, st, err := loadBundle(cfg)
	if err != nil {
		log.Error("model bundle not loaded; verification requests will fail until one is trained and enrolled", "error", err)
	} else {
		defer st.Close()
	}

	var engine *verify.Engine
	if bundle != nil {
		wcfg, _, _ := pipelineGeometry(cfg)
		engine = verify.New(bundle, wcfg, nil, st, log.Logger, reg)
	}

	checker.RegisterFunc("model_bundle", true, func(ctx context.Context) health.CheckResult {
		if engine == nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Message: "model bundle not loaded", LastChecked: time.Now()}
		}
		return health.CheckResult{Status: health.StatusHealthy, LastChecked: time.Now()}
	})
	checker.RegisterFunc("database", true, func(ctx context.Context) health.CheckResult {
		if st == nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Message: "store not open", LastChecked: time.Now()}
		}
		return health.CheckResult{Status: health.StatusHealthy, LastChecked: time.Now()}
	})
	checker.SetReady(engine != nil)

	stopWatch := watchBundleForReload(cfg, log, engine)
	defer stopWatch()

	mux := http.NewServeMux()
	mux.Handle("/healthz", checker.LivenessHandler())
	mux.Handle("/readyz", checker.ReadinessHandler())
	mux.Handle("/health", checker.HealthHandler())
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", reg.HTTPHandler())
	}

	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	go func() {
		log.Info("serving health and metrics endpoints", "addr", cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// watchBundleForReload watches the directory holding the model bundle file
// and reloads it into engine whenever a retrain replaces it. Returns a
// func to stop watching; a no-op if engine is nil (no bundle was loaded at
// startup, so there is nothing to hot-swap into).
func watchBundleForReload(cfg *config.Config, log *logging.Logger, engine *verify.Engine) func() {
	if engine == nil {
		return func() {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("bundle hot-reload disabled: create watcher", "error", err)
		return func() {}
	}
	dir := filepath.Dir(cfg.Storage.ModelBundlePath)
	if err := watcher.Add(dir); err != nil {
		log.Warn("bundle hot-reload disabled: watch directory", "dir", dir, "error", err)
		watcher.Close()
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(cfg.Storage.ModelBundlePath) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				bundle, st, err := loadBundle(cfg)
				if err != nil {
					log.Warn("bundle reload failed, keeping previous bundle", "error", err)
					continue
				}
				engine.Reload(bundle)
				log.Info("model bundle hot-reloaded")
				st.Close()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("bundle watcher error", "error", err)
			}
		}
	}()

	return func() {
		watcher.Close()
		<-done
	}
}
