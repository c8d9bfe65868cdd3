package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"corrald/pkg/bus"
	"corrald/pkg/db"
	"corrald/pkg/render"
	"corrald/pkg/s3"
	"corrald/pkg/secrets"
	"corrald/pkg/telemetry"
	"corrald/services/conductor"
	"corrald/services/conductor/hardware"
	"corrald/services/conductor/hardware/agentdrv"
	"corrald/services/conductor/hardware/fake"
	"corrald/services/conductor/internal/config"
	"corrald/services/conductor/internal/fsm"
	"corrald/services/conductor/internal/store"
)

func main() {
	if err := run("conductord"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	orm, err := db.OpenORM(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	repo, err := store.New(orm, pool)
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}

	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build hardware registry: %w", err)
	}

	nc, err := bus.New(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer nc.Close()

	var box *secrets.Box
	if os.Getenv("CORRALD_AGE_KEY") != "" {
		box, err = secrets.NewBoxFromEnv()
		if err != nil {
			return fmt.Errorf("load age key: %w", err)
		}
	}

	engine, err := conductor.New(cfg, repo, registry, nc, box, logger)
	if err != nil {
		return fmt.Errorf("create conductor: %w", err)
	}

	var ready atomic.Bool
	errCh := make(chan error, 2)

	go func() {
		ready.Store(true)
		defer ready.Store(false)
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("conductor: %w", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "conductor not ready", http.StatusServiceUnavailable)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(engine.Registry(), promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", httpPort()),
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO conductor %s listening on %s", engine.ID(), server.Addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// buildRegistry installs the built-in driver families plus any bundles
// declared in CONDUCTOR_DRIVERS_FILE.
func buildRegistry(ctx context.Context, cfg *config.Config) (*hardware.Registry, error) {
	registry := hardware.NewRegistry()
	if err := fake.Register(registry); err != nil {
		return nil, err
	}

	engine, err := render.New()
	if err != nil {
		return nil, err
	}
	images, err := s3.NewClientFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3: %w", err)
	}
	if _, err := agentdrv.Register(registry, agentdrv.Config{
		Render:      engine,
		Images:      images,
		APIBase:     cfg.APIBase,
		Bucket:      cfg.ImageBucket,
		PresignTTL:  cfg.PresignTTL,
		CallbackTTL: cfg.CallbackTimeout(fsm.WaitCallBack),
	}); err != nil {
		return nil, err
	}

	specs, err := config.LoadDriverSpecs(cfg.DriversFile)
	if err != nil {
		return nil, err
	}
	return registry, config.RegisterDriverSpecs(registry, specs)
}

func httpPort() int {
	if v := os.Getenv("CONDUCTOR_HTTP_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			return port
		}
	}
	return 8090
}
