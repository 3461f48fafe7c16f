package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"netlease/pkg/bus"
	"netlease/pkg/telemetry"
	"netlease/services/dnsd/internal/admin"
	"netlease/services/dnsd/internal/cache"
	"netlease/services/dnsd/internal/config"
	"netlease/services/dnsd/internal/resolver"
	"netlease/services/dnsd/internal/server"
	"netlease/services/dnsd/internal/updates"
)

func main() {
	if err := run("dnsd"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

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

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	records, err := cfg.Records()
	if err != nil {
		return err
	}
	c := cache.New()
	for _, r := range records {
		c.Set(r.Name, net.ParseIP(r.Address), cache.Static)
	}
	logger.Printf("INFO cache seeded with %d static records", len(records))

	forwarder, err := resolver.New(cfg.Upstreams, cfg.UpstreamTimeout)
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}
	handler := server.NewHandler(c, forwarder, logger,
		server.WithUpstreamCaching(cfg.CacheUpstream),
		server.WithMetrics(server.NewMetrics(prometheus.DefaultRegisterer)),
	)
	applier := updates.NewApplier(c, logger)

	var queryReady, updateReady atomic.Bool
	errCh := make(chan error, 3)

	go func() {
		if err := server.NewListener(cfg.QueryAddr, handler, logger).Run(ctx, &queryReady); err != nil {
			errCh <- fmt.Errorf("query listener: %w", err)
		}
	}()
	go func() {
		if err := updates.NewListener(cfg.UpdateAddr, applier, logger).Run(ctx, &updateReady); err != nil {
			errCh <- fmt.Errorf("update listener: %w", err)
		}
	}()

	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		if err := b.EnsureStream(); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		sub, err := updates.SubscribeLeases(ctx, b, applier, logger)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", bus.LeaseAssignedSubject, err)
		}
		defer sub.Close()
		logger.Printf("INFO consuming lease events from %s", bus.LeaseAssignedSubject)
	}

	if cfg.CacheUpstream && cfg.PruneInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.PruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := c.Prune(); n > 0 {
						logger.Printf("DEBUG pruned %d expired entries", n)
					}
				}
			}
		}()
	}

	if !cfg.HTTPEnabled {
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return nil
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if queryReady.Load() && updateReady.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "listeners not ready", http.StatusServiceUnavailable)
	})
	mux.Handle("/metrics", promhttp.Handler())

	routes, err := admin.Routes(c)
	if err != nil {
		return fmt.Errorf("build admin routes: %w", err)
	}
	mux.Handle("/v1/", routes)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO http listening on %s", httpServer.Addr)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
