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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"netlease/pkg/bus"
	"netlease/pkg/telemetry"
	"netlease/services/dhcpd/internal/admin"
	"netlease/services/dhcpd/internal/config"
	"netlease/services/dhcpd/internal/dhcp"
	"netlease/services/dhcpd/internal/probe"
)

func main() {
	if err := run("dhcpd"); err != nil {
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

	var oracle probe.Oracle = probe.Always(true)
	if cfg.Probe.Enabled {
		oracle = probe.NewICMPOracle(cfg.Probe.Timeout, cfg.Probe.Privileged)
	} else {
		logger.Printf("WARN address probing disabled")
	}

	var notifiers []dhcp.Notifier
	if cfg.Notify.DNSUpdateAddr != "" {
		udp, err := dhcp.NewUDPNotifier(cfg.Notify.DNSUpdateAddr)
		if err != nil {
			return err
		}
		defer udp.Close()
		notifiers = append(notifiers, udp)
		logger.Printf("INFO lease updates go to %s", cfg.Notify.DNSUpdateAddr)
	}
	if cfg.Notify.NATSURL != "" {
		b, err := bus.New(cfg.Notify.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		if err := b.EnsureStream(); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		notifiers = append(notifiers, dhcp.NewBusNotifier(b))
		logger.Printf("INFO lease events published on %s", bus.LeaseAssignedSubject)
	}

	metrics := dhcp.NewMetrics(prometheus.DefaultRegisterer)
	allocator, err := dhcp.NewAllocator(cfg.DHCP, oracle, logger, metrics, notifiers...)
	if err != nil {
		return fmt.Errorf("create allocator: %w", err)
	}
	server, err := dhcp.NewServer(cfg.DHCP, allocator, logger)
	if err != nil {
		return fmt.Errorf("create dhcp server: %w", err)
	}

	var dhcpReady atomic.Bool
	errCh := make(chan error, 2)

	go func() {
		if err := server.Run(ctx, &dhcpReady); err != nil {
			errCh <- fmt.Errorf("dhcp: %w", err)
		}
	}()

	if !cfg.HTTP.Enabled {
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
		if dhcpReady.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "dhcp listener not ready", http.StatusServiceUnavailable)
	})
	mux.Handle("/metrics", promhttp.Handler())

	routes, err := admin.Routes(allocator.Pool())
	if err != nil {
		return fmt.Errorf("build admin routes: %w", err)
	}
	mux.Handle("/v1/", routes)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
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
