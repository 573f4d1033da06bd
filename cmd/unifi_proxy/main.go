package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/korolkovko/unifi-proxy/configs"
	connectionhandler "github.com/korolkovko/unifi-proxy/internal/connection_handler"
	"github.com/korolkovko/unifi-proxy/internal/health"
	"github.com/korolkovko/unifi-proxy/internal/ipfilter"
	"github.com/korolkovko/unifi-proxy/internal/logging"
	"github.com/korolkovko/unifi-proxy/internal/ratelimit"
	"github.com/korolkovko/unifi-proxy/internal/routes"
	"github.com/korolkovko/unifi-proxy/internal/stats"
)

const (
	service    = "unifi-proxy"
	version    = "1.0.0"
	drainGrace = 5 * time.Second
)

func main() {
	cfg, err := configs.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogPretty); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logging.New("main")

	filter := ipfilter.Parse(cfg.AllowedIPs)
	if filter.AllowsEveryone() {
		log.Warn().Msg("IP allow-list admits all sources")
	}
	limiter := ratelimit.New(cfg.RateLimitPerIP)
	table := routes.Default()
	tracker := stats.New(prometheus.DefaultRegisterer)
	handler := connectionhandler.New(connectionhandler.Config{
		PrereadTimeout: cfg.PrereadTimeout,
		ConnectTimeout: cfg.ProxyConnectTimeout,
		IdleTimeout:    cfg.ProxyTimeout,
	}, filter, limiter, table, tracker, logging.New("handler"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		log.Error().Err(err).Int("port", cfg.Port).Msg("failed to listen")
		os.Exit(1)
	}

	healthSrv := health.New(health.Config{
		Addr:           fmt.Sprintf(":%d", cfg.HealthPort),
		Service:        service,
		Version:        version,
		ProxyPort:      cfg.Port,
		AllowedDomains: table.Domains(),
		FilterRules:    filter.Rules(),
	}, tracker, logging.New("health"))
	go func() {
		if err := healthSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server failed")
		}
	}()

	var shutdownOnce sync.Once
	shutdown := func(reason string) {
		shutdownOnce.Do(func() {
			log.Info().Str("reason", reason).Msg("shutting down")
			_ = ln.Close()
			shutdownCtx, done := context.WithTimeout(context.Background(), drainGrace)
			defer done()
			_ = healthSrv.Shutdown(shutdownCtx)
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		shutdown("received signal")
	}()

	log.Info().
		Int("port", cfg.Port).
		Int("health_port", cfg.HealthPort).
		Strs("domains", table.Domains()).
		Strs("allowed_ips", filter.Rules()).
		Dur("preread_timeout", cfg.PrereadTimeout).
		Dur("connect_timeout", cfg.ProxyConnectTimeout).
		Dur("idle_timeout", cfg.ProxyTimeout).
		Int("rate_limit_per_ip", cfg.RateLimitPerIP).
		Msg("proxy listening")

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Warn().Err(err).Msg("accept timeout")
				continue
			}
			log.Error().Err(err).Msg("listener error")
			shutdown("listener error")
			break
		}
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			handler.Handle(ctx, c)
		}(conn)
	}
	shutdown("accept loop exited")

	// Drain in-flight handlers up to the grace period, then force-close
	// whatever is still splicing.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainGrace):
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
	log.Info().Msg("shutdown complete")
}
