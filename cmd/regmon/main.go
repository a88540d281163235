package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"regmon/internal/config"
	"regmon/internal/logging"
	"regmon/monitor"
	"regmon/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	testConnection := flag.String("test-connection", "", "Probe the named device's endpoint and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		fmt.Printf("Configuration valid: %d device(s)\n", len(cfg.Devices))
		os.Exit(0)
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	source := monitor.NewConfigSource(cfg.Devices)

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry disabled")
		collector = telemetry.Noop()
	}

	registry := monitor.New(source, logger, monitor.WithCollector(collector))
	defer registry.Close()

	if *testConnection != "" {
		probe, err := registry.TestConnection(*testConnection)
		if err != nil {
			fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(probe, "", "  ")
		fmt.Println(string(out))
		if !probe.Success {
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Telemetry.Enabled {
		startMetricsServer(ctx, cfg.Telemetry.Listen)
		logger.Info().Str("listen", cfg.Telemetry.Listen).Msg("metrics endpoint enabled")
	}

	for _, device := range cfg.Devices {
		registry.Schedule(device.ID, device.PollInterval.Duration)
	}
	logger.Info().Int("devices", len(cfg.Devices)).Msg("monitoring started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	return telemetry.NewPrometheusCollector(prometheus.DefaultRegisterer)
}

func startMetricsServer(ctx context.Context, listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
