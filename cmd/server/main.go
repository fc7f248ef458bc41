// Command server runs the DGLAB relay: the WebSocket broker, the
// session store, and the continuous-playback scheduler behind a single
// outbound API, grounded on the teacher's main()/server.go wiring.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/dglab-relay/internal/broker"
	"github.com/adred-codev/dglab-relay/internal/config"
	"github.com/adred-codev/dglab-relay/internal/logging"
	"github.com/adred-codev/dglab-relay/internal/metrics"
	"github.com/adred-codev/dglab-relay/internal/outbound"
	"github.com/adred-codev/dglab-relay/internal/platform"
	"github.com/adred-codev/dglab-relay/internal/playback"
	"github.com/adred-codev/dglab-relay/internal/session"
	"github.com/adred-codev/dglab-relay/internal/telemetry"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootstrap := logging.New(logging.Config{Level: "info", Format: "json"})

	maxProcs := runtime.GOMAXPROCS(0)
	bootstrap.Info().Int("gomaxprocs", maxProcs).Msg("starting dglab relay")

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	collector := metrics.New()

	relay := broker.New(broker.Config{HeartbeatInterval: cfg.HeartbeatInterval()}, logger, collector)

	store := session.New(session.Config{
		ConnectionTimeout:   cfg.ConnectionTimeout(),
		ReconnectionTimeout: cfg.ReconnectionTimeout(),
		StaleTimeout:        cfg.StaleDeviceTimeout(),
		SweepInterval:       cfg.SweepInterval,
	}, logger)
	store.SetBroker(relay)
	store.SetMetrics(collector)

	relay.AddObserver(session.NewObserver(store))

	var publisher *telemetry.Publisher
	if cfg.NATSURL != "" {
		publisher, err = telemetry.Connect(telemetry.Config{URL: cfg.NATSURL}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("telemetry disabled: could not connect to NATS")
		} else {
			relay.AddObserver(publisher)
			defer publisher.Close()
		}
	}

	scheduler := playback.New(relay, logger)
	scheduler.SetMetrics(collector)
	relay.SetPlaybackController(scheduler)

	// The outbound API has no HTTP surface of its own: the agent-facing
	// framing layer that calls it is an external collaborator (spec
	// section 1). Constructing it here keeps it wired into the same
	// lifecycle as everything else it depends on.
	_ = outbound.New(outbound.Config{VendorDownloadURL: cfg.VendorDownloadURL}, relay, scheduler, store, logger)

	sampler, err := platform.NewSampler(collector, 15*time.Second, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("resource sampler disabled")
	} else {
		sampler.Start()
		defer sampler.Stop()
	}

	store.StartSweep()
	relay.StartHeartbeat()

	mux := http.NewServeMux()
	mux.HandleFunc("/", relay.HandleUpgrade)

	server := &http.Server{Addr: cfg.Addr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("serving websocket upgrades")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving prometheus metrics")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("listener failed, shutting down")
	}

	// Graceful shutdown: stop accepting new work before tearing down
	// state, in the order spec section 5 requires.
	store.StopSweep()
	relay.StopHeartbeat()
	scheduler.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := relay.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("broker shutdown error")
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}
