package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/iobeam/rssibeam/internal/buildinfo"
	"github.com/iobeam/rssibeam/internal/config"
	"github.com/iobeam/rssibeam/internal/connwatch"
	"github.com/iobeam/rssibeam/internal/events"
	"github.com/iobeam/rssibeam/internal/metrics"
	"github.com/iobeam/rssibeam/internal/mqtt"
	"github.com/iobeam/rssibeam/internal/prefs"
	"github.com/iobeam/rssibeam/internal/sampling"
	"github.com/iobeam/rssibeam/internal/telemetry"
	"github.com/iobeam/rssibeam/internal/web"
	"github.com/iobeam/rssibeam/internal/wifi"
)

// shutdownTimeout bounds the drain of the status server and the final
// MQTT availability publish.
const shutdownTimeout = 5 * time.Second

// Preference sections.
const (
	prefsClient = "client"
	prefsMQTT   = "mqtt"
)

// runServe handles "rssibeam serve". It opens the local stores, builds
// the telemetry client and its transport, starts the sampling controller
// and the optional status server, and blocks until ctx is cancelled or
// SIGINT/SIGTERM arrives.
//
// Shutdown runs in dependency order:
//  1. the controller stops ticking and drops late callbacks
//  2. the status server drains
//  3. in-flight uploads finish, each bounded by the client's call
//     timeout, and the buffer store closes
//  4. the broker sees the device go offline
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting rssibeam", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"series", cfg.Sampling.Series,
		"period", cfg.Sampling.Period(),
		"threshold", cfg.Sampling.Threshold,
		"source", cfg.Source.Kind,
		"transport", cfg.Telemetry.Transport,
		"data_dir", cfg.DataDir,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	prefStore, err := prefs.Open(filepath.Join(cfg.DataDir, "prefs.db"))
	if err != nil {
		return fmt.Errorf("open preferences: %w", err)
	}
	defer prefStore.Close()

	bus := events.New(events.DefaultHistory)
	m := metrics.New()
	var health connwatch.Group
	defer health.Stop()

	// One broker connection serves both the MQTT transport and the Home
	// Assistant status sensors.
	var conn *mqtt.Conn
	if cfg.Telemetry.MQTT.Configured() {
		conn = mqtt.NewConn(cfg.Telemetry.MQTT, logger.With("component", "mqtt"))
	}

	store, err := telemetry.OpenStore(filepath.Join(cfg.DataDir, "telemetry.db"))
	if err != nil {
		return fmt.Errorf("open telemetry buffer: %w", err)
	}

	client, check, err := newTelemetryClient(cfg, store, conn, logger)
	if err != nil {
		logger.Warn("telemetry client unavailable, samples will not be sent", "error", err)
	}

	// A nil *telemetry.Client must reach the controller as a nil
	// interface.
	var tc sampling.TelemetryClient
	if client != nil {
		tc = client
		m.SetRegistered(client.DeviceID() != "")
	}

	sinks := sampling.MultiSink{
		sampling.LogSink{Logger: logger.With("component", "sampler")},
		events.SamplerSink{Bus: bus},
		m,
	}

	if conn != nil && cfg.Telemetry.MQTT.Discovery {
		instanceID, err := mqtt.InstanceID(prefStore.Scope(prefsMQTT))
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		sp := mqtt.NewStatusPublisher(conn, conn.Topics(), instanceID, logger.With("component", "mqtt_status"))
		if client != nil {
			sp.SetDeviceID(client.DeviceID())
		}
		conn.OnConnect(sp.PublishDiscovery)
		sinks = append(sinks, sp)
		go sp.Run(ctx)
		logger.Info("home assistant discovery enabled", "instance_id", instanceID)
	}

	if conn != nil {
		if err := conn.Start(ctx); err != nil {
			return err
		}
		health.Add(connwatch.Start(ctx, "mqtt", conn.AwaitConnection, connwatch.Options{
			OnChange: serviceEvents(bus, "mqtt"),
			Logger:   logger,
		}))
	}
	if check != nil {
		health.Add(connwatch.Start(ctx, "import", check, connwatch.Options{
			OnChange: serviceEvents(bus, "import"),
			Logger:   logger,
		}))
	}

	ctrl := sampling.New(sampling.Config{
		Series:    cfg.Sampling.Series,
		Period:    cfg.Sampling.Period(),
		Threshold: cfg.Sampling.Threshold,
	}, newSource(cfg.Source), tc,
		sampling.WithLogger(logger.With("component", "sampler")),
		sampling.WithPreferences(prefStore.Scope(prefsClient)),
		sampling.WithSink(sinks),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	var server *web.Server
	if cfg.Status.Enabled {
		server = web.NewServer(cfg.Status.Address, cfg.Status.Port, web.Deps{
			Status:  ctrl,
			Bus:     bus,
			Health:  &health,
			Metrics: m.Handler(),
		}, logger.With("component", "web"))
		go func() {
			serverErr <- server.Start(runCtx)
		}()
	}

	ctrlDone := make(chan error, 1)
	go func() {
		ctrlDone <- ctrl.Run(runCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		if runErr == nil {
			logger.Info("status server exited")
		}
	}

	cancel()
	if err := <-ctrlDone; err != nil && runErr == nil {
		runErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown", "error", err)
		}
	}
	if client != nil {
		client.Wait()
	}
	if err := store.Close(); err != nil {
		logger.Warn("close telemetry buffer", "error", err)
	}
	if conn != nil {
		if err := conn.Stop(shutdownCtx); err != nil {
			logger.Debug("mqtt disconnect", "error", err)
		}
	}

	st := ctrl.Status()
	logger.Info("rssibeam stopped",
		"uploads_ok", st.Uploads.Successes,
		"uploads_failed", st.Uploads.Failures,
		"buffered", st.Buffered,
	)
	return runErr
}

// newTelemetryClient builds the client for the configured transport and
// returns a reachability check for the import endpoint when the
// transport has one. A non-nil error means sending is disabled.
func newTelemetryClient(cfg *config.Config, store *telemetry.Store, conn *mqtt.Conn, logger *slog.Logger) (*telemetry.Client, connwatch.Check, error) {
	tcfg := cfg.Telemetry
	var (
		transport   telemetry.Transport
		check       connwatch.Check
		callTimeout time.Duration
	)

	switch tcfg.Transport {
	case config.TransportMQTT:
		if conn == nil {
			return nil, nil, fmt.Errorf("%w: no mqtt broker", sampling.ErrClientInit)
		}
		transport = mqtt.NewTransport(conn, conn.Topics(), tcfg.ProjectID, logger.With("component", "mqtt_transport"))
	default:
		ht, err := telemetry.NewHTTPTransport(telemetry.HTTPConfig{
			BaseURL:    tcfg.HTTP.BaseURL,
			ProjectID:  tcfg.ProjectID,
			Token:      tcfg.Token,
			Timeout:    time.Duration(tcfg.HTTP.TimeoutSec) * time.Second,
			RetryCount: tcfg.HTTP.RetryCount,
			Logger:     logger.With("component", "import"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", sampling.ErrClientInit, err)
		}
		transport = ht
		check = ht.Probe
		callTimeout = time.Duration(tcfg.HTTP.TimeoutSec) * time.Second
	}

	client, err := telemetry.New(store, transport, telemetry.Options{
		CallTimeout: callTimeout,
		Logger:      logger.With("component", "telemetry"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", sampling.ErrClientInit, err)
	}
	return client, check, nil
}

// newSource returns the configured metric source.
func newSource(cfg config.SourceConfig) sampling.MetricSource {
	if cfg.Kind == config.SourceKindStatic {
		return wifi.Static{Value: cfg.StaticValue}
	}
	return wifi.NewProcSource(cfg.ProcPath, cfg.Interface)
}

// serviceEvents returns a connwatch callback that announces service
// transitions on the bus.
func serviceEvents(bus *events.Bus, name string) func(bool, error) {
	return func(up bool, err error) {
		e := events.Event{
			Source: events.SourceConnwatch,
			Kind:   events.KindServiceUp,
			Data:   map[string]any{"service": name},
		}
		if !up {
			e.Kind = events.KindServiceDown
			if err != nil {
				e.Data["error"] = err.Error()
			}
		}
		bus.Publish(e)
	}
}
