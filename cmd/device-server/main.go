// Package main is the entry point for the Device Server: it wires the
// protocol registry, TCP acceptor, identification prober, polling scheduler,
// telemetry pipeline, and storage sinks together and manages the process
// lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nexus-edge/device-server/internal/adapter"
	"github.com/nexus-edge/device-server/internal/command"
	"github.com/nexus-edge/device-server/internal/config"
	"github.com/nexus-edge/device-server/internal/device"
	"github.com/nexus-edge/device-server/internal/discovery"
	"github.com/nexus-edge/device-server/internal/health"
	"github.com/nexus-edge/device-server/internal/identify"
	"github.com/nexus-edge/device-server/internal/metrics"
	"github.com/nexus-edge/device-server/internal/protocol"
	"github.com/nexus-edge/device-server/internal/scheduler"
	"github.com/nexus-edge/device-server/internal/session"
	"github.com/nexus-edge/device-server/internal/status"
	"github.com/nexus-edge/device-server/internal/storage"
	"github.com/nexus-edge/device-server/internal/telemetry"
	"github.com/nexus-edge/device-server/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var version = "dev"

func main() {
	logger := logging.New("info", "json")
	logger.Info().
		Str("version", version).
		Str("service", "device-server").
		Msg("Starting Device Server")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger = logging.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsRegistry := metrics.NewRegistry()

	// Protocol catalogue. A duplicate protocol id or malformed YAML is a
	// configuration error and refuses startup.
	registry, err := protocol.LoadAll(cfg.Protocols.Dir, cfg.Protocols.RegisterMapsDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load protocol definitions")
	}
	if registry.Len() == 0 {
		logger.Warn().Str("dir", cfg.Protocols.Dir).Msg("No protocol definitions loaded, devices cannot be identified")
	}
	logger.Info().Int("count", registry.Len()).Msg("Loaded protocol definitions")

	// Storage sinks. An unreachable time-series store at startup is a
	// warning, not fatal: the lazy writer keeps retrying and the telemetry
	// worker retains unflushed batches until it connects.
	tsWriter := storage.NewLazyTimescaleWriter(ctx, storage.TimescaleConfig{
		Host:        cfg.Storage.Host,
		Port:        cfg.Storage.Port,
		Database:    cfg.Storage.Database,
		User:        cfg.Storage.User,
		Password:    cfg.Storage.Password,
		PoolSize:    cfg.Storage.PoolSize,
		MaxIdleTime: cfg.Storage.MaxIdleTime,
		MaxRetries:  cfg.Storage.MaxRetries,
		RetryDelay:  cfg.Storage.RetryDelay,
	}, 30*time.Second, logger, metricsRegistry)

	controlPlane := storage.NewControlPlaneClient(storage.ControlPlaneConfig{
		BaseURL:    cfg.ControlPlane.BaseURL,
		APIKey:     cfg.ControlPlane.APIKey,
		Timeout:    cfg.ControlPlane.Timeout,
		MaxRetries: cfg.ControlPlane.MaxRetries,
		RetryDelay: cfg.ControlPlane.RetryDelay,
	}, logger)

	// Telemetry pipeline.
	telemetryWorker := telemetry.NewWorker(telemetry.Config{
		QueueSize:     cfg.Telemetry.QueueSize,
		BatchSize:     cfg.Telemetry.BatchSize,
		FlushInterval: cfg.Telemetry.FlushInterval,
		WindowSize:    cfg.Telemetry.WindowSize,
	}, tsWriter, controlPlane, logger, metricsRegistry)
	telemetryWorker.Start(ctx)

	// Device manager and lifecycle callbacks.
	deviceManager := device.NewManager(logger)
	deviceManager.OnStatusChanged(func(state *device.State, _, newStatus device.Status) {
		go controlPlane.UpdateDeviceStatus(context.Background(), state.DeviceID, string(newStatus), state.StatusMessage)
		metricsRegistry.SetDevicesOnline(deviceManager.OnlineCount())
	})
	deviceManager.OnRemoved(func(state *device.State) {
		go controlPlane.UpdateDeviceStatus(context.Background(), state.DeviceID, string(device.StatusOffline), "session disconnected")
		metricsRegistry.SetDevicesOnline(deviceManager.OnlineCount())
	})

	adapterFactory := adapter.NewFactory(registry, logger)

	pollScheduler := scheduler.NewScheduler(deviceManager, telemetryWorker, metricsRegistry, logger)
	pollScheduler.Start(ctx)

	dispatcher := command.NewDispatcher(logger)
	var commandWorker *command.Worker
	if cfg.Command.Enabled && cfg.ControlPlane.BaseURL != "" {
		commandWorker = command.NewWorker(command.Config{
			PollInterval: cfg.Command.PollInterval,
			BatchSize:    cfg.Command.BatchSize,
		}, controlPlane, dispatcher, logger)
		commandWorker.Start(ctx)
	}

	prober := identify.NewProber(registry, logger)

	// liveSessions maps session ids to their Session so the duplicate-serial
	// rule can close the older connection when a logger re-dials.
	var liveSessions sync.Map

	registrar := newRegistrar(cfg, logger, registry, controlPlane, deviceManager, adapterFactory, pollScheduler, dispatcher, &liveSessions)
	unregistrar := newUnregistrar(deviceManager, pollScheduler, dispatcher, &liveSessions)

	lifecycle := session.NewLifecycle(session.LifecycleConfig{
		StabilizationDelay: cfg.Connection.StabilizationDelay,
		IdentifyMaxRetries: cfg.Identification.MaxRetries,
		IdentifyRetryDelay: cfg.Identification.RetryDelay,
		IdentifyTimeout:    cfg.Identification.Timeout,
	}, countingIdentifier{
		inner:   identify.SessionIdentifier{Prober: prober},
		metrics: metricsRegistry,
	}, registrar, unregistrar, logger)

	acceptor := session.NewAcceptor(cfg.Server.Host, cfg.Server.Port, cfg.Server.MaxConnections, lifecycle.Handle, logger)
	if err := acceptor.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start TCP acceptor")
	}
	var acceptorUp atomic.Bool
	acceptorUp.Store(true)

	// Discovery service (reuses the same prober).
	scanner := discovery.NewScanner(cfg.Discovery.MaxConcurrent, cfg.Discovery.ConnectTimeout, logger)
	discoverySvc := discovery.NewDiscovery(scanner, prober, cfg.Discovery.IdentifyTimeout, logger)
	discoverySvc.BindContext(ctx)

	healthChecker := health.NewChecker(tsWriter, acceptorUp.Load, logger)

	statusReporter := status.NewReporter(
		func() map[string]any {
			accepted, rejected := acceptor.Stats()
			return map[string]any{
				"active":   acceptor.ActiveConnections(),
				"accepted": accepted,
				"rejected": rejected,
			}
		},
		func() map[string]any {
			s := deviceManager.Stats()
			detail := make([]map[string]any, 0, deviceManager.Count())
			for _, st := range deviceManager.All() {
				detail = append(detail, map[string]any{
					"device_id":            st.DeviceID,
					"serial_number":        st.SerialNumber,
					"protocol":             st.ProtocolID,
					"status":               string(st.Status),
					"uptime_seconds":       st.UptimeSeconds(),
					"idle_seconds":         st.IdleSeconds(),
					"success_rate":         st.SuccessRate(),
					"avg_poll_duration_ms": st.AvgPollDurationMS(),
					"total_polls":          st.TotalPolls,
				})
			}
			return map[string]any{
				"total":       s.TotalDevices,
				"online":      s.OnlineDevices,
				"by_type":     s.ByType,
				"by_status":   s.ByStatus,
				"by_protocol": s.ByProtocol,
				"detail":      detail,
			}
		},
		func() map[string]any {
			return map[string]any{"active_pollers": pollScheduler.ActiveDevices()}
		},
		func() map[string]any {
			s := telemetryWorker.Stats()
			return map[string]any{
				"received":  s.Received,
				"dropped":   s.Dropped,
				"processed": s.Processed,
				"anomalies": s.Anomalies,
				"queue_len": s.QueueLength,
				"queue_cap": s.QueueCap,
			}
		},
		func() map[string]any {
			if commandWorker == nil {
				return map[string]any{"enabled": false}
			}
			s := commandWorker.GetStats()
			return map[string]any{
				"enabled":   true,
				"running":   s.Running,
				"processed": s.CommandsProcessed,
				"failed":    s.CommandsFailed,
			}
		},
		tsWriter.Stats,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LiveHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadyHandler)
	mux.HandleFunc("/status", statusReporter.StatusHandler)
	mux.HandleFunc("/discovery/scan", discoverySvc.ScanHandler)
	mux.HandleFunc("/discovery/status", discoverySvc.StatusHandler)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("HTTP server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	go refreshGauges(ctx, acceptor, deviceManager, metricsRegistry)
	go pushSnapshots(ctx, deviceManager, controlPlane)

	logger.Info().Msg("Device Server started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, stopping services...")

	// Shutdown order: stop accepting (also cancels identification in
	// progress), cancel pollers, stop command dispatch, flush the telemetry
	// queue once, then close the storage pools.
	acceptorUp.Store(false)
	if err := acceptor.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("Error stopping acceptor")
	}

	pollScheduler.Stop()
	if commandWorker != nil {
		commandWorker.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := telemetryWorker.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping telemetry worker")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping HTTP server")
	}

	cancel()
	tsWriter.Close()

	logger.Info().Msg("Device Server stopped")
}

// countingIdentifier decorates the prober with identification outcome
// counters.
type countingIdentifier struct {
	inner   session.Identifier
	metrics *metrics.Registry
}

func (c countingIdentifier) Identify(ctx context.Context, sess *session.Session) (session.IdentifyResult, error) {
	result, err := c.inner.Identify(ctx, sess)
	if err != nil {
		c.metrics.IncIdentificationsFailed()
		return result, err
	}
	c.metrics.IncIdentificationsOK()
	return result, nil
}

// newRegistrar builds the hand-off invoked once a session is identified:
// resolve the duplicate-serial conflict in favor of the newer session,
// register with the control plane (best-effort, bounded), then bind the
// device, its adapter, and its poller.
func newRegistrar(
	cfg *config.Config,
	logger zerolog.Logger,
	registry *protocol.Registry,
	controlPlane *storage.ControlPlaneClient,
	deviceManager *device.Manager,
	adapterFactory *adapter.Factory,
	pollScheduler *scheduler.Scheduler,
	dispatcher *command.Dispatcher,
	liveSessions *sync.Map,
) session.Registrar {
	return func(ctx context.Context, sess *session.Session, result session.IdentifyResult) (string, error) {
		def, ok := registry.Get(result.ProtocolID)
		if !ok {
			return "", fmt.Errorf("unknown protocol %q", result.ProtocolID)
		}

		// Newer session wins: a logger that re-dials is assumed to do so
		// because its old path died. Stop the stale poller and close the
		// old socket before rebinding the serial.
		if prev, exists := deviceManager.GetBySerial(result.SerialNumber); exists {
			pollScheduler.StopDevice(prev.DeviceID)
			if old, loaded := liveSessions.Load(prev.SessionID); loaded {
				old.(*session.Session).Close()
			}
		}

		siteID := ""
		deviceID := ""
		regCtx, regCancel := context.WithTimeout(ctx, cfg.ControlPlane.Timeout)
		if cfg.ControlPlane.BaseURL != "" {
			if s, err := controlPlane.GetSiteForDevice(regCtx, sess.RemoteIP); err == nil {
				siteID = s
			}
			id, err := controlPlane.RegisterDevice(regCtx, storage.RegisterDeviceRequest{
				SiteID:       siteID,
				SerialNumber: result.SerialNumber,
				DeviceType:   result.DeviceType,
				ProtocolID:   result.ProtocolID,
				Model:        def.Name,
				Manufacturer: def.Manufacturer,
			})
			if err != nil {
				logger.Warn().Err(err).Str("serial", result.SerialNumber).
					Msg("control plane registration failed, serving device with a local id")
			} else {
				deviceID = id
			}
		}
		regCancel()

		if deviceID == "" {
			deviceID = "local-" + result.SerialNumber
		}

		state := device.NewState(deviceID, result.SerialNumber, result.ProtocolID, result.DeviceType,
			sess.ID, sess.RemoteAddr, def.Polling.DefaultInterval)
		boundID, _ := deviceManager.Add(state)

		a := adapterFactory.Create(sess, def)
		dispatcher.Register(boundID, a, registry.RegisterMap(def))
		pollScheduler.StartDevice(boundID, siteID, result.SerialNumber, a, def.Polling)

		liveSessions.Store(sess.ID, sess)
		return boundID, nil
	}
}

// newUnregistrar builds the teardown invoked when a session's lifecycle
// ends. If the serial already re-dialed and a newer session owns the device,
// the device binding is left alone.
func newUnregistrar(
	deviceManager *device.Manager,
	pollScheduler *scheduler.Scheduler,
	dispatcher *command.Dispatcher,
	liveSessions *sync.Map,
) session.Unregistrar {
	return func(sess *session.Session, deviceID string) {
		liveSessions.Delete(sess.ID)

		state, ok := deviceManager.GetBySession(sess.ID)
		if !ok || state.DeviceID != deviceID {
			return
		}

		pollScheduler.StopDevice(deviceID)
		dispatcher.Unregister(deviceID)
		deviceManager.Remove(deviceID)
	}
}

// refreshGauges keeps the point-in-time Prometheus gauges current.
func refreshGauges(ctx context.Context, acceptor *session.Acceptor, deviceManager *device.Manager, reg *metrics.Registry) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.SetConnectionsActive(int(acceptor.ActiveConnections()))
			reg.SetDevicesOnline(deviceManager.OnlineCount())
		}
	}
}

// pushSnapshots periodically mirrors each online device's latest telemetry
// to the control plane's current-state view, excluding reserved metadata
// fields.
func pushSnapshots(ctx context.Context, deviceManager *device.Manager, controlPlane *storage.ControlPlaneClient) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, state := range deviceManager.All() {
				if !state.IsOnline() || len(state.LastTelemetry) == 0 {
					continue
				}
				snapshot := make(map[string]any, len(state.LastTelemetry))
				for k, v := range state.LastTelemetry {
					if strings.HasPrefix(k, "_") {
						continue
					}
					snapshot[k] = v
				}
				if len(snapshot) == 0 {
					continue
				}
				snapCtx, snapCancel := context.WithTimeout(ctx, 10*time.Second)
				controlPlane.UpdateDeviceSnapshot(snapCtx, state.DeviceID, snapshot)
				snapCancel()
			}
		}
	}
}
