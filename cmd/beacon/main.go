// Beacon - relay and rendezvous server for peer-hosted game sessions.
//
// Beacon lets one game client host a room, lets other clients discover and
// join it, and forwards their traffic through itself or brokers a direct
// UDP path via NAT hole punching. It exposes a REST listing for matchmaking,
// records session history to SQLite, and publishes telemetry over MQTT.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/beacon-project/beacon/internal/api"
	"github.com/beacon-project/beacon/internal/cli"
	"github.com/beacon-project/beacon/internal/config"
	"github.com/beacon-project/beacon/internal/db"
	"github.com/beacon-project/beacon/internal/events"
	"github.com/beacon-project/beacon/internal/punch"
	"github.com/beacon-project/beacon/internal/relay"
	"github.com/beacon-project/beacon/internal/scheduler"
	"github.com/beacon-project/beacon/internal/telemetry"
	"github.com/beacon-project/beacon/internal/transport"
	"github.com/beacon-project/beacon/internal/util"
)

const (
	AppName    = "Beacon"
	AppVersion = "1.0.0"
	Banner     = `
  ____
 |  _ \
 | |_) | ___  __ _  ___ ___  _ __
 |  _ < / _ \/ _' |/ __/ _ \| '_ \
 | |_) |  __/ (_| | (_| (_) | | | |
 |____/ \___|\__,_|\___\___/|_| |_|  v%s
 Relay & rendezvous server for peer-hosted games
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Logger with defaults first; reconfigured after config load.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Beacon")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appCfg := cfg.GetApplication()
	logCfg := util.LogConfig{
		Level:      appCfg.Logging.Level,
		Directory:  appCfg.Logging.Directory,
		MaxSizeMB:  appCfg.Logging.MaxSizeMB,
		MaxBackups: appCfg.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	publicIP := ""
	if ip, err := util.GetPublicIP(); err == nil {
		publicIP = ip
		log.Info().Str("public_ip", ip).Msg("detected public address")
	}

	relayCfg := cfg.GetRelay()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	// Session history (optional).
	var history *db.History
	if appCfg.History.Enabled {
		database, err := db.NewDatabase(appCfg.History.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open history database, history disabled")
		} else {
			defer database.Close()
			history, err = db.NewHistory(database)
			if err != nil {
				log.Warn().Err(err).Msg("failed to prepare history schema, history disabled")
				history = nil
			} else {
				history.Attach(eventBus)
			}
		}
	}

	// NAT punch coordinator and the proxy pool it feeds (optional).
	var coordinator *punch.Coordinator
	var proxies *punch.Registry
	if relayCfg.PunchEnabled {
		coordinator = punch.NewCoordinator(relayCfg.PunchPort)
		if err := coordinator.Bind(); err != nil {
			log.Fatal().Err(err).Msg("failed to bind punch coordinator socket")
		}

		proxies = punch.NewRegistry()
		coordinator.SetResolvedHandler(func(conn transport.ConnID, endpoint *net.UDPAddr) {
			eventBus.Emit(ctx, events.Event{
				Type:   events.EventPunchResolved,
				Source: "punch",
				Payload: events.PunchPayload{
					Conn:     conn,
					Endpoint: endpoint.String(),
				},
			})
		})
	}

	// The relay core and its transport.
	registry := relay.NewRegistry(relayCfg, relay.Options{
		Coordinator:      coordinator,
		Proxies:          proxies,
		Bus:              eventBus,
		AdvertiseAddress: publicIP,
	})
	tr, err := transport.New(relayCfg.Transport, registry.Callbacks())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build transport")
	}
	registry.AttachTransport(tr)

	// MQTT telemetry (optional).
	var mqttHandler *telemetry.MQTTHandler
	if appCfg.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	sched := scheduler.NewScheduler(cfg, history, registry.Listing())
	console := cli.NewCLI(cfg, eventBus, registry, history)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// The dispatch loop owns all room state.
	wg.Add(1)
	go func() {
		defer wg.Done()
		registry.Run(ctx)
	}()

	// Transport listener.
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("transport", relayCfg.Transport).Int("port", relayCfg.Port).Msg("starting relay transport")
		if err := startWithRetry(ctx, "relay transport", func(ctx context.Context) error {
			return tr.StartServer(ctx, relayCfg.Port)
		}, 5); err != nil {
			log.Error().Err(err).Msg("relay transport failed after retries")
			errCh <- fmt.Errorf("relay transport: %w", err)
		}
	}()

	// Punch coordinator.
	if coordinator != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", coordinator.Port()).Msg("starting punch coordinator")
			if err := coordinator.Start(ctx); err != nil {
				log.Error().Err(err).Msg("punch coordinator failed")
				errCh <- fmt.Errorf("punch coordinator: %w", err)
			}
		}()
	}

	// REST listing server.
	if relayCfg.RESTEnabled {
		apiServer := api.NewServer(cfg, registry.Listing(), history)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", relayCfg.RESTPort).Msg("starting REST server")
			if err := startWithRetry(ctx, "REST server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("REST server failed after retries (non-fatal)")
			}
		}()
	}

	// MQTT telemetry.
	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// Background maintenance.
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	// Interactive console.
	wg.Add(1)
	go func() {
		defer wg.Done()
		console.Start(ctx)
	}()

	// A 'quit' from the console arrives as a shutdown event.
	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	eventBus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, event events.Event) error {
		shutdownOnce.Do(func() { close(shutdownCh) })
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	if err := tr.Stop(); err != nil {
		log.Debug().Err(err).Msg("transport stop error")
	}
	if proxies != nil {
		proxies.CloseAll()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()

	log.Info().Msg("Beacon stopped")
}

// startWithRetry attempts to start a listener/server, retrying bind errors a
// few times so a restart can win the race against TIME_WAIT sockets.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("start failed, retrying in 3s...")
			time.Sleep(3 * time.Second)
		}
	}
	return lastErr
}
