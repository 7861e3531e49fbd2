package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"iotawatt2mqtt/internal/config"
	"iotawatt2mqtt/internal/coordinator"
	ha "iotawatt2mqtt/internal/homeassistant"
	"iotawatt2mqtt/internal/iotawatt"
	"iotawatt2mqtt/internal/mqtt"
	"iotawatt2mqtt/internal/sensor"
	"iotawatt2mqtt/internal/stream"

	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	applyLogLevel(logger, cfg.Log.Level)

	cfg.OnChange(func(reloaded *config.Config) {
		logger.Infof("Config file changed, applying log level %q", reloaded.Log.Level)
		applyLogLevel(logger, reloaded.Log.Level)
	}, func(err error) {
		logger.Errorf("Ignoring invalid config change: %v", err)
	})

	logger.Infof("Starting iotawatt2mqtt for %s, publishing to %s", cfg.IoTaWatt.Host, cfg.MQTT.Broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := iotawatt.NewClient(cfg, logger)
	updater := coordinator.NewUpdater(client, cfg.IoTaWatt.ScanIntervalDuration(), cfg.IoTaWatt.Retries, logger)

	if err := updater.Refresh(ctx); err != nil {
		logger.Fatalf("Failed to read sensors from IoTaWatt: %v", err)
	}
	logger.Infof("Found %d sensors", len(updater.Sensors()))

	registry := ha.NewRegistry(cfg.Registry.Path)
	if err := registry.Load(); err != nil {
		logger.Fatalf("Failed to load entity registry: %v", err)
	}

	mqttClient, err := mqtt.NewClient(cfg, logger, cfg.MQTT.BaseTopic+"/bridge/status")
	if err != nil {
		logger.Fatalf("Failed to create MQTT client: %v", err)
	}

	platform := ha.NewPlatform(cfg, mqttClient, registry, logger)
	mqttClient.SetCallbacks(platform.Republish)

	var streamServer *stream.Server
	if cfg.Server.Enabled {
		streamServer = stream.NewServer(cfg, logger)
		platform.SetBroadcaster(streamServer)
	}

	if err := mqttClient.Connect(); err != nil {
		logger.Fatalf("Failed to connect to MQTT: %v", err)
	}
	defer mqttClient.Disconnect()

	location, err := cfg.IoTaWatt.Location()
	if err != nil {
		logger.Fatalf("Failed to load device time zone: %v", err)
	}

	factory := sensor.NewFactory(updater, platform, logger)
	factory.SetLocation(location)
	factory.Setup()
	defer factory.Close()
	platform.PurgeOrphans()

	watchdog := startWatchdog(updater, cfg.Watchdog.TimeoutDuration(), logger)
	if watchdog != nil {
		defer watchdog.Stop()
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		updater.Start(ctx)
	}()

	if streamServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := streamServer.Start(ctx); err != nil {
				logger.Errorf("State stream server error: %v", err)
				cancel()
			}
		}()
	}

	logger.Info("All services started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down...")
	cancel()

	if streamServer != nil {
		streamServer.Stop()
	}

	wg.Wait()
	platform.Wait()
	if err := registry.Save(); err != nil {
		logger.Errorf("Failed to save entity registry: %v", err)
	}
	logger.Info("Shutdown complete")
}

func applyLogLevel(logger *logrus.Logger, level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Unknown log level %q, keeping %s", level, logger.GetLevel())
		return
	}
	logger.SetLevel(parsed)
}

// startWatchdog exits the process when no refresh has succeeded for timeout,
// leaving the restart to the supervisor.
func startWatchdog(updater *coordinator.Updater, timeout time.Duration, logger *logrus.Logger) *time.Timer {
	if timeout <= 0 {
		return nil
	}

	watchdog := time.AfterFunc(timeout, func() {
		logger.Fatalf("No successful IoTaWatt update for %s, exiting", timeout)
	})
	updater.AddListener(func() {
		if updater.LastUpdateSuccess() {
			watchdog.Reset(timeout)
		}
	})
	return watchdog
}
