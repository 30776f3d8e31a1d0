package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/pulselink/internal/api"
	"github.com/chaz8081/pulselink/internal/ble"
	"github.com/chaz8081/pulselink/internal/config"
	"github.com/chaz8081/pulselink/internal/hotkey"
	"github.com/chaz8081/pulselink/internal/influx"
	"github.com/chaz8081/pulselink/internal/mqtt"
	"github.com/chaz8081/pulselink/internal/settings"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/pulselink/config.yaml)")
	initConfig := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Println("Config file already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote default config to", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
	logger.Info("Goodbye!")
	if cfg.Hotkey.Enabled {
		// Exit directly to avoid gohook's C cleanup crash.
		os.Exit(0)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := settings.Open(cfg.Settings.Backend, cfg.Settings.Path)
	if err != nil {
		return fmt.Errorf("opening settings: %w", err)
	}
	defer store.Close()
	logger.Info("[SETTINGS] store ready", "backend", cfg.Settings.Backend, "path", cfg.Settings.Path)

	transport, closeTransport, err := openTransport(ctx, cfg.BLE.Transport, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	manager, err := ble.NewManager(transport, store, bleOptions(cfg.BLE), logger)
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- manager.Run(ctx) }()

	channels := publishChannels(cfg.BLE.PublishCharacteristics)

	frames := manager.Messages(channels...)
	defer frames.Close()
	go logFrames(frames, logger)

	if cfg.BLE.RSSIPollInterval > 0 {
		go pollSignalStrength(ctx, manager, cfg.BLE.RSSIPollInterval, logger)
	}

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT, logger)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer client.Close()

		sub := manager.Messages(channels...)
		defer sub.Close()
		states, unwatch := manager.Watch()
		defer unwatch()

		bridge := mqtt.NewBridge(client, manager, cfg.MQTT.TopicPrefix, byte(cfg.MQTT.QoS), logger)
		go func() {
			if err := bridge.Run(ctx, sub.C(), states); err != nil {
				logger.Error("[MQTT] bridge stopped", "error", err)
			}
		}()
	}

	if cfg.InfluxDB.Enabled {
		sink, err := influx.Connect(cfg.InfluxDB, manager, logger)
		if err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
		defer sink.Close()

		sub := manager.Messages(channels...)
		defer sub.Close()
		states, unwatch := manager.Watch()
		defer unwatch()
		go sink.Run(ctx, sub.C(), states)
	}

	if cfg.API.Enabled {
		server := api.New(manager, cfg.API.Listen, logger)
		if err := server.Start(ctx); err != nil {
			return err
		}
		defer server.Close()

		sub := manager.Messages(channels...)
		defer sub.Close()
		states, unwatch := manager.Watch()
		defer unwatch()
		devices, undiscover := manager.Discoveries()
		defer undiscover()
		go server.Hub().Run(ctx, sub.C(), states)
		go server.Hub().RunDevices(ctx, devices)
	}

	if cfg.Hotkey.Enabled {
		listener := hotkey.NewListener(cfg.Hotkey.Keys, cfg.Hotkey.Mode)
		go listener.Start()
		defer listener.Stop()
		go hotkey.Drive(ctx, listener.Events(), manager, logger)
		logger.Info("Hotkey listener ready", "keys", strings.Join(cfg.Hotkey.Keys, "+"), "mode", cfg.Hotkey.Mode)
	}

	logger.Info("Ready! Waiting for the heart rate monitor. Ctrl+C to quit.")

	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
		return <-runErr
	case err := <-runErr:
		return err
	}
}

// openTransport creates the configured transport and reports its initial
// power state. The returned func releases it.
func openTransport(ctx context.Context, kind string, logger *slog.Logger) (ble.Transport, func(), error) {
	switch kind {
	case "gatt":
		t, err := ble.NewGattTransport(logger)
		if err != nil {
			return nil, nil, fmt.Errorf("gatt transport: %w", err)
		}
		return t, func() { t.Close() }, nil
	default:
		t := ble.NewTinyGoTransport(logger)
		closers := []func() error{t.Close}
		if runtime.GOOS == "linux" {
			if bz, err := ble.NewBlueZ(logger); err != nil {
				logger.Warn("[BLE] BlueZ unavailable; power changes and known devices will not be tracked", "error", err)
			} else {
				t.UseHost(ctx, bz)
				closers = append(closers, bz.Close)
			}
		}
		if err := t.Enable(); err != nil {
			logger.Warn("[BLE] adapter not available", "error", err)
		}
		return t, func() {
			for _, c := range closers {
				c()
			}
		}, nil
	}
}

func bleOptions(c config.BLEConfig) ble.Options {
	return ble.Options{
		ScanServices:           c.ScanServices,
		DiscoverServices:       c.DiscoverServices,
		PublishCharacteristics: c.PublishCharacteristics,
		ScanTimeout:            c.ScanTimeout,
		AutoConnect:            c.AutoConnect,
		ReconnectDelay:         c.ReconnectDelay,
		NegotiationTimeout:     c.NegotiationTimeout,
		RequireNotifySuccess:   c.RequireNotifySuccess,
		SubscriptionBuffer:     c.SubscriptionBuffer,
	}
}

func publishChannels(uuids []string) []ble.ChannelID {
	out := make([]ble.ChannelID, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, ble.ChannelID(ble.NormalizeUUID(u)))
	}
	return out
}

// logFrames logs every received frame, decoding heart rate measurements.
func logFrames(sub *ble.Subscription, logger *slog.Logger) {
	for msg := range sub.C() {
		if msg.Channel == ble.HeartRateMeasurementUUID {
			if m, ok := parseHeartRate(msg.Payload); ok {
				logger.Info("[BLE] heart rate", "bpm", m.BPM, "contact", m.Contact, "rr_ms", m.RRIntervals)
				continue
			}
		}
		logger.Debug("[BLE] frame", "channel", msg.Channel, "payload", fmt.Sprintf("%x", msg.Payload))
	}
}

// pollSignalStrength requests an RSSI reading on every tick while a
// subscription is live.
func pollSignalStrength(ctx context.Context, m *ble.Manager, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Snapshot().ConnectionState != ble.StateSubscribed {
				continue
			}
			err := m.RequestSignalStrength()
			if errors.Is(err, errors.ErrUnsupported) {
				logger.Info("[BLE] transport cannot read RSSI; polling disabled")
				return
			}
			if err != nil && !errors.Is(err, ble.ErrNotConnected) {
				logger.Debug("[BLE] RSSI request failed", "error", err)
			}
		}
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults (run with -init to write one)")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== pulselink ===")
	fmt.Printf("  Transport: %s\n", cfg.BLE.Transport)
	fmt.Printf("  Services:  %s\n", strings.Join(cfg.BLE.ScanServices, ", "))
	fmt.Printf("  Publish:   %s\n", strings.Join(cfg.BLE.PublishCharacteristics, ", "))
	fmt.Printf("  Settings:  %s\n", cfg.Settings.Backend)
	fmt.Printf("  MQTT:      %s\n", enabled(cfg.MQTT.Enabled, cfg.MQTT.Broker))
	fmt.Printf("  InfluxDB:  %s\n", enabled(cfg.InfluxDB.Enabled, cfg.InfluxDB.URL))
	fmt.Printf("  API:       %s\n", enabled(cfg.API.Enabled, cfg.API.Listen))
	fmt.Printf("  Hotkey:    %s\n", enabled(cfg.Hotkey.Enabled, strings.Join(cfg.Hotkey.Keys, "+")+" ("+cfg.Hotkey.Mode+" mode)"))
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("=================")
}

func enabled(on bool, detail string) string {
	if !on {
		return "off"
	}
	return detail
}
