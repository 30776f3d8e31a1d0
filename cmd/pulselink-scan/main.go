// Command pulselink-scan is a manual test for the BLE link. It scans for
// heart rate monitors and prints each sighting as it arrives. With -connect
// it connects to the given identifier and prints heart rate frames instead.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/pulselink-scan [--transport tinygo|gatt] [--timeout 30s] [--connect ID]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/chaz8081/pulselink/internal/ble"
	"github.com/chaz8081/pulselink/internal/settings"
)

func main() {
	transportKind := flag.String("transport", "tinygo", "BLE transport: tinygo or gatt")
	timeout := flag.Duration("timeout", ble.DefaultScanTimeout, "scan duration")
	connectID := flag.String("connect", "", "connect to this peripheral instead of listing")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, err := openTransport(ctx, *transportKind, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "transport:", err)
		os.Exit(1)
	}

	opts := ble.DefaultOptions()
	opts.ScanTimeout = *timeout
	opts.AutoConnect = false
	manager, err := ble.NewManager(transport, settings.NewMemory(), opts, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "manager:", err)
		os.Exit(1)
	}
	go manager.Run(ctx)

	fmt.Println("Waiting for Bluetooth to power on...")
	states, unwatch := manager.Watch()
	defer unwatch()
	if !waitPowered(ctx, states) {
		return
	}

	if *connectID != "" {
		connect(ctx, manager, *connectID)
		return
	}

	devices, undiscover := manager.Discoveries()
	defer undiscover()

	if err := manager.StartScanning(); err != nil {
		fmt.Fprintln(os.Stderr, "scan:", err)
		os.Exit(1)
	}
	fmt.Printf("Scanning for %s...\n", *timeout)

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			return
		case ev, ok := <-devices:
			if !ok {
				return
			}
			seen[ev.Entry.Device.ID] = true
			fmt.Printf("  %-7s %-40s %-24s %4d dBm\n", ev.Kind, ev.Entry.Device.ID, ev.Entry.Device.DisplayName(), ev.Entry.RSSI)
		case s, ok := <-states:
			if !ok {
				return
			}
			if !s.Scanning {
				fmt.Printf("Scan finished, %d device(s) found.\n", len(seen))
				return
			}
		}
	}
}

func waitPowered(ctx context.Context, states <-chan ble.State) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case s, ok := <-states:
			if !ok {
				return false
			}
			if s.Permission == ble.PermissionDenied {
				fmt.Fprintln(os.Stderr, "Bluetooth permission denied.")
				return false
			}
			if s.PoweredOn {
				return true
			}
		}
	}
}

func connect(ctx context.Context, m *ble.Manager, id string) {
	sub := m.Messages(ble.HeartRateMeasurementUUID)
	defer sub.Close()

	if err := m.ConnectID(id); err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		return
	}
	fmt.Println("Connecting to", id, "...")
	defer m.Disconnect()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			return
		case msg := <-sub.C():
			fmt.Printf("%s  %x\n", time.Now().Format("15:04:05.000"), msg.Payload)
		}
	}
}

func openTransport(ctx context.Context, kind string, logger *slog.Logger) (ble.Transport, error) {
	if kind == "gatt" {
		t, err := ble.NewGattTransport(logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	t := ble.NewTinyGoTransport(logger)
	if runtime.GOOS == "linux" {
		if bz, err := ble.NewBlueZ(logger); err == nil {
			t.UseHost(ctx, bz)
		}
	}
	if err := t.Enable(); err != nil {
		return nil, err
	}
	return t, nil
}
