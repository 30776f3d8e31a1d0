// Package hotkey binds a global keyboard shortcut to BLE scanning using
// gohook. In "hold" mode the scan runs while the keys are held; in "toggle"
// mode each press flips scanning on or off.
package hotkey

import (
	"context"
	"log/slog"
	"sync"

	hook "github.com/robotn/gohook"

	"github.com/chaz8081/pulselink/internal/ble"
)

// EventType is what a key transition asks the scanner to do.
type EventType int

const (
	// EventStart asks for a scan to start.
	EventStart EventType = iota
	// EventStop asks for the scan to stop.
	EventStop
	// EventToggle asks for the scan to flip its current state.
	EventToggle
)

func (t EventType) String() string {
	switch t {
	case EventStart:
		return "start"
	case EventStop:
		return "stop"
	default:
		return "toggle"
	}
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Type EventType
}

// Listener manages a global hotkey and emits scan events.
type Listener struct {
	keys []string
	mode string // "hold" or "toggle"
	ch   chan Event
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	held bool
}

// NewListener creates a Listener for the given key combo and mode.
// keys should be lowercase key names (e.g., ["ctrl", "shift", "h"]).
func NewListener(keys []string, mode string) *Listener {
	return &Listener{
		keys: keys,
		mode: mode,
		ch:   make(chan Event, 16),
		done: make(chan struct{}),
	}
}

// Events returns the channel that receives hotkey events.
// The channel is closed when the listener stops.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start registers the hotkey and blocks until Stop is called.
func (l *Listener) Start() {
	hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.keyDown() })
	if l.mode == "hold" {
		hook.Register(hook.KeyUp, l.keys, func(hook.Event) { l.keyUp() })
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// keyDown handles a press. Auto-repeat while held emits nothing new.
func (l *Listener) keyDown() {
	if l.mode != "hold" {
		l.emit(EventToggle)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return
	}
	l.held = true
	l.emit(EventStart)
}

func (l *Listener) keyUp() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.held = false
	l.emit(EventStop)
}

func (l *Listener) emit(t EventType) {
	select {
	case l.ch <- Event{Type: t}:
	default: // don't block the hook goroutine
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

// Scanner is the part of ble.Manager the hotkey drives.
type Scanner interface {
	Snapshot() ble.State
	StartScanning() error
	StopScanning() error
}

// Drive applies events to s until ctx is done or events is closed.
// Toggles consult the live scan state, so a scan that timed out on its own
// is restarted by the next press.
func Drive(ctx context.Context, events <-chan Event, s Scanner, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t := ev.Type
			if t == EventToggle {
				t = EventStart
				if s.Snapshot().Scanning {
					t = EventStop
				}
			}
			var err error
			if t == EventStart {
				err = s.StartScanning()
			} else {
				err = s.StopScanning()
			}
			if err != nil {
				log.Warn("[HOTKEY] scan command refused", "action", t, "error", err)
				continue
			}
			log.Info("[HOTKEY] scan", "action", t)
		}
	}
}
