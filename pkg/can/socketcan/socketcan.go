// Package socketcan binds the stack to a linux SocketCAN interface through
// brutella/can. The shim filters the raw socket traffic down to what the
// diagnostic stack understands (standard-id data frames) and keeps the
// receive pump alive across interface flaps.
package socketcan

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	brutella "github.com/brutella/can"

	can "github.com/vdiag/gouds/pkg/can"
)

func init() {
	factory := func(name string) (can.Bus, error) {
		return NewBus(nil, name), nil
	}
	can.RegisterInterface("socketcan", factory)
	can.RegisterInterface("can", factory)
}

// Raw socketcan id flag bits (linux/can.h).
const (
	effFlag = 0x80000000
	rtrFlag = 0x40000000
	errFlag = 0x20000000
)

const reopenInterval = time.Second

// Bus is a SocketCAN endpoint. The socket is opened on Connect, not at
// construction, so a bus can be created before the interface is up.
type Bus struct {
	logger *slog.Logger
	name   string

	mu      sync.Mutex
	bus     *brutella.Bus
	handler can.FrameListener
	closing bool
}

// NewBus creates a bus for the named interface, e.g. "can0".
func NewBus(logger *slog.Logger, name string) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("service", "[SOCKETCAN]", "interface", name),
		name:   name,
	}
}

func (b *Bus) Connect(...any) error {
	bus, err := brutella.NewBusForInterfaceWithName(b.name)
	if err != nil {
		return fmt.Errorf("socketcan %s: %w", b.name, err)
	}
	b.mu.Lock()
	b.bus = bus
	b.closing = false
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		bus.Subscribe(b)
	}
	go b.pump(bus)
	return nil
}

// pump runs the brutella receive loop and reopens the socket when it dies
// while the bus is still supposed to be up (interface flap, driver reset).
func (b *Bus) pump(bus *brutella.Bus) {
	err := bus.ConnectAndPublish()
	b.mu.Lock()
	closing := b.closing
	current := b.bus == bus
	b.mu.Unlock()
	if closing || !current {
		return
	}
	b.logger.Warn("receive loop terminated, reopening", "err", err)
	for {
		time.Sleep(reopenInterval)
		b.mu.Lock()
		if b.closing {
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		if err := b.Connect(); err == nil {
			b.logger.Info("interface reopened")
			return
		}
	}
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	b.closing = true
	bus := b.bus
	b.bus = nil
	b.mu.Unlock()
	if bus == nil {
		return nil
	}
	return bus.Disconnect()
}

func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	bus := b.bus
	b.mu.Unlock()
	if bus == nil {
		return fmt.Errorf("socketcan %s: not connected", b.name)
	}
	if frame.DLC > 8 {
		return fmt.Errorf("socketcan %s: invalid DLC %d", b.name, frame.DLC)
	}
	return bus.Publish(brutella.Frame{
		ID:     frame.ID & can.CanSffMask,
		Length: frame.DLC,
		Data:   frame.Data,
	})
}

func (b *Bus) Subscribe(handler can.FrameListener) error {
	b.mu.Lock()
	b.handler = handler
	bus := b.bus
	b.mu.Unlock()
	if bus != nil {
		bus.Subscribe(b)
	}
	return nil
}

// Handle implements the brutella/can frame handler. Remote, error and
// extended-id frames are not diagnostic traffic and are filtered out here
// so the upper layers only ever see standard-id data frames.
func (b *Bus) Handle(frame brutella.Frame) {
	if frame.ID&(effFlag|rtrFlag|errFlag) != 0 {
		return
	}
	if frame.Length > 8 {
		return
	}
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler == nil {
		return
	}
	handler.Handle(can.Frame{
		ID:    frame.ID & can.CanSffMask,
		Flags: frame.Flags,
		DLC:   frame.Length,
		Data:  frame.Data,
	})
}
