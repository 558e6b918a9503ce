package uds

import (
	"log/slog"
	"sync"

	can "github.com/vdiag/gouds/pkg/can"
)

// BusManager is a wrapper around the CAN bus interface.
// It routes received frames to the listeners subscribed to specific CAN ids.
type BusManager struct {
	logger         *slog.Logger
	mu             sync.Mutex
	bus            can.Bus
	frameListeners map[uint32][]can.FrameListener
}

func NewBusManager(logger *slog.Logger, bus can.Bus) *BusManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusManager{
		logger:         logger.With("service", "[BUS]"),
		bus:            bus,
		frameListeners: make(map[uint32][]can.FrameListener),
	}
}

// Handle implements the FrameListener interface.
// This handles all received CAN frames from Bus.
func (bm *BusManager) Handle(frame can.Frame) {
	bm.mu.Lock()
	listeners := bm.frameListeners[frame.ID&can.CanSffMask]
	bm.mu.Unlock()
	for _, listener := range listeners {
		listener.Handle(frame)
	}
}

func (bm *BusManager) SetBus(bus can.Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() can.Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send a CAN frame on the bus
func (bm *BusManager) Send(frame can.Frame) error {
	err := bm.bus.Send(frame)
	if err != nil {
		bm.logger.Warn("failed to send frame", "id", frame.ID, "error", err)
	}
	return err
}

// Subscribe to a specific CAN id
func (bm *BusManager) Subscribe(ident uint32, callback can.FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & can.CanSffMask
	for _, cb := range bm.frameListeners[ident] {
		if cb == callback {
			bm.logger.Warn("callback already subscribed", "id", ident)
			return
		}
	}
	bm.frameListeners[ident] = append(bm.frameListeners[ident], callback)
}
