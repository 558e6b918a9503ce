// Package mem provides an in-process CAN broker. Every bus endpoint attached
// to the same broker sees frames sent by any other endpoint. It serves the
// package tests and single-binary demos where client and server share one
// process, without requiring a virtualcan TCP broker.
package mem

import (
	"errors"
	"sync"

	can "github.com/vdiag/gouds/pkg/can"
)

// Broker delivers frames between attached endpoints.
type Broker struct {
	mu        sync.Mutex
	endpoints []*Bus
}

func NewBroker() *Broker {
	return &Broker{}
}

// NewBus creates an endpoint attached to the broker.
func (br *Broker) NewBus() *Bus {
	bus := &Bus{broker: br}
	br.mu.Lock()
	br.endpoints = append(br.endpoints, bus)
	br.mu.Unlock()
	return bus
}

func (br *Broker) dispatch(from *Bus, frame can.Frame) {
	br.mu.Lock()
	endpoints := make([]*Bus, len(br.endpoints))
	copy(endpoints, br.endpoints)
	br.mu.Unlock()
	for _, ep := range endpoints {
		if ep == from {
			continue
		}
		ep.deliver(frame)
	}
}

// Bus is a single endpoint on the broker.
type Bus struct {
	broker       *Broker
	mu           sync.Mutex
	framehandler can.FrameListener
	connected    bool
}

func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return errors.New("error : no active connection, abort send")
	}
	b.broker.dispatch(b, frame)
	return nil
}

func (b *Bus) Subscribe(framehandler can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	return nil
}

func (b *Bus) deliver(frame can.Frame) {
	b.mu.Lock()
	handler := b.framehandler
	connected := b.connected
	b.mu.Unlock()
	if connected && handler != nil {
		handler.Handle(frame)
	}
}
