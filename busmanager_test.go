package uds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	can "github.com/vdiag/gouds/pkg/can"
	"github.com/vdiag/gouds/pkg/can/mem"
)

type recorder struct {
	frames []can.Frame
}

func (r *recorder) Handle(frame can.Frame) {
	r.frames = append(r.frames, frame)
}

func TestBusManagerRoutesById(t *testing.T) {
	bus := mem.NewBroker().NewBus()
	require.NoError(t, bus.Connect())
	bm := NewBusManager(nil, bus)

	first := &recorder{}
	second := &recorder{}
	bm.Subscribe(0x7E0, first)
	bm.Subscribe(0x7E8, second)

	bm.Handle(can.Frame{ID: 0x7E0, DLC: 1})
	bm.Handle(can.Frame{ID: 0x7E8, DLC: 1})
	bm.Handle(can.Frame{ID: 0x123, DLC: 1})

	assert.Len(t, first.frames, 1)
	assert.Len(t, second.frames, 1)
}

func TestBusManagerDuplicateSubscription(t *testing.T) {
	bus := mem.NewBroker().NewBus()
	require.NoError(t, bus.Connect())
	bm := NewBusManager(nil, bus)

	listener := &recorder{}
	bm.Subscribe(0x7E0, listener)
	bm.Subscribe(0x7E0, listener)

	bm.Handle(can.Frame{ID: 0x7E0, DLC: 1})
	assert.Len(t, listener.frames, 1)
}

func TestNRCDescriptions(t *testing.T) {
	assert.Equal(t, "Service not supported", NRCServiceNotSupported.Error())
	assert.Equal(t, "Invalid key", NRCInvalidKey.Error())
	assert.Equal(t, "Unknown negative response code", NRC(0x99).Error())
}
