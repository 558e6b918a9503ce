package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/pkg/can/mem"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	broker := mem.NewBroker()
	bus := broker.NewBus()
	require.NoError(t, bus.Connect())
	bm := uds.NewBusManager(nil, bus)
	require.NoError(t, bus.Subscribe(bm))
	return NewServer(nil, bm, Config{RequestID: 0x7E0, ResponseID: 0x7E8, FunctionalID: 0x7DF})
}

func TestEmptyChainYieldsServiceNotSupported(t *testing.T) {
	srv := newTestServer(t)
	result := srv.dispatch(EventRoutineControl, &RoutineControlArgs{})
	assert.Equal(t, kindReject, result.kind)
	assert.Equal(t, uds.NRCServiceNotSupported, result.NRC())
}

func TestObserversPlusTerminalHandler(t *testing.T) {
	srv := newTestServer(t)
	order := []string{}
	for _, name := range []string{"obs1", "obs2"} {
		name := name
		require.NoError(t, srv.Register(&ServiceNode{
			Event: EventSessionTimeout, Priority: PrioHigh, Name: name,
			Handler: func(s *Server, args any) Result {
				order = append(order, name)
				return Continue()
			},
		}))
	}
	require.NoError(t, srv.Register(&ServiceNode{
		Event: EventSessionTimeout, Priority: PrioNormal, Name: "terminal",
		Handler: func(s *Server, args any) Result {
			order = append(order, "terminal")
			return Handled()
		},
	}))
	result := srv.dispatch(EventSessionTimeout, &SessionTimeoutArgs{})
	assert.Equal(t, kindHandled, result.kind)
	assert.Equal(t, []string{"obs1", "obs2", "terminal"}, order)
}

func TestAllContinueYieldsPositive(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Register(&ServiceNode{
		Event: EventSessionTimeout, Name: "obs",
		Handler: func(s *Server, args any) Result { return Continue() },
	}))
	result := srv.dispatch(EventSessionTimeout, &SessionTimeoutArgs{})
	assert.Equal(t, kindHandled, result.kind)
}

func TestPriorityOrderIsStable(t *testing.T) {
	srv := newTestServer(t)
	order := []string{}
	add := func(name string, prio uint8) {
		require.NoError(t, srv.Register(&ServiceNode{
			Event: EventRoutineControl, Priority: prio, Name: name,
			Handler: func(s *Server, args any) Result {
				order = append(order, name)
				return NotMine()
			},
		}))
	}
	add("low", PrioLow)
	add("high", PrioHigh)
	add("normal-a", PrioNormal)
	add("normal-b", PrioNormal) // tie keeps insertion order
	result := srv.dispatch(EventRoutineControl, &RoutineControlArgs{})
	assert.Equal(t, []string{"high", "normal-a", "normal-b", "low"}, order)
	assert.Equal(t, uds.NRCServiceNotSupported, result.NRC())
}

func TestRejectStopsChain(t *testing.T) {
	srv := newTestServer(t)
	reached := false
	require.NoError(t, srv.Register(&ServiceNode{
		Event: EventWriteDataByIdent, Priority: PrioHigh, Name: "gate",
		Handler: func(s *Server, args any) Result { return Reject(uds.NRCSecurityAccessDenied) },
	}))
	require.NoError(t, srv.Register(&ServiceNode{
		Event: EventWriteDataByIdent, Priority: PrioNormal, Name: "writer",
		Handler: func(s *Server, args any) Result { reached = true; return Handled() },
	}))
	result := srv.dispatch(EventWriteDataByIdent, &WDBIArgs{})
	assert.Equal(t, uds.NRCSecurityAccessDenied, result.NRC())
	assert.False(t, reached)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	srv := newTestServer(t)
	node := &ServiceNode{
		Event: EventECUReset, Name: "reset",
		Handler: func(s *Server, args any) Result { return Handled() },
	}
	require.NoError(t, srv.Register(node))
	assert.ErrorIs(t, srv.Register(node), ErrAlreadyRegistered)
	srv.Unregister(node)
	assert.NoError(t, srv.Register(node))
}

func TestServeTesterPresent(t *testing.T) {
	srv := newTestServer(t)
	result, resp, suppress := srv.serveTesterPresent([]byte{0x3E, 0x00})
	assert.Equal(t, kindHandled, result.kind)
	assert.Equal(t, []byte{0x7E, 0x00}, resp)
	assert.False(t, suppress)

	_, _, suppress = srv.serveTesterPresent([]byte{0x3E, 0x80})
	assert.True(t, suppress)

	result, _, _ = srv.serveTesterPresent([]byte{0x3E, 0x01})
	assert.Equal(t, uds.NRCSubFunctionNotSupported, result.NRC())
}

func TestUnknownServiceYieldsServiceNotSupported(t *testing.T) {
	srv := newTestServer(t)
	result, _, _ := srv.serve(0x99, []byte{0x99})
	assert.Equal(t, uds.NRCServiceNotSupported, result.NRC())
}
