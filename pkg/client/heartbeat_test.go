package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/pkg/can/mem"
)

// newTestClient returns a client whose bus is optionally disconnected, so
// sends fail synchronously.
func newTestClient(t *testing.T, connected bool) *Client {
	t.Helper()
	broker := mem.NewBroker()
	bus := broker.NewBus()
	if connected {
		require.NoError(t, bus.Connect())
	}
	bm := uds.NewBusManager(nil, bus)
	require.NoError(t, bus.Subscribe(bm))
	return NewClient(nil, bm, Config{RequestID: 0x7E0, ResponseID: 0x7E8, FunctionalID: 0x7DF})
}

func TestHeartbeatFiresOnceAfterThreshold(t *testing.T) {
	c := newTestClient(t, false)
	fired := 0
	m := NewHeartbeatMonitor(c, func() { fired++ })

	for i := 0; i < 5; i++ {
		assert.Equal(t, HeartbeatSendError, m.SendSafe())
	}
	assert.Equal(t, 5, m.FailCount())
	assert.Equal(t, 1, fired)
}

func TestHeartbeatSkipsWhileBusy(t *testing.T) {
	c := newTestClient(t, true)
	m := NewHeartbeatMonitor(c, func() { t.Fatal("disconnect must not fire") })

	c.state = StateAwaitResponse
	assert.Equal(t, HeartbeatBusy, m.SendSafe())
	assert.Equal(t, 0, m.FailCount())

	// A busy tick must not reset the interval timer
	m.lastBeat = time.Now().Add(-2 * m.Interval)
	before := m.lastBeat
	m.Tick()
	assert.Equal(t, before, m.lastBeat)
}

func TestHeartbeatCounterResetsOnResponse(t *testing.T) {
	c := newTestClient(t, false)
	fired := 0
	m := NewHeartbeatMonitor(c, func() { fired++ })

	m.SendSafe()
	m.SendSafe()
	assert.Equal(t, 2, m.FailCount())

	// Any received response proves the link is alive
	c.emit(EventResponseReceived, 0)
	assert.Equal(t, 0, m.FailCount())

	// A fresh failure streak can fire again
	m.SendSafe()
	m.SendSafe()
	m.SendSafe()
	assert.Equal(t, 1, fired)
}

func TestHeartbeatCountsTransportErrors(t *testing.T) {
	c := newTestClient(t, true)
	fired := 0
	m := NewHeartbeatMonitor(c, func() { fired++ })

	c.emit(EventErr, ErrWordTransport)
	c.emit(EventErr, ErrWordTimeout) // not a transport error, not counted
	c.emit(EventErr, ErrWordTransport)
	assert.Equal(t, 2, m.FailCount())
	c.emit(EventErr, ErrWordTransport)
	assert.Equal(t, 1, fired)
}

func TestSuppressedSendGoesIdleWithoutResponse(t *testing.T) {
	c := newTestClient(t, true)
	c.SetOptions(OptSuppressPosResp)
	require.NoError(t, c.SendTesterPresent())
	for i := 0; i < 5; i++ {
		c.Poll()
	}
	assert.Equal(t, StateIdle, c.State())
	assert.EqualValues(t, 0, c.LastNRC())
}

func TestBusyRejectsSecondTransaction(t *testing.T) {
	c := newTestClient(t, true)
	require.NoError(t, c.SendDiagSessCtrl(uds.SessionExtended))
	assert.ErrorIs(t, c.SendTesterPresent(), uds.ErrBusy)
}

func TestTransactionTimesOutWithoutServer(t *testing.T) {
	c := newTestClient(t, true)
	err := c.TransactionTimeout(func() error {
		return c.SendDiagSessCtrl(uds.SessionDefault)
	}, "session", 30*time.Millisecond, nil)
	assert.ErrorIs(t, err, uds.ErrTimeout)
}
