package isotp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	can "github.com/vdiag/gouds/pkg/can"
)

// wire queues frames between two transports, mimicking the bus goroutine
// boundary: nothing is delivered while a transport holds its own lock.
type wire struct {
	a, b     *Transport
	toA, toB []can.Frame
}

func newWire(t *testing.T) *wire {
	t.Helper()
	w := &wire{}
	w.a = NewTransport(nil, Config{TxID: 0x7E0, RxID: 0x7E8, FuncTxID: 0x7DF},
		func(frame can.Frame) error { w.toB = append(w.toB, frame); return nil })
	w.b = NewTransport(nil, Config{TxID: 0x7E8, RxID: 0x7E0, FuncRxID: 0x7DF},
		func(frame can.Frame) error { w.toA = append(w.toA, frame); return nil })
	return w
}

// pump delivers queued frames and advances both transports until the wire is
// quiet.
func (w *wire) pump() {
	for i := 0; i < 100; i++ {
		pending := append([]can.Frame(nil), w.toB...)
		w.toB = w.toB[:0]
		for _, frame := range pending {
			if frame.ID == 0x7DF {
				w.b.HandleFunc(frame)
			} else {
				w.b.HandlePhys(frame)
			}
		}
		pending = append([]can.Frame(nil), w.toA...)
		w.toA = w.toA[:0]
		for _, frame := range pending {
			w.a.HandlePhys(frame)
		}
		w.a.Poll()
		w.b.Poll()
		if len(w.toA) == 0 && len(w.toB) == 0 &&
			!w.a.SendInProgress() && !w.b.SendInProgress() {
			return
		}
	}
}

func TestSingleFrameRoundTrip(t *testing.T) {
	w := newWire(t)
	payload := []byte{0x10, 0x03}
	require.NoError(t, w.a.Send(payload, false))
	w.pump()
	msg, functional, ok := w.b.Recv()
	require.True(t, ok)
	assert.False(t, functional)
	assert.Equal(t, payload, msg)
}

func TestSingleFramePadding(t *testing.T) {
	w := newWire(t)
	require.NoError(t, w.a.Send([]byte{0x10, 0x03}, false))
	require.Len(t, w.toB, 1)
	frame := w.toB[0]
	assert.EqualValues(t, 8, frame.DLC)
	assert.Equal(t, [8]byte{0x02, 0x10, 0x03, 0, 0, 0, 0, 0}, frame.Data)
}

func TestSegmentedRoundTrip(t *testing.T) {
	w := newWire(t)
	payload := make([]byte, 1022)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, w.a.Send(payload, false))
	w.pump()
	msg, functional, ok := w.b.Recv()
	require.True(t, ok)
	assert.False(t, functional)
	assert.Equal(t, payload, msg)
	assert.False(t, w.a.SendInProgress())
}

func TestMaxSizeRejected(t *testing.T) {
	w := newWire(t)
	assert.ErrorIs(t, w.a.Send(make([]byte, MaxMessageSize+1), false), ErrMessageTooLarge)
	assert.ErrorIs(t, w.a.Send(make([]byte, 8), true), ErrFunctionalTooLarge)
}

func TestTxBusyRejected(t *testing.T) {
	w := newWire(t)
	require.NoError(t, w.a.Send(make([]byte, 100), false))
	assert.ErrorIs(t, w.a.Send([]byte{0x3E, 0x00}, false), ErrTxBusy)
}

func TestFunctionalSingleFrame(t *testing.T) {
	w := newWire(t)
	require.NoError(t, w.a.Send([]byte{0x3E, 0x80}, true))
	w.pump()
	msg, functional, ok := w.b.Recv()
	require.True(t, ok)
	assert.True(t, functional)
	assert.Equal(t, []byte{0x3E, 0x80}, msg)
}

func TestFunctionalDroppedDuringPhysicalReceive(t *testing.T) {
	w := newWire(t)
	// Feed a First Frame directly so B is mid-reassembly
	ff := can.NewFrame(0x7E0, 0, 8)
	ff.Data = [8]byte{0x10, 0x20, 1, 2, 3, 4, 5, 6}
	w.b.HandlePhys(ff)
	assert.NotZero(t, w.b.Poll()&StatusRxInProgress)

	// A functional TesterPresent must have no effect now
	tp := can.NewFrame(0x7DF, 0, 8)
	tp.Data = [8]byte{0x02, 0x3E, 0x80, 0, 0, 0, 0, 0}
	w.b.HandleFunc(tp)
	_, _, ok := w.b.Recv()
	assert.False(t, ok)
}

func TestFlowControlTimeout(t *testing.T) {
	// A transport whose peer never answers with a flow control
	sent := 0
	a := NewTransport(nil, Config{
		TxID: 0x7E0, RxID: 0x7E8,
		FlowControlTimeout: 10 * time.Millisecond,
	}, func(frame can.Frame) error { sent++; return nil })

	require.NoError(t, a.Send(make([]byte, 100), false))
	assert.True(t, a.SendInProgress())
	time.Sleep(20 * time.Millisecond)
	status := a.Poll()
	assert.NotZero(t, status&StatusError)
	assert.False(t, a.SendInProgress())
	// Only the First Frame went out
	assert.Equal(t, 1, sent)
}

func TestConsecutiveTimeout(t *testing.T) {
	w := newWire(t)
	w.b = NewTransport(nil, Config{
		TxID: 0x7E8, RxID: 0x7E0, FuncRxID: 0x7DF,
		ConsecutiveTimeout: 10 * time.Millisecond,
	}, func(frame can.Frame) error { return nil })

	ff := can.NewFrame(0x7E0, 0, 8)
	ff.Data = [8]byte{0x10, 0x20, 1, 2, 3, 4, 5, 6}
	w.b.HandlePhys(ff)
	time.Sleep(20 * time.Millisecond)
	status := w.b.Poll()
	assert.NotZero(t, status&StatusError)
	_, _, ok := w.b.Recv()
	assert.False(t, ok)
}

func TestWrongSequenceAborts(t *testing.T) {
	w := newWire(t)
	ff := can.NewFrame(0x7E0, 0, 8)
	ff.Data = [8]byte{0x10, 0x14, 1, 2, 3, 4, 5, 6}
	w.b.HandlePhys(ff)

	cf := can.NewFrame(0x7E0, 0, 8)
	cf.Data = [8]byte{0x23, 7, 8, 9, 10, 11, 12, 13} // expected seq 1, got 3
	w.b.HandlePhys(cf)

	status := w.b.Poll()
	assert.NotZero(t, status&StatusError)
	_, _, ok := w.b.Recv()
	assert.False(t, ok)
}

func TestBlockSizePacing(t *testing.T) {
	// The receiver advertises BS=2: the sender must pause for a fresh flow
	// control after every two consecutive frames.
	w := newWire(t)
	w.b = NewTransport(nil, Config{
		TxID: 0x7E8, RxID: 0x7E0, FuncRxID: 0x7DF,
		BlockSize: 2,
	}, func(frame can.Frame) error { w.toA = append(w.toA, frame); return nil })

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, w.a.Send(payload, false))
	w.pump()
	msg, _, ok := w.b.Recv()
	require.True(t, ok)
	assert.Equal(t, payload, msg)
}
