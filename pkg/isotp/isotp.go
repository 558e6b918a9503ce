// Package isotp implements the ISO 15765-2 transport layer used to carry
// diagnostic messages over classic CAN. It supports normal 11-bit addressing
// with one physical channel pair and one functional (broadcast) receive or
// transmit id. Segmentation follows the Single Frame / First Frame /
// Consecutive Frame / Flow Control scheme with BS and STmin flow control.
package isotp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	can "github.com/vdiag/gouds/pkg/can"
)

// Status is the bitset returned by Poll.
type Status uint8

const (
	// StatusTxInProgress is set while a segmented transmission is running.
	StatusTxInProgress Status = 1 << iota
	// StatusRxInProgress is set while a segmented reception is running.
	StatusRxInProgress
	// StatusError reports a transport error (timeout, overflow, send failure)
	// detected since the previous Poll.
	StatusError
)

// Frame type nibbles.
const (
	frameSingle      = 0x0
	frameFirst       = 0x1
	frameConsecutive = 0x2
	frameFlowControl = 0x3
)

// Flow status values carried in a Flow Control frame.
const (
	flowContinueToSend = 0x0
	flowWait           = 0x1
	flowOverflow       = 0x2
)

// MaxMessageSize is the largest payload a 12-bit First Frame length can carry.
const MaxMessageSize = 4095

const padByte = 0x00

var ErrMessageTooLarge = errors.New("isotp: message exceeds 4095 bytes")
var ErrFunctionalTooLarge = errors.New("isotp: functional message must fit a single frame")
var ErrTxBusy = errors.New("isotp: transmission already in progress")

type txState uint8

const (
	txIdle txState = iota
	txWaitFlowControl
	txSendingConsecutive
	txWait
)

type rxState uint8

const (
	rxIdle rxState = iota
	rxReceiving
)

// Config holds the address set and flow-control tuning for a Transport.
type Config struct {
	TxID     uint32 // physical transmit id
	RxID     uint32 // physical receive id
	FuncTxID uint32 // functional transmit id (0 = disabled)
	FuncRxID uint32 // functional receive id (not checked here; the owner routes its frames to HandleFunc)

	// Flow control parameters advertised to the peer. The defaults (0, 0)
	// allow back-to-back consecutive frames.
	BlockSize uint8
	STmin     uint8

	// N_Bs: deadline for a Flow Control after a First Frame.
	// N_Cr: deadline for the next Consecutive Frame.
	FlowControlTimeout time.Duration
	ConsecutiveTimeout time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.FlowControlTimeout == 0 {
		cfg.FlowControlTimeout = 1000 * time.Millisecond
	}
	if cfg.ConsecutiveTimeout == 0 {
		cfg.ConsecutiveTimeout = 1000 * time.Millisecond
	}
}

// Transport is one ISO-TP endpoint. Frames are fed in through HandlePhys /
// HandleFunc (or the listener adapters) and the state machine is advanced by
// Poll, which must be called regularly by the owning engine.
type Transport struct {
	logger *slog.Logger
	cfg    Config
	send   func(frame can.Frame) error

	mu sync.Mutex

	// transmit side
	txStatus   txState
	txBuf      []byte
	txOffset   int
	txSeq      uint8
	txBS       uint8 // block size granted by the peer
	txBSCount  uint8
	txSTmin    time.Duration
	txNextCF   time.Time
	txDeadline time.Time

	// receive side
	rxStatus   rxState
	rxBuf      []byte
	rxExpected int
	rxSeq      uint8
	rxDeadline time.Time
	rxBSCount  uint8

	// completed message, nil if none pending
	recvMsg        []byte
	recvFunctional bool

	errPending bool
}

// NewTransport creates a transport bound to a raw frame send function.
func NewTransport(logger *slog.Logger, cfg Config, send func(frame can.Frame) error) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Transport{
		logger: logger.With("service", "[ISOTP]"),
		cfg:    cfg,
		send:   send,
	}
}

// Send queues a payload for transmission. Single-frame payloads are written
// to the bus immediately; larger payloads start a segmented transmission
// advanced by Poll. Functional messages must fit in a single frame.
func (t *Transport) Send(payload []byte, functional bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	if functional {
		if len(payload) > 7 {
			return ErrFunctionalTooLarge
		}
		if t.cfg.FuncTxID == 0 {
			return fmt.Errorf("isotp: no functional transmit id configured")
		}
		return t.sendSingle(t.cfg.FuncTxID, payload)
	}
	if t.txStatus != txIdle {
		return ErrTxBusy
	}
	if len(payload) <= 7 {
		return t.sendSingle(t.cfg.TxID, payload)
	}

	// First Frame carries the 12-bit length and the first 6 bytes
	frame := can.NewFrame(t.cfg.TxID, 0, 8)
	frame.Data[0] = (frameFirst << 4) | uint8(len(payload)>>8)
	frame.Data[1] = uint8(len(payload))
	copy(frame.Data[2:], payload[:6])
	if err := t.send(frame); err != nil {
		t.errPending = true
		return err
	}
	t.txBuf = append(t.txBuf[:0], payload...)
	t.txOffset = 6
	t.txSeq = 1
	t.txStatus = txWaitFlowControl
	t.txDeadline = time.Now().Add(t.cfg.FlowControlTimeout)
	return nil
}

func (t *Transport) sendSingle(id uint32, payload []byte) error {
	frame := can.NewFrame(id, 0, 8)
	frame.Data[0] = uint8(len(payload))
	copy(frame.Data[1:], payload)
	for i := 1 + len(payload); i < 8; i++ {
		frame.Data[i] = padByte
	}
	if err := t.send(frame); err != nil {
		t.errPending = true
		return err
	}
	return nil
}

// Recv returns a completed message, whether it arrived on the functional
// channel, and whether a message was available at all.
func (t *Transport) Recv() (payload []byte, functional bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recvMsg == nil {
		return nil, false, false
	}
	msg := t.recvMsg
	t.recvMsg = nil
	return msg, t.recvFunctional, true
}

// SendInProgress reports whether a segmented transmission is running.
// The server consumer uses it to pick its dequeue timeout.
func (t *Transport) SendInProgress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txStatus == txWaitFlowControl || t.txStatus == txSendingConsecutive || t.txStatus == txWait
}

// Poll advances timers and the consecutive-frame transmitter, then reports
// the transport status. The error bit is cleared once reported.
func (t *Transport) Poll() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	switch t.txStatus {
	case txWaitFlowControl, txWait:
		if now.After(t.txDeadline) {
			t.logger.Warn("flow control timeout, aborting transmission")
			t.resetTxLocked()
			t.errPending = true
		}
	case txSendingConsecutive:
		t.pumpConsecutiveLocked(now)
	}

	if t.rxStatus == rxReceiving && now.After(t.rxDeadline) {
		t.logger.Warn("consecutive frame timeout, aborting reception")
		t.rxStatus = rxIdle
		t.errPending = true
	}

	var status Status
	if t.txStatus != txIdle {
		status |= StatusTxInProgress
	}
	if t.rxStatus != rxIdle {
		status |= StatusRxInProgress
	}
	if t.errPending {
		status |= StatusError
		t.errPending = false
	}
	return status
}

func (t *Transport) pumpConsecutiveLocked(now time.Time) {
	for t.txOffset < len(t.txBuf) {
		if now.Before(t.txNextCF) {
			return
		}
		frame := can.NewFrame(t.cfg.TxID, 0, 8)
		frame.Data[0] = (frameConsecutive << 4) | (t.txSeq & 0x0F)
		n := copy(frame.Data[1:], t.txBuf[t.txOffset:])
		for i := 1 + n; i < 8; i++ {
			frame.Data[i] = padByte
		}
		if err := t.send(frame); err != nil {
			t.resetTxLocked()
			t.errPending = true
			return
		}
		t.txOffset += n
		t.txSeq = (t.txSeq + 1) & 0x0F
		if t.txSTmin > 0 {
			t.txNextCF = now.Add(t.txSTmin)
		}
		if t.txBS > 0 {
			t.txBSCount++
			if t.txBSCount >= t.txBS && t.txOffset < len(t.txBuf) {
				// Block exhausted, wait for the next flow control
				t.txStatus = txWaitFlowControl
				t.txDeadline = now.Add(t.cfg.FlowControlTimeout)
				return
			}
		}
	}
	t.resetTxLocked()
}

func (t *Transport) resetTxLocked() {
	t.txStatus = txIdle
	t.txBuf = t.txBuf[:0]
	t.txOffset = 0
	t.txBSCount = 0
	t.txNextCF = time.Time{}
}

// PhysListener returns a FrameListener feeding the physical channel.
func (t *Transport) PhysListener() can.FrameListener {
	return physListener{t}
}

// FuncListener returns a FrameListener feeding the functional channel.
func (t *Transport) FuncListener() can.FrameListener {
	return funcListener{t}
}

type physListener struct{ t *Transport }

func (l physListener) Handle(frame can.Frame) { l.t.HandlePhys(frame) }

type funcListener struct{ t *Transport }

func (l funcListener) Handle(frame can.Frame) { l.t.HandleFunc(frame) }

// HandlePhys feeds a frame received on the physical channel.
func (t *Transport) HandlePhys(frame can.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handleFrameLocked(frame, false)
}

// HandleFunc feeds a frame received on the functional channel. Per ISO
// 15765-2 functional frames are dropped while a physical segmented reception
// is in progress, and only single frames are accepted.
func (t *Transport) HandleFunc(frame can.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rxStatus != rxIdle {
		t.logger.Warn("dropped functional frame, physical link is busy")
		return
	}
	if len(frame.Data) == 0 || (frame.Data[0]>>4) != frameSingle {
		return
	}
	t.handleFrameLocked(frame, true)
}

func (t *Transport) handleFrameLocked(frame can.Frame, functional bool) {
	if frame.DLC == 0 {
		return
	}
	data := frame.Data[:frame.DLC]
	switch data[0] >> 4 {
	case frameSingle:
		length := int(data[0] & 0x0F)
		if length == 0 || length > len(data)-1 {
			t.logger.Warn("malformed single frame", "dlc", frame.DLC)
			return
		}
		// A new request while reassembling aborts the reassembly
		t.rxStatus = rxIdle
		t.recvMsg = append([]byte(nil), data[1:1+length]...)
		t.recvFunctional = functional

	case frameFirst:
		length := int(data[0]&0x0F)<<8 | int(data[1])
		if length <= 7 || len(data) < 8 {
			t.logger.Warn("malformed first frame", "length", length)
			return
		}
		t.rxBuf = append(t.rxBuf[:0], data[2:]...)
		t.rxExpected = length
		t.rxSeq = 1
		t.rxStatus = rxReceiving
		t.rxDeadline = time.Now().Add(t.cfg.ConsecutiveTimeout)
		t.rxBSCount = 0
		t.sendFlowControlLocked(flowContinueToSend)

	case frameConsecutive:
		if t.rxStatus != rxReceiving {
			return
		}
		seq := data[0] & 0x0F
		if seq != t.rxSeq {
			t.logger.Warn("wrong consecutive sequence number", "got", seq, "expected", t.rxSeq)
			t.rxStatus = rxIdle
			t.errPending = true
			return
		}
		t.rxSeq = (t.rxSeq + 1) & 0x0F
		t.rxBuf = append(t.rxBuf, data[1:]...)
		t.rxDeadline = time.Now().Add(t.cfg.ConsecutiveTimeout)
		if len(t.rxBuf) >= t.rxExpected {
			t.recvMsg = append([]byte(nil), t.rxBuf[:t.rxExpected]...)
			t.recvFunctional = false
			t.rxStatus = rxIdle
			return
		}
		if t.cfg.BlockSize > 0 {
			t.rxBSCount++
			if t.rxBSCount >= t.cfg.BlockSize {
				t.rxBSCount = 0
				t.sendFlowControlLocked(flowContinueToSend)
			}
		}

	case frameFlowControl:
		if t.txStatus != txWaitFlowControl && t.txStatus != txWait {
			return
		}
		if len(data) < 3 {
			t.logger.Warn("malformed flow control frame")
			return
		}
		switch data[0] & 0x0F {
		case flowContinueToSend:
			t.txBS = data[1]
			t.txBSCount = 0
			t.txSTmin = decodeSTmin(data[2])
			t.txNextCF = time.Time{}
			t.txStatus = txSendingConsecutive
		case flowWait:
			t.txStatus = txWait
			t.txDeadline = time.Now().Add(t.cfg.FlowControlTimeout)
		case flowOverflow:
			t.logger.Warn("peer reported flow control overflow")
			t.resetTxLocked()
			t.errPending = true
		default:
			t.resetTxLocked()
			t.errPending = true
		}
	}
}

func (t *Transport) sendFlowControlLocked(flowStatus uint8) {
	frame := can.NewFrame(t.cfg.TxID, 0, 8)
	frame.Data[0] = (frameFlowControl << 4) | flowStatus
	frame.Data[1] = t.cfg.BlockSize
	frame.Data[2] = t.cfg.STmin
	for i := 3; i < 8; i++ {
		frame.Data[i] = padByte
	}
	if err := t.send(frame); err != nil {
		t.errPending = true
	}
}

// decodeSTmin maps the STmin byte to a separation delay. 0x00-0x7F are
// milliseconds, 0xF1-0xF9 are 100-900 microseconds, everything else is
// treated as the maximum 127 ms per ISO 15765-2.
func decodeSTmin(st uint8) time.Duration {
	switch {
	case st <= 0x7F:
		return time.Duration(st) * time.Millisecond
	case st >= 0xF1 && st <= 0xF9:
		return time.Duration(st-0xF0) * 100 * time.Microsecond
	default:
		return 127 * time.Millisecond
	}
}
