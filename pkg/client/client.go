// Package client implements the UDS (ISO 14229) client core: the request
// state machine, encoders for all supported services, response-pending
// handling, the transaction funnel and the heartbeat liveness monitor.
// The client is single owner: one transaction at a time, all calls from one
// goroutine.
package client

import (
	"encoding/binary"
	"log/slog"
	"time"

	uds "github.com/vdiag/gouds"
	can "github.com/vdiag/gouds/pkg/can"
	"github.com/vdiag/gouds/pkg/isotp"
)

// State of the client transaction engine.
type State uint8

const (
	StateIdle State = iota
	StateSending
	StateAwaitSendComplete
	StateAwaitResponse
)

// Event kinds emitted to the event sink.
type Event uint8

const (
	EventResponseReceived Event = iota
	EventSendComplete
	EventErr
	EventIdle
)

// Error words passed with EventErr. A word of the form 0x00XX carries the
// NRC in the low byte; anything else is a non-NRC error.
const (
	ErrWordTransport uint16 = 0x0100
	ErrWordTimeout   uint16 = 0x0200
)

// Options bitset.
const (
	// OptSuppressPosResp requests positive response suppression on
	// sub-function services.
	OptSuppressPosResp uint8 = 0x01
)

// EventSink observes client protocol events.
type EventSink func(ev Event, errWord uint16)

// Config carries the client address set.
type Config struct {
	RequestID    uint32 // tester to ECU physical request id (transmit)
	ResponseID   uint32 // ECU to tester response id (receive)
	FunctionalID uint32 // functional broadcast id (transmit)

	QueueSize int
}

const defaultQueueSize = 512

// Default client-side P2: generous enough for extended-timing servers; the
// transaction funnel applies its own caller-visible timeout on top.
const defaultP2 = 2000 * time.Millisecond
const defaultP2Star = 5000 * time.Millisecond

type Client struct {
	logger *slog.Logger
	cfg    Config
	bm     *uds.BusManager
	tp     *isotp.Transport

	queue chan can.Frame

	state            State
	options          uint8
	recvBuf          []byte
	lastNRC          uint8
	responseReceived bool
	suppressExpected bool
	sentSID          uint8
	p2               time.Duration
	p2Star           time.Duration
	deadline         time.Time

	sink     EventSink
	registry *ResponseRegistry
}

func NewClient(logger *slog.Logger, bm *uds.BusManager, cfg Config) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	c := &Client{
		logger:   logger.With("service", "[CLIENT]"),
		cfg:      cfg,
		bm:       bm,
		queue:    make(chan can.Frame, cfg.QueueSize),
		p2:       defaultP2,
		p2Star:   defaultP2Star,
		registry: NewResponseRegistry(),
	}
	c.tp = isotp.NewTransport(logger, isotp.Config{
		TxID:     cfg.RequestID,
		RxID:     cfg.ResponseID,
		FuncTxID: cfg.FunctionalID,
	}, bm.Send)
	bm.Subscribe(cfg.ResponseID, c)
	return c
}

// Handle implements can.FrameListener: it runs in the bus goroutine and only
// enqueues, keeping the protocol engine single-threaded.
func (c *Client) Handle(frame can.Frame) {
	select {
	case c.queue <- frame:
	default:
		c.logger.Warn("client receive queue full, dropping frame", "id", frame.ID)
	}
}

func (c *Client) State() State               { return c.state }
func (c *Client) LastNRC() uint8             { return c.lastNRC }
func (c *Client) RecvBuf() []byte            { return c.recvBuf }
func (c *Client) Registry() *ResponseRegistry { return c.registry }
func (c *Client) Logger() *slog.Logger       { return c.logger }

// SetOptions replaces the options bitset and returns the previous one.
func (c *Client) SetOptions(options uint8) uint8 {
	prev := c.options
	c.options = options
	return prev
}

func (c *Client) Options() uint8 { return c.options }

// SetEventSink installs the singleton event sink and returns the previous
// one so observers can chain.
func (c *Client) SetEventSink(sink EventSink) EventSink {
	prev := c.sink
	c.sink = sink
	return prev
}

func (c *Client) emit(ev Event, errWord uint16) {
	if c.sink != nil {
		c.sink(ev, errWord)
	}
}

// Poll advances the client engine: it drains received frames into the
// transport, runs the transport timers and walks the transaction state
// machine. It never blocks.
func (c *Client) Poll() {
	for {
		select {
		case frame := <-c.queue:
			c.tp.HandlePhys(frame)
		default:
			goto drained
		}
	}
drained:

	status := c.tp.Poll()
	if status&isotp.StatusError != 0 {
		c.protocolError(ErrWordTransport)
	}

	switch c.state {
	case StateSending:
		c.state = StateAwaitSendComplete

	case StateAwaitSendComplete:
		if !c.tp.SendInProgress() {
			c.emit(EventSendComplete, 0)
			if c.suppressExpected {
				c.state = StateIdle
				c.emit(EventIdle, 0)
			} else {
				c.state = StateAwaitResponse
				c.deadline = time.Now().Add(c.p2)
			}
		}

	case StateAwaitResponse:
		if msg, _, ok := c.tp.Recv(); ok {
			c.handleResponse(msg)
			return
		}
		if time.Now().After(c.deadline) {
			c.logger.Warn("response deadline expired", "sid", c.sentSID)
			c.protocolError(ErrWordTimeout)
		}
	}
}

// protocolError captures the NRC per the 0x00XX rule and unblocks waiters.
func (c *Client) protocolError(errWord uint16) {
	if errWord&0xFF00 == 0 {
		c.lastNRC = uint8(errWord)
	} else {
		c.lastNRC = 0xFF
	}
	c.responseReceived = true
	c.state = StateIdle
	c.emit(EventErr, errWord)
}

func (c *Client) handleResponse(msg []byte) {
	if len(msg) == 0 {
		return
	}
	if msg[0] == uds.NegativeResponseSID {
		if len(msg) < 3 {
			c.protocolError(ErrWordTransport)
			return
		}
		nrc := msg[2]
		if nrc == uint8(uds.NRCResponsePending) {
			// The server extends P2 via RCR-RP; wait up to P2* for the
			// final response.
			c.deadline = time.Now().Add(c.p2Star)
			return
		}
		c.logger.Warn("negative response", "sid", msg[1], "nrc", nrc)
		c.protocolError(uint16(nrc))
		return
	}

	c.recvBuf = msg
	c.lastNRC = 0
	c.responseReceived = true
	c.state = StateIdle

	// Learn negotiated timing from a session control response
	if msg[0] == uds.SIDDiagnosticSessionControl+uds.PositiveResponseOffset && len(msg) >= 6 {
		c.p2 = time.Duration(binary.BigEndian.Uint16(msg[2:4]))*time.Millisecond + 500*time.Millisecond
		c.p2Star = time.Duration(binary.BigEndian.Uint16(msg[4:6])) * 10 * time.Millisecond
	}

	c.registry.Dispatch(c)
	c.emit(EventResponseReceived, 0)
	c.emit(EventIdle, 0)
}

// send encodes and transmits one request. Exactly one transaction may be
// outstanding.
func (c *Client) send(req []byte, functional bool, suppressed bool) error {
	if c.state != StateIdle {
		return uds.ErrBusy
	}
	if err := c.tp.Send(req, functional); err != nil {
		c.logger.Warn("send failed", "sid", req[0], "err", err)
		return uds.ErrTransport
	}
	c.sentSID = req[0]
	c.suppressExpected = suppressed
	c.state = StateSending
	return nil
}

// subFn applies the suppress-positive-response option to a sub-function.
func (c *Client) subFn(sf uint8) (uint8, bool) {
	if c.options&OptSuppressPosResp != 0 {
		return sf | uds.SuppressPosRespBit, true
	}
	return sf, false
}
