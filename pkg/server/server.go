// Package server implements the UDS (ISO 14229) server core: request
// decoding, response assembly, session / security / communication state,
// P2 and S3 timing, and the priority-ordered event dispatcher that service
// modules mount their handlers onto.
package server

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/internal/metrics"
	can "github.com/vdiag/gouds/pkg/can"
	"github.com/vdiag/gouds/pkg/isotp"
)

// Standard timing (default session) per ISO 14229-2.
const (
	P2Default     = 50 * time.Millisecond
	P2StarDefault = 2000 * time.Millisecond
)

// S3 server watchdog: outside the default session the server drops back to
// default when no request arrives within this window.
const S3Timeout = 5000 * time.Millisecond

const defaultQueueSize = 512

// Config carries the immutable address set and tunables of a server.
type Config struct {
	RequestID    uint32 // tester to ECU physical request id (receive)
	ResponseID   uint32 // ECU to tester response id (transmit)
	FunctionalID uint32 // functional broadcast id (receive)

	QueueSize int           // receive queue depth, default 512
	S3        time.Duration // session watchdog, default 5 s
}

// Server is the device-under-diagnosis endpoint. All protocol state is
// owned by the consumer goroutine; service handlers run on it and therefore
// need no locking against each other.
type Server struct {
	logger *slog.Logger
	cfg    Config
	bm     *uds.BusManager
	tp     *isotp.Transport

	queue chan can.Frame

	// pollTransport is swapped at Start for a wrapper that intercepts the
	// transport error bit, and restored at Stop.
	pollTransport func() isotp.Status

	// protocol state, consumer goroutine only
	sessionType   uint8
	securityLevel uint8
	p2            time.Duration
	p2Star        time.Duration
	commNormal    uint8
	commNM        uint8
	s3Deadline    time.Time

	eventTable [eventCount][]*ServiceNode

	pending        *pendingRequest
	scheduledReset *scheduledReset

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type pendingRequest struct {
	req       []byte
	sid       uint8
	lastRCRRP time.Time
}

type scheduledReset struct {
	resetType uint8
	at        time.Time
}

func NewServer(logger *slog.Logger, bm *uds.BusManager, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.S3 == 0 {
		cfg.S3 = S3Timeout
	}
	srv := &Server{
		logger:      logger.With("service", "[SERVER]"),
		cfg:         cfg,
		bm:          bm,
		queue:       make(chan can.Frame, cfg.QueueSize),
		sessionType: uds.SessionDefault,
		p2:          P2Default,
		p2Star:      P2StarDefault,
		commNormal:  uds.CommCtrlEnableRxTx,
		commNM:      uds.CommCtrlEnableRxTx,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	srv.tp = isotp.NewTransport(logger, isotp.Config{
		TxID:     cfg.ResponseID,
		RxID:     cfg.RequestID,
		FuncRxID: cfg.FunctionalID,
	}, bm.Send)
	srv.pollTransport = srv.tp.Poll
	return srv
}

// Handle implements can.FrameListener. It runs in the CAN driver's context
// and must not block: when the queue is full the frame is dropped and the
// ISO-TP retransmit timers are left to recover.
func (srv *Server) Handle(frame can.Frame) {
	metrics.RxFrames.Inc()
	select {
	case srv.queue <- frame:
	default:
		metrics.DroppedFrames.Inc()
		srv.logger.Warn("receive queue full, dropping frame", "id", frame.ID)
	}
}

// Start subscribes to the configured CAN ids, installs the transport poll
// wrapper and launches the consumer goroutine.
func (srv *Server) Start() {
	srv.bm.Subscribe(srv.cfg.RequestID, srv)
	if srv.cfg.FunctionalID != 0 {
		srv.bm.Subscribe(srv.cfg.FunctionalID, srv)
	}

	poll := srv.tp.Poll
	srv.pollTransport = func() isotp.Status {
		status := poll()
		if status&isotp.StatusError != 0 {
			srv.logger.Warn("transport error reported by poll")
		}
		return status
	}

	go srv.run()
	srv.logger.Info("server started",
		"reqId", srv.cfg.RequestID, "respId", srv.cfg.ResponseID, "funcId", srv.cfg.FunctionalID)
}

// Stop terminates the consumer goroutine and uninstalls the poll wrapper.
func (srv *Server) Stop() {
	srv.stopOnce.Do(func() {
		close(srv.stop)
		<-srv.done
		srv.pollTransport = srv.tp.Poll
	})
}

// run is the consumer: it drains the frame queue, routes frames to the
// physical or functional ISO-TP channel and advances the server state
// machine. The dequeue timeout is zero while a segmented transmission is in
// progress, to keep the bus full, and ~10 ms otherwise.
func (srv *Server) run() {
	defer close(srv.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		busy := srv.tp.SendInProgress()
		if busy {
			select {
			case <-srv.stop:
				return
			case frame := <-srv.queue:
				srv.route(frame)
			default:
			}
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(10 * time.Millisecond)
			select {
			case <-srv.stop:
				return
			case frame := <-srv.queue:
				srv.route(frame)
			case <-timer.C:
			}
		}

		srv.poll()

		if busy {
			// Keep lower-priority goroutines from starving while spinning
			runtime.Gosched()
		}
	}
}

func (srv *Server) route(frame can.Frame) {
	switch frame.ID {
	case srv.cfg.RequestID:
		srv.tp.HandlePhys(frame)
	case srv.cfg.FunctionalID:
		srv.tp.HandleFunc(frame)
	default:
		srv.logger.Debug("irrelevant CAN id", "id", frame.ID)
	}
}

// poll advances the transport, serves a reassembled request if available and
// drives the response-pending, scheduled-reset and S3 timers.
func (srv *Server) poll() {
	srv.pollTransport()

	if req, functional, ok := srv.tp.Recv(); ok {
		srv.handleRequest(req, functional)
	}

	if srv.pending != nil {
		srv.continuePending()
	}

	if reset := srv.scheduledReset; reset != nil && time.Now().After(reset.at) {
		srv.scheduledReset = nil
		srv.dispatch(EventDoScheduledReset, &DoScheduledResetArgs{Type: reset.resetType})
	}

	if srv.sessionType != uds.SessionDefault && time.Now().After(srv.s3Deadline) {
		srv.sessionTimeout()
	}
}

// sessionTimeout reverts the core state to the default session and then runs
// the session-timeout chain so services can release their resources.
func (srv *Server) sessionTimeout() {
	srv.logger.Warn("session timeout, resetting to default session")
	metrics.SessionTimeouts.Inc()
	srv.sessionType = uds.SessionDefault
	srv.securityLevel = 0
	srv.p2 = P2Default
	srv.p2Star = P2StarDefault
	srv.commNormal = uds.CommCtrlEnableRxTx
	srv.commNM = uds.CommCtrlEnableRxTx
	srv.pending = nil
	srv.dispatch(EventSessionTimeout, &SessionTimeoutArgs{})
}

// State accessors used by service handlers (consumer goroutine only).

func (srv *Server) SessionType() uint8   { return srv.sessionType }
func (srv *Server) SecurityLevel() uint8 { return srv.securityLevel }
func (srv *Server) Logger() *slog.Logger { return srv.logger }

// MTU returns the largest diagnostic message the transport can carry.
func (srv *Server) MTU() int { return isotp.MaxMessageSize }

// applyCommState updates the communication-control states for a scope.
func (srv *Server) applyCommState(ctrl uint8, commType uint8) {
	scope := commType & 0x03
	if scope&uds.CommTypeNormal != 0 {
		srv.commNormal = ctrl
	}
	if scope&uds.CommTypeNM != 0 {
		srv.commNM = ctrl
	}
	srv.logger.Info("comm control state updated", "normal", srv.commNormal, "nm", srv.commNM)
}

// ApplyCommState is used by handlers of the node-scoped sub-functions, which
// the core cannot apply on its own.
func (srv *Server) ApplyCommState(ctrl uint8, commType uint8) {
	srv.applyCommState(ctrl, commType)
}

func txAllowed(ctrl uint8) bool {
	return ctrl == uds.CommCtrlEnableRxTx || ctrl == uds.CommCtrlDisRxEnableTx
}

func rxAllowed(ctrl uint8) bool {
	return ctrl == uds.CommCtrlEnableRxTx || ctrl == uds.CommCtrlEnableRxDisTx
}

// AppTxEnabled reports whether application messages may be transmitted,
// per the service 0x28 state for normal communication.
func (srv *Server) AppTxEnabled() bool { return txAllowed(srv.commNormal) }

// AppRxEnabled reports whether application messages may be received.
func (srv *Server) AppRxEnabled() bool { return rxAllowed(srv.commNormal) }

// NMTxEnabled reports whether network management messages may be transmitted.
func (srv *Server) NMTxEnabled() bool { return txAllowed(srv.commNM) }

// NMRxEnabled reports whether network management messages may be received.
func (srv *Server) NMRxEnabled() bool { return rxAllowed(srv.commNM) }
