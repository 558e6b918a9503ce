package services

import (
	"time"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/pkg/server"
)

// Delay between the positive response and the physical reset, long enough
// for the response frame to leave the transmit path.
const defaultResetDelay = 50 * time.Millisecond

// ResetService implements ECUReset (0x11) in two stages: the request
// validation schedules the reset, and the scheduled-reset event performs it
// through the provided ResetFunc once the response is on the wire.
type ResetService struct {
	Delay     time.Duration
	ResetFunc func(resetType uint8)

	reqNode  server.ServiceNode
	execNode server.ServiceNode
}

func NewResetService(resetFunc func(resetType uint8)) *ResetService {
	return &ResetService{Delay: defaultResetDelay, ResetFunc: resetFunc}
}

func (s *ResetService) Mount(srv *server.Server) error {
	s.reqNode = server.ServiceNode{
		Event:    server.EventECUReset,
		Priority: server.PrioNormal,
		Name:     "reset_req",
		Handler:  s.handleResetRequest,
	}
	s.execNode = server.ServiceNode{
		Event:    server.EventDoScheduledReset,
		Priority: server.PrioNormal,
		Name:     "reset_exec",
		Handler:  s.handlePerformReset,
	}
	if err := srv.Register(&s.reqNode); err != nil {
		return err
	}
	return srv.Register(&s.execNode)
}

func (s *ResetService) Unmount(srv *server.Server) {
	srv.Unregister(&s.reqNode)
	srv.Unregister(&s.execNode)
}

func (s *ResetService) handleResetRequest(srv *server.Server, data any) server.Result {
	args := data.(*server.ECUResetArgs)
	srv.Logger().Info("ECU reset request", "type", args.Type)

	switch args.Type {
	case uds.ResetHard, uds.ResetKeyOffOn, uds.ResetSoft:
		args.PowerDownTime = s.Delay
		srv.Logger().Info("reset accepted", "delay", s.Delay)
		return server.Handled()
	default:
		return server.Reject(uds.NRCSubFunctionNotSupported)
	}
}

func (s *ResetService) handlePerformReset(srv *server.Server, data any) server.Result {
	args := data.(*server.DoScheduledResetArgs)
	srv.Logger().Warn("performing ECU reset", "type", args.Type)
	if s.ResetFunc != nil {
		s.ResetFunc(args.Type)
	}
	return server.Handled()
}
