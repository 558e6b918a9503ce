// Package services provides the service handler modules mounted onto the
// server dispatcher: session control, ECU reset, parameter read/write,
// security access, communication control, IO control, the remote console
// and block-wise file transfer.
package services

import (
	"time"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/pkg/server"
)

// Extended timing admits long ISO-TP transfers (file transfer, console
// output) without tripping the client P2 deadline.
const (
	p2Extended     = 5000 * time.Millisecond
	p2StarExtended = 5000 * time.Millisecond
)

// SessionService answers DiagnosticSessionControl (0x10) and negotiates
// P2/P2* timing with the client.
type SessionService struct {
	node server.ServiceNode
}

func NewSessionService() *SessionService {
	return &SessionService{}
}

func (s *SessionService) Mount(srv *server.Server) error {
	s.node = server.ServiceNode{
		Event:    server.EventDiagSessionControl,
		Priority: server.PrioNormal,
		Name:     "session_control",
		Handler:  s.handleSessionControl,
	}
	return srv.Register(&s.node)
}

func (s *SessionService) Unmount(srv *server.Server) {
	srv.Unregister(&s.node)
}

func (s *SessionService) handleSessionControl(srv *server.Server, data any) server.Result {
	args := data.(*server.DiagSessionControlArgs)
	logger := srv.Logger()

	switch args.Type {
	case uds.SessionDefault:
		args.P2 = server.P2Default
		args.P2Star = server.P2StarDefault
		logger.Info("switch to default session, standard timing")
		return server.Handled()

	case uds.SessionProgramming:
		args.P2 = p2Extended
		args.P2Star = p2StarExtended
		logger.Info("switch to programming session, extended timing")
		return server.Handled()

	case uds.SessionExtended:
		args.P2 = p2Extended
		args.P2Star = p2StarExtended
		logger.Info("switch to extended session, extended timing")
		return server.Handled()

	default:
		logger.Warn("invalid session type", "type", args.Type)
		return server.Reject(uds.NRCSubFunctionNotSupportedInActiveSession)
	}
}
