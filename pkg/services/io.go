package services

import (
	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/pkg/server"
)

// IOHandler executes one IO action against the hardware behind a DID. It
// returns the control state to echo in the response, or an NRC.
type IOHandler func(did uint16, action uint8, ctrlStateAndMask []byte) (state []byte, nrc uds.NRC)

// IONode binds one DID to its hardware handler. Overridden tracks whether
// UDS currently has control of the signal.
type IONode struct {
	DID        uint16
	Handler    IOHandler
	Overridden bool
}

// IOService implements IOControlByIdentifier (0x2F): it routes requests to
// the node registered for the DID, keeps the override bookkeeping and
// auto-releases every overridden node on session timeout.
type IOService struct {
	nodes []*IONode

	ctrlNode    server.ServiceNode
	timeoutNode server.ServiceNode
}

func NewIOService() *IOService {
	return &IOService{}
}

// AddNode registers a hardware node. Duplicate DIDs are rejected.
func (s *IOService) AddNode(node *IONode) bool {
	if node == nil || node.Handler == nil {
		return false
	}
	if s.findNode(node.DID) != nil {
		return false
	}
	node.Overridden = false
	s.nodes = append(s.nodes, node)
	return true
}

func (s *IOService) findNode(did uint16) *IONode {
	for _, node := range s.nodes {
		if node.DID == did {
			return node
		}
	}
	return nil
}

// Overridden reports whether UDS has control of the given DID.
func (s *IOService) Overridden(did uint16) bool {
	node := s.findNode(did)
	return node != nil && node.Overridden
}

func (s *IOService) Mount(srv *server.Server) error {
	s.ctrlNode = server.ServiceNode{
		Event:    server.EventIOControl,
		Priority: server.PrioNormal,
		Name:     "io_ctrl",
		Handler:  s.handleIOControl,
	}
	s.timeoutNode = server.ServiceNode{
		Event:    server.EventSessionTimeout,
		Priority: server.PrioHigh,
		Name:     "io_timeout",
		Handler:  s.handleSessionTimeout,
	}
	if err := srv.Register(&s.ctrlNode); err != nil {
		return err
	}
	return srv.Register(&s.timeoutNode)
}

func (s *IOService) Unmount(srv *server.Server) {
	srv.Unregister(&s.ctrlNode)
	srv.Unregister(&s.timeoutNode)
}

func (s *IOService) handleIOControl(srv *server.Server, data any) server.Result {
	args := data.(*server.IOControlArgs)
	node := s.findNode(args.DID)
	if node == nil {
		return server.NotMine()
	}
	srv.Logger().Info("io request", "did", args.DID, "action", args.Param)

	state, nrc := node.Handler(args.DID, args.Param, args.CtrlStateAndMask)
	if nrc != 0 {
		return server.Reject(nrc)
	}

	switch args.Param {
	case uds.IOShortTermAdjustment, uds.IOFreezeCurrentState:
		node.Overridden = true
	case uds.IOReturnControlToECU, uds.IOResetToDefault:
		node.Overridden = false
	}

	return args.Copy(state)
}

// handleSessionTimeout issues an implicit ReturnControl to every overridden
// node. The flag is cleared even if the hardware callback fails, to stay
// consistent with the session state.
func (s *IOService) handleSessionTimeout(srv *server.Server, data any) server.Result {
	for _, node := range s.nodes {
		if !node.Overridden {
			continue
		}
		srv.Logger().Warn("timeout, auto-releasing io node", "did", node.DID)
		if _, nrc := node.Handler(node.DID, uds.IOReturnControlToECU, nil); nrc != 0 {
			srv.Logger().Error("failed to release io node", "did", node.DID, "nrc", uint8(nrc))
		}
		node.Overridden = false
	}
	return server.Continue()
}
