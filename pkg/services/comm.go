package services

import (
	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/pkg/server"
)

// CommControlService implements CommunicationControl (0x28). The global
// sub-functions 0x00-0x03 are applied by the core; the node-scoped
// sub-functions 0x04/0x05 only take effect when the supplied node id equals
// the configured one and are otherwise silently ignored with a positive
// response.
type CommControlService struct {
	NodeID uint16

	node server.ServiceNode
}

func NewCommControlService(nodeID uint16) *CommControlService {
	return &CommControlService{NodeID: nodeID}
}

func (s *CommControlService) Mount(srv *server.Server) error {
	s.node = server.ServiceNode{
		Event:    server.EventCommControl,
		Priority: server.PrioNormal,
		Name:     "comm_ctrl",
		Handler:  s.handleCommControl,
	}
	return srv.Register(&s.node)
}

func (s *CommControlService) Unmount(srv *server.Server) {
	srv.Unregister(&s.node)
}

func (s *CommControlService) handleCommControl(srv *server.Server, data any) server.Result {
	args := data.(*server.CommControlArgs)
	logger := srv.Logger()

	if args.Control <= uds.CommCtrlDisRxTx {
		logger.Info("comm control request", "ctrl", args.Control, "comm", args.CommType)
		return server.Handled()
	}

	switch args.Control {
	case uds.CommCtrlEnableRxDisTxEA:
		if args.NodeID == s.NodeID {
			logger.Info("comm control node match, disabling tx", "nodeId", args.NodeID)
			srv.ApplyCommState(uds.CommCtrlEnableRxDisTx, args.CommType)
		} else {
			logger.Debug("comm control node mismatch, ignoring", "nodeId", args.NodeID)
		}
		return server.Handled()

	case uds.CommCtrlEnableRxTxEA:
		if args.NodeID == s.NodeID {
			logger.Info("comm control node match, enabling rx and tx", "nodeId", args.NodeID)
			srv.ApplyCommState(uds.CommCtrlEnableRxTx, args.CommType)
		} else {
			logger.Debug("comm control node mismatch, ignoring", "nodeId", args.NodeID)
		}
		return server.Handled()

	default:
		return server.Reject(uds.NRCRequestOutOfRange)
	}
}
