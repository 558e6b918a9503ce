package server

import (
	"errors"
	"fmt"
	"io"
	"slices"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/internal/metrics"
)

// Handler priority levels. Lower numerical value executes earlier.
const (
	PrioHighest uint8 = 0   // security checks, critical intercepts
	PrioHigh    uint8 = 64  // core system functions
	PrioNormal  uint8 = 128 // standard application logic
	PrioLow     uint8 = 192 // background tasks
	PrioLowest  uint8 = 255 // logging, fallback handlers
)

// Handler is a service callback. State is carried by the closure.
type Handler func(srv *Server, args any) Result

// ServiceNode is one registered handler entry in the dispatch table.
type ServiceNode struct {
	Event    Event
	Priority uint8
	Name     string
	Handler  Handler

	registered bool
}

var ErrAlreadyRegistered = errors.New("service node already registered")

// Register inserts the node into the event chain, ordered by ascending
// priority with stable insertion order for ties.
func (srv *Server) Register(node *ServiceNode) error {
	if node == nil || node.Handler == nil {
		return errors.New("invalid service node")
	}
	if node.Event >= eventCount {
		return fmt.Errorf("event %d out of range", node.Event)
	}
	if node.registered {
		srv.logger.Warn("service node already registered", "name", node.Name)
		return ErrAlreadyRegistered
	}
	chain := srv.eventTable[node.Event]
	pos := len(chain)
	for i, curr := range chain {
		if node.Priority < curr.Priority {
			pos = i
			break
		}
	}
	srv.eventTable[node.Event] = slices.Insert(chain, pos, node)
	node.registered = true
	return nil
}

// Unregister removes a previously registered node.
func (srv *Server) Unregister(node *ServiceNode) {
	if node == nil || !node.registered {
		return
	}
	chain := srv.eventTable[node.Event]
	for i, curr := range chain {
		if curr == node {
			srv.eventTable[node.Event] = slices.Delete(chain, i, i+1)
			break
		}
	}
	node.registered = false
	srv.logger.Debug("service node unregistered", "name", node.Name)
}

// UnregisterAll clears the entire dispatch table.
func (srv *Server) UnregisterAll() {
	for evt := range srv.eventTable {
		for _, node := range srv.eventTable[evt] {
			node.registered = false
		}
		srv.eventTable[evt] = nil
	}
	srv.logger.Info("all service nodes unregistered")
}

// dispatch runs the chain-of-responsibility for an event:
//   - Handled or Pending stops the chain and is returned as-is.
//   - Continue records "handled at least once" and keeps iterating.
//   - NotMine moves on to the next handler.
//   - Reject stops the chain with the handler's NRC.
//
// An empty chain, or a chain where nobody claimed the event, yields
// ServiceNotSupported; a chain with at least one Continue yields Handled.
func (srv *Server) dispatch(evt Event, args any) Result {
	srv.logger.Debug("dispatch event", "event", evt.String())
	metrics.RequestsDispatched.Inc()

	chain := srv.eventTable[evt]
	if len(chain) == 0 {
		return Reject(uds.NRCServiceNotSupported)
	}

	final := Reject(uds.NRCServiceNotSupported)
	for _, node := range chain {
		result := node.Handler(srv, args)
		switch result.kind {
		case kindContinue:
			final = Handled()
		case kindHandled, kindPending:
			return result
		case kindNotMine:
			continue
		case kindReject:
			return result
		}
	}
	return final
}

// DumpServices writes the registered-handler table and core state.
func (srv *Server) DumpServices(w io.Writer) {
	fmt.Fprintf(w, "Session type   : 0x%02X\n", srv.sessionType)
	fmt.Fprintf(w, "Security level : 0x%02X\n", srv.securityLevel)
	fmt.Fprintf(w, "P2 timing      : P2=%v, P2*=%v\n", srv.p2, srv.p2Star)
	fmt.Fprintf(w, "CommCtrl       : normal=0x%02X nm=0x%02X\n", srv.commNormal, srv.commNM)
	fmt.Fprintf(w, "%-24s | %-22s | %s\n", "Node", "Event", "Prio")
	count := 0
	for evt := Event(0); evt < eventCount; evt++ {
		for _, node := range srv.eventTable[evt] {
			fmt.Fprintf(w, "%-24s | %-22s | %d\n", node.Name, node.Event.String(), node.Priority)
			count++
		}
	}
	fmt.Fprintf(w, "Total handlers: %d\n", count)
}
