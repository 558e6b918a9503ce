package services

import (
	"fmt"
	"io"
	"sync"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/pkg/server"
)

// RIDRemoteConsole is the routine identifier of the remote console.
const RIDRemoteConsole uint16 = 0xF000

// CaptureBufSize is the size of the console capture buffer.
const CaptureBufSize = 4000

const truncatedMarker = "\n[TRUNCATED]\n"

// Console is a swappable process console sink. The shell executor writes to
// it; the console service temporarily redirects it into a capture buffer for
// the duration of one RoutineControl invocation.
type Console struct {
	mu   sync.Mutex
	sink io.Writer
}

func NewConsole(sink io.Writer) *Console {
	return &Console{sink: sink}
}

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return len(p), nil
	}
	return sink.Write(p)
}

// Swap redirects the console and returns the previous sink.
func (c *Console) Swap(sink io.Writer) io.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.sink
	c.sink = sink
	return prev
}

// captureBuffer is the fixed-size in-memory sink. When a write does not fit
// in the remaining space, only enough of it is kept to leave room for the
// literal truncation marker, the marker is appended, the overflow flag is
// set and further writes are dropped.
type captureBuffer struct {
	buf      [CaptureBufSize]byte
	pos      int
	overflow bool
}

func (b *captureBuffer) reset() {
	b.pos = 0
	b.overflow = false
}

func (b *captureBuffer) Bytes() []byte {
	return b.buf[:b.pos]
}

func (b *captureBuffer) Write(p []byte) (int, error) {
	if b.overflow {
		return len(p), nil
	}
	available := len(b.buf) - b.pos - 1
	if len(p) <= available {
		copy(b.buf[b.pos:], p)
		b.pos += len(p)
		return len(p), nil
	}
	if available > len(truncatedMarker) {
		head := available - len(truncatedMarker)
		copy(b.buf[b.pos:], p[:head])
		b.pos += head
	} else if available < len(truncatedMarker) {
		backtrack := len(truncatedMarker) - available
		if b.pos >= backtrack {
			b.pos -= backtrack
		} else {
			b.pos = 0
		}
	}
	copy(b.buf[b.pos:], truncatedMarker)
	b.pos += len(truncatedMarker)
	b.overflow = true
	return len(p), nil
}

// ConsoleService implements the remote console on RoutineControl (0x31)
// routine 0xF000: the command string from the request is executed by the
// external shell executor while the process console is redirected into the
// capture buffer, and the captured output is returned in the positive
// response.
type ConsoleService struct {
	RID              uint16
	RequireExtended  bool
	MinSecurityLevel uint8

	// Exec runs one command line; its output goes through Console.
	Exec    func(cmd string) error
	Console *Console

	capture captureBuffer
	node    server.ServiceNode
}

func NewConsoleService(console *Console, exec func(cmd string) error) *ConsoleService {
	return &ConsoleService{
		RID:              RIDRemoteConsole,
		RequireExtended:  true,
		MinSecurityLevel: 0x01,
		Exec:             exec,
		Console:          console,
	}
}

func (s *ConsoleService) Mount(srv *server.Server) error {
	s.node = server.ServiceNode{
		Event:    server.EventRoutineControl,
		Priority: server.PrioNormal,
		Name:     "console_exec",
		Handler:  s.handleRemoteConsole,
	}
	return srv.Register(&s.node)
}

func (s *ConsoleService) Unmount(srv *server.Server) {
	srv.Unregister(&s.node)
}

func (s *ConsoleService) handleRemoteConsole(srv *server.Server, data any) server.Result {
	args := data.(*server.RoutineControlArgs)

	if args.Type != uds.RoutineStart {
		return server.NotMine()
	}
	if args.ID != s.RID {
		return server.NotMine()
	}
	if s.RequireExtended &&
		srv.SessionType() != uds.SessionExtended && srv.SessionType() != uds.SessionProgramming {
		return server.Reject(uds.NRCServiceNotSupportedInActiveSession)
	}
	if srv.SecurityLevel() < s.MinSecurityLevel {
		return server.Reject(uds.NRCSecurityAccessDenied)
	}
	if len(args.Option) == 0 || len(args.Option) > 256 {
		return server.Reject(uds.NRCIncorrectMessageLengthOrInvalidFormat)
	}

	cmd := string(args.Option)
	srv.Logger().Debug("remote exec", "cmd", cmd)

	s.capture.reset()
	prev := s.Console.Swap(&s.capture)
	// Restore the previous sink on every exit path
	defer s.Console.Swap(prev)

	// Echo the command for context
	fmt.Fprintf(s.Console, "> %s\n", cmd)
	if s.Exec != nil {
		if err := s.Exec(cmd); err != nil {
			fmt.Fprintf(s.Console, "%v\n", err)
		}
	}

	return args.CopyStatus(s.capture.Bytes())
}
