// Package virtual is a CAN bus backed by a virtualcan TCP broker
// (https://github.com/windelbouwman/virtualcan): every frame written to the
// broker is fanned out to all other connected clients. Mainly useful for
// running the client and server without CAN hardware.
//
// The wire format is the broker's: a 4-byte big-endian length prefix
// followed by the frame fields (id, flags, dlc, data) in big-endian order.
package virtual

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	can "github.com/vdiag/gouds/pkg/can"
)

func init() {
	factory := func(channel string) (can.Bus, error) {
		return NewBus(nil, channel), nil
	}
	can.RegisterInterface("virtual", factory)
	can.RegisterInterface("virtualcan", factory)
}

const (
	frameBodySize  = 14 // id(4) + flags(1) + dlc(1) + data(8)
	writeDeadline  = 10 * time.Millisecond
	redialInterval = time.Second
)

// Bus is one client connection to a virtualcan broker. A dedicated reader
// goroutine blocks on the socket and redials with a fixed backoff when the
// broker drops the connection, so a broker restart does not kill the stack.
type Bus struct {
	logger  *slog.Logger
	channel string

	mu      sync.Mutex
	conn    net.Conn
	handler can.FrameListener
	closing bool
	reading bool

	wg sync.WaitGroup
}

// NewBus creates a bus for the broker at channel, e.g. "localhost:18889".
func NewBus(logger *slog.Logger, channel string) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:  logger.With("service", "[VCAN]", "channel", channel),
		channel: channel,
	}
}

func (b *Bus) Connect(...any) error {
	conn, err := b.dial()
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = conn
	b.closing = false
	b.mu.Unlock()
	return nil
}

func (b *Bus) dial() (net.Conn, error) {
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	b.closing = true
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	var err error
	if conn != nil {
		// Unblocks the reader goroutine
		err = conn.Close()
	}
	b.wg.Wait()
	return err
}

func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("virtualcan %s: not connected", b.channel)
	}

	buf := make([]byte, 4+frameBodySize)
	binary.BigEndian.PutUint32(buf[0:4], frameBodySize)
	binary.BigEndian.PutUint32(buf[4:8], frame.ID)
	buf[8] = frame.Flags
	buf[9] = frame.DLC
	copy(buf[10:], frame.Data[:])

	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if _, err := conn.Write(buf); err != nil {
		b.logger.Warn("frame write failed", "err", err)
		return err
	}
	return nil
}

func (b *Bus) Subscribe(handler can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	if b.reading {
		return nil
	}
	b.reading = true
	b.wg.Add(1)
	go b.readLoop()
	return nil
}

// readLoop blocks on the broker socket and delivers frames until
// Disconnect. A dropped connection is redialed at a fixed interval.
func (b *Bus) readLoop() {
	defer func() {
		b.mu.Lock()
		b.reading = false
		b.mu.Unlock()
		b.wg.Done()
	}()
	for {
		b.mu.Lock()
		conn := b.conn
		closing := b.closing
		b.mu.Unlock()
		if closing {
			return
		}
		if conn == nil {
			if !b.redial() {
				return
			}
			continue
		}

		reader := bufio.NewReader(conn)
		for {
			frame, err := readFrame(reader)
			if err != nil {
				b.mu.Lock()
				closing := b.closing
				if b.conn == conn {
					b.conn = nil
				}
				b.mu.Unlock()
				conn.Close()
				if closing {
					return
				}
				b.logger.Warn("broker connection lost", "err", err)
				break
			}
			b.mu.Lock()
			handler := b.handler
			b.mu.Unlock()
			if handler != nil {
				handler.Handle(frame)
			}
		}
	}
}

// redial reconnects to the broker, retrying until it succeeds or the bus is
// disconnected. Returns false when the bus is closing.
func (b *Bus) redial() bool {
	for {
		b.mu.Lock()
		if b.closing {
			b.mu.Unlock()
			return false
		}
		b.mu.Unlock()

		conn, err := b.dial()
		if err == nil {
			b.logger.Info("reconnected to broker")
			b.mu.Lock()
			b.conn = conn
			b.mu.Unlock()
			return true
		}
		b.logger.Warn("broker redial failed", "err", err)
		time.Sleep(redialInterval)
	}
}

// readFrame reads one length-prefixed frame from the broker stream.
func readFrame(reader *bufio.Reader) (can.Frame, error) {
	var frame can.Frame
	var header [4]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		return frame, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length < frameBodySize || length > 64 {
		return frame, fmt.Errorf("implausible frame length %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(reader, body); err != nil {
		return frame, err
	}
	frame.ID = binary.BigEndian.Uint32(body[0:4])
	frame.Flags = body[4]
	frame.DLC = body[5]
	if frame.DLC > 8 {
		return frame, fmt.Errorf("invalid DLC %d", frame.DLC)
	}
	copy(frame.Data[:], body[6:14])
	return frame, nil
}
