// Package slcan implements the LAWICEL ASCII (slcan) protocol over a serial
// port, for USB-serial CAN adapters exposed as tty devices.
package slcan

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/tarm/serial"

	can "github.com/vdiag/gouds/pkg/can"
)

const defaultBaud = 115200

func init() {
	can.RegisterInterface("slcan", NewSlcanBus)
}

type Bus struct {
	logger       *slog.Logger
	mu           sync.Mutex
	device       string
	baud         int
	port         *serial.Port
	framehandler can.FrameListener
	isRunning    bool
}

// NewSlcanBus creates an slcan bus. The channel is the tty device, with an
// optional baud rate suffix, e.g. "/dev/ttyACM0" or "/dev/ttyACM0@921600".
func NewSlcanBus(channel string) (can.Bus, error) {
	device := channel
	baud := defaultBaud
	if at := strings.LastIndex(channel, "@"); at > 0 {
		parsed, err := strconv.Atoi(channel[at+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid baud rate in channel %q", channel)
		}
		device = channel[:at]
		baud = parsed
	}
	return &Bus{logger: slog.Default(), device: device, baud: baud}, nil
}

func (b *Bus) Connect(...any) error {
	port, err := serial.OpenPort(&serial.Config{Name: b.device, Baud: b.baud})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.port = port
	b.mu.Unlock()
	// Close a possibly open channel, then open at the configured bitrate
	_, err = port.Write([]byte("C\rO\r"))
	return err
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil
	}
	_, _ = b.port.Write([]byte("C\r"))
	err := b.port.Close()
	b.port = nil
	return err
}

func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()
	if port == nil {
		return fmt.Errorf("slcan %s not connected", b.device)
	}
	_, err := port.Write(encodeFrame(frame))
	return err
}

func (b *Bus) Subscribe(framehandler can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	if b.isRunning {
		return nil
	}
	b.isRunning = true
	go b.handleReception()
	return nil
}

// encodeFrame serializes a standard-id data frame: tIIILDD..\r
func encodeFrame(frame can.Frame) []byte {
	out := make([]byte, 0, 6+2*int(frame.DLC))
	out = append(out, fmt.Sprintf("t%03X%d", frame.ID&can.CanSffMask, frame.DLC)...)
	out = append(out, strings.ToUpper(hex.EncodeToString(frame.Data[:frame.DLC]))...)
	return append(out, '\r')
}

func decodeFrame(line string) (can.Frame, error) {
	var frame can.Frame
	if len(line) < 5 || line[0] != 't' {
		return frame, fmt.Errorf("not a standard slcan data frame: %q", line)
	}
	id, err := strconv.ParseUint(line[1:4], 16, 32)
	if err != nil {
		return frame, err
	}
	dlc, err := strconv.Atoi(line[4:5])
	if err != nil || dlc > 8 {
		return frame, fmt.Errorf("invalid DLC in %q", line)
	}
	if len(line) < 5+2*dlc {
		return frame, fmt.Errorf("short slcan frame: %q", line)
	}
	data, err := hex.DecodeString(line[5 : 5+2*dlc])
	if err != nil {
		return frame, err
	}
	frame.ID = uint32(id)
	frame.DLC = uint8(dlc)
	copy(frame.Data[:], data)
	return frame, nil
}

func (b *Bus) handleReception() {
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()
	if port == nil {
		return
	}
	scanner := bufio.NewScanner(port)
	scanner.Split(scanCR)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] != 't' {
			// Remote frames, extended ids and status replies are not routed
			continue
		}
		frame, err := decodeFrame(line)
		if err != nil {
			b.logger.Warn("dropping malformed slcan frame", "err", err)
			continue
		}
		b.mu.Lock()
		handler := b.framehandler
		b.mu.Unlock()
		if handler != nil {
			handler.Handle(frame)
		}
	}
	b.mu.Lock()
	b.isRunning = false
	b.mu.Unlock()
}

// scanCR splits the serial stream on the slcan CR terminator.
func scanCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, c := range data {
		if c == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
