package services_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/internal/crc"
	can "github.com/vdiag/gouds/pkg/can"
	"github.com/vdiag/gouds/pkg/can/mem"
	"github.com/vdiag/gouds/pkg/client"
	"github.com/vdiag/gouds/pkg/seedkey"
	"github.com/vdiag/gouds/pkg/server"
	"github.com/vdiag/gouds/pkg/services"
)

const (
	testKeyMask uint32 = 0xA5A5A5A5
	testSeed    uint32 = 0xDEADBEEF
)

type stack struct {
	client    *client.Client
	clientBM  *uds.BusManager
	server    *server.Server
	io        *services.IOService
	console   *services.Console
	consoleTx *bytes.Buffer
}

func newStack(t *testing.T, s3 time.Duration) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	broker := mem.NewBroker()
	serverBus := broker.NewBus()
	clientBus := broker.NewBus()
	require.NoError(t, serverBus.Connect())
	require.NoError(t, clientBus.Connect())

	serverBM := uds.NewBusManager(logger, serverBus)
	require.NoError(t, serverBus.Subscribe(serverBM))
	srv := server.NewServer(logger, serverBM, server.Config{
		RequestID:    0x7E0,
		ResponseID:   0x7E8,
		FunctionalID: 0x7DF,
		QueueSize:    4096,
		S3:           s3,
	})

	extended := services.NewMapBackend(map[uint16][]byte{
		0xF190: []byte("TESTVIN"),
	})
	general := services.NewMapBackend(map[uint16][]byte{
		0x0001: {0x00},
	})

	sec := services.NewSecurityService(0x01, seedkey.XORMask{Mask: testKeyMask})
	sec.GenerateSeed = func() uint32 { return testSeed }

	ioService := services.NewIOService()
	ioService.AddNode(&services.IONode{
		DID: 0x0100,
		Handler: func(did uint16, action uint8, ctrlStateAndMask []byte) ([]byte, uds.NRC) {
			return ctrlStateAndMask, 0
		},
	})

	consoleOut := &bytes.Buffer{}
	console := services.NewConsole(consoleOut)
	consoleService := services.NewConsoleService(console, func(cmd string) error {
		fmt.Fprintf(console, "executed: %s\n", cmd)
		return nil
	})

	st := &stack{server: srv, io: ioService, console: console, consoleTx: consoleOut}

	mounts := []interface{ Mount(*server.Server) error }{
		services.NewSessionService(),
		services.NewResetService(nil),
		services.NewParamService(extended, general),
		sec,
		services.NewCommControlService(0x0001),
		ioService,
		consoleService,
		services.NewFileService(),
	}
	for _, service := range mounts {
		require.NoError(t, service.Mount(srv))
	}

	srv.Start()
	t.Cleanup(srv.Stop)

	clientBM := uds.NewBusManager(logger, clientBus)
	require.NoError(t, clientBus.Subscribe(clientBM))
	st.clientBM = clientBM
	st.client = client.NewClient(logger, clientBM, client.Config{
		RequestID:    0x7E0,
		ResponseID:   0x7E8,
		FunctionalID: 0x7DF,
		QueueSize:    4096,
	})
	return st
}

func (st *stack) transact(t *testing.T, label string, send func() error) error {
	t.Helper()
	return st.client.TransactionTimeout(send, label, 2*time.Second, nil)
}

func (st *stack) mustTransact(t *testing.T, label string, send func() error) {
	t.Helper()
	require.NoError(t, st.transact(t, label, send))
}

func (st *stack) enterExtendedSession(t *testing.T) {
	t.Helper()
	st.mustTransact(t, "session", func() error {
		return st.client.SendDiagSessCtrl(uds.SessionExtended)
	})
}

func (st *stack) authenticate(t *testing.T) {
	t.Helper()
	st.mustTransact(t, "seed", func() error {
		return st.client.SendSecurityAccess(0x01, nil)
	})
	buf := st.client.RecvBuf()
	require.GreaterOrEqual(t, len(buf), 6)
	seed := binary.BigEndian.Uint32(buf[2:6])
	require.NotZero(t, seed)
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], seed^testKeyMask)
	st.mustTransact(t, "key", func() error {
		return st.client.SendSecurityAccess(0x02, key[:])
	})
}

func TestSessionControlNegotiatesTiming(t *testing.T) {
	st := newStack(t, 0)
	st.enterExtendedSession(t)
	buf := st.client.RecvBuf()
	require.Len(t, buf, 6)
	assert.EqualValues(t, 0x50, buf[0])
	assert.EqualValues(t, uds.SessionExtended, buf[1])
	p2 := binary.BigEndian.Uint16(buf[2:4])
	p2star := binary.BigEndian.Uint16(buf[4:6])
	assert.EqualValues(t, 5000, p2)
	assert.EqualValues(t, 500, p2star) // 10 ms units
}

func TestInvalidSessionTypeRejected(t *testing.T) {
	st := newStack(t, 0)
	err := st.transact(t, "session", func() error {
		return st.client.SendDiagSessCtrl(0x40)
	})
	assert.Equal(t, uds.NRCSubFunctionNotSupportedInActiveSession, err)
}

func TestWDBIThenRDBIIdempotent(t *testing.T) {
	st := newStack(t, 0)
	for i := 0; i < 2; i++ {
		st.mustTransact(t, "wdbi", func() error {
			return st.client.SendWDBI(0x0001, []byte{0x01})
		})
		assert.Equal(t, []byte{0x6E, 0x00, 0x01}, st.client.RecvBuf())
	}
	st.mustTransact(t, "rdbi", func() error {
		return st.client.SendRDBI([]uint16{0x0001})
	})
	assert.Equal(t, []byte{0x62, 0x00, 0x01, 0x01}, st.client.RecvBuf())
}

func TestRDBIMultipleDIDs(t *testing.T) {
	st := newStack(t, 0)
	st.mustTransact(t, "rdbi", func() error {
		return st.client.SendRDBI([]uint16{0x0001, 0xF190})
	})
	buf := st.client.RecvBuf()
	expected := append([]byte{0x62, 0x00, 0x01, 0x00, 0xF1, 0x90}, []byte("TESTVIN")...)
	assert.Equal(t, expected, buf)
}

func TestUnknownDIDYieldsServiceNotSupported(t *testing.T) {
	st := newStack(t, 0)
	err := st.transact(t, "rdbi", func() error {
		return st.client.SendRDBI([]uint16{0xBEEF})
	})
	assert.Equal(t, uds.NRCServiceNotSupported, err)
}

func TestSecurityAccessFlow(t *testing.T) {
	st := newStack(t, 0)
	st.authenticate(t)

	// Re-requesting the same level while unlocked answers with a zero seed
	st.mustTransact(t, "seed", func() error {
		return st.client.SendSecurityAccess(0x01, nil)
	})
	assert.Equal(t, []byte{0x67, 0x01, 0x00, 0x00, 0x00, 0x00}, st.client.RecvBuf())
}

func TestSecurityKeyWithoutSeed(t *testing.T) {
	st := newStack(t, 0)
	err := st.transact(t, "key", func() error {
		return st.client.SendSecurityAccess(0x02, []byte{1, 2, 3, 4})
	})
	assert.Equal(t, uds.NRCRequestSequenceError, err)
}

func TestSecurityInvalidKeyAndSeedSingleUse(t *testing.T) {
	st := newStack(t, 0)
	st.mustTransact(t, "seed", func() error {
		return st.client.SendSecurityAccess(0x01, nil)
	})
	err := st.transact(t, "key", func() error {
		return st.client.SendSecurityAccess(0x02, []byte{0, 0, 0, 0})
	})
	assert.Equal(t, uds.NRCInvalidKey, err)

	// The seed was consumed by the failed attempt
	err = st.transact(t, "key", func() error {
		return st.client.SendSecurityAccess(0x02, []byte{0, 0, 0, 0})
	})
	assert.Equal(t, uds.NRCRequestSequenceError, err)
}

func TestTesterPresentSuppression(t *testing.T) {
	st := newStack(t, 0)
	var frames atomic.Int32
	st.clientBM.Subscribe(0x7E8, frameCounter{&frames})

	// Suppressed: no response frame at all
	st.client.SetOptions(client.OptSuppressPosResp)
	require.NoError(t, st.client.SendTesterPresent())
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		st.client.Poll()
		time.Sleep(time.Millisecond)
	}
	assert.EqualValues(t, 0, frames.Load())

	// Unsuppressed: exactly one [0x7E, 0x00] response
	st.client.SetOptions(0)
	st.mustTransact(t, "tp", func() error { return st.client.SendTesterPresent() })
	assert.Equal(t, []byte{0x7E, 0x00}, st.client.RecvBuf())
	assert.EqualValues(t, 1, frames.Load())
}

type frameCounter struct{ n *atomic.Int32 }

func (fc frameCounter) Handle(frame can.Frame) { fc.n.Add(1) }

func TestCommControl(t *testing.T) {
	st := newStack(t, 0)
	st.mustTransact(t, "cc", func() error {
		return st.client.SendCommCtrl(uds.CommCtrlEnableRxDisTx, uds.CommTypeNormalNM)
	})
	assert.Equal(t, []byte{0x68, 0x01}, st.client.RecvBuf())

	// Node-scoped with a foreign node id: positive but ignored
	st.mustTransact(t, "cc", func() error {
		return st.client.SendCommCtrlWithNodeID(uds.CommCtrlEnableRxTxEA, uds.CommTypeNormal, 0xBEEF)
	})
	assert.Equal(t, []byte{0x68, 0x05}, st.client.RecvBuf())

	// Unknown sub-function is rejected
	err := st.transact(t, "cc", func() error {
		return st.client.SendCommCtrl(0x0F, uds.CommTypeNormal)
	})
	assert.Equal(t, uds.NRCRequestOutOfRange, err)
}

func TestIOControlOverrideLifecycle(t *testing.T) {
	st := newStack(t, 0)
	st.mustTransact(t, "io", func() error {
		return st.client.SendIOControl(0x0100, uds.IOShortTermAdjustment, []byte{0x01, 0x00, 0x00})
	})
	assert.Equal(t, []byte{0x6F, 0x01, 0x00, 0x03, 0x01, 0x00, 0x00}, st.client.RecvBuf())
	assert.True(t, st.io.Overridden(0x0100))

	st.mustTransact(t, "io", func() error {
		return st.client.SendIOControl(0x0100, uds.IOReturnControlToECU, nil)
	})
	assert.False(t, st.io.Overridden(0x0100))

	// Unknown DID falls off the chain
	err := st.transact(t, "io", func() error {
		return st.client.SendIOControl(0x0999, uds.IOShortTermAdjustment, []byte{0x01})
	})
	assert.Equal(t, uds.NRCServiceNotSupported, err)
}

func TestConsoleRequiresSessionAndSecurity(t *testing.T) {
	st := newStack(t, 0)
	err := st.transact(t, "rexec", func() error {
		return st.client.SendRoutineCtrl(uds.RoutineStart, 0xF000, []byte("ls"))
	})
	assert.Equal(t, uds.NRCServiceNotSupportedInActiveSession, err)

	st.enterExtendedSession(t)
	err = st.transact(t, "rexec", func() error {
		return st.client.SendRoutineCtrl(uds.RoutineStart, 0xF000, []byte("ls"))
	})
	assert.Equal(t, uds.NRCSecurityAccessDenied, err)
}

func TestConsoleCapturesOutput(t *testing.T) {
	st := newStack(t, 0)
	st.enterExtendedSession(t)
	st.authenticate(t)

	st.mustTransact(t, "rexec", func() error {
		return st.client.SendRoutineCtrl(uds.RoutineStart, 0xF000, []byte("version"))
	})
	buf := st.client.RecvBuf()
	require.Greater(t, len(buf), 4)
	assert.EqualValues(t, 0x71, buf[0])
	assert.EqualValues(t, 0xF0, buf[2])
	output := string(buf[4:])
	assert.Contains(t, output, "> version")
	assert.Contains(t, output, "executed: version")

	// Unknown routine id falls off the chain
	err := st.transact(t, "routine", func() error {
		return st.client.SendRoutineCtrl(uds.RoutineStart, 0x1234, nil)
	})
	assert.Equal(t, uds.NRCServiceNotSupported, err)
}

// uploadFile mirrors the shell upload sequence at the protocol level.
func (st *stack) uploadFile(t *testing.T, remotePath string, payload []byte) error {
	t.Helper()
	c := st.client
	if err := st.transact(t, "init", func() error {
		return c.SendRequestFileTransfer(uds.MoopAddFile, remotePath, 0x00,
			uint64(len(payload)), uint64(len(payload)))
	}); err != nil {
		return err
	}
	resp, err := c.UnpackRequestFileTransferResponse()
	require.NoError(t, err)
	require.EqualValues(t, 1024, resp.MaxNumberOfBlockLength)
	chunk := int(resp.MaxNumberOfBlockLength) - 2

	var running crc.CRC32
	seq := uint8(1)
	for offset := 0; offset < len(payload); offset += chunk {
		end := offset + chunk
		if end > len(payload) {
			end = len(payload)
		}
		block := payload[offset:end]
		running.Update(block)
		if err := st.transact(t, "data", func() error {
			return c.SendTransferData(seq, block)
		}); err != nil {
			return err
		}
		seq++
	}
	require.Equal(t, crc.Checksum(payload), running.Sum())

	var exitData [4]byte
	binary.BigEndian.PutUint32(exitData[:], running.Sum())
	return st.transact(t, "exit", func() error {
		return c.SendRequestTransferExit(exitData[:])
	})
}

// downloadFile mirrors the shell download sequence at the protocol level.
func (st *stack) downloadFile(t *testing.T, remotePath string) ([]byte, uint32, error) {
	t.Helper()
	c := st.client
	if err := st.transact(t, "init", func() error {
		return c.SendRequestFileTransfer(uds.MoopReadFile, remotePath, 0x00, 0, 0)
	}); err != nil {
		return nil, 0, err
	}
	_, err := c.UnpackRequestFileTransferResponse()
	require.NoError(t, err)

	var data []byte
	seq := uint8(1)
	for {
		if err := st.transact(t, "data", func() error {
			return c.SendTransferData(seq, nil)
		}); err != nil {
			return nil, 0, err
		}
		buf := c.RecvBuf()
		if len(buf) <= 2 {
			break
		}
		data = append(data, buf[2:]...)
		seq++
	}

	if err := st.transact(t, "exit", func() error {
		return c.SendRequestTransferExit(nil)
	}); err != nil {
		return nil, 0, err
	}
	exitBuf := c.RecvBuf()
	require.Len(t, exitBuf, 5)
	return data, binary.BigEndian.Uint32(exitBuf[1:5]), nil
}

func TestFileUploadDownloadRoundTrip(t *testing.T) {
	st := newStack(t, 0)
	dir := t.TempDir()
	remotePath := filepath.Join(dir, "roundtrip.bin")

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	require.NoError(t, st.uploadFile(t, remotePath, payload))

	written, err := os.ReadFile(remotePath)
	require.NoError(t, err)
	assert.Equal(t, payload, written)

	data, serverCRC, err := st.downloadFile(t, remotePath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, crc.Checksum(payload), serverCRC)
}

func TestZeroByteUpload(t *testing.T) {
	st := newStack(t, 0)
	remotePath := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, st.uploadFile(t, remotePath, nil))
	info, err := os.Stat(remotePath)
	require.NoError(t, err)
	assert.EqualValues(t, 0, info.Size())
}

func TestUploadCRCMismatchRemovesFile(t *testing.T) {
	st := newStack(t, 0)
	remotePath := filepath.Join(t.TempDir(), "broken.bin")
	c := st.client

	st.mustTransact(t, "init", func() error {
		return c.SendRequestFileTransfer(uds.MoopAddFile, remotePath, 0x00, 4, 4)
	})
	st.mustTransact(t, "data", func() error {
		return c.SendTransferData(1, []byte{1, 2, 3, 4})
	})
	err := st.transact(t, "exit", func() error {
		return c.SendRequestTransferExit([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	})
	assert.Equal(t, uds.NRCGeneralProgrammingFailure, err)
	_, statErr := os.Stat(remotePath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadMissingFile(t *testing.T) {
	st := newStack(t, 0)
	err := st.transact(t, "init", func() error {
		return st.client.SendRequestFileTransfer(uds.MoopReadFile, "/does/not/exist", 0x00, 0, 0)
	})
	assert.Equal(t, uds.NRCRequestOutOfRange, err)
}

func TestSessionTimeoutReleasesEverything(t *testing.T) {
	st := newStack(t, 150*time.Millisecond)
	st.enterExtendedSession(t)
	st.authenticate(t)
	st.mustTransact(t, "io", func() error {
		return st.client.SendIOControl(0x0100, uds.IOFreezeCurrentState, []byte{0x01})
	})
	require.True(t, st.io.Overridden(0x0100))

	// Let the S3 watchdog fire
	time.Sleep(500 * time.Millisecond)

	// Back in the default session: the console is gated again. The
	// transaction also synchronizes the test with the consumer goroutine.
	err := st.transact(t, "rexec", func() error {
		return st.client.SendRoutineCtrl(uds.RoutineStart, 0xF000, []byte("ls"))
	})
	assert.Equal(t, uds.NRCServiceNotSupportedInActiveSession, err)

	assert.False(t, st.io.Overridden(0x0100))
}
