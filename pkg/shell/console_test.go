package shell

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/pkg/can/mem"
	"github.com/vdiag/gouds/pkg/client"
)

func newTestShell(t *testing.T) *Shell {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := mem.NewBroker().NewBus()
	require.NoError(t, bus.Connect())
	bm := uds.NewBusManager(logger, bus)
	require.NoError(t, bus.Subscribe(bm))
	c := client.NewClient(logger, bm, client.Config{
		RequestID: 0x7E0, ResponseID: 0x7E8, FunctionalID: 0x7DF,
	})
	return New(logger, c, bytes.NewReader(nil), &bytes.Buffer{})
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "/flash", resolvePath("/", "flash"))
	assert.Equal(t, "/flash/sub", resolvePath("/flash", "sub"))
	assert.Equal(t, "/abs", resolvePath("/flash", "/abs"))
	assert.Equal(t, "/flash", resolvePath("/flash/sub", ".."))
	assert.Equal(t, "/", resolvePath("/flash", ".."))
	assert.Equal(t, "/", resolvePath("/", ".."))
}

func TestParseHelpOutputFillsCommandCache(t *testing.T) {
	s := newTestShell(t)
	s.console.parseHelpOutput("> help\nls - list files\ncat - print file\nmsh />\n\nfree - memory info\n")
	names := s.console.RemoteCommands()
	assert.ElementsMatch(t, []string{"ls", "cat", "free"}, names)
}

func TestParseLsOutputFillsFileCacheAndPath(t *testing.T) {
	s := newTestShell(t)
	s.console.lastSentCmd = "ls"
	s.console.parseLsOutput("Directory /flash:\nboot.bin 1024\nlogs <DIR>\n")
	assert.Equal(t, "/flash", s.RemotePath())
	assert.ElementsMatch(t, []string{"boot.bin", "logs/"}, s.console.RemoteFiles())
}

func TestSetRemotePathTrimsColon(t *testing.T) {
	s := newTestShell(t)
	s.SetRemotePath("/flash:")
	assert.Equal(t, "/flash", s.RemotePath())
}

func TestCommandRegistry(t *testing.T) {
	r := NewCommandRegistry()
	called := false
	assert.True(t, r.Register("ping", func(argv []string) error { called = true; return nil }, "", ""))
	assert.False(t, r.Register("ping", func(argv []string) error { return nil }, "", ""))

	assert.NoError(t, r.Execute("ping now"))
	assert.True(t, called)
	assert.Equal(t, errNotFound, r.Execute("unknown"))
	assert.Equal(t, errNotFound, r.Execute("   "))
}

func TestBuiltinCommandsRegistered(t *testing.T) {
	s := newTestShell(t)
	names := s.commands.Names()
	for _, expected := range []string{"help", "exit", "session", "auth", "er",
		"rdbi", "wdbi", "io", "cc", "rexec", "cd", "lls", "sy", "ry"} {
		assert.Contains(t, names, expected)
	}
}
