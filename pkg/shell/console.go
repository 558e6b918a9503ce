package shell

import (
	"fmt"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	uds "github.com/vdiag/gouds"
	"github.com/vdiag/gouds/pkg/client"
)

// RIDRemoteConsole must match the routine id the server console listens on.
const RIDRemoteConsole uint16 = 0xF000

// Remote console transactions get a long timeout; a command may produce a
// lot of segmented output.
const consoleTimeout = 8000 * time.Millisecond

const maxCacheItems = 128

// ConsoleClient drives the remote console over RoutineControl 0xF000 and
// maintains the bounded caches of remote command and file names parsed from
// "help" and "ls" output. The caches feed the completion collaborator.
type ConsoleClient struct {
	shell *Shell

	cmdCache  *ttlcache.Cache[string, struct{}]
	fileCache *ttlcache.Cache[string, struct{}]

	lastSentCmd   string
	expectingHelp bool
	silent        bool
}

func newConsoleClient(s *Shell) *ConsoleClient {
	cc := &ConsoleClient{
		shell: s,
		cmdCache: ttlcache.New[string, struct{}](
			ttlcache.WithCapacity[string, struct{}](maxCacheItems),
		),
		fileCache: ttlcache.New[string, struct{}](
			ttlcache.WithCapacity[string, struct{}](maxCacheItems),
		),
	}
	s.client.Registry().Register(
		uds.SIDRoutineControl+uds.PositiveResponseOffset, cc.handleConsoleResponse)
	s.commands.Register("rexec", cc.handleRexec, "Explicit remote exec", "<cmd...>")
	s.commands.Register("cd", cc.handleCd, "Change remote dir", "<path>")
	return cc
}

// RemoteCommands returns the cached remote command names.
func (cc *ConsoleClient) RemoteCommands() []string { return cc.cmdCache.Keys() }

// RemoteFiles returns the cached remote file names.
func (cc *ConsoleClient) RemoteFiles() []string { return cc.fileCache.Keys() }

// SyncRemote refreshes the remote command cache without echoing output.
func (cc *ConsoleClient) SyncRemote() {
	cc.silent = true
	defer func() { cc.silent = false }()
	_ = cc.SendCommand("help")
}

// SendCommand forwards one command line to the remote console and waits for
// the captured output. The response handler prints and parses the payload.
func (cc *ConsoleClient) SendCommand(cmd string) error {
	c := cc.shell.client

	// Wait out a transaction already in flight
	for retry := 10; c.State() != client.StateIdle && retry > 0; retry-- {
		c.Poll()
		time.Sleep(10 * time.Millisecond)
	}
	if c.State() != client.StateIdle {
		return uds.ErrBusy
	}

	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return nil
	}

	cc.lastSentCmd = cmd
	cc.expectingHelp = strings.HasPrefix(cmd, "help")

	// The contract says silent mode suppresses the wait animation; console
	// output is streamed by the response handler, so no spinner is rendered
	// in either mode.
	return c.TransactionTimeout(func() error {
		return c.SendRoutineCtrl(uds.RoutineStart, RIDRemoteConsole, []byte(cmd))
	}, cmd, consoleTimeout, nil)
}

// handleConsoleResponse processes positive 0x71 responses: it prints the
// captured console output and feeds the help/ls parsers.
func (cc *ConsoleClient) handleConsoleResponse(c *client.Client) {
	buf := c.RecvBuf()
	if len(buf) <= 4 {
		return
	}
	rid := uint16(buf[2])<<8 | uint16(buf[3])
	if rid != RIDRemoteConsole {
		return
	}
	payload := string(buf[4:])

	if !cc.silent {
		fmt.Fprint(cc.shell.out, payload)
	}

	if cc.expectingHelp {
		cc.parseHelpOutput(payload)
	} else if strings.HasPrefix(cc.lastSentCmd, "ls") {
		cc.parseLsOutput(payload)
	}
}

// parseHelpOutput fills the remote command cache from "help" output: the
// first word of every line, skipping the echo and shell headers.
func (cc *ConsoleClient) parseHelpOutput(text string) {
	cc.cmdCache.DeleteAll()
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == '\r' }) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ">") || strings.HasPrefix(line, "msh") {
			continue
		}
		name := strings.Fields(line)[0]
		cc.cmdCache.Set(name, struct{}{}, ttlcache.NoTTL)
	}
}

// parseLsOutput fills the remote file cache and resynchronizes the prompt
// path from a "Directory /x:" header.
func (cc *ConsoleClient) parseLsOutput(text string) {
	cc.fileCache.DeleteAll()
	for _, line := range strings.Split(text, "\n") {
		line = strings.Trim(line, "\r")
		if line == "" || strings.HasPrefix(line, ">") {
			continue
		}
		if strings.HasPrefix(line, "Directory") {
			if idx := strings.Index(line, "/"); idx >= 0 {
				path := line[idx:]
				if end := strings.IndexAny(path, ":\r"); end >= 0 {
					path = path[:end]
				}
				cc.shell.SetRemotePath(path)
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if strings.Contains(line, "<DIR>") {
			name += "/"
		}
		cc.fileCache.Set(name, struct{}{}, ttlcache.NoTTL)
	}
}

// resolvePath mirrors the remote cd semantics for the optimistic prompt
// update.
func resolvePath(base string, arg string) string {
	switch {
	case strings.HasPrefix(arg, "/"):
		return arg
	case arg == "..":
		if idx := strings.LastIndex(base, "/"); idx > 0 {
			return base[:idx]
		}
		return "/"
	default:
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base + arg
	}
}

func (cc *ConsoleClient) handleCd(argv []string) error {
	if len(argv) < 2 {
		cc.shell.SetRemotePath("/")
		return cc.SendCommand("cd /")
	}
	// Optimistic local update: the prompt may run ahead of the server until
	// the next ls/help cycle resynchronizes it.
	cc.shell.SetRemotePath(resolvePath(cc.shell.RemotePath(), argv[1]))
	return cc.SendCommand("cd " + argv[1])
}

func (cc *ConsoleClient) handleRexec(argv []string) error {
	if len(argv) < 2 {
		return nil
	}
	return cc.SendCommand(strings.Join(argv[1:], " "))
}
