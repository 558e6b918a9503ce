package shell

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"

	"github.com/vdiag/gouds/pkg/client"
)

// ExitCode of the shell loop.
type ExitCode int

const (
	// ExitUser: user-initiated quit or EOF.
	ExitUser ExitCode = 0
	// ExitTimeout: the heartbeat disconnect callback fired.
	ExitTimeout ExitCode = -1
)

// HistoryFile persists the command history in the working directory.
const HistoryFile = ".uds_history"

// Loop tick: short enough to service polling and the heartbeat while the
// user types.
const pollInterval = 20 * time.Millisecond

var (
	promptColor = color.New(color.FgCyan, color.Bold)
	errorColor  = color.New(color.FgRed, color.Bold)
)

// Shell owns the operator loop: non-blocking input, the UDS poll, the
// heartbeat timer and the command registry.
type Shell struct {
	logger   *slog.Logger
	client   *client.Client
	monitor  *client.HeartbeatMonitor
	commands *CommandRegistry
	console  *ConsoleClient

	in  io.Reader
	out io.Writer

	lines      chan string
	forceExit  atomic.Bool
	remotePath string
	history    []string
	spinIdx    int
}

func New(logger *slog.Logger, c *client.Client, in io.Reader, out io.Writer) *Shell {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Shell{
		logger:     logger.With("service", "[SHELL]"),
		client:     c,
		commands:   NewCommandRegistry(),
		in:         in,
		out:        out,
		lines:      make(chan string),
		remotePath: "/",
	}

	// The disconnect callback only raises a flag; the loop observes it on
	// its next iteration and exits with ExitTimeout.
	s.monitor = client.NewHeartbeatMonitor(c, func() {
		s.forceExit.Store(true)
	})

	s.console = newConsoleClient(s)
	s.registerBuiltins()
	registerParamCommands(s)
	registerSessionCommands(s)
	registerControlCommands(s)
	registerFileCommands(s)
	s.loadHistory()
	return s
}

// Client exposes the underlying UDS client to command modules.
func (s *Shell) Client() *client.Client { return s.client }

// Console exposes the remote console integration (completion caches).
func (s *Shell) Console() *ConsoleClient { return s.console }

// Commands exposes the local command registry.
func (s *Shell) Commands() *CommandRegistry { return s.commands }

// RemotePath returns the prompt path.
func (s *Shell) RemotePath() string { return s.remotePath }

// SetRemotePath updates the prompt path, trimming a trailing colon as found
// in remote "ls" headers.
func (s *Shell) SetRemotePath(path string) {
	path = strings.TrimSuffix(path, ":")
	if path != "" {
		s.remotePath = path
	}
}

func (s *Shell) registerBuiltins() {
	s.commands.Register("help", func(argv []string) error {
		s.commands.PrintHelp(s.out)
		fmt.Fprintf(s.out, "[Remote Commands]\n")
		return s.console.SendCommand("help")
	}, "Show local and remote help", "")
	// "exit" is handled by the loop itself; registering it here keeps it
	// visible in help and completion.
	s.commands.Register("exit", func(argv []string) error { return nil }, "Exit shell", "")
}

func (s *Shell) prompt() {
	promptColor.Fprintf(s.out, "uds %s> ", s.remotePath)
}

// Run executes the shell loop until the user exits or the disconnect
// callback fires.
func (s *Shell) Run() ExitCode {
	go s.readInput()

	fmt.Fprintf(s.out, "\nInteractive mode started. Type 'help' or 'exit'.\n")

	// Seed the completion caches silently
	s.console.SyncRemote()

	s.prompt()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if s.forceExit.Load() {
			errorColor.Fprintf(s.out, "\n[Fatal] Connection lost.\n")
			return ExitTimeout
		}

		select {
		case line, ok := <-s.lines:
			if !ok {
				fmt.Fprintf(s.out, "\nQuit\n")
				return ExitUser
			}
			if strings.TrimSpace(line) == "exit" {
				return ExitUser
			}
			s.execute(line)
			// User activity counts as traffic
			s.monitor.Touch()
			s.prompt()
		case <-ticker.C:
		}

		s.client.Poll()
		s.monitor.Tick()
	}
}

func (s *Shell) execute(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	s.appendHistory(line)

	err := s.commands.Execute(line)
	if err == errNotFound {
		// Unknown commands are forwarded to the remote console verbatim
		err = s.console.SendCommand(line)
	}
	if err != nil {
		errorColor.Fprintf(s.out, "error: %v\n", err)
	}
}

func (s *Shell) readInput() {
	scanner := bufio.NewScanner(s.in)
	for scanner.Scan() {
		s.lines <- scanner.Text()
	}
	close(s.lines)
}

func (s *Shell) loadHistory() {
	data, err := os.ReadFile(HistoryFile)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" {
			s.history = append(s.history, line)
		}
	}
}

func (s *Shell) appendHistory(line string) {
	if len(s.history) > 0 && s.history[len(s.history)-1] == line {
		return
	}
	s.history = append(s.history, line)
	file, err := os.OpenFile(HistoryFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer file.Close()
	fmt.Fprintln(file, line)
}

// History returns the command history, for the line editor collaborator.
func (s *Shell) History() []string { return s.history }
