// Package shell implements the interactive tester surface: a command
// registry over the UDS client, the cooperative input/poll/heartbeat loop,
// the remote console integration and the file transfer commands.
package shell

import (
	"fmt"
	"io"
	"strings"
)

// CommandHandler executes one local command. argv[0] is the command name.
type CommandHandler func(argv []string) error

// errNotFound distinguishes "unknown command" (forwarded to the remote
// console) from a failing handler.
var errNotFound = fmt.Errorf("command not found")

type command struct {
	name    string
	handler CommandHandler
	help    string
	hint    string
}

// CommandRegistry maps CLI keywords to local handlers. This is distinct from
// the client response registry, which maps response SIDs to protocol
// handlers.
type CommandRegistry struct {
	commands []command
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{}
}

// Register adds a command. Duplicates are rejected.
func (r *CommandRegistry) Register(name string, handler CommandHandler, help string, hint string) bool {
	if name == "" || handler == nil {
		return false
	}
	for _, cmd := range r.commands {
		if cmd.name == name {
			return false
		}
	}
	r.commands = append(r.commands, command{name: name, handler: handler, help: help, hint: hint})
	return true
}

// Execute tokenizes the line and runs the matching handler. It returns
// errNotFound when no local command matches.
func (r *CommandRegistry) Execute(line string) error {
	argv := strings.Fields(line)
	if len(argv) == 0 {
		return errNotFound
	}
	for _, cmd := range r.commands {
		if cmd.name == argv[0] {
			return cmd.handler(argv)
		}
	}
	return errNotFound
}

// Names returns the registered command names, for completion.
func (r *CommandRegistry) Names() []string {
	names := make([]string, 0, len(r.commands))
	for _, cmd := range r.commands {
		names = append(names, cmd.name)
	}
	return names
}

// Hint returns the parameter hint for a command.
func (r *CommandRegistry) Hint(name string) string {
	for _, cmd := range r.commands {
		if cmd.name == name {
			return cmd.hint
		}
	}
	return ""
}

// PrintHelp writes the command table.
func (r *CommandRegistry) PrintHelp(w io.Writer) {
	fmt.Fprintf(w, "\n[Local Commands]\n")
	for _, cmd := range r.commands {
		fmt.Fprintf(w, "  %-10s %-25s - %s\n", cmd.name, cmd.hint, cmd.help)
	}
	fmt.Fprintln(w)
}
