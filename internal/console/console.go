// Package console implements the operator console of syncd.
//
// The console reads one command per line, for example:
//
//	> connections
//	> table
//	> terminate 3
//	> help terminate
//	> terminate --help
//
// Lines are tokenized with double-quote grouping and backslash escapes.
// It only reads snapshots from the server and can queue a terminate
// directive; it has no other way to change server state.
package console

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"

	"github.com/dreamware/tablesync/internal/hub"
	"github.com/dreamware/tablesync/internal/value"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Prompt is printed before each line is read.
const Prompt = "> "

var (
	// ErrExit is returned by Execute for the exit command.
	ErrExit = errors.New("exit requested")
	// ErrUnknownCommand is returned for a name no command answers to.
	ErrUnknownCommand = errors.New("unknown command, type 'help' for a list of commands")
	// ErrDuplicateCommand is returned when a name or alias is registered twice.
	ErrDuplicateCommand = errors.New("command name already registered")
	// ErrUsage is returned when a command is given bad arguments.
	ErrUsage = errors.New("usage")
)

// Backend is the server state the console reads. *server.Server implements it.
type Backend interface {
	Addr() net.Addr
	Connections() []hub.Info
	Table() map[string]value.Value
	Terminate(id uint64) error
}

// Command is one console command.
type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	Run         func(c *Console, p Parsed) error
}

// Console dispatches command lines to registered commands.
type Console struct {
	backend  Backend
	render   *Renderer
	commands map[string]*Command
	lookup   map[string]*Command
}

// New creates a console with the built-in commands registered.
func New(backend Backend, render *Renderer) *Console {
	c := &Console{
		backend:  backend,
		render:   render,
		commands: make(map[string]*Command),
		lookup:   make(map[string]*Command),
	}
	for _, cmd := range builtins() {
		if err := c.Register(cmd); err != nil {
			panic(err)
		}
	}
	return c
}

// Register adds cmd under its name and aliases.
func (c *Console) Register(cmd Command) error {
	names := append([]string{cmd.Name}, cmd.Aliases...)
	for _, n := range names {
		if _, exists := c.lookup[n]; exists {
			return errors.Wrapf(ErrDuplicateCommand, "%q", n)
		}
	}
	stored := cmd
	c.commands[cmd.Name] = &stored
	for _, n := range names {
		c.lookup[n] = &stored
	}
	return nil
}

// Lookup finds a command by name or alias.
func (c *Console) Lookup(name string) (*Command, bool) {
	cmd, ok := c.lookup[name]
	return cmd, ok
}

// Commands returns the registered commands sorted by name.
func (c *Console) Commands() []*Command {
	cmds := make([]*Command, 0, len(c.commands))
	for _, cmd := range c.commands {
		cmds = append(cmds, cmd)
	}
	slices.SortFunc(cmds, func(a, b *Command) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return cmds
}

// Renderer returns the output renderer.
func (c *Console) Renderer() *Renderer { return c.render }

// Backend returns the server the console reads.
func (c *Console) Backend() Backend { return c.backend }

// Execute runs one command line. Blank lines do nothing.
func (c *Console) Execute(line string) error {
	p, err := Parse(line)
	if err != nil {
		return errors.Wrap(err, "parse command failed")
	}
	if p.Name == "" {
		return nil
	}
	cmd, ok := c.lookup[p.Name]
	if !ok {
		return errors.Wrapf(ErrUnknownCommand, "%q", p.Name)
	}
	if p.HasFlag("help") {
		c.printUsage(cmd)
		return nil
	}
	return cmd.Run(c, p)
}

// Run reads lines from in until exit or ctx ends, returning nil, or until
// in is exhausted, returning io.EOF. Command errors are printed and do not
// stop the loop.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		readErr <- err
	}()

	for {
		c.render.Printf(Prompt)
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := c.Execute(line); err != nil {
				if errors.Is(err, ErrExit) {
					return nil
				}
				c.render.Error(err)
			}
		}
	}
}

func (c *Console) printUsage(cmd *Command) {
	c.render.Printf("%s - %s\n", cmd.Usage, cmd.Description)
}

func builtins() []Command {
	return []Command{
		{
			Name:        "help",
			Usage:       "help [command]",
			Description: "Display help information",
			Run:         runHelp,
		},
		{
			Name:        "connections",
			Aliases:     []string{"conn", "c"},
			Usage:       "connections",
			Description: "Display the connections",
			Run: func(c *Console, _ Parsed) error {
				c.render.Connections(c.backend.Connections())
				return nil
			},
		},
		{
			Name:        "table",
			Aliases:     []string{"t"},
			Usage:       "table",
			Description: "Display the shared table",
			Run: func(c *Console, _ Parsed) error {
				c.render.Heading("TABLE")
				c.render.Table(c.backend.Table())
				c.render.Rule()
				return nil
			},
		},
		{
			Name:        "display",
			Usage:       "display",
			Description: "Display the server information",
			Run:         runDisplay,
		},
		{
			Name:        "terminate",
			Usage:       "terminate <id>",
			Description: "Terminate a connection",
			Run:         runTerminate,
		},
		{
			Name:        "clear",
			Usage:       "clear",
			Description: "Clear the console",
			Run: func(c *Console, _ Parsed) error {
				c.render.Clear()
				return nil
			},
		},
		{
			Name:        "exit",
			Aliases:     []string{"quit", "q"},
			Usage:       "exit",
			Description: "Stop the server and exit",
			Run: func(*Console, Parsed) error {
				return ErrExit
			},
		},
	}
}

func runHelp(c *Console, p Parsed) error {
	if len(p.Args) > 0 {
		cmd, ok := c.lookup[p.Args[0]]
		if !ok {
			return errors.Wrapf(ErrUnknownCommand, "%q", p.Args[0])
		}
		c.printUsage(cmd)
		return nil
	}

	c.render.Println("Call --help on a command to get specific help.")
	c.render.Println("Commands available:")
	for _, cmd := range c.Commands() {
		names := cmd.Name
		for _, a := range cmd.Aliases {
			names += ", " + a
		}
		pad := 40 - len(names)
		if pad < 3 {
			pad = 3
		}
		c.render.Printf("%s%*s%s\n", names, pad, "", cmd.Description)
	}
	return nil
}

func runDisplay(c *Console, _ Parsed) error {
	c.render.Heading("INFO")
	if addr := c.backend.Addr(); addr != nil {
		c.render.Printf("Address: %s\n", addr)
	}
	c.render.Connections(c.backend.Connections())
	c.render.Heading("TABLE")
	c.render.Table(c.backend.Table())
	c.render.Rule()
	return nil
}

func runTerminate(c *Console, p Parsed) error {
	if len(p.Args) == 0 {
		return errors.Wrap(ErrUsage, "terminate <id>")
	}
	id, err := strconv.ParseUint(p.Args[0], 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid id %q", p.Args[0])
	}
	if err := c.backend.Terminate(id); err != nil {
		return err
	}
	c.render.Printf("Terminating connection %d\n", id)
	return nil
}
