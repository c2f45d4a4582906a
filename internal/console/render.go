package console

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dreamware/tablesync/internal/hub"
	"github.com/dreamware/tablesync/internal/value"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"golang.org/x/exp/slices"
)

// clearScreen erases the terminal and homes the cursor.
const clearScreen = "\x1b[2J\x1b[1;1H"

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Renderer writes console output, colored when enabled.
type Renderer struct {
	out     io.Writer
	heading *color.Color
	key     *color.Color
	dim     *color.Color
	ok      *color.Color
	fail    *color.Color
}

// NewRenderer writes to out. Colors are used only when colorize is set.
func NewRenderer(out io.Writer, colorize bool) *Renderer {
	r := &Renderer{
		out:     out,
		heading: color.New(color.FgCyan, color.Bold),
		key:     color.New(color.FgYellow),
		dim:     color.New(color.Faint),
		ok:      color.New(color.FgGreen),
		fail:    color.New(color.FgRed),
	}
	for _, c := range []*color.Color{r.heading, r.key, r.dim, r.ok, r.fail} {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

// Printf writes plain text.
func (r *Renderer) Printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// Println writes a plain line.
func (r *Renderer) Println(args ...any) {
	fmt.Fprintln(r.out, args...)
}

// Error writes err as a failure line.
func (r *Renderer) Error(err error) {
	r.fail.Fprintf(r.out, "Error: %v\n", err)
}

// Clear erases the screen.
func (r *Renderer) Clear() {
	io.WriteString(r.out, clearScreen)
}

// Heading writes a section title.
func (r *Renderer) Heading(title string) {
	r.heading.Fprintf(r.out, "----- %s -----\n", title)
}

// Rule writes a closing separator.
func (r *Renderer) Rule() {
	r.dim.Fprintln(r.out, "-----------------")
}

// Connections lists conns, one per line.
func (r *Renderer) Connections(conns []hub.Info) {
	if len(conns) == 0 {
		r.Println("No connections")
		return
	}
	r.Printf("Connections: (%d)\n", len(conns))
	for _, c := range conns {
		r.Printf("%4d  ", c.ID)
		if c.Authenticated {
			r.ok.Fprint(r.out, c.Name)
		} else {
			r.dim.Fprint(r.out, "(handshake pending)")
		}
		if c.Remote != "" {
			r.dim.Fprintf(r.out, "  %s", c.Remote)
		}
		r.Println()
	}
}

// Table lists the table entries sorted by key.
func (r *Renderer) Table(table map[string]value.Value) {
	if len(table) == 0 {
		r.dim.Fprintln(r.out, "(empty)")
		return
	}
	keys := make([]string, 0, len(table))
	width := 0
	for k := range table {
		keys = append(keys, k)
		if len(k) > width {
			width = len(k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		r.key.Fprint(r.out, k)
		r.Printf("%s  %s\n", strings.Repeat(" ", width-len(k)), table[k].String())
	}
}
