// Command syncctl is a command-line client for syncd.
//
//	syncctl watch --name alice
//	syncctl set --name bob title='"hello"' count=3
//	syncctl discover
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dreamware/tablesync/internal/announce"
	"github.com/dreamware/tablesync/internal/client"
	"github.com/dreamware/tablesync/internal/log"
	"github.com/dreamware/tablesync/internal/protocol"
	"github.com/dreamware/tablesync/internal/value"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// ErrBadAssignment is returned for a set argument that is not key=json.
var ErrBadAssignment = errors.New("expected key=json")

type globals struct {
	addr     string
	wsURL    string
	name     string
	retry    time.Duration
	logLevel string
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Talks to a tablesync server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			log.SetLogger(g.logLevel)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.addr, "addr", "127.0.0.1:8080", "server stream address")
	pf.StringVar(&g.wsURL, "ws", "", "connect over WebSocket to this URL instead, e.g. ws://127.0.0.1:9090/ws")
	pf.StringVar(&g.name, "name", "", "client name sent in the handshake")
	pf.DurationVar(&g.retry, "retry", 0, "keep retrying the connection for this long")
	pf.StringVar(&g.logLevel, "log-level", "warn", "log level")

	var count int
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Prints the table snapshot, then every update.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.session(cmd.Context(), out)
			if err != nil {
				return err
			}
			defer c.Close()
			return watchUpdates(cmd.Context(), c, out, count)
		},
	}
	watch.Flags().IntVar(&count, "count", 0, "stop after this many updates, 0 watches until interrupted")

	set := &cobra.Command{
		Use:   "set key=json...",
		Short: "Sends one update.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := parseAssignments(args)
			if err != nil {
				return err
			}
			c, err := g.session(cmd.Context(), io.Discard)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Update(delta); err != nil {
				return errors.Wrap(err, "send update failed")
			}
			fmt.Fprintf(out, "sent %d key(s)\n", len(delta))
			return nil
		},
	}

	var wait time.Duration
	discover := &cobra.Command{
		Use:   "discover",
		Short: "Lists servers announced on the local network.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			found, err := announce.Discover(cmd.Context(), wait)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Fprintln(out, "no servers found")
				return nil
			}
			for _, f := range found {
				fmt.Fprintf(out, "%s\t%s\t%s\n", f.Instance, f.Addr(), strings.Join(f.Text, " "))
			}
			return nil
		},
	}
	discover.Flags().DurationVar(&wait, "wait", 3*time.Second, "how long to browse")

	root.AddCommand(watch, set, discover)
	return root
}

// session connects and completes the handshake, printing the snapshot to out.
func (g *globals) session(ctx context.Context, out io.Writer) (*client.Client, error) {
	if g.name == "" {
		return nil, errors.New("--name is required")
	}
	dial := func(ctx context.Context) (*client.Client, error) {
		if g.wsURL != "" {
			return client.DialWebSocket(ctx, g.wsURL)
		}
		return client.Dial(ctx, g.addr)
	}

	var (
		c   *client.Client
		err error
	)
	if g.retry > 0 {
		c, err = client.DialRetry(ctx, g.retry, dial)
	} else {
		c, err = dial(ctx)
	}
	if err != nil {
		return nil, err
	}

	id, table, err := c.Handshake(g.name)
	if err != nil {
		c.Close()
		return nil, err
	}
	logger.WithFields(logrus.Fields{"id": id, "name": g.name}).Debug("handshake complete")
	if err := printTable(out, "snapshot", table); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// watchUpdates prints envelopes until the server hangs up, terminates the
// session, ctx ends, or count updates have been printed.
func watchUpdates(ctx context.Context, c *client.Client, out io.Writer, count int) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	seen := 0
	for count == 0 || seen < count {
		env, err := c.Receive()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "receive failed")
		}
		switch {
		case env.Terminate:
			fmt.Fprintln(out, "terminated by server")
			return nil
		case env.Status == protocol.StatusError:
			fmt.Fprintf(out, "error: %s\n", env.Message)
		case env.Type == protocol.TypeUpdate:
			if err := printTable(out, "update", env.Table); err != nil {
				return err
			}
			seen++
		}
	}
	return nil
}

func printTable(out io.Writer, label string, table map[string]value.Value) error {
	if table == nil {
		table = map[string]value.Value{}
	}
	data, err := json.Marshal(table)
	if err != nil {
		return errors.Wrap(err, "encode table failed")
	}
	_, err = fmt.Fprintf(out, "%s: %s\n", label, data)
	return err
}

// parseAssignments turns key=json arguments into a delta. Later
// assignments to the same key win.
func parseAssignments(args []string) (map[string]value.Value, error) {
	delta := make(map[string]value.Value, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, errors.Wrapf(ErrBadAssignment, "%q", arg)
		}
		v, err := value.FromJSON([]byte(raw))
		if err != nil {
			return nil, errors.Wrapf(err, "parse value for %q failed", key)
		}
		delta[key] = v
	}
	return delta, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
