// Command syncd runs the tablesync server: the stream listener, the
// optional admin HTTP API and the operator console.
package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/tablesync/internal/admin"
	"github.com/dreamware/tablesync/internal/announce"
	"github.com/dreamware/tablesync/internal/config"
	"github.com/dreamware/tablesync/internal/console"
	"github.com/dreamware/tablesync/internal/log"
	"github.com/dreamware/tablesync/internal/server"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var logger logrus.FieldLogger = logrus.StandardLogger()

// options holds the command-line flags. Only flags the user actually set
// override the file and environment.
type options struct {
	configPath       string
	host             string
	port             uint16
	adminAddr        string
	logLevel         string
	echo             bool
	console          bool
	announce         bool
	handshakeTimeout time.Duration
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "syncd",
		Short:         "Runs the shared table sync server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			log.SetLogger(cfg.LogLevel)
			return run(cmd.Context(), cfg, opts.announce, stdin, stdout)
		},
	}

	opts.bind(cmd)
	return cmd
}

// bind registers the flags on cmd with their built-in defaults.
func (o *options) bind(cmd *cobra.Command) {
	def := config.Default()
	flags := cmd.Flags()
	flags.StringVar(&o.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&o.host, "host", def.Host, "listen host")
	flags.Uint16Var(&o.port, "port", def.Port, "listen port")
	flags.StringVar(&o.adminAddr, "admin-addr", def.AdminAddr, "admin HTTP listen address, empty disables it")
	flags.StringVar(&o.logLevel, "log-level", def.LogLevel, "log level: trace, debug, info, warn or error")
	flags.BoolVar(&o.echo, "echo", def.Echo, "send updates back to their sender too")
	flags.BoolVar(&o.console, "console", def.Console, "run the operator console on stdin")
	flags.BoolVar(&o.announce, "announce", false, "advertise the server over mDNS")
	flags.DurationVar(&o.handshakeTimeout, "handshake-timeout", def.HandshakeTimeout, "drop connections that do not handshake in time, 0 disables")
}

// config loads defaults, the config file and the environment, then applies
// the flags that were set, and validates the result.
func (o *options) config(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, errors.Wrap(err, "load config failed")
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = o.host
	}
	if flags.Changed("port") {
		cfg.Port = o.port
	}
	if flags.Changed("admin-addr") {
		cfg.AdminAddr = o.adminAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("echo") {
		cfg.Echo = o.echo
	}
	if flags.Changed("console") {
		cfg.Console = o.console
	}
	if flags.Changed("handshake-timeout") {
		cfg.HandshakeTimeout = o.handshakeTimeout
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// run serves until ctx ends or the console exits.
func run(ctx context.Context, cfg config.Config, advertise bool, stdin io.Reader, stdout io.Writer) error {
	srv := server.New(cfg)
	if err := srv.Start(); err != nil {
		return errors.Wrap(err, "start server failed")
	}
	logger.WithField("addr", srv.Addr().String()).Info("syncd listening")

	var httpSrv *http.Server
	if cfg.AdminAddr != "" {
		l, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			shutdown(srv, nil)
			return errors.Wrapf(err, "bind admin %s failed", cfg.AdminAddr)
		}
		httpSrv = admin.NewHTTPServer(cfg.AdminAddr, admin.New(srv, admin.WithAllowedOrigins(cfg.AllowedOrigins...)))
		go func() {
			logger.WithField("addr", l.Addr().String()).Info("admin API listening")
			if err := httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("admin API stopped")
			}
		}()
	}

	if advertise {
		port := srv.Addr().(*net.TCPAddr).Port
		a, err := announce.Start("", port, announce.TXT(cfg.AdminAddr))
		if err != nil {
			logger.WithError(err).Warn("mDNS announcement disabled")
		} else {
			defer a.Shutdown()
		}
	}

	consoleDone := make(chan error, 1)
	if cfg.Console {
		colorize := false
		if f, ok := stdout.(*os.File); ok {
			colorize = console.IsTerminal(f)
		}
		con := console.New(srv, console.NewRenderer(stdout, colorize))
		go func() { consoleDone <- con.Run(ctx, stdin) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case err := <-consoleDone:
		if errors.Is(err, io.EOF) {
			logger.Info("console input closed, serving until signalled")
			<-ctx.Done()
		} else if err != nil {
			logger.WithError(err).Error("console failed")
		}
	}

	shutdown(srv, httpSrv)
	return nil
}

func shutdown(srv *server.Server, httpSrv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("admin API shutdown failed")
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("server shutdown failed")
	}
	logger.Info("syncd stopped")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		stop()
		logger.WithError(err).Fatal("syncd failed")
	}
}
