package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/chronologos/rtach-client/internal/client"
	"github.com/chronologos/rtach-client/internal/env"
	"github.com/chronologos/rtach-client/internal/metrics"
	"github.com/chronologos/rtach-client/internal/transport"
	"github.com/chronologos/rtach-client/internal/version"
)

func main() {
	conf, err := env.LoadConfig(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCmd(conf).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the CLI. Environment values in conf are the flag
// defaults, so flags override RTACH_* variables.
func newRootCmd(conf *env.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "rtach-client",
		Short:         "Attach a terminal to an rtach session",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&conf.Mode, "mode", conf.Mode, "transport: ssh, local, quic or tcp")
	flags.IntVarP(&conf.Port, "port", "p", conf.Port, "port (0 uses the transport default)")
	flags.StringVarP(&conf.User, "user", "l", conf.User, "remote user")
	flags.StringVarP(&conf.Identity, "identity", "i", conf.Identity, "SSH private key file")
	flags.StringVar(&conf.KnownHosts, "known-hosts", conf.KnownHosts, "known_hosts file")
	flags.BoolVar(&conf.Insecure, "insecure-ignore-host-key", conf.Insecure, "skip SSH host key verification")
	flags.StringVar(&conf.Command, "command", conf.Command, "companion command line")
	flags.StringVarP(&conf.SessionID, "session", "s", conf.SessionID, "rtach session id, a UUID (default: new UUID)")
	flags.StringVarP(&conf.Passkey, "passkey", "k", conf.Passkey, "hex relay passkey (quic and tcp)")
	flags.StringVar(&conf.Fingerprint, "relay-fingerprint", conf.Fingerprint, "hex SHA-256 of the relay certificate to pin")
	flags.BoolVar(&conf.NoHandshake, "no-handshake", conf.NoHandshake, "never upgrade to framed mode")
	flags.DurationVar(&conf.HandshakeTimeout, "handshake-timeout", conf.HandshakeTimeout, "wait this long for the companion")
	flags.Uint32Var(&conf.PageSize, "page-size", conf.PageSize, "scrollback page size in bytes")
	flags.StringVar(&conf.LogLevel, "log-level", conf.LogLevel, "debug, info, warn or error")
	flags.StringVar(&conf.LogFormat, "log-format", conf.LogFormat, "json or console")
	flags.StringVar(&conf.LogFile, "log-file", conf.LogFile, "log to this file instead of stderr")
	flags.StringVar(&conf.MetricsAddr, "metrics-addr", conf.MetricsAddr, "serve /metrics and /healthz on this address")

	connect := &cobra.Command{
		Use:   "connect [user@]host",
		Short: "Connect and relay the terminal (default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), conf, args, func(ctx context.Context, c *client.Client) error {
				return c.Run(ctx)
			})
		},
	}

	var out string
	dump := &cobra.Command{
		Use:   "dump-scrollback [user@]host",
		Short: "Fetch the session's whole scrollback",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), conf, args, func(ctx context.Context, c *client.Client) (err error) {
				var w io.Writer = cmd.OutOrStdout()
				if out != "" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer func() { err = multierr.Append(err, f.Close()) }()
					w = f
				}
				return c.DumpScrollback(ctx, w)
			})
		},
	}
	dump.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}

	root.AddCommand(connect, dump, versionCmd)
	root.Args = cobra.MaximumNArgs(1)
	root.RunE = connect.RunE
	return root
}

func run(parent context.Context, conf *env.Config, args []string, fn func(context.Context, *client.Client) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	log, err := env.MakeLogger(conf.LogLevel, conf.LogFormat, conf.LogFile)
	if err != nil {
		return err
	}
	defer log.Sync()

	tc, sessionID, err := prepare(conf, args)
	if err != nil {
		return err
	}

	collector := metrics.New()
	if conf.MetricsAddr != "" {
		go func() {
			if err := collector.Serve(ctx, conf.MetricsAddr, log); err != nil {
				log.Error("metrics server", zap.Error(err))
			}
		}()
	}

	fmt.Fprintf(os.Stderr, "session %s via %s\n", sessionID, tc.Mode)

	c := client.New(client.Config{
		Transport:        tc,
		NoHandshake:      conf.NoHandshake,
		HandshakeTimeout: conf.HandshakeTimeout,
		PageSize:         conf.PageSize,
		Logger:           log,
		Metrics:          collector,
	})

	start := time.Now()
	err = fn(ctx, c)
	log.Info("client exited", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	return err
}

// prepare resolves the destination argument and fills in the session id and
// companion command when they were not given.
func prepare(conf *env.Config, args []string) (transport.Config, string, error) {
	if len(args) > 0 {
		user, host := splitDestination(args[0])
		if user != "" {
			conf.User = user
		}
		conf.Host = host
	}

	if conf.SessionID == "" {
		conf.SessionID = uuid.NewString()
	} else {
		// The id ends up in a remote shell command line.
		id, err := uuid.Parse(conf.SessionID)
		if err != nil {
			return transport.Config{}, "", fmt.Errorf("invalid session id %q: %w", conf.SessionID, err)
		}
		conf.SessionID = id.String()
	}

	tc, err := conf.Transport()
	if err != nil {
		return transport.Config{}, "", err
	}

	switch tc.Mode {
	case transport.ModeSSH, transport.ModeQUIC, transport.ModeTCP:
		if tc.Host == "" {
			return transport.Config{}, "", fmt.Errorf("%s mode needs a host", tc.Mode)
		}
	}

	if tc.Command == "" {
		remote := transport.DefaultCommand(conf.SessionID)
		switch tc.Mode {
		case transport.ModeSSH:
			tc.Command = remote
		case transport.ModeLocal:
			if tc.Host == "" {
				tc.Command = remote
			} else {
				tc.Command = fmt.Sprintf("ssh -t %s '%s'", destination(tc.User, tc.Host), remote)
			}
		}
	}
	return tc, conf.SessionID, nil
}

func splitDestination(dest string) (user, host string) {
	if i := strings.LastIndex(dest, "@"); i >= 0 {
		return dest[:i], dest[i+1:]
	}
	return "", dest
}

func destination(user, host string) string {
	if user == "" {
		return host
	}
	return user + "@" + host
}
