package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ttpacket/pkg/config"
	"ttpacket/pkg/observability"
)

var version = "0.1.0"

// app is the state shared by subcommands after PersistentPreRunE.
type app struct {
	cfgFile  string
	logLevel string

	cfg *config.Config
	log *observability.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "ttpacket-node",
		Short:         "Typed packet transport node",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.log == nil {
				return nil
			}
			return a.log.Close()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")

	root.AddCommand(newServerCmd(a), newClientCmd(a), newLoopbackCmd(a), newVersionCmd())
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	l, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return errors.Wrap(err, "setup logger")
	}
	a.cfg, a.log = cfg, l
	l.Info("ttpacket-node starting", zap.String("app", cfg.AppName), zap.String("version", version))
	l.Debug("effective configuration", zap.Any("config", cfg))
	return nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Accept clients and echo every ping back as a pong",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cfg.Node.Role = config.RoleServer
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			tr, err := newTransport(a.cfg)
			if err != nil {
				return err
			}
			n, err := newNode(a.cfg, tr, a.log.Logger)
			if err != nil {
				return err
			}
			defer n.close()
			return n.serve(ctx)
		},
	}
}

func newClientCmd(a *app) *cobra.Command {
	var (
		count    int
		interval time.Duration
		text     string
	)
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to a server and measure ping round trips",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cfg.Node.Role = config.RoleClient
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			tr, err := newTransport(a.cfg)
			if err != nil {
				return err
			}
			n, err := newNode(a.cfg, tr, a.log.Logger)
			if err != nil {
				return err
			}
			defer n.close()
			stats, err := n.ping(ctx, count, interval, text)
			if err != nil {
				return err
			}
			stats.print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of pings, 0 for unlimited")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "delay between pings")
	cmd.Flags().StringVar(&text, "text", "hello", "payload text")
	return cmd
}

func newLoopbackCmd(a *app) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Run a server and one client in this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			stats, err := loopback(ctx, a.cfg, a.log.Logger, count)
			if err != nil {
				return err
			}
			stats.print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 3, "number of pings")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ttpacket-node version %s\n", version)
		},
	}
}
