package cmd

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-netbridge/envconfig"
	"github.com/tsawler/go-netbridge/server"
)

// RunServer serves bridge commands over HTTP until interrupted
func RunServer(cmd *cobra.Command, _ []string) error {
	session, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer session.Close()

	host := envconfig.Host()
	if cmd.Flags().Changed("host") {
		host, _ = cmd.Flags().GetString("host")
	}
	ln, err := net.Listen("tcp", host)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(withContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("server config", "env", envconfig.AsMap())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx, ln, session)
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down", "session", session.ID())
		return nil
	})
	return g.Wait()
}

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Serve bridge commands over HTTP",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
	serveCmd.Flags().String("host", "", "Listen address (default from NETBRIDGE_HOST)")
	addSessionFlags(serveCmd)
	return serveCmd
}

func withContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
