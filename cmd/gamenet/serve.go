package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kbirk/gamenet/pkg/rpc"
	"github.com/kbirk/gamenet/pkg/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a server with the demo protocols",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := cfg.ServerConfig(serverRegistry(logger), logger)
		if err != nil {
			return err
		}
		server := rpc.NewServer(conf)
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		if err := server.RunAsync(); err != nil {
			return err
		}

		for _, a := range server.Table().Assignments() {
			p, _ := server.Table().Protocol(a.Name)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s (%s)\n", cyan("[protocol]"), white(a.Name), yellow(a.ID), p.Kind)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s listening on %v\n", green("READY:"), server.Addr())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		done := make(chan error, 1)
		go func() {
			done <- server.Wait()
		}()

		select {
		case <-ctx.Done():
		case err := <-done:
			return err
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), 2*session.DefaultShutdownTimeout)
		defer cancel()
		return server.Stop(stopCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
