package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var protocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "Connect, negotiate and print the protocol table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		client, err := dial(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		conn, err := client.Connection()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", cyan("[server]"), white(conn.RemoteAddr()))
		for _, a := range conn.Table().Assignments() {
			p, _ := conn.Table().Protocol(a.Name)
			fmt.Fprintf(out, "    %s %s = %s (%s)\n", green("[protocol]"), white(a.Name), yellow(a.ID), p.Kind)
		}
		for _, name := range client.Registry().Names() {
			if _, ok := conn.Table().ID(name); !ok {
				fmt.Fprintf(out, "    %s %s\n", red("[missing]"), white(name))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(protocolsCmd)
}
