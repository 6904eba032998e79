package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Deactivate expired memories once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.memory.SweepExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d memories\n", n)
			return nil
		},
	}
}
