package main

import (
	"context"
	"fmt"

	"github.com/openmined/qbsync/internal/control"
	"github.com/spf13/cobra"
)

// newLifecycleCmd builds start, stop and remove, which differ only in the command sent
func newLifecycleCmd(command control.Command, short, done string) *cobra.Command {
	return &cobra.Command{
		Use:   string(command) + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := taskContext(cmd)
			defer cancel()
			if err := lifecycle(ctx, c, command, args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), green.Render(done), args[0])
			return err
		},
	}
}

func lifecycle(ctx context.Context, c *control.Client, command control.Command, id string) error {
	switch command {
	case control.CmdStart:
		return c.Start(ctx, id)
	case control.CmdStop:
		return c.Stop(ctx, id)
	case control.CmdRemove:
		return c.Remove(ctx, id)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
