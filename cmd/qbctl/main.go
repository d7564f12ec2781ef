package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/openmined/qbsync/internal/control"
	"github.com/openmined/qbsync/internal/daemon"
	"github.com/openmined/qbsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const dialTimeout = 5 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "qbctl",
		Short:        "Manage the interfaces of a running qbd",
		Version:      version.Detailed(),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("socket", "s", filepath.Join(daemon.DefaultDataDir, "qbd.sock"), "qbd control socket")
	root.PersistentFlags().StringP("token", "t", "", "control token")
	root.PersistentFlags().Duration("timeout", 30*time.Second, "how long a command may take")

	root.AddCommand(
		newListCmd(),
		newAddCmd(),
		newLifecycleCmd(control.CmdStart, "Start an interface", "started"),
		newLifecycleCmd(control.CmdStop, "Stop an interface", "stopped"),
		newLifecycleCmd(control.CmdRemove, "Remove a stopped interface", "removed"),
		newEventsCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// connect dials qbd with flags overridden by QBSYNC_SOCKET / QBSYNC_TOKEN
func connect(cmd *cobra.Command) (*control.Client, error) {
	v := viper.New()
	v.BindPFlag("socket", cmd.Flags().Lookup("socket"))
	v.BindPFlag("token", cmd.Flags().Lookup("token"))
	v.SetEnvPrefix("QBSYNC")
	v.AutomaticEnv()

	ctx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
	defer cancel()

	socket := v.GetString("socket")
	c, err := control.Dial(ctx, socket, control.WithClientToken(v.GetString("token")))
	if err != nil {
		return nil, fmt.Errorf("is qbd running? %w", err)
	}
	return c, nil
}

// taskContext bounds a single command by --timeout
func taskContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return context.WithTimeout(cmd.Context(), timeout)
}
