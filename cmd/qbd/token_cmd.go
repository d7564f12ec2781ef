package main

import (
	"fmt"

	"github.com/openmined/qbsync/internal/utils"
	"github.com/spf13/cobra"
)

const tokenLength = 32

func init() {
	rootCmd.AddCommand(newTokenCmd())
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Generate a random control token for --token / QBSYNC_TOKEN",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := utils.RandBase34(tokenLength)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
}
