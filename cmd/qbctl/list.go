package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/goccy/go-json"
	"github.com/openmined/qbsync/internal/control"
	"github.com/openmined/qbsync/internal/iface"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List interfaces",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := taskContext(cmd)
			defer cancel()
			list, err := c.List(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				data, err := json.MarshalIndent(list, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			return renderList(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the list as JSON")
	return cmd
}

func renderList(w io.Writer, list []control.Summary) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, gray.Render("no interfaces"))
		return err
	}

	rows := make([][]string, 0, len(list))
	for _, s := range list {
		autostart := ""
		if s.Autostart {
			autostart = "yes"
		}
		rows = append(rows, []string{s.ID, s.Name, s.Kind, string(s.State), s.Device.String(), autostart, s.Error})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(gray).
		Headers("ID", "NAME", "KIND", "STATE", "DEVICE", "AUTOSTART", "ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return style.Inherit(bold)
			}
			if col == 3 {
				return style.Inherit(stateStyle(iface.State(rows[row][col])))
			}
			return style
		})

	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func stateStyle(s iface.State) lipgloss.Style {
	switch s {
	case iface.StateRunning:
		return green
	case iface.StateStarting, iface.StateStopping:
		return yellow
	default:
		return gray
	}
}
