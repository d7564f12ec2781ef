package main

import (
	"fmt"
	"io"
	"time"

	"github.com/openmined/qbsync/internal/control"
	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow status changes and conflicts until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case ev, ok := <-c.Events():
					if !ok {
						return fmt.Errorf("qbd went away")
					}
					printEvent(cmd.OutOrStdout(), time.Now(), ev)
				}
			}
		},
	}
}

func printEvent(w io.Writer, at time.Time, ev control.Event) {
	ts := gray.Render(at.Format(time.TimeOnly))
	switch {
	case ev.Type == control.EventStatus && ev.Status != nil:
		s := ev.Status
		line := fmt.Sprintf("%s %s %s %s %s", ts, cyan.Render("status"), s.ID, s.Name, stateStyle(s.State).Render(string(s.State)))
		if s.Error != "" {
			line += " " + red.Render(s.Error)
		}
		fmt.Fprintln(w, line)
	case ev.Type == control.EventConflict && ev.Conflict != nil:
		c := ev.Conflict
		fmt.Fprintf(w, "%s %s %s head=%s incoming=%s %s=%s\n",
			ts, red.Render("conflict"), c.Path, c.Head, c.Incoming, c.Policy, c.Resolution)
	default:
		fmt.Fprintf(w, "%s %s\n", ts, ev.Type)
	}
}
