package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/eventclient"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var (
		commandIDs []string
		sessionIDs []string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream fleet events, resyncing the node list on every reconnect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := currentProfile()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			w := eventclient.New(eventclient.Config{
				ServerURL: p.Server,
				Token:     p.Token,
				Commands:  commandIDs,
				Sessions:  sessionIDs,
			},
				eventclient.WithEventHandler(printEvent),
				eventclient.WithReconcileHandler(printSnapshot),
			)

			err = w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&commandIDs, "command", nil, "Also stream output of these commands")
	cmd.Flags().StringSliceVar(&sessionIDs, "session", nil, "Also stream output of these sessions")
	return cmd
}

func printSnapshot(nodes []dto.NodeResponse) {
	if flagJSON {
		_ = printJSON(nodes)
		return
	}
	color.New(color.FgCyan, color.Bold).Printf("== %s resynced %d node(s)\n", time.Now().Format("15:04:05"), len(nodes))
	for _, n := range nodes {
		fmt.Printf("   %-36s %-24s %s\n", n.ID, n.Hostname, colorStatus(n.Status))
	}
}

func printEvent(e events.Event) {
	if flagJSON {
		_ = printJSON(e)
		return
	}

	dim := color.New(color.Faint)
	prefix := dim.Sprintf("%s %-20s", e.Time.Local().Format("15:04:05"), e.Type)

	switch e.Type {
	case events.NodeStatusChanged:
		var d events.StatusChange
		_ = e.Decode(&d)
		fmt.Printf("%s %s %s -> %s\n", prefix, e.NodeID, colorStatus(d.From), colorStatus(d.To))
	case events.NodeBackoff:
		var d events.BackoffStatus
		_ = e.Decode(&d)
		fmt.Printf("%s %s failures=%d next_retry=%s\n", prefix, e.NodeID, d.ConsecutiveFailures, d.NextRetryAt.Local().Format("15:04:05"))
	case events.CommandUpdated:
		var d events.CommandStatus
		_ = e.Decode(&d)
		fmt.Printf("%s %s %s %s\n", prefix, e.CommandID, colorStatus(d.Status), d.FailureReason)
	case events.CommandOutput, events.SessionOutput:
		var d events.Output
		_ = e.Decode(&d)
		id := e.CommandID
		if id == "" {
			id = e.SessionID
		}
		fmt.Printf("%s %s %q\n", prefix, id, d.Chunk)
	case events.SessionOpened, events.SessionClosed, events.SessionExpired:
		var d events.SessionInfo
		_ = e.Decode(&d)
		fmt.Printf("%s %s %s on %s\n", prefix, d.Kind, e.SessionID, e.NodeID)
	case events.Hello:
		dim.Printf("%s connected\n", prefix)
	default:
		fmt.Printf("%s %s\n", prefix, e.NodeID)
	}
}
