package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agent"
	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/eventclient"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newCommandsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "commands",
		Aliases: []string{"cmd"},
		Short:   "Queue and inspect node commands",
	}

	var (
		timeout int
		follow  bool
	)
	exec := &cobra.Command{
		Use:   "exec <node-id> -- <command line>",
		Short: "Run a shell command on a node",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := agent.ExecPayload{Command: strings.Join(args[1:], " "), Timeout: timeout}
			return enqueue(cmd.Context(), args[0], agent.CommandExec, payload, follow)
		},
	}
	exec.Flags().IntVar(&timeout, "timeout", 0, "Timeout in seconds (agent default when zero)")
	exec.Flags().BoolVarP(&follow, "follow", "f", false, "Stream output until the command finishes")

	var serviceFollow bool
	service := &cobra.Command{
		Use:   "service <node-id> <name> [start|stop|restart|reload|status]",
		Short: "Control a system service on a node",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := agent.ServicePayload{Name: args[1]}
			if len(args) == 3 {
				payload.Action = args[2]
			}
			return enqueue(cmd.Context(), args[0], agent.CommandService, payload, serviceFollow)
		},
	}
	service.Flags().BoolVarP(&serviceFollow, "follow", "f", false, "Stream output until the command finishes")

	var limit int
	list := &cobra.Command{
		Use:   "list <node-id>",
		Short: "List a node's recent commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var resp dto.ListCommandsResponse
			path := "/api/v1/nodes/" + args[0] + "/commands?limit=" + strconv.Itoa(limit)
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tATTEMPTS\tCREATED\tREASON")
			for _, cmd := range resp.Commands {
				created := cmd.CreatedAt
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", cmd.ID, cmd.Type, colorStatus(cmd.Status), cmd.DispatchAttempts, since(&created), orDash(cmd.FailureReason))
			}
			return w.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of commands")

	get := &cobra.Command{
		Use:   "get <command-id>",
		Short: "Show a command and its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var resp dto.CommandResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/commands/"+args[0], nil, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			printCommand(resp)
			return nil
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <command-id>",
		Short: "Cancel a queued or running command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var resp dto.CommandResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/commands/"+args[0]+"/cancel", nil, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			fmt.Printf("Command %s: %s\n", resp.ID, colorStatus(resp.Status))
			return nil
		},
	}

	cmd.AddCommand(exec, service, list, get, cancel)
	return cmd
}

func printCommand(cmd dto.CommandResponse) {
	color.New(color.FgCyan).Printf("%s %s\n", cmd.Type, cmd.ID)
	printLabeled("Node", cmd.NodeID)
	printLabeled("Status", colorStatus(cmd.Status))
	printLabeled("Attempts", cmd.DispatchAttempts)
	printLabeled("Sent", since(cmd.SentAt))
	printLabeled("Executed", since(cmd.ExecutedAt))
	if cmd.FailureReason != "" {
		printLabeled("Reason", color.RedString("%s", cmd.FailureReason))
	}
	if cmd.Output != "" {
		fmt.Println()
		fmt.Print(cmd.Output)
		if !strings.HasSuffix(cmd.Output, "\n") {
			fmt.Println()
		}
	}
}

func enqueue(ctx context.Context, nodeID, typ string, payload any, follow bool) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var resp dto.CommandResponse
	body := dto.EnqueueCommandRequest{Type: typ, Payload: raw}
	if err := c.do(ctx, http.MethodPost, "/api/v1/nodes/"+nodeID+"/commands", body, &resp); err != nil {
		return err
	}
	if !follow {
		if flagJSON {
			return printJSON(resp)
		}
		color.Green("Command %s %s\n", resp.ID, resp.Status)
		return nil
	}
	return followCommand(ctx, c, resp.ID)
}

func terminalStatus(status string) bool {
	return status == "success" || status == "failed"
}

// followCommand streams a command's output from the event stream until
// it reaches a terminal status, then prints the final record.
func followCommand(ctx context.Context, c *apiClient, commandID string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	var (
		mu       sync.Mutex
		streamed bool
	)
	finished := make(chan struct{})
	var once sync.Once

	w := eventclient.New(eventclient.Config{
		ServerURL: c.server,
		Token:     c.token,
		Commands:  []string{commandID},
	}, eventclient.WithEventHandler(func(e events.Event) {
		if e.CommandID != commandID {
			return
		}
		switch e.Type {
		case events.CommandOutput:
			var out events.Output
			if e.Decode(&out) == nil {
				mu.Lock()
				streamed = true
				mu.Unlock()
				fmt.Print(out.Chunk)
			}
		case events.CommandUpdated:
			var st events.CommandStatus
			if e.Decode(&st) == nil && terminalStatus(st.Status) {
				once.Do(func() { close(finished) })
			}
		}
	}))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go w.Run(runCtx)

	// The command may have finished before the stream was up.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-finished:
			return printFinal(ctx, c, commandID, &mu, &streamed)
		case <-ticker.C:
			if !w.Connected() {
				continue
			}
			var cur dto.CommandResponse
			if err := c.do(ctx, http.MethodGet, "/api/v1/commands/"+commandID, nil, &cur); err == nil && terminalStatus(cur.Status) {
				return printFinal(ctx, c, commandID, &mu, &streamed)
			}
		}
	}
}

func printFinal(ctx context.Context, c *apiClient, commandID string, mu *sync.Mutex, streamed *bool) error {
	var cmd dto.CommandResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/commands/"+commandID, nil, &cmd); err != nil {
		return err
	}
	mu.Lock()
	alreadyPrinted := *streamed
	mu.Unlock()
	if !alreadyPrinted {
		fmt.Print(cmd.Output)
	}
	fmt.Println()
	if cmd.Status == "success" {
		color.Green("Command %s succeeded\n", cmd.ID)
		return nil
	}
	return fmt.Errorf("command %s failed: %s", cmd.ID, orDash(cmd.FailureReason))
}
