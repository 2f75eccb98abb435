package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newNodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "nodes",
		Aliases: []string{"node"},
		Short:   "List and administer nodes",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all nodes",
			Args:  cobra.NoArgs,
			RunE:  runNodesList,
		},
		&cobra.Command{
			Use:   "get <node-id>",
			Short: "Show one node",
			Args:  cobra.ExactArgs(1),
			RunE:  runNodesGet,
		},
		&cobra.Command{
			Use:   "ping <node-id>",
			Short: "Ping a node's agent",
			Args:  cobra.ExactArgs(1),
			RunE:  runNodesPing,
		},
		&cobra.Command{
			Use:   "delete <node-id>",
			Short: "Delete a node and disconnect its agent (admin)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := newClient()
				if err != nil {
					return err
				}
				if err := c.do(cmd.Context(), http.MethodDelete, "/api/v1/nodes/"+args[0], nil, nil); err != nil {
					return err
				}
				color.Green("Node %s deleted\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:       "maintenance <node-id> on|off",
			Short:     "Put a node in or out of maintenance (admin)",
			Args:      cobra.ExactArgs(2),
			ValidArgs: []string{"on", "off"},
			RunE:      runNodesMaintenance,
		},
		newNodesErrorCmd(),
		newNodesCertCmd(),
	)
	return cmd
}

func newNodesCertCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "cert <node-id>",
		Short: "Issue a client certificate bundle for a node (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			data, err := c.fetch(cmd.Context(), http.MethodPost, "/api/v1/nodes/"+args[0]+"/certificate", nil)
			if err != nil {
				return err
			}
			if output == "" {
				output = args[0] + "-certs.zip"
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			color.Green("Certificate bundle written to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Bundle path (default <node-id>-certs.zip)")
	return cmd
}

func runNodesList(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var resp dto.ListNodesResponse
	if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/nodes", nil, &resp); err != nil {
		return err
	}
	if flagJSON {
		return printJSON(resp)
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tHOSTNAME\tSTATUS\tCONNECTED\tLAST SEEN\tFAILURES")
	for _, n := range resp.Nodes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%d\n", n.ID, n.Hostname, colorStatus(n.Status), n.Connected, since(n.LastSeenAt), n.ConsecutiveFailures)
	}
	w.Flush()
	fmt.Printf("\n%d node(s)\n", resp.Count)
	return nil
}

func printNode(n dto.NodeResponse) {
	cyan := color.New(color.FgCyan)
	cyan.Printf("%s\n", n.Hostname)
	printLabeled("ID", n.ID)
	printLabeled("Status", colorStatus(n.Status))
	printLabeled("Connected", n.Connected)
	printLabeled("IP", orDash(n.IPAddress))
	printLabeled("OS", orDash(n.OS))
	printLabeled("Agent", orDash(n.AgentVersion))
	printLabeled("Last seen", since(n.LastSeenAt))
	if n.ConsecutiveFailures > 0 {
		printLabeled("Failures", n.ConsecutiveFailures)
		printLabeled("Next retry", n.NextRetryAt)
	}
	if n.ErrorCode != "" {
		printLabeled("Error", color.RedString("%s: %s", n.ErrorCode, n.ErrorMessage))
	}
	printLabeled("Fingerprint", orDash(n.KeyFingerprint))
}

func runNodesGet(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var n dto.NodeResponse
	if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/nodes/"+args[0], nil, &n); err != nil {
		return err
	}
	if flagJSON {
		return printJSON(n)
	}
	printNode(n)
	return nil
}

func runNodesPing(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var resp dto.PingResponse
	if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/nodes/"+args[0]+"/ping", nil, &resp); err != nil {
		return err
	}
	if flagJSON {
		return printJSON(resp)
	}
	if resp.Ok {
		color.Green("pong from %s in %dms\n", resp.Node.Hostname, resp.RTTMs)
	} else {
		color.Red("ping failed: %s\n", resp.Error)
	}
	printLabeled("Status", colorStatus(resp.Node.Status))
	return nil
}

func runNodesMaintenance(cmd *cobra.Command, args []string) error {
	var enabled bool
	switch args[1] {
	case "on":
		enabled = true
	case "off":
	default:
		return fmt.Errorf("expected on or off, got %q", args[1])
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	var n dto.NodeResponse
	if err := c.do(cmd.Context(), http.MethodPut, "/api/v1/nodes/"+args[0]+"/maintenance", dto.MaintenanceRequest{Enabled: &enabled}, &n); err != nil {
		return err
	}
	if flagJSON {
		return printJSON(n)
	}
	fmt.Printf("%s is now %s\n", n.Hostname, colorStatus(n.Status))
	return nil
}

func newNodesErrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "error",
		Short: "Set or clear a node's error state (admin)",
	}

	var code, message string
	set := &cobra.Command{
		Use:   "set <node-id>",
		Short: "Mark a node as errored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var n dto.NodeResponse
			body := dto.SetErrorRequest{Code: code, Message: message}
			if err := c.do(cmd.Context(), http.MethodPut, "/api/v1/nodes/"+args[0]+"/error", body, &n); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(n)
			}
			printNode(n)
			return nil
		},
	}
	set.Flags().StringVar(&code, "code", "", "Error code")
	set.Flags().StringVar(&message, "message", "", "Error message")
	_ = set.MarkFlagRequired("code")

	clearCmd := &cobra.Command{
		Use:   "clear <node-id>",
		Short: "Clear a node's error state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var n dto.NodeResponse
			if err := c.do(cmd.Context(), http.MethodDelete, "/api/v1/nodes/"+args[0]+"/error", nil, &n); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(n)
			}
			fmt.Printf("%s is now %s\n", n.Hostname, colorStatus(n.Status))
			return nil
		},
	}

	cmd.AddCommand(set, clearCmd)
	return cmd
}
