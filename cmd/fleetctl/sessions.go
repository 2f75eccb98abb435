package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/eventclient"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Open and use capability sessions",
	}

	var (
		kind        string
		policyID    string
		systemScope bool
		ttl         int
	)
	open := &cobra.Command{
		Use:   "open <node-id>",
		Short: "Open a terminal, log or files session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			body := dto.OpenSessionRequest{Kind: kind, PolicyID: policyID, SystemScope: systemScope, TTLSeconds: ttl, Cols: 80, Rows: 24}
			var s dto.SessionResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/nodes/"+args[0]+"/sessions", body, &s); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(s)
			}
			printSession(s)
			return nil
		},
	}
	open.Flags().StringVar(&kind, "kind", "terminal", "Session kind: terminal, log or files")
	open.Flags().StringVar(&policyID, "policy", "", "Policy id (log and files sessions)")
	open.Flags().BoolVar(&systemScope, "system", false, "System scope, no policy (admin)")
	open.Flags().IntVar(&ttl, "ttl", 0, "Lifetime in seconds (server default when zero)")

	list := &cobra.Command{
		Use:   "list <node-id>",
		Short: "List a node's sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var resp dto.ListSessionsResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/nodes/"+args[0]+"/sessions", nil, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tKIND\tSTATUS\tSCOPE\tEXPIRES")
			for _, s := range resp.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Kind, colorStatus(s.Status), scope(s), s.ExpiresAt.Local().Format("15:04:05"))
			}
			return w.Flush()
		},
	}

	get := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var s dto.SessionResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/sessions/"+args[0], nil, &s); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(s)
			}
			printSession(s)
			return nil
		},
	}

	closeCmd := &cobra.Command{
		Use:   "close <session-id>",
		Short: "Close a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var s dto.SessionResponse
			if err := c.do(cmd.Context(), http.MethodDelete, "/api/v1/sessions/"+args[0], nil, &s); err != nil {
				return err
			}
			color.Green("Session %s %s\n", s.ID, s.Status)
			return nil
		},
	}

	ls := &cobra.Command{
		Use:   "ls <session-id> [path]",
		Short: "List a directory in a files session",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			q := url.Values{}
			if len(args) == 2 {
				q.Set("path", args[1])
			}
			var resp dto.ListFilesResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/sessions/"+args[0]+"/files?"+q.Encode(), nil, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			w := newTable()
			for _, e := range resp.Entries {
				name := e.Name
				if e.IsDir {
					name = color.BlueString(name + "/")
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Mode, e.Size, e.ModTime.Local().Format("2006-01-02 15:04"), name)
			}
			return w.Flush()
		},
	}

	var offset, limit int64
	cat := &cobra.Command{
		Use:   "cat <session-id> <path>",
		Short: "Read a file through a files or log session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			q := url.Values{"path": {args[1]}}
			if offset > 0 {
				q.Set("offset", strconv.FormatInt(offset, 10))
			}
			if limit > 0 {
				q.Set("limit", strconv.FormatInt(limit, 10))
			}
			var resp dto.ReadFileResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/sessions/"+args[0]+"/read?"+q.Encode(), nil, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			os.Stdout.Write(resp.Data)
			if !resp.EOF {
				color.Yellow("\n... truncated at offset %d, continue with --offset %d\n", resp.Offset+int64(len(resp.Data)), resp.Offset+int64(len(resp.Data)))
			}
			return nil
		},
	}
	cat.Flags().Int64Var(&offset, "offset", 0, "Byte offset")
	cat.Flags().Int64Var(&limit, "limit", 0, "Maximum bytes")

	var lines int
	tail := &cobra.Command{
		Use:   "tail <session-id> <path>",
		Short: "Show the last lines of a log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			q := url.Values{"path": {args[1]}, "lines": {strconv.Itoa(lines)}}
			var resp dto.TailResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/sessions/"+args[0]+"/tail?"+q.Encode(), nil, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			for _, l := range resp.Lines {
				fmt.Println(l)
			}
			return nil
		},
	}
	tail.Flags().IntVarP(&lines, "lines", "n", 100, "Number of lines")

	attach := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach to a terminal session (line mode)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return attachTerminal(cmd.Context(), c, args[0])
		},
	}

	cmd.AddCommand(open, list, get, closeCmd, ls, cat, tail, attach)
	return cmd
}

func scope(s dto.SessionResponse) string {
	if s.SystemScope {
		return color.RedString("system")
	}
	if s.PolicyID != "" {
		return "policy " + s.PolicyID
	}
	return "-"
}

func printSession(s dto.SessionResponse) {
	color.New(color.FgCyan).Printf("%s session %s\n", s.Kind, s.ID)
	printLabeled("Node", s.NodeID)
	printLabeled("Status", colorStatus(s.Status))
	printLabeled("Scope", scope(s))
	printLabeled("Created by", orDash(s.CreatedBy))
	printLabeled("Expires", s.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
}

// attachTerminal prints the session's output from the event stream and
// sends stdin line by line until the terminal closes or stdin ends.
func attachTerminal(ctx context.Context, c *apiClient, sessionID string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	closed := make(chan struct{}, 1)
	w := eventclient.New(eventclient.Config{
		ServerURL: c.server,
		Token:     c.token,
		Sessions:  []string{sessionID},
	}, eventclient.WithEventHandler(func(e events.Event) {
		if e.SessionID != sessionID {
			return
		}
		switch e.Type {
		case events.SessionOutput:
			var out events.Output
			if e.Decode(&out) == nil {
				fmt.Print(out.Chunk)
			}
		case events.SessionClosed, events.SessionExpired:
			select {
			case closed <- struct{}{}:
			default:
			}
		}
	}))
	go w.Run(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text() + "\n"
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			color.Yellow("\nsession closed\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/input", dto.TerminalInputRequest{Data: line}, nil); err != nil {
				return err
			}
		}
	}
}

func newPoliciesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "policies",
		Aliases: []string{"policy"},
		Short:   "Manage log and files session policies",
	}

	list := &cobra.Command{
		Use:   "list <node-id>",
		Short: "List a node's policies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var resp dto.ListPoliciesResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/nodes/"+args[0]+"/policies", nil, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tKIND\tNAME\tROOT\tMAX BYTES")
			for _, p := range resp.Policies {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", p.ID, p.Kind, orDash(p.Name), p.RootPath, p.MaxBytes)
			}
			return w.Flush()
		},
	}

	var (
		kind, name, root string
		maxBytes         int64
	)
	create := &cobra.Command{
		Use:   "create <node-id>",
		Short: "Create a policy (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			body := dto.CreatePolicyRequest{Kind: kind, Name: name, RootPath: root, MaxBytes: maxBytes}
			var p dto.PolicyResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/nodes/"+args[0]+"/policies", body, &p); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(p)
			}
			color.Green("Policy %s created (%s %s)\n", p.ID, p.Kind, p.RootPath)
			return nil
		},
	}
	create.Flags().StringVar(&kind, "kind", "log", "Policy kind: log or files")
	create.Flags().StringVar(&name, "name", "", "Display name")
	create.Flags().StringVar(&root, "root", "", "Absolute root path")
	create.Flags().Int64Var(&maxBytes, "max-bytes", 0, "Read limit per request")
	_ = create.MarkFlagRequired("root")

	del := &cobra.Command{
		Use:   "delete <policy-id>",
		Short: "Delete a policy (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodDelete, "/api/v1/policies/"+args[0], nil, nil); err != nil {
				return err
			}
			color.Green("Policy %s deleted\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, create, del)
	return cmd
}
