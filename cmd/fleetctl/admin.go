package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		save    bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator JWT with the admin API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := currentProfile()
			if err != nil {
				return err
			}
			if p.APIKey == "" {
				return fmt.Errorf("an admin API key is required (--api-key or profile api_key)")
			}

			c := newAPIClient(Profile{Server: p.Server, APIKey: p.APIKey})
			var resp dto.TokenResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/auth/token", dto.TokenRequest{Subject: subject, Role: role}, &resp); err != nil {
				return err
			}

			if save {
				if err := saveToken(resp.Token); err != nil {
					return err
				}
			}
			if flagJSON {
				return printJSON(resp)
			}
			fmt.Println(resp.Token)
			color.New(color.Faint).Printf("expires %s\n", resp.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Who the token is for")
	cmd.Flags().StringVar(&role, "role", "operator", "operator or admin")
	cmd.Flags().BoolVar(&save, "save", false, "Store the token in the current profile")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// saveToken writes token into the selected profile, creating it.
func saveToken(token string) error {
	profiles, err := LoadProfiles(flagConfig)
	if err != nil {
		return err
	}
	name := flagProfile
	if name == "" {
		name = profiles.Default
	}
	if name == "" {
		name = "default"
		profiles.Default = name
	}
	if profiles.Profiles == nil {
		profiles.Profiles = make(map[string]Profile)
	}
	p := profiles.Profiles[name]
	p.Token = token
	if flagServer != "" {
		p.Server = flagServer
	}
	profiles.Profiles[name] = p
	return profiles.Save(flagConfig)
}

func newEnrollmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enrollment",
		Short: "Manage agent enrollment tokens (admin)",
	}

	var (
		name  string
		hours int
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a single-use enrollment token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var resp dto.EnrollmentTokenResponse
			body := dto.CreateEnrollmentTokenRequest{Name: name, ExpiresInHours: hours}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/admin/enrollment-tokens", body, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			color.Green("Enrollment token created\n")
			printLabeled("Token", resp.Token)
			printLabeled("Expires", resp.ExpiresAt.Local().Format(time.RFC1123))
			fmt.Println()
			color.Yellow("The token is shown once. On the node run:\n")
			fmt.Printf("  silo-fleet-agent enroll --server %s --token %s\n", c.server, resp.Token)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "Label for the token")
	create.Flags().IntVar(&hours, "hours", 24, "Hours until the token expires")

	list := &cobra.Command{
		Use:   "list",
		Short: "List enrollment tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var resp dto.ListEnrollmentTokensResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/admin/enrollment-tokens", nil, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tNAME\tEXPIRES\tUSED\tNODE")
			for _, t := range resp.Tokens {
				used := "-"
				if t.UsedAt != nil {
					used = t.UsedAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, orDash(t.Name), t.ExpiresAt.Local().Format("2006-01-02 15:04"), used, orDash(t.NodeID))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func newConnectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "Show live agent streams on the server (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var resp dto.ConnectionsResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/admin/connections", nil, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			w := newTable()
			fmt.Fprintln(w, "NODE\tCONNECTION\tCONNECTED\tLAST SEEN")
			for _, conn := range resp.Connections {
				connected, seen := conn.ConnectedAt, conn.LastSeen
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", conn.NodeID, conn.ConnID, since(&connected), since(&seen))
			}
			w.Flush()
			fmt.Printf("\n%d agent(s), %d event subscriber(s), %d dropped event(s)\n", resp.Count, resp.Subscribers, resp.DroppedEvents)
			return nil
		},
	}
}

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage connection profiles",
	}

	var server, token, apiKey string
	var makeDefault bool
	set := &cobra.Command{
		Use:   "set <name>",
		Short: "Create or update a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := LoadProfiles(flagConfig)
			if err != nil {
				return err
			}
			if profiles.Profiles == nil {
				profiles.Profiles = make(map[string]Profile)
			}
			p := profiles.Profiles[args[0]]
			if server != "" {
				p.Server = server
			}
			if token != "" {
				p.Token = token
			}
			if apiKey != "" {
				p.APIKey = apiKey
			}
			profiles.Profiles[args[0]] = p
			if makeDefault || profiles.Default == "" {
				profiles.Default = args[0]
			}
			if err := profiles.Save(flagConfig); err != nil {
				return err
			}
			color.Green("Profile %s saved to %s\n", args[0], flagConfig)
			return nil
		},
	}
	set.Flags().StringVar(&server, "url", "", "Server URL")
	set.Flags().StringVar(&token, "jwt", "", "Operator JWT")
	set.Flags().StringVar(&apiKey, "key", "", "Admin API key")
	set.Flags().BoolVar(&makeDefault, "default", false, "Make this the default profile")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := currentProfile()
			if err != nil {
				return err
			}
			printLabeled("Server", p.Server)
			printLabeled("Token", redact(p.Token))
			printLabeled("API key", redact(p.APIKey))
			return nil
		},
	}

	cmd.AddCommand(set, show)
	return cmd
}

func redact(s string) string {
	if len(s) <= 8 {
		return orDash(s)
	}
	return s[:4] + "..." + s[len(s)-4:]
}
