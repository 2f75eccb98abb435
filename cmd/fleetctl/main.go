package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var AppVersion string

var (
	flagConfig  string
	flagProfile string
	flagServer  string
	flagToken   string
	flagAPIKey  string
	flagJSON    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Operate a silo-fleet control plane",
		Version:       AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagConfig, "config", defaultProfilePath(), "Profiles file (TOML)")
	pf.StringVarP(&flagProfile, "profile", "p", "", "Profile name (default: the file's default)")
	pf.StringVar(&flagServer, "server", "", "Server URL, overrides the profile")
	pf.StringVar(&flagToken, "token", "", "Operator JWT, overrides the profile")
	pf.StringVar(&flagAPIKey, "api-key", "", "Admin API key, overrides the profile")
	pf.BoolVar(&flagJSON, "json", false, "Print raw JSON")

	root.AddCommand(
		newNodesCmd(),
		newCommandsCmd(),
		newSessionsCmd(),
		newPoliciesCmd(),
		newWatchCmd(),
		newTokenCmd(),
		newEnrollmentCmd(),
		newConnectionsCmd(),
		newProfileCmd(),
	)
	return root
}

// currentProfile merges the profile file, the environment and flags, in
// increasing precedence.
func currentProfile() (Profile, error) {
	profiles, err := LoadProfiles(flagConfig)
	if err != nil {
		return Profile{}, err
	}
	p, err := profiles.Resolve(flagProfile)
	if err != nil {
		return Profile{}, err
	}

	override := func(dst *string, env, flag string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
		if flag != "" {
			*dst = flag
		}
	}
	override(&p.Server, "SILO_FLEET_SERVER", flagServer)
	override(&p.Token, "SILO_FLEET_TOKEN", flagToken)
	override(&p.APIKey, "SILO_FLEET_API_KEY", flagAPIKey)

	if p.Server == "" {
		p.Server = "http://localhost:8080"
	}
	return p, nil
}

func newClient() (*apiClient, error) {
	p, err := currentProfile()
	if err != nil {
		return nil, err
	}
	return newAPIClient(p), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func since(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return time.Since(*t).Round(time.Second).String() + " ago"
}

func statusColor(status string) *color.Color {
	switch status {
	case "online", "success", "active":
		return color.New(color.FgGreen)
	case "offline", "queued", "sent", "expired", "closed":
		return color.New(color.FgYellow)
	case "error", "failed":
		return color.New(color.FgRed, color.Bold)
	case "maintenance", "in_progress":
		return color.New(color.FgCyan)
	default:
		return color.New(color.Reset)
	}
}

func colorStatus(status string) string {
	return statusColor(status).Sprint(status)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printLabeled(label string, value any) {
	fmt.Printf("  %-14s %v\n", label+":", value)
}
