// ABOUTME: Session commands for the admin CLI
// ABOUTME: list, get, connect, refresh, pairing, disconnect, delete and select

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/2389/pairwatch/internal/server"
)

func newSessionsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session", "s"},
		Short:   "Manage gateway sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, v)
		},
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List visible sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, v)
		},
	}

	get := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionAction(cmd, v, http.MethodGet, "/api/sessions/"+url.PathEscape(args[0]), "")
		},
	}

	var shared bool
	var displayName string
	connect := &cobra.Command{
		Use:   "connect",
		Short: "Create a session and issue its pairing code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, v, server.ConnectRequest{Shared: shared, DisplayName: displayName})
		},
	}
	connect.Flags().BoolVar(&shared, "shared", false, "make the session visible to the whole tenant")
	connect.Flags().StringVarP(&displayName, "name", "n", "", "display name")

	refresh := &cobra.Command{
		Use:   "refresh <session-id>",
		Short: "Ask the gateway for the session's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRefreshStatus(cmd, v, args[0])
		},
	}

	pairing := &cobra.Command{
		Use:   "pairing <session-id>",
		Short: "Issue a fresh pairing code for a connecting session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionAction(cmd, v, http.MethodPost, "/api/sessions/"+url.PathEscape(args[0])+"/pairing", "Pairing refreshed")
		},
	}

	disconnect := &cobra.Command{
		Use:   "disconnect <session-id>",
		Short: "Log the session out of the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionAction(cmd, v, http.MethodPost, "/api/sessions/"+url.PathEscape(args[0])+"/disconnect", "Disconnected")
		},
	}

	del := &cobra.Command{
		Use:     "delete <session-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a session",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(v)
			if err != nil {
				return err
			}
			if err := client.do(cmd.Context(), http.MethodDelete, "/api/sessions/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ Deleted session: %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, get, connect, refresh, pairing, disconnect, del)
	return cmd
}

func newSelectCmd(v *viper.Viper) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Resolve the working session (first visible one when no id is given)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(v)
			if err != nil {
				return err
			}
			var query url.Values
			if sessionID != "" {
				query = url.Values{"session_id": {sessionID}}
			}
			var sess server.SessionResponse
			if err := client.do(cmd.Context(), http.MethodGet, "/api/sessions/select", query, nil, &sess); err != nil {
				return err
			}
			printSession(cmd.OutOrStdout(), "Selected Session", sess)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to select")
	return cmd
}

func runSessionsList(cmd *cobra.Command, v *viper.Viper) error {
	client, err := clientFor(v)
	if err != nil {
		return err
	}

	var resp server.ListSessionsResponse
	if err := client.do(cmd.Context(), http.MethodGet, "/api/sessions", nil, nil, &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	cyan := color.New(color.FgCyan)
	fmt.Fprintln(out)
	cyan.Fprintln(out, "  Sessions")
	cyan.Fprintln(out, "  --------")

	if len(resp.Sessions) == 0 {
		fmt.Fprintln(out, "  (no sessions)")
		fmt.Fprintln(out)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tGATEWAY\tSTATUS\tPHONE\tSHARED\tUPDATED")
	fmt.Fprintln(w, "  --\t-------\t------\t-----\t------\t-------")
	for _, s := range resp.Sessions {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%t\t%s\n",
			truncate(s.ID, 12), s.GatewayName, s.Status, deref(s.PhoneNumber), s.Shared, shortTime(s.UpdatedAt))
	}
	w.Flush()
	fmt.Fprintln(out)
	return nil
}

// sessionAction runs a request that answers with a single session.
func sessionAction(cmd *cobra.Command, v *viper.Viper, method, path, done string) error {
	client, err := clientFor(v)
	if err != nil {
		return err
	}
	var sess server.SessionResponse
	if err := client.do(cmd.Context(), method, path, nil, nil, &sess); err != nil {
		return err
	}
	title := "Session"
	if done != "" {
		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ %s: %s\n", done, sess.ID)
		title = ""
	}
	printSession(cmd.OutOrStdout(), title, sess)
	return nil
}

func runConnect(cmd *cobra.Command, v *viper.Viper, req server.ConnectRequest) error {
	client, err := clientFor(v)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var sess server.SessionResponse
	err = client.do(cmd.Context(), http.MethodPost, "/api/sessions", nil, req, &sess)
	if ae, ok := asStatus(err, http.StatusBadGateway); ok {
		// the session can exist without a pairing code
		var partial server.PartialCreateResponse
		if json.Unmarshal(ae.Body, &partial) == nil && partial.Session.ID != "" {
			color.New(color.FgYellow).Fprintf(out, "! Session %s was saved but %s failed\n", partial.Session.ID, partial.Step)
			fmt.Fprintf(out, "  Retry with: pairwatch-admin sessions pairing %s\n", partial.Session.ID)
		}
		return err
	}
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Fprintf(out, "✓ Created session: %s\n", sess.ID)
	printSession(out, "", sess)
	return nil
}

func runRefreshStatus(cmd *cobra.Command, v *viper.Viper, id string) error {
	client, err := clientFor(v)
	if err != nil {
		return err
	}
	var resp server.RefreshStatusResponse
	if err := client.do(cmd.Context(), http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/refresh", nil, nil, &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if resp.Changed {
		color.New(color.FgGreen).Fprintf(out, "✓ Status changed: %s -> %s\n", resp.From, resp.To)
	} else {
		fmt.Fprintf(out, "  Status unchanged: %s\n", resp.To)
	}
	printSession(out, "", resp.Session)
	return nil
}

func printSession(out io.Writer, title string, s server.SessionResponse) {
	cyan := color.New(color.FgCyan)
	fmt.Fprintln(out)
	if title != "" {
		cyan.Fprintf(out, "  %s\n", title)
		cyan.Fprintf(out, "  %s\n", strings.Repeat("-", len(title)))
	}
	fmt.Fprintf(out, "  ID:            %s\n", s.ID)
	fmt.Fprintf(out, "  Gateway:       %s\n", s.GatewayName)
	fmt.Fprintf(out, "  Status:        %s\n", statusColor(s.Status).Sprint(s.Status))
	fmt.Fprintf(out, "  Shared:        %t\n", s.Shared)
	if s.DisplayName != nil {
		fmt.Fprintf(out, "  Display Name:  %s\n", *s.DisplayName)
	}
	if s.PhoneNumber != nil {
		fmt.Fprintf(out, "  Phone:         %s\n", *s.PhoneNumber)
	}
	if s.PairingImage != nil {
		fmt.Fprintf(out, "  Pairing Code:  available until %s\n", shortTime(s.PairingExpiresAt))
	}
	if s.RegenerateRequested {
		color.New(color.FgYellow).Fprintln(out, "  Pairing:       regeneration requested")
	}
	if s.ConnectedAt != "" {
		fmt.Fprintf(out, "  Connected:     %s\n", shortTime(s.ConnectedAt))
	}
	fmt.Fprintf(out, "  Updated:       %s\n", shortTime(s.UpdatedAt))
	fmt.Fprintln(out)
}

func statusColor(status string) *color.Color {
	switch status {
	case "connected":
		return color.New(color.FgGreen)
	case "connecting":
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

// shortTime renders an RFC3339 timestamp compactly, passing anything else through.
func shortTime(s string) string {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Local().Format("Jan 02 15:04")
	}
	return s
}
