// ABOUTME: History, sweep, recovery and alert routing commands for the admin CLI
// ABOUTME: Also provides the unauthenticated status probe

package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/2389/pairwatch/internal/server"
)

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

func newTransitionsCmd(v *viper.Viper) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transitions <session-id>",
		Short: "Show a session's status history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(v)
			if err != nil {
				return err
			}
			var resp struct {
				Transitions []server.TransitionResponse `json:"transitions"`
			}
			path := "/api/sessions/" + url.PathEscape(args[0]) + "/transitions"
			if err := client.do(cmd.Context(), http.MethodGet, path, limitQuery(limit), nil, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printHeader(out, "Status Transitions")
			if len(resp.Transitions) == 0 {
				fmt.Fprintln(out, "  (no transitions)")
				fmt.Fprintln(out)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  WHEN\tFROM\tTO\tSOURCE")
			fmt.Fprintln(w, "  ----\t----\t--\t------")
			for _, t := range resp.Transitions {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", shortTime(t.ChangedAt), t.From, t.To, t.Source)
			}
			w.Flush()
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "maximum entries to show")
	return cmd
}

func newWebhookEventsCmd(v *viper.Viper) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "webhook-events",
		Aliases: []string{"events"},
		Short:   "Show recent gateway webhook pushes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(v)
			if err != nil {
				return err
			}
			var resp struct {
				Events []server.WebhookEventResponse `json:"events"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/api/webhook-events", limitQuery(limit), nil, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printHeader(out, "Webhook Events")
			if len(resp.Events) == 0 {
				fmt.Fprintln(out, "  (no events)")
				fmt.Fprintln(out)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  RECEIVED\tGATEWAY\tEVENT\tSTATUS\tDETAIL")
			fmt.Fprintln(w, "  --------\t-------\t-----\t------\t------")
			for _, e := range resp.Events {
				detail := ""
				switch {
				case e.ErrorMessage != nil:
					detail = *e.ErrorMessage
				case e.ObservedPhone != nil:
					detail = *e.ObservedPhone
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
					shortTime(e.ReceivedAt), e.GatewayName, e.EventType, e.Status, truncate(detail, 40))
			}
			w.Flush()
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "maximum entries to show")
	return cmd
}

// sweepResult mirrors the sweep summary returned by the server.
type sweepResult struct {
	Checked      int   `json:"checked"`
	Changed      int   `json:"changed"`
	Disconnected int   `json:"disconnected"`
	Failed       int   `json:"failed"`
	Alerted      int   `json:"alerted"`
	DurationNs   int64 `json:"duration_ns"`
}

func newSweepCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a health sweep across all sessions now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(v)
			if err != nil {
				return err
			}
			var res sweepResult
			if err := client.do(cmd.Context(), http.MethodPost, "/api/admin/sweep", nil, nil, &res); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprintf(out, "✓ Sweep finished in %s\n", time.Duration(res.DurationNs).Round(time.Millisecond))
			fmt.Fprintf(out, "  Checked:       %d\n", res.Checked)
			fmt.Fprintf(out, "  Changed:       %d\n", res.Changed)
			fmt.Fprintf(out, "  Disconnected:  %d\n", res.Disconnected)
			fmt.Fprintf(out, "  Alerted:       %d\n", res.Alerted)
			if res.Failed > 0 {
				color.New(color.FgRed).Fprintf(out, "  Failed:        %d\n", res.Failed)
			}
			return nil
		},
	}
}

func newRestartGatewayCmd(v *viper.Viper) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "restart-gateway",
		Short: "Restart the messaging gateway and mark every session disconnected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return errors.New("restart-gateway disconnects every session; pass --yes to confirm")
			}
			client, err := clientFor(v)
			if err != nil {
				return err
			}
			var res struct {
				Sessions     int `json:"sessions"`
				Disconnected int `json:"disconnected"`
				Failed       int `json:"failed"`
			}
			if err := client.do(cmd.Context(), http.MethodPost, "/api/admin/restart-gateway", nil, nil, &res); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprintln(out, "✓ Gateway restart requested")
			fmt.Fprintf(out, "  Sessions:      %d\n", res.Sessions)
			fmt.Fprintf(out, "  Disconnected:  %d\n", res.Disconnected)
			if res.Failed > 0 {
				color.New(color.FgRed).Fprintf(out, "  Failed:        %d\n", res.Failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&confirm, "yes", "y", false, "confirm the restart")
	return cmd
}

func newAlertConfigCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alert-config",
		Short: "Show or change where disconnect alerts are sent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlertConfigGet(cmd, v)
		},
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Show the alert routing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlertConfigGet(cmd, v)
		},
	}

	var req server.AlertConfigRequest
	var disable bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Replace the alert routing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(v)
			if err != nil {
				return err
			}
			req.Enabled = !disable
			var resp server.AlertConfigResponse
			if err := client.do(cmd.Context(), http.MethodPut, "/api/admin/alert-config", nil, req, &resp); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "✓ Alert routing saved")
			printAlertConfig(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	set.Flags().StringVar(&req.NotifyPhoneNumber, "phone", "", "phone number that receives alerts")
	set.Flags().StringVar(&req.DispatchSessionName, "via", "", "gateway session name used to send alerts")
	set.Flags().BoolVar(&disable, "disable", false, "save the routing but turn alerts off")

	cmd.AddCommand(get, set)
	return cmd
}

func runAlertConfigGet(cmd *cobra.Command, v *viper.Viper) error {
	client, err := clientFor(v)
	if err != nil {
		return err
	}
	var resp server.AlertConfigResponse
	if err := client.do(cmd.Context(), http.MethodGet, "/api/admin/alert-config", nil, nil, &resp); err != nil {
		return err
	}
	printAlertConfig(cmd.OutOrStdout(), resp)
	return nil
}

func printAlertConfig(out io.Writer, c server.AlertConfigResponse) {
	printHeader(out, "Alert Routing")
	state := color.New(color.FgRed).Sprint("disabled")
	if c.Enabled {
		state = color.New(color.FgGreen).Sprint("enabled")
	}
	fmt.Fprintf(out, "  State:         %s\n", state)
	fmt.Fprintf(out, "  Notify:        %s\n", orNone(c.NotifyPhoneNumber))
	fmt.Fprintf(out, "  Send Via:      %s\n", orNone(c.DispatchSessionName))
	if c.UpdatedAt != "" {
		fmt.Fprintf(out, "  Updated:       %s\n", shortTime(c.UpdatedAt))
	}
	fmt.Fprintln(out)
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check that the server is reachable and ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)

			color.New(color.FgCyan).Fprint(out, banner)
			fmt.Fprintln(out)

			base := strings.TrimRight(v.GetString("url"), "/")
			httpClient := &http.Client{Timeout: 5 * time.Second}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base+"/health/ready", nil)
			if err != nil {
				return fmt.Errorf("building request: %w", err)
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				yellow.Fprint(out, "  Server:   ")
				color.New(color.FgRed).Fprintf(out, "UNREACHABLE (%v)\n", err)
				return nil
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

			if resp.StatusCode == http.StatusOK {
				green.Fprint(out, "  Server:   ")
				fmt.Fprintf(out, "%s (%s)\n", base, strings.TrimSpace(string(body)))
			} else {
				yellow.Fprint(out, "  Server:   ")
				color.New(color.FgRed).Fprintf(out, "not ready (%d)\n", resp.StatusCode)
			}

			if resolveToken(v) == "" {
				yellow.Fprint(out, "  Token:    ")
				fmt.Fprintln(out, "(none - set PAIRWATCH_TOKEN)")
			} else {
				green.Fprint(out, "  Token:    ")
				fmt.Fprintln(out, "configured")
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}

func printHeader(out io.Writer, title string) {
	cyan := color.New(color.FgCyan)
	fmt.Fprintln(out)
	cyan.Fprintf(out, "  %s\n", title)
	cyan.Fprintf(out, "  %s\n", strings.Repeat("-", len(title)))
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
