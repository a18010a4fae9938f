package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rizome-dev/conductor/pkg/client"
	"github.com/rizome-dev/conductor/pkg/types"
)

func newClient() *client.Client {
	return client.New(client.WithBaseURL(serverURL))
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, 30*time.Second)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect registered agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		status, _ := cmd.Flags().GetString("status")
		framework, _ := cmd.Flags().GetString("framework")
		capability, _ := cmd.Flags().GetString("capability")
		agents, err := newClient().ListAgents(ctx, client.AgentFilter{
			Status:     types.AgentStatus(status),
			Framework:  framework,
			Capability: capability,
		})
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), agents)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFRAMEWORK\tSTATUS\tTASKS\tLAST HEARTBEAT")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", a.ID, a.Framework, a.Status, a.RunningTasks, a.LastHeartbeat.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List and handle alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		status, _ := cmd.Flags().GetString("status")
		agent, _ := cmd.Flags().GetString("agent")
		severity, _ := cmd.Flags().GetString("severity")
		alerts, err := newClient().ListAlerts(ctx, client.AlertFilter{
			Status:   types.AlertStatus(status),
			AgentID:  agent,
			Severity: types.Severity(severity),
		})
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), alerts)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAGENT\tSEVERITY\tSTATUS\tMESSAGE")
		for _, a := range alerts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.AgentID, a.Severity, a.Status, a.Message)
		}
		return w.Flush()
	},
}

func alertActionCmd(use, short string, act func(c *client.Client, ctx context.Context, id, by string) (*types.Alert, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <alert-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			by, _ := cmd.Flags().GetString("by")
			alert, err := act(newClient(), ctx, args[0], by)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), alert)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "alert %s is %s\n", alert.ID, alert.Status)
			return nil
		},
	}
	cmd.Flags().String("by", envOr("USER", "cli"), "operator name recorded on the alert")
	return cmd
}

func init() {
	agentsListCmd.Flags().String("status", "", "filter by status")
	agentsListCmd.Flags().String("framework", "", "filter by framework")
	agentsListCmd.Flags().String("capability", "", "filter by capability (key or key=value)")
	agentsCmd.AddCommand(agentsListCmd)

	alertsListCmd.Flags().String("status", "", "filter by status (active, acknowledged, resolved)")
	alertsListCmd.Flags().String("agent", "", "filter by agent id")
	alertsListCmd.Flags().String("severity", "", "filter by severity")
	alertsCmd.AddCommand(alertsListCmd)
	alertsCmd.AddCommand(alertActionCmd("ack", "Acknowledge an alert", (*client.Client).AcknowledgeAlert))
	alertsCmd.AddCommand(alertActionCmd("resolve", "Resolve an alert", (*client.Client).ResolveAlert))
}
