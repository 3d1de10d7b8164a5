package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/agentbridge/internal/controlplane"
	"github.com/fentz26/agentbridge/internal/models"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage agent sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionList,
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a fresh session (closes the active one)",
	RunE:  runSessionNew,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionAbortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Abort the running turn",
	RunE:  runSessionAbort,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon state",
	RunE:  runStatus,
}

func init() {
	sessionCmd.AddCommand(sessionListCmd, sessionNewCmd, sessionShowCmd, sessionAbortCmd)
	rootCmd.AddCommand(statusCmd)
}

func runSessionList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/sessions")
	if err != nil {
		return err
	}

	var sessions []models.Session
	if err := json.Unmarshal(resp, &sessions); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMODE\tMESSAGES\tCOST\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.4f\t%s\n",
			s.ID[:8], s.Status, s.Policy, s.MessageCount, s.CostUSD, s.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runSessionNew(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/sessions", nil)
	if err != nil {
		return err
	}

	var sess models.Session
	if err := json.Unmarshal(resp, &sess); err != nil {
		return err
	}
	fmt.Printf("Started session %s (mode %s)\n", sess.ID, sess.Policy)
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/sessions/" + args[0] + "/messages")
	if err != nil {
		return err
	}

	var msgs []models.Message
	if err := json.Unmarshal(resp, &msgs); err != nil {
		return err
	}
	for _, m := range msgs {
		fmt.Printf("%s  %-8s %s\n", m.CreatedAt.Format("15:04:05"), m.Direction, m.Content)
	}
	return nil
}

func runSessionAbort(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/abort", nil)
	if err != nil {
		return err
	}

	var result map[string]bool
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	if result["aborted"] {
		fmt.Println("Turn aborted.")
	} else {
		fmt.Println("Nothing running.")
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/state")
	if err != nil {
		return err
	}

	var state controlplane.DaemonState
	if err := json.Unmarshal(resp, &state); err != nil {
		return err
	}

	fmt.Printf("Broker:    %s\n", state.Broker.State)
	fmt.Printf("Transport: %s\n", state.Transport)
	fmt.Printf("Jobs:      %d registered\n", len(state.Jobs))
	if state.Broker.Pending != nil {
		fmt.Printf("Pending:   %s (%s)\n", state.Broker.Pending.ToolName, state.Broker.Pending.ID[:8])
	}
	if state.Broker.QueuedSends > 0 {
		fmt.Printf("Queued:    %d outbound\n", state.Broker.QueuedSends)
	}
	return nil
}
