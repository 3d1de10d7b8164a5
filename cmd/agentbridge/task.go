package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/agentbridge/internal/cronexpr"
	"github.com/fentz26/agentbridge/internal/models"
	"github.com/fentz26/agentbridge/internal/scheduler"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a scheduled task",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled tasks",
	RunE:  runTaskList,
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable [task-id]",
	Short: "Enable a task",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTaskEnabled(args[0], true) },
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable [task-id]",
	Short: "Disable a task",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTaskEnabled(args[0], false) },
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove [task-id]",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRemove,
}

var taskLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the scheduler event log",
	RunE:  runTaskLog,
}

var (
	taskName      string
	taskPrompt    string
	taskCron      string
	taskOneShot   bool
	taskStartDate string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskEnableCmd, taskDisableCmd, taskRemoveCmd, taskLogCmd)

	taskAddCmd.Flags().StringVar(&taskName, "name", "", "Task name (required)")
	taskAddCmd.Flags().StringVar(&taskPrompt, "prompt", "", "Prompt sent to the agent on fire (required)")
	taskAddCmd.Flags().StringVar(&taskCron, "cron", "", "Cron expression, 5 fields (required)")
	taskAddCmd.Flags().BoolVar(&taskOneShot, "one-shot", false, "Disable the task after its first run")
	taskAddCmd.Flags().StringVar(&taskStartDate, "start", "", "Earliest fire date (YYYY-MM-DD)")
	taskAddCmd.MarkFlagRequired("name")
	taskAddCmd.MarkFlagRequired("prompt")
	taskAddCmd.MarkFlagRequired("cron")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"name":      taskName,
		"prompt":    taskPrompt,
		"cronExpr":  taskCron,
		"oneShot":   taskOneShot,
		"startDate": taskStartDate,
	}

	resp, err := apiPost("/tasks", body)
	if err != nil {
		return err
	}

	var task models.ScheduledTask
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}
	fmt.Printf("Created task %s (%s)\n", task.ID, cronexpr.Describe(task.CronExpr))
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks")
	if err != nil {
		return err
	}

	var tasks []models.ScheduledTask
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tTYPE\tENABLED\tLAST RUN")
	for _, t := range tasks {
		lastRun := "never"
		if t.LastRunAt != nil {
			lastRun = t.LastRunAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			t.ID[:8], t.Name, cronexpr.Describe(t.CronExpr), t.Type, t.Enabled, lastRun)
	}
	return w.Flush()
}

func setTaskEnabled(id string, enabled bool) error {
	if _, err := apiPatch("/tasks/"+id, map[string]bool{"enabled": enabled}); err != nil {
		return err
	}
	fmt.Printf("Task %s enabled=%t\n", id, enabled)
	return nil
}

func runTaskRemove(cmd *cobra.Command, args []string) error {
	if _, err := apiDelete("/tasks/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed task %s\n", args[0])
	return nil
}

func runTaskLog(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/scheduler/log")
	if err != nil {
		return err
	}

	var entries []scheduler.LogEntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s  %-8s %s\n", e.Timestamp.Format("15:04:05"), e.Kind, e.Message)
	}
	return nil
}
