package tools

import (
	"fmt"

	"github.com/fentz26/agentbridge/internal/cronexpr"
	"github.com/fentz26/agentbridge/internal/models"
	"github.com/fentz26/agentbridge/internal/store"
)

// RegisterSchedulerTools exposes scheduled-task management to the
// agent. Every mutation triggers a full scheduler resync, mirroring
// the user-facing task API.
func RegisterSchedulerTools(r *Registry, st *store.Store, resync func()) error {
	tasksJSON := func() (string, error) {
		tasks, err := st.ListScheduledTasks()
		if err != nil {
			return "", err
		}
		return JSONResult(tasks)
	}

	register := func(t Tool) error { return r.Register(t) }

	if err := register(Tool{
		Name:        "list_tasks",
		Description: "List all scheduled tasks with id, name, prompt, cron_expr, enabled, one_shot, start_date, last_run_at",
		Handler: func(_ map[string]interface{}) (string, error) {
			return tasksJSON()
		},
	}); err != nil {
		return err
	}

	if err := register(Tool{
		Name:        "add_task",
		Description: "Create a scheduled task. cron_expr is 5-field local time (min hour dom month dow). Set one_shot=true for one-time tasks.",
		Handler: func(input map[string]interface{}) (string, error) {
			name := strField(input, "name")
			prompt := strField(input, "prompt")
			expr := strField(input, "cron_expr")
			if name == "" || prompt == "" || expr == "" {
				return "", fmt.Errorf("name, prompt and cron_expr are required")
			}
			if err := cronexpr.Validate(expr); err != nil {
				return "", fmt.Errorf("invalid cron_expr: %w", err)
			}
			if _, err := st.CreateScheduledTask(name, prompt, expr, boolField(input, "one_shot"), strField(input, "start_date"), models.TaskAgent); err != nil {
				return "", err
			}
			resync()
			return tasksJSON()
		},
	}); err != nil {
		return err
	}

	if err := register(Tool{
		Name:        "update_task",
		Description: "Update a scheduled task. Provide id plus only the fields to change. Use list_tasks first to get ids.",
		Handler: func(input map[string]interface{}) (string, error) {
			id := strField(input, "id")
			if id == "" {
				return "", fmt.Errorf("id is required")
			}
			var upd store.TaskUpdate
			if v, ok := input["name"].(string); ok {
				upd.Name = &v
			}
			if v, ok := input["prompt"].(string); ok {
				upd.Prompt = &v
			}
			if v, ok := input["cron_expr"].(string); ok {
				if err := cronexpr.Validate(v); err != nil {
					return "", fmt.Errorf("invalid cron_expr: %w", err)
				}
				upd.CronExpr = &v
			}
			if v, ok := input["enabled"].(bool); ok {
				upd.Enabled = &v
			}
			if v, ok := input["one_shot"].(bool); ok {
				upd.OneShot = &v
			}
			if v, ok := input["start_date"].(string); ok {
				upd.StartDate = &v
			}
			if err := st.UpdateScheduledTask(id, upd); err != nil {
				return "", err
			}
			resync()
			return tasksJSON()
		},
	}); err != nil {
		return err
	}

	return register(Tool{
		Name:        "remove_task",
		Description: "Permanently delete a scheduled task by id.",
		Handler: func(input map[string]interface{}) (string, error) {
			id := strField(input, "id")
			if id == "" {
				return "", fmt.Errorf("id is required")
			}
			if err := st.RemoveScheduledTask(id); err != nil {
				return "", err
			}
			resync()
			return tasksJSON()
		},
	})
}

func strField(input map[string]interface{}, key string) string {
	v, _ := input[key].(string)
	return v
}

func boolField(input map[string]interface{}, key string) bool {
	v, _ := input[key].(bool)
	return v
}
