package tools

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fentz26/agentbridge/internal/models"
	"github.com/fentz26/agentbridge/internal/store"
)

func TestRegistryRegisterAndCall(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(Tool{Name: "", Handler: func(map[string]interface{}) (string, error) { return "", nil }}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.Register(Tool{Name: "noop"}); err == nil {
		t.Error("expected error for nil handler")
	}

	if err := r.Register(Tool{
		Name: "echo",
		Handler: func(input map[string]interface{}) (string, error) {
			s, _ := input["text"].(string)
			return s, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if !r.Has("echo") {
		t.Error("Has(echo) = false")
	}
	if r.Has("other") {
		t.Error("Has(other) = true")
	}

	out, err := r.Call("echo", map[string]interface{}{"text": "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "hi" {
		t.Errorf("Call = %q, want hi", out)
	}
	if _, err := r.Call("missing", nil); err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	noop := func(map[string]interface{}) (string, error) { return "", nil }
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(Tool{Name: name, Handler: noop}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	names := r.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("Names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func newSchedulerTools(t *testing.T) (*Registry, *store.Store, *int) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	r := NewRegistry()
	resyncs := 0
	if err := RegisterSchedulerTools(r, st, func() { resyncs++ }); err != nil {
		t.Fatalf("RegisterSchedulerTools: %v", err)
	}
	return r, st, &resyncs
}

func TestSchedulerToolsRegistered(t *testing.T) {
	r, _, _ := newSchedulerTools(t)
	for _, name := range []string{"list_tasks", "add_task", "update_task", "remove_task"} {
		if !r.Has(name) {
			t.Errorf("tool %q not registered", name)
		}
	}
}

func TestAddTaskCreatesAgentTask(t *testing.T) {
	r, st, resyncs := newSchedulerTools(t)

	out, err := r.Call("add_task", map[string]interface{}{
		"name":      "reminder",
		"prompt":    "remind me",
		"cron_expr": "0 9 * * *",
		"one_shot":  true,
	})
	if err != nil {
		t.Fatalf("add_task: %v", err)
	}

	tasks, err := st.ListScheduledTasks()
	if err != nil {
		t.Fatalf("ListScheduledTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %v", tasks)
	}
	if tasks[0].Type != models.TaskAgent {
		t.Errorf("type = %q, want agent", tasks[0].Type)
	}
	if !tasks[0].OneShot {
		t.Error("one_shot not set")
	}
	if *resyncs != 1 {
		t.Errorf("resyncs = %d, want 1", *resyncs)
	}

	// The result echoes the task list back to the agent.
	var listed []models.ScheduledTask
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("result is not a task list: %v", err)
	}
	if len(listed) != 1 || listed[0].Name != "reminder" {
		t.Errorf("result = %v", listed)
	}
}

func TestAddTaskValidation(t *testing.T) {
	r, st, resyncs := newSchedulerTools(t)

	if _, err := r.Call("add_task", map[string]interface{}{"name": "x"}); err == nil {
		t.Error("expected error for missing fields")
	}
	if _, err := r.Call("add_task", map[string]interface{}{
		"name": "x", "prompt": "p", "cron_expr": "61 * * * *",
	}); err == nil || !strings.Contains(err.Error(), "invalid cron_expr") {
		t.Errorf("expected invalid cron error, got %v", err)
	}
	tasks, _ := st.ListScheduledTasks()
	if len(tasks) != 0 {
		t.Errorf("invalid input persisted: %v", tasks)
	}
	if *resyncs != 0 {
		t.Errorf("resyncs = %d, want 0", *resyncs)
	}
}

func TestUpdateTaskPartialFields(t *testing.T) {
	r, st, resyncs := newSchedulerTools(t)

	task, err := st.CreateScheduledTask("reminder", "remind me", "0 9 * * *", false, "", models.TaskAgent)
	if err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}

	if _, err := r.Call("update_task", map[string]interface{}{
		"id":      task.ID,
		"enabled": false,
	}); err != nil {
		t.Fatalf("update_task: %v", err)
	}

	tasks, _ := st.ListScheduledTasks()
	if tasks[0].Enabled {
		t.Error("task still enabled")
	}
	if tasks[0].Prompt != "remind me" {
		t.Errorf("untouched field changed: %q", tasks[0].Prompt)
	}
	if *resyncs != 1 {
		t.Errorf("resyncs = %d, want 1", *resyncs)
	}

	if _, err := r.Call("update_task", map[string]interface{}{
		"id": task.ID, "cron_expr": "99 * * * *",
	}); err == nil {
		t.Error("expected invalid cron error")
	}
	if _, err := r.Call("update_task", map[string]interface{}{}); err == nil {
		t.Error("expected error for missing id")
	}
}

func TestRemoveTask(t *testing.T) {
	r, st, resyncs := newSchedulerTools(t)

	task, err := st.CreateScheduledTask("reminder", "remind me", "0 9 * * *", false, "", models.TaskAgent)
	if err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}

	if _, err := r.Call("remove_task", map[string]interface{}{"id": task.ID}); err != nil {
		t.Fatalf("remove_task: %v", err)
	}
	tasks, _ := st.ListScheduledTasks()
	if len(tasks) != 0 {
		t.Errorf("tasks = %v", tasks)
	}
	if *resyncs != 1 {
		t.Errorf("resyncs = %d, want 1", *resyncs)
	}
}
