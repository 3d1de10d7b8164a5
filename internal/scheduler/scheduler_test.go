package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/agentbridge/internal/agent"
	"github.com/fentz26/agentbridge/internal/broker"
	"github.com/fentz26/agentbridge/internal/config"
	"github.com/fentz26/agentbridge/internal/models"
	"github.com/fentz26/agentbridge/internal/store"
	"github.com/fentz26/agentbridge/internal/tools"
	"github.com/fentz26/agentbridge/internal/transport"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []transport.Message
}

func (f *fakeTransport) Status() transport.Status { return transport.StatusConnected }

func (f *fakeTransport) Send(_ context.Context, msg transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) SetInboundHandler(func(transport.Inbound)) {}
func (f *fakeTransport) SetOnReconnect(func())                     {}
func (f *fakeTransport) Connect(context.Context) error             { return nil }
func (f *fakeTransport) Disconnect() error                         { return nil }

type fakeRuntime struct {
	mu     sync.Mutex
	calls  int
	invoke func(ctx context.Context, opts agent.InvokeOptions) (*agent.Result, error)
}

func (f *fakeRuntime) Invoke(ctx context.Context, opts agent.InvokeOptions) (*agent.Result, error) {
	f.mu.Lock()
	f.calls++
	fn := f.invoke
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, opts)
	}
	return &agent.Result{Text: "done", ResumeToken: "tok", Duration: time.Second}, nil
}

func newTestScheduler(t *testing.T, rt agent.Runtime) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := config.New(st)
	if err := cfg.InitDefaults(); err != nil {
		t.Fatalf("InitDefaults: %v", err)
	}
	if rt == nil {
		rt = &fakeRuntime{}
	}
	q := transport.NewQueue(&fakeTransport{}, 10)
	b := broker.New(st, cfg, rt, q, tools.NewRegistry())
	sch := New(st, b)
	t.Cleanup(sch.cancel)
	return sch, st
}

func hasLogEntry(sch *Scheduler, kind, substr string) bool {
	for _, e := range sch.Log() {
		if e.Kind == kind && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestSeedCreatesSystemTasks(t *testing.T) {
	sch, st := newTestScheduler(t, nil)

	sch.seedSystemTasks()

	tasks, err := st.ListScheduledTasks()
	if err != nil {
		t.Fatalf("ListScheduledTasks: %v", err)
	}
	if len(tasks) != len(systemTasks) {
		t.Fatalf("expected %d seeded tasks, got %d", len(systemTasks), len(tasks))
	}
	byName := make(map[string]models.ScheduledTask)
	for _, task := range tasks {
		byName[task.Name] = task
	}
	hb, ok := byName["Heartbeat"]
	if !ok {
		t.Fatal("Heartbeat task not seeded")
	}
	if hb.Type != models.TaskSystem {
		t.Errorf("Heartbeat type = %q, want system", hb.Type)
	}
	if hb.CronExpr != "*/30 7-23 * * *" {
		t.Errorf("Heartbeat cron = %q", hb.CronExpr)
	}
	if _, ok := byName["Nightly Consolidation"]; !ok {
		t.Error("Nightly Consolidation task not seeded")
	}

	// Re-seeding must not duplicate.
	sch.seedSystemTasks()
	tasks, _ = st.ListScheduledTasks()
	if len(tasks) != len(systemTasks) {
		t.Errorf("re-seed duplicated tasks: %d", len(tasks))
	}
}

func TestSeedFixesDriftedType(t *testing.T) {
	sch, st := newTestScheduler(t, nil)

	if _, err := st.CreateScheduledTask("Heartbeat", "drifted", "*/30 7-23 * * *", false, "", models.TaskUser); err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}

	sch.seedSystemTasks()

	tasks, _ := st.ListScheduledTasks()
	for _, task := range tasks {
		if task.Name == "Heartbeat" && task.Type != models.TaskSystem {
			t.Errorf("Heartbeat type = %q, want system", task.Type)
		}
	}
	if !hasLogEntry(sch, KindSeed, "type fixed") {
		t.Error("expected a type-fix seed log entry")
	}
}

func TestSyncSkipsInvalidCron(t *testing.T) {
	sch, st := newTestScheduler(t, nil)

	good, err := st.CreateScheduledTask("good", "p", "0 9 * * *", false, "", models.TaskUser)
	if err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}
	if _, err := st.CreateScheduledTask("bad", "p", "not a cron", false, "", models.TaskUser); err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}

	sch.Sync()

	ids := sch.ActiveJobs()
	if len(ids) != 1 || ids[0] != good.ID {
		t.Errorf("ActiveJobs = %v, want [%s]", ids, good.ID)
	}
	if !hasLogEntry(sch, KindError, "invalid cron") {
		t.Error("expected an invalid-cron error log entry")
	}
	if !hasLogEntry(sch, KindInfo, "1 active job(s)") {
		t.Errorf("expected active count entry, log: %v", sch.Log())
	}
}

func TestSyncSkipsDisabled(t *testing.T) {
	sch, st := newTestScheduler(t, nil)

	task, err := st.CreateScheduledTask("paused", "p", "0 9 * * *", false, "", models.TaskUser)
	if err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}
	enabled := false
	if err := st.UpdateScheduledTask(task.ID, store.TaskUpdate{Enabled: &enabled}); err != nil {
		t.Fatalf("UpdateScheduledTask: %v", err)
	}

	sch.Sync()

	if len(sch.ActiveJobs()) != 0 {
		t.Errorf("disabled task registered: %v", sch.ActiveJobs())
	}
	if !hasLogEntry(sch, KindInfo, "no active jobs") {
		t.Error("expected no-active-jobs entry")
	}
}

func TestFireMarksRun(t *testing.T) {
	sch, st := newTestScheduler(t, nil)

	task, err := st.CreateScheduledTask("report", "write the report", "0 9 * * *", false, "", models.TaskUser)
	if err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}

	sch.fire(*task, time.Now())

	tasks, _ := st.ListScheduledTasks()
	if tasks[0].LastRunAt == nil {
		t.Error("LastRunAt not set after fire")
	}
	if !tasks[0].Enabled {
		t.Error("recurring task should stay enabled")
	}
	if !hasLogEntry(sch, KindFire, `"report"`) {
		t.Error("expected a fire log entry")
	}
	if !hasLogEntry(sch, KindInfo, `"report" done`) {
		t.Error("expected a done log entry")
	}
}

func TestFirePromptCarriesTaskLabel(t *testing.T) {
	var got string
	rt := &fakeRuntime{invoke: func(_ context.Context, opts agent.InvokeOptions) (*agent.Result, error) {
		got = opts.Prompt
		return &agent.Result{Text: "done"}, nil
	}}
	sch, st := newTestScheduler(t, rt)

	task, err := st.CreateScheduledTask("report", "write the report", "0 9 * * *", false, "", models.TaskUser)
	if err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}

	sch.fire(*task, time.Now())

	want := "[Scheduled: report] write the report"
	if got != want {
		t.Errorf("prompt = %q, want %q", got, want)
	}
}

func TestFireOneShotDisablesAndResyncs(t *testing.T) {
	sch, st := newTestScheduler(t, nil)

	task, err := st.CreateScheduledTask("once", "p", "0 9 * * *", true, "", models.TaskUser)
	if err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}
	sch.Sync()
	if len(sch.ActiveJobs()) != 1 {
		t.Fatalf("ActiveJobs = %v", sch.ActiveJobs())
	}

	sch.fire(*task, time.Now())

	tasks, _ := st.ListScheduledTasks()
	if tasks[0].Enabled {
		t.Error("one-shot task should be disabled after firing")
	}
	if len(sch.ActiveJobs()) != 0 {
		t.Errorf("one-shot still registered after resync: %v", sch.ActiveJobs())
	}
	if !hasLogEntry(sch, KindInfo, "one-shot disabled") {
		t.Error("expected a one-shot disable log entry")
	}
}

func TestFireFutureStartDateSkips(t *testing.T) {
	rt := &fakeRuntime{}
	sch, st := newTestScheduler(t, rt)

	tomorrow := time.Now().AddDate(0, 0, 1).Format("2006-01-02")
	task, err := st.CreateScheduledTask("later", "p", "0 9 * * *", false, tomorrow, models.TaskUser)
	if err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}

	sch.fire(*task, time.Now())

	if rt.calls != 0 {
		t.Errorf("gated task invoked the agent %d time(s)", rt.calls)
	}
	tasks, _ := st.ListScheduledTasks()
	if tasks[0].LastRunAt != nil {
		t.Error("gated fire must not mark the task run")
	}
	if !hasLogEntry(sch, KindSkip, tomorrow) {
		t.Error("expected a start-date skip entry")
	}
}

func TestFireBadStartDateLogsError(t *testing.T) {
	rt := &fakeRuntime{}
	sch, st := newTestScheduler(t, rt)

	task, err := st.CreateScheduledTask("broken", "p", "0 9 * * *", false, "soon", models.TaskUser)
	if err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}

	sch.fire(*task, time.Now())

	if rt.calls != 0 {
		t.Errorf("task with bad start date invoked the agent %d time(s)", rt.calls)
	}
	if !hasLogEntry(sch, KindError, "bad start date") {
		t.Error("expected a bad-start-date error entry")
	}
}

func TestFireBusyBrokerSkips(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	rt := &fakeRuntime{invoke: func(ctx context.Context, _ agent.InvokeOptions) (*agent.Result, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &agent.Result{Text: "done"}, nil
	}}
	sch, st := newTestScheduler(t, rt)

	task, err := st.CreateScheduledTask("contended", "p", "0 9 * * *", false, "", models.TaskUser)
	if err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}

	// Occupy the broker with a long chat turn, then fire into it.
	chatDone := make(chan struct{})
	go func() {
		defer close(chatDone)
		sch.broker.HandleChat(context.Background(), "alice", "long task")
	}()
	<-started

	sch.fire(*task, time.Now())

	if !hasLogEntry(sch, KindSkip, "broker busy") {
		t.Errorf("expected a busy skip entry, log: %v", sch.Log())
	}
	tasks, _ := st.ListScheduledTasks()
	if tasks[0].LastRunAt != nil {
		t.Error("dropped fire must not mark the task run")
	}

	close(release)
	<-chatDone
}

func TestLogRingCaps(t *testing.T) {
	sch, _ := newTestScheduler(t, nil)

	for i := 0; i < MaxLogEntries+10; i++ {
		sch.log(KindInfo, fmt.Sprintf("entry %d", i))
	}

	entries := sch.Log()
	if len(entries) != MaxLogEntries {
		t.Fatalf("ring length = %d, want %d", len(entries), MaxLogEntries)
	}
	if entries[0].Message != "entry 10" {
		t.Errorf("oldest entry = %q, want entry 10", entries[0].Message)
	}
	if entries[len(entries)-1].Message != fmt.Sprintf("entry %d", MaxLogEntries+9) {
		t.Errorf("newest entry = %q", entries[len(entries)-1].Message)
	}
}

func TestTickFiresDueJobs(t *testing.T) {
	sch, st := newTestScheduler(t, nil)

	if _, err := st.CreateScheduledTask("due", "p", "* * * * *", false, "", models.TaskUser); err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}
	sch.Sync()

	sch.tick(time.Now())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tasks, _ := st.ListScheduledTasks()
		if len(tasks) == 1 && tasks[0].LastRunAt != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("due task never fired")
}
