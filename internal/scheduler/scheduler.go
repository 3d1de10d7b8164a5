// Package scheduler fires scheduled-task prompts into the broker on
// a minute tick. Registration is non-incremental: any task change
// tears down and rebuilds the whole job set.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fentz26/agentbridge/internal/broker"
	"github.com/fentz26/agentbridge/internal/cronexpr"
	"github.com/fentz26/agentbridge/internal/models"
	"github.com/fentz26/agentbridge/internal/store"
)

// MaxLogEntries caps the observability ring buffer.
const MaxLogEntries = 50

// LogEntry is one scheduler lifecycle event.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
}

// Log entry kinds.
const (
	KindRegister = "register"
	KindFire     = "fire"
	KindSkip     = "skip"
	KindError    = "error"
	KindInfo     = "info"
	KindSeed     = "seed"
)

// systemTasks are seeded at every start: created when missing, type
// corrected when drifted.
var systemTasks = []struct {
	name, prompt, cronExpr string
}{
	{
		name:     "Heartbeat",
		prompt:   "@HEARTBEAT.md — check status and act proactively.",
		cronExpr: "*/30 7-23 * * *",
	},
	{
		name:     "Nightly Consolidation",
		prompt:   "@.claude/skills/consolidation/SKILL.md — start the nightly consolidation.",
		cronExpr: "0 3 * * *",
	},
}

// Scheduler owns the registered job set and the minute tick.
type Scheduler struct {
	store  *store.Store
	broker *broker.Broker

	mu   sync.Mutex
	jobs map[string]models.ScheduledTask
	ring []LogEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped scheduler.
func New(st *store.Store, b *broker.Broker) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  st,
		broker: b,
		jobs:   make(map[string]models.ScheduledTask),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start seeds system tasks, registers jobs, and begins ticking.
func (sch *Scheduler) Start() {
	sch.seedSystemTasks()
	sch.Sync()
	sch.wg.Add(1)
	go sch.tickLoop()
	log.Printf("[scheduler] started")
}

// Stop halts the tick loop. Registered jobs are just map entries, so
// nothing else needs tearing down.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	log.Printf("[scheduler] stopped")
}

// Sync tears down and rebuilds the whole job set from the store. An
// invalid expression skips that task only.
func (sch *Scheduler) Sync() {
	tasks, err := sch.store.ListScheduledTasks()
	if err != nil {
		sch.log(KindError, fmt.Sprintf("task load failed: %v", err))
		return
	}

	sch.mu.Lock()
	sch.jobs = make(map[string]models.ScheduledTask)
	sch.mu.Unlock()

	active := 0
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		if err := cronexpr.Validate(task.CronExpr); err != nil {
			sch.log(KindError, fmt.Sprintf("invalid cron for %q: %s", task.Name, task.CronExpr))
			continue
		}
		sch.mu.Lock()
		sch.jobs[task.ID] = task
		sch.mu.Unlock()
		sch.log(KindRegister, fmt.Sprintf("%q registered: %s", task.Name, task.CronExpr))
		active++
	}
	if active == 0 {
		sch.log(KindInfo, "no active jobs")
	} else {
		sch.log(KindInfo, fmt.Sprintf("%d active job(s)", active))
	}
}

// ActiveJobs returns the ids of currently registered jobs.
func (sch *Scheduler) ActiveJobs() []string {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	ids := make([]string, 0, len(sch.jobs))
	for id := range sch.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Log returns a copy of the ring buffer, oldest first.
func (sch *Scheduler) Log() []LogEntry {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	out := make([]LogEntry, len(sch.ring))
	copy(out, sch.ring)
	return out
}

func (sch *Scheduler) log(kind, message string) {
	sch.mu.Lock()
	sch.ring = append(sch.ring, LogEntry{Timestamp: time.Now(), Kind: kind, Message: message})
	if len(sch.ring) > MaxLogEntries {
		sch.ring = sch.ring[len(sch.ring)-MaxLogEntries:]
	}
	sch.mu.Unlock()
	log.Printf("[scheduler] %s: %s", kind, message)
}

func (sch *Scheduler) seedSystemTasks() {
	existing, err := sch.store.ListScheduledTasks()
	if err != nil {
		sch.log(KindError, fmt.Sprintf("seed load failed: %v", err))
		return
	}
	byName := make(map[string]models.ScheduledTask, len(existing))
	for _, t := range existing {
		byName[t.Name] = t
	}
	for _, def := range systemTasks {
		found, ok := byName[def.name]
		if !ok {
			if _, err := sch.store.CreateScheduledTask(def.name, def.prompt, def.cronExpr, false, "", models.TaskSystem); err != nil {
				sch.log(KindError, fmt.Sprintf("seed %q failed: %v", def.name, err))
				continue
			}
			sch.log(KindSeed, fmt.Sprintf("system task %q created (%s)", def.name, def.cronExpr))
			continue
		}
		if found.Type != models.TaskSystem {
			typ := models.TaskSystem
			if err := sch.store.UpdateScheduledTask(found.ID, store.TaskUpdate{Type: &typ}); err != nil {
				sch.log(KindError, fmt.Sprintf("seed %q type fix failed: %v", def.name, err))
				continue
			}
			sch.log(KindSeed, fmt.Sprintf("system task %q type fixed", def.name))
		}
	}
}

// tickLoop evaluates every registered job once per minute, aligned to
// the minute boundary.
func (sch *Scheduler) tickLoop() {
	defer sch.wg.Done()

	now := time.Now()
	first := now.Truncate(time.Minute).Add(time.Minute)
	timer := time.NewTimer(first.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case t := <-timer.C:
			sch.tick(t)
			next := t.Truncate(time.Minute).Add(time.Minute)
			timer.Reset(time.Until(next))
		}
	}
}

func (sch *Scheduler) tick(now time.Time) {
	sch.mu.Lock()
	due := make([]models.ScheduledTask, 0, 1)
	for _, task := range sch.jobs {
		if cronexpr.MatchesTime(task.CronExpr, now) {
			due = append(due, task)
		}
	}
	sch.mu.Unlock()

	// Fires run detached so the tick keeps going during long turns;
	// the broker's busy claim serializes them.
	for _, task := range due {
		go sch.fire(task, now)
	}
}

// fire runs one due task through the broker. A busy broker drops the
// fire; missed fires are never queued.
func (sch *Scheduler) fire(task models.ScheduledTask, now time.Time) {
	if task.StartDate != "" {
		start, err := time.ParseInLocation("2006-01-02", task.StartDate, time.Local)
		if err != nil {
			sch.log(KindError, fmt.Sprintf("%q has a bad start date: %s", task.Name, task.StartDate))
			return
		}
		if now.Before(start) {
			sch.log(KindSkip, fmt.Sprintf("%q — starts %s", task.Name, task.StartDate))
			return
		}
	}

	sch.log(KindFire, fmt.Sprintf("%q (cron: %s, oneShot: %t)", task.Name, task.CronExpr, task.OneShot))
	prompt := fmt.Sprintf("[Scheduled: %s] %s", task.Name, task.Prompt)
	if err := sch.broker.HandleScheduled(sch.ctx, task.Name, prompt); err != nil {
		if errors.Is(err, broker.ErrBusy) {
			sch.log(KindSkip, fmt.Sprintf("%q — broker busy", task.Name))
		} else {
			sch.log(KindError, fmt.Sprintf("%q failed: %v", task.Name, err))
		}
		return
	}
	sch.log(KindInfo, fmt.Sprintf("%q done", task.Name))

	if err := sch.store.MarkTaskRun(task.ID); err != nil {
		sch.log(KindError, fmt.Sprintf("%q run mark failed: %v", task.Name, err))
	}
	if task.OneShot {
		enabled := false
		if err := sch.store.UpdateScheduledTask(task.ID, store.TaskUpdate{Enabled: &enabled}); err != nil {
			sch.log(KindError, fmt.Sprintf("%q disable failed: %v", task.Name, err))
			return
		}
		sch.log(KindInfo, fmt.Sprintf("%q one-shot disabled", task.Name))
		sch.Sync()
	}
}
