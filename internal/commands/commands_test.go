package commands

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

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

func (f *fakeTransport) replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Content
	}
	return out
}

type idleRuntime struct{}

func (idleRuntime) Invoke(context.Context, agent.InvokeOptions) (*agent.Result, error) {
	return &agent.Result{Text: "done"}, nil
}

func newTestHandler(t *testing.T) (*Handler, *store.Store, *config.Config, *fakeTransport) {
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
	ft := &fakeTransport{}
	q := transport.NewQueue(ft, 10)
	b := broker.New(st, cfg, idleRuntime{}, q, tools.NewRegistry())
	return New(st, cfg, b, q), st, cfg, ft
}

func TestNonSlashTextIsNotConsumed(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	if h.Handle(context.Background(), "alice", "hello there") {
		t.Error("plain text should not be consumed")
	}
	if h.Handle(context.Background(), "alice", "  what's /status for?") {
		t.Error("text not starting with / should not be consumed")
	}
}

func TestUnknownSlashFallsThrough(t *testing.T) {
	h, _, _, ft := newTestHandler(t)

	if h.Handle(context.Background(), "alice", "/frobnicate") {
		t.Error("unknown slash command should fall through to the agent")
	}
	if len(ft.replies()) != 0 {
		t.Errorf("unexpected replies: %v", ft.replies())
	}
}

func TestPolicyCommandSwitchesMode(t *testing.T) {
	h, st, cfg, ft := newTestHandler(t)

	sess, err := st.CreateSession("", models.PolicyAsk)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if !h.Handle(context.Background(), "alice", "/accept") {
		t.Fatal("/accept should be consumed")
	}
	if got := cfg.String(config.KeyPermissionMode); got != string(models.PolicyAcceptEdits) {
		t.Errorf("permissionMode = %q, want %q", got, models.PolicyAcceptEdits)
	}
	updated, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if updated.Policy != models.PolicyAcceptEdits {
		t.Errorf("session policy = %q, want %q", updated.Policy, models.PolicyAcceptEdits)
	}
	replies := ft.replies()
	if len(replies) != 1 || !strings.Contains(replies[0], string(models.PolicyAcceptEdits)) {
		t.Errorf("replies = %v", replies)
	}
}

func TestOwnerGuard(t *testing.T) {
	h, st, cfg, ft := newTestHandler(t)

	if err := st.AddContact("owner@example", "Owner", "", true); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	if err := st.AddContact("guest@example", "Guest", "", false); err != nil {
		t.Fatalf("AddContact: %v", err)
	}

	if !h.Handle(context.Background(), "guest@example", "/bypass") {
		t.Fatal("/bypass should be consumed even when refused")
	}
	if got := cfg.String(config.KeyPermissionMode); got == string(models.PolicyBypass) {
		t.Error("non-owner should not change the permission mode")
	}
	replies := ft.replies()
	if len(replies) != 1 || !strings.Contains(replies[0], "owner") {
		t.Errorf("expected owner refusal, got %v", replies)
	}

	if !h.Handle(context.Background(), "owner@example", "/bypass") {
		t.Fatal("/bypass should be consumed")
	}
	if got := cfg.String(config.KeyPermissionMode); got != string(models.PolicyBypass) {
		t.Errorf("owner /bypass did not take effect, mode = %q", got)
	}
}

func TestOwnerGuardOpenWithoutOwner(t *testing.T) {
	h, _, cfg, _ := newTestHandler(t)

	// No contacts at all: administration is open.
	if !h.Handle(context.Background(), "anyone", "/plan") {
		t.Fatal("/plan should be consumed")
	}
	if got := cfg.String(config.KeyPermissionMode); got != string(models.PolicyPlan) {
		t.Errorf("mode = %q, want %q", got, models.PolicyPlan)
	}
}

func TestNewSessionCommand(t *testing.T) {
	h, st, _, ft := newTestHandler(t)

	if !h.Handle(context.Background(), "alice", "/new") {
		t.Fatal("/new should be consumed")
	}
	sess, err := st.ActiveSession()
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if sess == nil {
		t.Fatal("expected an active session after /new")
	}
	replies := ft.replies()
	if len(replies) != 1 || !strings.Contains(replies[0], "New session") {
		t.Errorf("replies = %v", replies)
	}
}

func TestStopWithNothingRunning(t *testing.T) {
	h, _, _, ft := newTestHandler(t)

	if !h.Handle(context.Background(), "alice", "/stop") {
		t.Fatal("/stop should be consumed")
	}
	replies := ft.replies()
	if len(replies) != 1 || replies[0] != "Nothing is running." {
		t.Errorf("replies = %v", replies)
	}
}

func TestStatusReportsStateAndSession(t *testing.T) {
	h, st, _, ft := newTestHandler(t)

	if _, err := st.CreateSession("", models.PolicyAsk); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if !h.Handle(context.Background(), "alice", "/status") {
		t.Fatal("/status should be consumed")
	}
	replies := ft.replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %v", replies)
	}
	for _, want := range []string{"State: idle", "Session: ", "Mode: default", "Model: default"} {
		if !strings.Contains(replies[0], want) {
			t.Errorf("status missing %q:\n%s", want, replies[0])
		}
	}
}

func TestCwdShowAndSet(t *testing.T) {
	h, _, cfg, ft := newTestHandler(t)

	if !h.Handle(context.Background(), "alice", "/cwd") {
		t.Fatal("/cwd should be consumed")
	}
	if !h.Handle(context.Background(), "alice", "/cwd /srv/work") {
		t.Fatal("/cwd with arg should be consumed")
	}
	if got := cfg.String(config.KeyWorkDir); got != "/srv/work" {
		t.Errorf("workDir = %q, want /srv/work", got)
	}
	replies := ft.replies()
	if len(replies) != 2 {
		t.Fatalf("replies = %v", replies)
	}
	if !strings.Contains(replies[1], "/srv/work") {
		t.Errorf("set reply = %q", replies[1])
	}
}

func TestHelpListsCommands(t *testing.T) {
	h, _, _, ft := newTestHandler(t)

	if !h.Handle(context.Background(), "alice", "/help") {
		t.Fatal("/help should be consumed")
	}
	replies := ft.replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %v", replies)
	}
	for _, cmd := range []string{"/new", "/stop", "/status", "/cwd"} {
		if !strings.Contains(replies[0], cmd) {
			t.Errorf("help missing %s", cmd)
		}
	}
}

func TestCommandIsCaseInsensitive(t *testing.T) {
	h, _, _, ft := newTestHandler(t)

	if !h.Handle(context.Background(), "alice", "/STATUS") {
		t.Fatal("/STATUS should be consumed")
	}
	if len(ft.replies()) != 1 {
		t.Errorf("replies = %v", ft.replies())
	}
}
