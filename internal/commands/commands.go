// Package commands parses the slash-style chat command surface.
// Recognized commands are handled directly; everything else is
// forwarded to the broker as a prompt.
package commands

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/fentz26/agentbridge/internal/broker"
	"github.com/fentz26/agentbridge/internal/config"
	"github.com/fentz26/agentbridge/internal/models"
	"github.com/fentz26/agentbridge/internal/store"
	"github.com/fentz26/agentbridge/internal/transport"
)

// Handler interprets slash commands ahead of the broker.
type Handler struct {
	store  *store.Store
	cfg    *config.Config
	broker *broker.Broker
	queue  *transport.Queue
}

// New creates a command handler.
func New(st *store.Store, cfg *config.Config, b *broker.Broker, q *transport.Queue) *Handler {
	return &Handler{store: st, cfg: cfg, broker: b, queue: q}
}

// policyCommands maps mode-switch commands to session policies.
var policyCommands = map[string]models.PermissionPolicy{
	"/ask":    models.PolicyAsk,
	"/accept": models.PolicyAcceptEdits,
	"/bypass": models.PolicyBypass,
	"/plan":   models.PolicyPlan,
}

// Handle runs text through the command surface. It returns true when
// the text was consumed as a command; false means the caller should
// forward it to the broker.
func (h *Handler) Handle(ctx context.Context, sender, text string) bool {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return false
	}
	cmd, arg, _ := strings.Cut(trimmed, " ")
	cmd = strings.ToLower(cmd)
	arg = strings.TrimSpace(arg)

	reply := func(content string) {
		h.queue.SafeSend(ctx, transport.Message{Destination: sender, Content: content})
	}

	if policy, ok := policyCommands[cmd]; ok {
		if !h.requireOwner(sender, reply) {
			return true
		}
		h.setPolicy(policy, reply)
		return true
	}

	switch cmd {
	case "/new":
		if !h.requireOwner(sender, reply) {
			return true
		}
		h.newSession(reply)
	case "/stop":
		if h.broker.Abort() {
			reply("🛑 Stopping…")
		} else {
			reply("Nothing is running.")
		}
	case "/status":
		reply(h.status())
	case "/cwd":
		if !h.requireOwner(sender, reply) {
			return true
		}
		if arg == "" {
			reply(fmt.Sprintf("Working directory: %s", h.cfg.String(config.KeyWorkDir)))
			return true
		}
		if err := h.cfg.Set(config.KeyWorkDir, arg); err != nil {
			reply(fmt.Sprintf("⚠️ %v", err))
			return true
		}
		reply(fmt.Sprintf("📂 Working directory set to %s (applies to new sessions, /new to switch)", arg))
	case "/help":
		reply(helpText)
	default:
		// Unrecognized slash text goes to the agent like any prompt.
		return false
	}
	return true
}

const helpText = `Commands:
/new — start a fresh session
/stop — abort the running turn
/status — broker and session state
/ask — ask before every tool use
/accept — auto-accept file edits
/bypass — skip all permission checks
/plan — plan-only mode
/cwd [path] — show or set the working directory
/help — this text`

// requireOwner restricts a command to the owner contact. When no
// owner is configured every allow-listed sender may administer.
func (h *Handler) requireOwner(sender string, reply func(string)) bool {
	owner, err := h.store.Owner()
	if err != nil {
		log.Printf("[commands] owner lookup failed: %v", err)
		return false
	}
	if owner == nil || owner.Address == sender {
		return true
	}
	reply("⛔ Only the owner can do that.")
	return false
}

func (h *Handler) setPolicy(policy models.PermissionPolicy, reply func(string)) {
	if err := h.cfg.Set(config.KeyPermissionMode, string(policy)); err != nil {
		reply(fmt.Sprintf("⚠️ %v", err))
		return
	}
	if sess, err := h.store.ActiveSession(); err == nil && sess != nil {
		if err := h.store.SetSessionPolicy(sess.ID, policy); err != nil {
			log.Printf("[commands] set policy failed: %v", err)
		}
	}
	reply(fmt.Sprintf("🔐 Permission mode: %s", policy))
}

func (h *Handler) newSession(reply func(string)) {
	policy := models.PermissionPolicy(h.cfg.String(config.KeyPermissionMode))
	if !models.ValidPolicy(policy) {
		policy = models.PolicyAsk
	}
	sess, err := h.store.CreateSession(h.cfg.String(config.KeyWorkDir), policy)
	if err != nil {
		reply(fmt.Sprintf("⚠️ %v", err))
		return
	}
	reply(fmt.Sprintf("🆕 New session %s", shortID(sess.ID)))
}

func (h *Handler) status() string {
	snap := h.broker.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\n", snap.State)
	if sess, err := h.store.ActiveSession(); err == nil && sess != nil {
		fmt.Fprintf(&b, "Session: %s (%d messages, $%.4f)\n", shortID(sess.ID), sess.MessageCount, sess.CostUSD)
		fmt.Fprintf(&b, "Mode: %s\n", sess.Policy)
	} else {
		b.WriteString("Session: none\n")
	}
	fmt.Fprintf(&b, "Model: %s\n", h.cfg.String(config.KeyModel))
	if snap.QueuedSends > 0 {
		fmt.Fprintf(&b, "Queued sends: %d\n", snap.QueuedSends)
	}
	return strings.TrimRight(b.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
