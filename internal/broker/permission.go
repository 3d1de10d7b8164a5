package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/agentbridge/internal/agent"
	"github.com/fentz26/agentbridge/internal/config"
	"github.com/fentz26/agentbridge/internal/models"
	"github.com/fentz26/agentbridge/internal/transport"
)

// questionTool is the runtime's interactive question tool. Requests
// for it get option-selection semantics instead of allow/deny.
const questionTool = "AskUserQuestion"

// RequestKind tags a pending permission request at construction time.
type RequestKind string

const (
	KindToolUse  RequestKind = "tool_use"
	KindQuestion RequestKind = "question"
)

// Question is one multiple-choice question from the question tool.
type Question struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// Pending is the single outstanding permission request. At most one
// exists process-wide; it is resolved exactly once.
type Pending struct {
	ID        string                 `json:"id"`
	Kind      RequestKind            `json:"kind"`
	ToolName  string                 `json:"toolName"`
	ToolInput map[string]interface{} `json:"toolInput"`
	Questions []Question             `json:"questions,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`

	destination string
	resolved    chan resolution
}

type resolution struct {
	decision agent.PermissionDecision
	via      string
}

func newPending(req agent.PermissionRequest, destination string) *Pending {
	p := &Pending{
		ID:          uuid.NewString(),
		Kind:        KindToolUse,
		ToolName:    req.ToolName,
		ToolInput:   req.ToolInput,
		CreatedAt:   time.Now(),
		destination: destination,
		resolved:    make(chan resolution, 1),
	}
	if req.ToolName == questionTool {
		p.Kind = KindQuestion
		p.Questions = parseQuestions(req.ToolInput)
	}
	return p
}

// parseQuestions pulls the question list out of the tool input.
// Options may be plain strings or {label: ...} objects.
func parseQuestions(input map[string]interface{}) []Question {
	raw, ok := input["questions"].([]interface{})
	if !ok {
		return nil
	}
	var out []Question
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		q := Question{}
		q.Question, _ = m["question"].(string)
		if opts, ok := m["options"].([]interface{}); ok {
			for _, o := range opts {
				switch v := o.(type) {
				case string:
					q.Options = append(q.Options, v)
				case map[string]interface{}:
					if label, ok := v["label"].(string); ok {
						q.Options = append(q.Options, label)
					}
				}
			}
		}
		if q.Question != "" {
			out = append(out, q)
		}
	}
	return out
}

// answeredInput returns a copy of the tool input with the answer
// merged in under the answers key, keyed by question text.
func (p *Pending) answeredInput(answer string) map[string]interface{} {
	out := make(map[string]interface{}, len(p.ToolInput)+1)
	for k, v := range p.ToolInput {
		out[k] = v
	}
	answers := make(map[string]string, len(p.Questions))
	for _, q := range p.Questions {
		answers[q.Question] = answer
	}
	out["answers"] = answers
	return out
}

// awaitPermission surfaces a permission request to chat and UI and
// blocks until it is resolved by a reply, a UI decision, the timeout,
// or turn cancellation. It owns the waiting_permission transition.
func (b *Broker) awaitPermission(ctx context.Context, sessionID, destination string, req agent.PermissionRequest) agent.PermissionDecision {
	started := time.Now()

	if destination == "" {
		decision := agent.Deny("no interactive destination to ask for permission")
		b.logDecision(sessionID, req.ToolName, req.ToolInput, decision, models.ViaAuto, 0)
		return decision
	}

	p := newPending(req, destination)

	b.mu.Lock()
	if b.pending != nil {
		// Single-flight invariant violated upstream; refuse rather
		// than clobber the live request.
		b.mu.Unlock()
		return agent.Deny("another permission request is already pending")
	}
	b.pending = p
	b.setStateLocked(StateWaitingPermission)
	b.mu.Unlock()

	timeoutSec := b.cfg.Int(config.KeyPermissionTimeoutSec)
	lang := b.cfg.String(config.KeyLanguage)
	m := messagesFor(lang)

	b.queue.SafeSend(ctx, transport.Message{
		Destination: destination,
		Content:     permissionPrompt(m, p, timeoutSec),
	})

	timer := time.NewTimer(time.Duration(timeoutSec) * time.Second)
	defer timer.Stop()

	// The buffered resolution channel is the claim point: the first
	// path to send wins, losers see complete() return false.
	var res resolution
	select {
	case res = <-p.resolved:
	case <-timer.C:
		if p.complete(resolution{decision: agent.Deny("permission request timed out"), via: models.ViaTimeout}) {
			b.queue.SafeSend(ctx, transport.Message{Destination: destination, Content: m.permissionTimeout})
		}
		res = <-p.resolved
	case <-ctx.Done():
		p.complete(resolution{decision: agent.Deny("turn aborted"), via: models.ViaAbort})
		res = <-p.resolved
	}

	elapsed := time.Since(started).Milliseconds()
	if res.via == models.ViaTimeout {
		elapsed = int64(timeoutSec) * 1000
	}
	b.logDecision(sessionID, req.ToolName, req.ToolInput, res.decision, res.via, elapsed)

	b.mu.Lock()
	b.pending = nil
	if b.state == StateWaitingPermission {
		b.setStateLocked(StateQuerying)
	}
	b.mu.Unlock()

	log.Printf("[broker] permission %s for %s via %s (%dms)", res.decision.Behavior, req.ToolName, res.via, elapsed)
	return res.decision
}

func (b *Broker) logDecision(sessionID, toolName string, input map[string]interface{}, d agent.PermissionDecision, via string, elapsedMs int64) {
	snapshot, err := json.Marshal(input)
	if err != nil {
		snapshot = []byte("{}")
	}
	if err := b.store.LogPermission(sessionID, toolName, string(snapshot), d.Behavior, via, elapsedMs); err != nil {
		log.Printf("[broker] permission log write failed: %v", err)
	}
}

// resolvePendingFromChat interprets an inbound reply against the
// pending request. Returns false when no request is pending or the
// reply came from a different destination.
func (b *Broker) resolvePendingFromChat(sender, text string) bool {
	b.mu.Lock()
	p := b.pending
	b.mu.Unlock()
	if p == nil || p.destination != sender {
		return false
	}

	lang := b.cfg.String(config.KeyLanguage)
	var decision agent.PermissionDecision

	if p.Kind == KindQuestion {
		answer := strings.TrimSpace(text)
		if n, err := strconv.Atoi(answer); err == nil && len(p.Questions) > 0 {
			opts := p.Questions[0].Options
			if n >= 1 && n <= len(opts) {
				answer = opts[n-1]
			}
		}
		decision = agent.Allow(p.answeredInput(answer))
	} else if isAffirmative(lang, text) {
		decision = agent.Allow(p.ToolInput)
	} else {
		decision = agent.Deny(fmt.Sprintf("denied by user: %s", strings.TrimSpace(text)))
	}

	return p.complete(resolution{decision: decision, via: models.ViaChat})
}

// RespondToPermission resolves the pending request from the UI. A
// decision addressed to a stale id is a no-op.
func (b *Broker) RespondToPermission(id string, allow bool, answer, message string) bool {
	b.mu.Lock()
	p := b.pending
	b.mu.Unlock()
	if p == nil || p.ID != id {
		return false
	}

	var decision agent.PermissionDecision
	switch {
	case allow && p.Kind == KindQuestion:
		decision = agent.Allow(p.answeredInput(answer))
	case allow:
		decision = agent.Allow(p.ToolInput)
	case message != "":
		decision = agent.Deny(message)
	default:
		decision = agent.Deny("denied by user")
	}
	return p.complete(resolution{decision: decision, via: models.ViaUI})
}

// complete delivers the resolution exactly once; a loser of the race
// against the timer or another path gets false.
func (p *Pending) complete(res resolution) bool {
	select {
	case p.resolved <- res:
		return true
	default:
		return false
	}
}
