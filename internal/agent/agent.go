// Package agent defines the agent runtime contract consumed by the
// broker, plus the subprocess adapter for the Claude Code CLI.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/fentz26/agentbridge/internal/models"
	"github.com/fentz26/agentbridge/internal/tools"
)

// ErrStaleResume indicates the runtime rejected the supplied resume
// token. The broker retries once without a token.
var ErrStaleResume = errors.New("stale resume token")

// PermissionRequest is a tool-use decision the runtime needs mid-turn.
type PermissionRequest struct {
	ToolName  string
	ToolInput map[string]interface{}
}

// PermissionDecision answers a PermissionRequest.
type PermissionDecision struct {
	Behavior     string                 `json:"behavior"` // "allow" | "deny"
	UpdatedInput map[string]interface{} `json:"updatedInput,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

// Allow builds an allow decision carrying the (possibly updated) input.
func Allow(input map[string]interface{}) PermissionDecision {
	return PermissionDecision{Behavior: "allow", UpdatedInput: input}
}

// Deny builds a deny decision with a reason.
func Deny(message string) PermissionDecision {
	return PermissionDecision{Behavior: "deny", Message: message}
}

// Push is a proactive mid-turn message from the agent's send_message
// tool, delivered over the per-turn push channel.
type Push struct {
	Content        string
	AttachmentPath string
}

// InvokeOptions describes one agent turn.
type InvokeOptions struct {
	Prompt      string
	WorkDir     string
	ResumeToken string
	Model       string
	Policy      models.PermissionPolicy
	MaxTurns    int

	// OnText receives intermediate assistant text as it streams.
	OnText func(text string)

	// OnPermission is awaited mid-invocation for each tool-use
	// decision when the policy is not bypass.
	OnPermission func(ctx context.Context, req PermissionRequest) PermissionDecision

	// Pushes, when non-nil, receives send_message tool pushes. The
	// channel is owned by the caller and drained for the duration of
	// the turn.
	Pushes chan<- Push

	// Tools is the in-process tool registry exposed to the runtime.
	Tools *tools.Registry
}

// Result is the outcome of a completed turn.
type Result struct {
	Text        string
	ResumeToken string
	CostUSD     float64
	Duration    time.Duration
}

// Runtime executes agent turns. Implementations must honor context
// cancellation as a cooperative abort.
type Runtime interface {
	Invoke(ctx context.Context, opts InvokeOptions) (*Result, error)
}
