// Package models defines the core domain types for agentbridge.
package models

import "time"

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// PermissionPolicy controls how tool-use requests from the agent are handled.
type PermissionPolicy string

const (
	PolicyAsk         PermissionPolicy = "default"
	PolicyAcceptEdits PermissionPolicy = "acceptEdits"
	PolicyBypass      PermissionPolicy = "bypassPermissions"
	PolicyPlan        PermissionPolicy = "plan"
)

// ValidPolicy reports whether p is a known permission policy.
func ValidPolicy(p PermissionPolicy) bool {
	switch p {
	case PolicyAsk, PolicyAcceptEdits, PolicyBypass, PolicyPlan:
		return true
	}
	return false
}

// Session is a conversation with the agent. At most one session is
// active at any time; activating a new one closes the previous.
type Session struct {
	ID           string           `json:"id"`
	ResumeToken  string           `json:"resume_token,omitempty"`
	WorkDir      string           `json:"work_dir"`
	Policy       PermissionPolicy `json:"permission_policy"`
	Status       SessionStatus    `json:"status"`
	CostUSD      float64          `json:"cost_usd"`
	MessageCount int              `json:"message_count"`
	CreatedAt    time.Time        `json:"created_at"`
	ClosedAt     *time.Time       `json:"closed_at,omitempty"`
}

// Direction classifies a persisted message line.
type Direction string

const (
	DirInbound  Direction = "inbound"
	DirOutbound Direction = "outbound"
	DirSystem   Direction = "system"
)

// Message is one persisted line of a session transcript.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Direction Direction `json:"direction"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Contact is an allow-listed chat peer. At most one contact carries
// the owner flag; only the owner may change modes or workspaces.
type Contact struct {
	Address     string    `json:"address"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	IsOwner     bool      `json:"is_owner"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskType records who owns a scheduled task.
type TaskType string

const (
	TaskSystem TaskType = "system"
	TaskAgent  TaskType = "agent"
	TaskUser   TaskType = "user"
)

// ScheduledTask is a cron-driven prompt.
type ScheduledTask struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Prompt    string     `json:"prompt"`
	CronExpr  string     `json:"cron_expr"`
	Type      TaskType   `json:"type"`
	Enabled   bool       `json:"enabled"`
	OneShot   bool       `json:"one_shot"`
	StartDate string     `json:"start_date,omitempty"` // YYYY-MM-DD, inclusive gate
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// PermissionRecord is one row of the permission-decision audit log.
type PermissionRecord struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id,omitempty"`
	ToolName       string    `json:"tool_name"`
	ToolInput      string    `json:"tool_input"` // JSON snapshot
	Decision       string    `json:"decision"`   // "allow" | "deny"
	RespondedVia   string    `json:"responded_via"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Decision sources for PermissionRecord.RespondedVia.
const (
	ViaChat    = "chat"
	ViaUI      = "ui"
	ViaTimeout = "timeout"
	ViaAbort   = "abort"
	ViaAuto    = "auto"
)
