package api

import "time"

// Role identifies who produced a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one immutable entry of a conversation. It is appended to the
// in-memory history and, best-effort, to the persistent history store.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Speaker   string    `json:"speaker"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is the unit of work created by a single Talk call.
// It is consumed exactly once by the orchestrator and never mutated.
type Task struct {
	Turn            Turn
	Uninterruptible bool // a running uninterruptible task drops later plain talks
	Important       bool // deferred to the pending queue instead of interrupting
}

// ConversationState is the orchestrator's coarse state.
type ConversationState string

const (
	StateIdle       ConversationState = "idle"
	StateProcessing ConversationState = "processing"
)
