package core

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single turn in the conversation stream. Messages are
// immutable once created; the host produces them and hands them to the
// memory orchestrator.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time // zero when the host did not record one
}

// ProjectContext describes the workspace a conversation belongs to.
// It is plain metadata the host passes through; the memory engine uses
// it to make extracted facts and episode descriptions more specific.
type ProjectContext struct {
	WorkspaceID string
	Name        string
	Language    string
	Description string
}
