package index

import "time"

// MuxStatus is the advisory multiplexer state of a session's tab.
type MuxStatus string

const (
	MuxActive   MuxStatus = "active"
	MuxDetached MuxStatus = "detached"
	MuxNone     MuxStatus = "none"
)

// Role identifies the author of the last message in a session log.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleUnknown   Role = "unknown"
)

// SessionMeta describes one discovered session log.
type SessionMeta struct {
	ID                 string    `json:"id"`
	ProjectPath        string    `json:"project_path"`
	ProjectHash        string    `json:"project_hash"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastMessageRole    Role      `json:"last_message_role"`
	Timestamp          time.Time `json:"timestamp"`
	CLIVersion         string    `json:"cli_version"`
	MultiplexerStatus  MuxStatus `json:"multiplexer_status"`
}
