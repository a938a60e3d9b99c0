package model

import "time"

// SessionState is the lifecycle state of an execution session.
type SessionState string

const (
	StateProvisioning SessionState = "provisioning"
	StateWorkspace    SessionState = "workspace"
	StateInstalling   SessionState = "installing"
	StateRunning      SessionState = "running"
	StateCompleted    SessionState = "completed"
	StateFailed       SessionState = "failed"
	StateStopped      SessionState = "stopped"
)

// IsTerminal reports whether the state ends the session.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateStopped:
		return true
	}
	return false
}

// SessionStatus is the externally visible view of one session.
type SessionStatus struct {
	SessionID  string       `json:"session_id"`
	Language   string       `json:"language"`
	State      SessionState `json:"state"`
	ExitCode   int          `json:"exit_code"`
	CreatedAt  time.Time    `json:"created_at"`
	FinishedAt time.Time    `json:"finished_at,omitzero"`
}

// StatusEventFinal marks the single terminal event published per session.
const StatusEventFinal = "session.final"

// StatusEvent is the message published to the queue when a session ends.
type StatusEvent struct {
	Type      string        `json:"type"`
	Session   SessionStatus `json:"session"`
	CreatedAt int64         `json:"created_at"`
}
