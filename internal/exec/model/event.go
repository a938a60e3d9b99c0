package model

// EventType classifies one output event pushed to the caller.
type EventType string

const (
	EventStdout EventType = "stdout"
	EventStderr EventType = "stderr"
	EventEnd    EventType = "end"
	EventError  EventType = "error"
)

// IsTerminal reports whether the event closes the stream.
func (t EventType) IsTerminal() bool {
	return t == EventEnd || t == EventError
}

// OutputEvent is one ordered event on a session's push channel.
type OutputEvent struct {
	Type EventType `json:"type"`
	Data string    `json:"data,omitempty"`
}
