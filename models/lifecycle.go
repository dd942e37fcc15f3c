package models

import "time"

/*
	Lifecycle states for a managed server instance. Exactly one state holds
	at any time; the instance state machine is the only thing that moves an
	instance between them. A crashed instance that will not be auto-restarted
	is "parked" and must be acknowledged before a new start is accepted.
*/

type InstanceState string

const (
	StateStopped    InstanceState = "stopped"
	StateStarting   InstanceState = "starting"
	StateRunning    InstanceState = "running"
	StateStopping   InstanceState = "stopping"
	StateCrashed    InstanceState = "crashed"
	StateRestarting InstanceState = "restarting"
)

// Active reports whether the instance currently owns (or is about to own)
// an OS process.
func (s InstanceState) Active() bool {
	switch s {
	case StateStarting, StateRunning, StateStopping, StateRestarting:
		return true
	}
	return false
}

type CommandKind string

const (
	CommandStart       CommandKind = "start"
	CommandStop        CommandKind = "stop"
	CommandRestart     CommandKind = "restart"
	CommandKill        CommandKind = "kill"
	CommandAcknowledge CommandKind = "acknowledge"
)

// Command is a single request against one instance. Commands are consumed
// exactly once; the reply travels back on the caller's channel.
type Command struct {
	Kind     CommandKind `json:"kind"`
	Graceful bool        `json:"graceful"`
}

// Event is an immutable record of a state transition. It is fanned out to
// subscribers over bounded buffers; delivery is lossy for observability
// purposes only and never drives control decisions.
type Event struct {
	ID         string        `json:"id"`
	InstanceID string        `json:"instance_id"`
	Previous   InstanceState `json:"previous_state"`
	Current    InstanceState `json:"new_state"`
	Timestamp  time.Time     `json:"timestamp"`
	Reason     string        `json:"reason,omitempty"`
}
