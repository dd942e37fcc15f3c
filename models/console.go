package models

import "time"

type ConsoleSource string

const (
	ConsoleStdout ConsoleSource = "stdout"
	ConsoleStderr ConsoleSource = "stderr"
)

// ConsoleLine is one line of server output, forwarded best-effort to console
// subscribers and the log sink.
type ConsoleLine struct {
	InstanceID string        `json:"instance_id"`
	Source     ConsoleSource `json:"source"`
	Line       string        `json:"line"`
	Timestamp  time.Time     `json:"timestamp"`
}
