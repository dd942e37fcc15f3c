package store

import "fmt"

// ErrStateNotFound is returned when no state has been persisted for an
// instance yet.
type ErrStateNotFound struct {
	ID string
}

func (e *ErrStateNotFound) Error() string {
	return fmt.Sprintf("no persisted state for instance %s", e.ID)
}

// ErrDataCorruption is returned when a persisted record cannot be decoded.
type ErrDataCorruption struct {
	Key    string
	Reason string
}

func (e *ErrDataCorruption) Error() string {
	return fmt.Sprintf("data corruption for key %s: %s", e.Key, e.Reason)
}
