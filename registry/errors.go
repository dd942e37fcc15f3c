package registry

import (
	"fmt"

	"github.com/mineguard/mineguard/models"
)

// ErrNotFound is returned for commands against an unknown or deleted
// instance ID. A deleted instance can never return a stale success.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("instance not found: %s", e.ID)
}

// ErrAlreadyExists is returned when creating an instance whose name is
// already registered.
type ErrAlreadyExists struct {
	Name string
}

func (e *ErrAlreadyExists) Error() string {
	return fmt.Sprintf("instance with name %q already exists", e.Name)
}

// ErrInstanceActive is returned when deleting an instance that still owns
// (or is acquiring) an OS process. Stop it first.
type ErrInstanceActive struct {
	ID    string
	State models.InstanceState
}

func (e *ErrInstanceActive) Error() string {
	return fmt.Sprintf("instance %s is %s; stop it before deleting", e.ID, e.State)
}

// ErrShuttingDown is returned for mutations arriving while the controller
// is draining.
type ErrShuttingDown struct{}

func (e *ErrShuttingDown) Error() string {
	return "controller is shutting down"
}
