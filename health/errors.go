package health

import "fmt"

// ErrProcessGone is returned by the default prober when the sampled pid no
// longer exists.
type ErrProcessGone struct {
	PID int32
}

func (e *ErrProcessGone) Error() string {
	return fmt.Sprintf("process %d no longer exists", e.PID)
}
