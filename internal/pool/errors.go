package pool

import (
	"errors"
	"fmt"
)

// ErrNoAvailablePorts is returned when every port in the configured range is
// either owned by a live record or externally occupied.
var ErrNoAvailablePorts = errors.New("no available ports in range")

// StartError reports a failed backend spawn: binary missing, process exit
// before readiness, or readiness timeout. Output carries the captured
// stdout/stderr of the child for diagnosis.
type StartError struct {
	Directory string
	Port      int
	Output    string
	Err       error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start backend for %s on port %d: %v", e.Directory, e.Port, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}
