package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionLimit is returned when creating a session would exceed
	// tmux.max_sessions.
	ErrSessionLimit = errors.New("tmux session limit reached")
	// ErrPaneGone reports that the pane a command was sent to no longer exists.
	ErrPaneGone = errors.New("pane no longer exists")
	// ErrNoContainerEngine is returned when neither docker nor podman is usable.
	ErrNoContainerEngine = errors.New("no container engine found (tried docker, podman)")
	// ErrContainerNotRunning is returned when the target container is stopped.
	ErrContainerNotRunning = errors.New("container is not running")
)

// TransportError wraps a failure to reach the execution target: process
// spawn, ssh connection or container engine failures.
type TransportError struct {
	Op     string
	Target string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(op string, target Target, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Target: target.String(), Err: err}
}
