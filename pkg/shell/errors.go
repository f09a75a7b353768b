package shell

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout matches every *TimeoutError.
var ErrTimeout = errors.New("command timed out")

// TimeoutError reports that WaitWithTimeout gave up waiting. The command was
// not interrupted and may still be running in PaneID.
type TimeoutError struct {
	Command string
	PaneID  string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q in pane %s did not finish within %s (still running)", e.Command, e.PaneID, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
