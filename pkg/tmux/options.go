package tmux

import (
	"strconv"
	"time"
)

// CaptureOptions configures capture-pane. Use DefaultCaptureOptions for
// the documented defaults; the zero value disables line joining.
type CaptureOptions struct {
	// Target overrides the ensured pane when set.
	Target string
	// Start and End bound the captured range in tmux line numbers; negative
	// values reach into history. Nil means the visible screen edge.
	Start *int
	End   *int

	JoinWrappedLines       bool
	PreserveTrailingSpaces bool
	IncludeEscapeSequences bool
	EscapeNonPrintable     bool
	IncludeAlternateScreen bool

	// Delay is waited before capturing, to let output settle.
	Delay time.Duration
}

func DefaultCaptureOptions() CaptureOptions {
	return CaptureOptions{JoinWrappedLines: true}
}

// LastLines returns default options capturing the last n lines of history
// plus the visible screen.
func LastLines(n int) CaptureOptions {
	opts := DefaultCaptureOptions()
	start := -n
	opts.Start = &start
	return opts
}

func (o CaptureOptions) args(target string) []string {
	args := []string{"capture-pane", "-p", "-t", target}
	if o.JoinWrappedLines {
		args = append(args, "-J")
	}
	if o.PreserveTrailingSpaces {
		args = append(args, "-N")
	}
	if o.IncludeEscapeSequences {
		args = append(args, "-e")
	}
	if o.EscapeNonPrintable {
		args = append(args, "-C")
	}
	if o.IncludeAlternateScreen {
		args = append(args, "-a")
	}
	if o.Start != nil {
		args = append(args, "-S", strconv.Itoa(*o.Start))
	}
	if o.End != nil {
		args = append(args, "-E", strconv.Itoa(*o.End))
	}
	return args
}

// SendKeysOptions configures send-keys. Literal text is sent first with -l,
// then named Keys, then Enter when PressEnter is set.
type SendKeysOptions struct {
	Target     string
	Keys       []string
	Literal    string
	PressEnter bool
	// Delay is waited between the individual sends.
	Delay time.Duration
}

func DefaultSendKeysOptions() SendKeysOptions {
	return SendKeysOptions{}
}
