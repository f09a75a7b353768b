package serve

import (
	"bufio"
	"context"
	"fmt"
	"io"

	splog "github.com/holon-run/shellpilot/pkg/log"
)

// maxFrameSize bounds one inbound NDJSON line.
const maxFrameSize = 1 << 20

// StdioServer speaks NDJSON JSON-RPC over a reader/writer pair: requests in,
// responses and event notifications out.
type StdioServer struct {
	methods     *MethodRegistry
	sub         *Subscriber
	unsubscribe func()
	in          io.Reader
	out         *StreamWriter
}

// NewStdioServer subscribes immediately so events published before Run,
// such as lifecycle.started, are not missed.
func NewStdioServer(methods *MethodRegistry, events *Broadcaster, in io.Reader, out io.Writer) *StdioServer {
	sub, unsubscribe := events.Subscribe()
	return &StdioServer{methods: methods, sub: sub, unsubscribe: unsubscribe, in: in, out: NewStreamWriter(out)}
}

// Run serves until the event stream ends or ctx is done. End of input asks
// the runtime to shut down; notifications keep flowing until it has
// stopped.
func (s *StdioServer) Run(ctx context.Context) error {
	logger := splog.Named("serve")

	sub := s.sub
	defer s.unsubscribe()
	defer s.out.Close()

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		for n := range sub.C() {
			if err := s.out.WriteNotification(n); err != nil {
				logger.Warnw("stop streaming to stdout", "error", err)
				return
			}
		}
	}()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			case <-streamDone:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				var err error
				select {
				case err = <-readErr:
				default:
				}
				if err != nil {
					return fmt.Errorf("error reading stdin: %w", err)
				}
				logger.Infow("input closed, shutting down")
				if _, rpcErr := s.methods.Dispatch(ctx, MethodRuntimeShutdown, nil); rpcErr != nil {
					logger.Debugw("shutdown on end of input", "error", rpcErr.Message)
				}
				continue
			}
			if resp := s.methods.Handle(ctx, line); resp != nil {
				if err := s.out.WriteResponse(resp); err != nil {
					return err
				}
			}
		case <-streamDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
