package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"

	splog "github.com/holon-run/shellpilot/pkg/log"
	"github.com/holon-run/shellpilot/pkg/tmux"
)

// Options configures New.
type Options struct {
	Target Target
	// Agent is the agent identity the session name is derived from.
	Agent         string
	SessionPrefix string
	TmuxBinary    string
	SSH           SSHOptions

	// Registry is shared between backends; a private one is created when nil.
	Registry *Registry
	// Detector resolves an empty container engine; a fresh one when nil.
	Detector *EngineDetector
	// Exec replaces process spawning, mainly for tests.
	Exec tmux.ExecFunc
	// ContainerRunning replaces the container liveness probe, mainly for tests.
	ContainerRunning func(ctx context.Context, engine, container string) (bool, error)
}

// Backend is one execution target with its tmux pane. The variants differ
// only in the launcher prefix and the liveness probe; everything else is
// shared.
type Backend struct {
	target   Target
	identity Identity
	client   *tmux.Client
	registry *Registry
	running  func(ctx context.Context, engine, container string) (bool, error)
	docker   *dockerInspector
}

// AttachDescriptor tells a human how to attach to the agent's session.
type AttachDescriptor struct {
	Command      string `json:"command"`
	Instructions string `json:"instructions"`
}

func New(ctx context.Context, opts Options) (*Backend, error) {
	target := opts.Target
	if target.Kind == "" {
		target.Kind = KindLocal
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}

	execFn := opts.Exec
	if execFn == nil {
		execFn = tmux.DefaultExec
	}

	if target.Kind == KindContainer && target.Engine == "" {
		detector := opts.Detector
		if detector == nil {
			detector = NewEngineDetector()
		}
		engine, err := detector.Detect(ctx)
		if err != nil {
			return nil, transportErr("detect container engine", target, err)
		}
		target.Engine = engine
	}

	launcher := launcherFor(target, opts.SSH)
	if ssh, ok := launcher.(SSHLauncher); ok && opts.Exec == nil {
		if err := ssh.PrepareControlDir(); err != nil {
			return nil, fmt.Errorf("prepare ssh control dir: %w", err)
		}
	}

	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(Limits{SessionPrefix: opts.SessionPrefix})
	}

	var docker *dockerInspector
	running := opts.ContainerRunning
	if running == nil {
		if target.Kind == KindContainer && target.Engine == EngineDocker {
			var err error
			if docker, err = newDockerInspector(); err != nil {
				return nil, transportErr("connect to docker", target, err)
			}
		}
		podman := cliRunning(execFn)
		running = func(ctx context.Context, engine, container string) (bool, error) {
			if docker != nil && engine == EngineDocker {
				return docker.running(ctx, container)
			}
			return podman(ctx, engine, container)
		}
	}

	b := &Backend{
		target: target,
		identity: Identity{
			Target:  target,
			Session: SessionName(opts.SessionPrefix, opts.Agent),
		},
		client:   tmux.NewClientWithExec(launcher, execFn).WithBinary(opts.TmuxBinary),
		registry: registry,
		running:  running,
		docker:   docker,
	}
	splog.Named("backend").Debugw("backend ready", "target", target.String(), "session", b.identity.Session)
	return b, nil
}

// Close releases the docker API client of a docker backend.
func (b *Backend) Close() error {
	if b.docker == nil {
		return nil
	}
	return b.docker.Close()
}

func (b *Backend) Target() Target { return b.target }

func (b *Backend) Identity() Identity { return b.identity }

func (b *Backend) Session() string { return b.identity.Session }

// Tmux exposes the underlying client for callers that need raw tmux access.
func (b *Backend) Tmux() *tmux.Client { return b.client }

// EnsurePane returns the identity's pane, creating it if needed.
func (b *Backend) EnsurePane(ctx context.Context) (EnsuredPane, error) {
	return b.ensure(ctx, false)
}

// ResetPane discards the cached pane and ensures a fresh one.
func (b *Backend) ResetPane(ctx context.Context) (EnsuredPane, error) {
	return b.ensure(ctx, true)
}

func (b *Backend) ensure(ctx context.Context, force bool) (EnsuredPane, error) {
	if err := b.checkLive(ctx); err != nil {
		return EnsuredPane{}, err
	}
	return b.registry.Ensure(ctx, b.identity, b.client, force)
}

func (b *Backend) checkLive(ctx context.Context) error {
	if b.target.Kind != KindContainer {
		return nil
	}
	running, err := b.running(ctx, b.target.Engine, b.target.Container)
	if err != nil {
		return transportErr("inspect container", b.target, err)
	}
	if !running {
		return transportErr("inspect container", b.target, fmt.Errorf("%w: %s", ErrContainerNotRunning, b.target.Container))
	}
	return nil
}

func (b *Backend) Capture(ctx context.Context, opts tmux.CaptureOptions) (string, error) {
	target, err := b.paneTarget(ctx, opts.Target)
	if err != nil {
		return "", err
	}
	opts.Target = target
	out, err := b.client.CapturePane(ctx, target, opts)
	return out, b.classify("capture pane", target, err)
}

func (b *Backend) SendKeys(ctx context.Context, opts tmux.SendKeysOptions) error {
	target, err := b.paneTarget(ctx, opts.Target)
	if err != nil {
		return err
	}
	opts.Target = target
	return b.classify("send keys", target, b.client.SendKeys(ctx, target, opts))
}

// Interrupt sends C-c to paneID, or to the ensured pane when paneID is
// empty. It never creates a pane: with nothing cached there is nothing to
// interrupt.
func (b *Backend) Interrupt(ctx context.Context, paneID string) error {
	if paneID == "" {
		cached, ok := b.registry.Cached(b.identity)
		if !ok {
			return nil
		}
		paneID = cached
	}
	err := b.client.SendKeys(ctx, paneID, tmux.SendKeysOptions{Keys: []string{"C-c"}})
	return b.classify("interrupt", paneID, err)
}

// Exec runs a helper command on the target through the same launcher as tmux.
func (b *Backend) Exec(ctx context.Context, argv ...string) ([]byte, error) {
	return b.client.Exec(ctx, argv...)
}

// KillSession tears down the agent's session and forgets its pane.
func (b *Backend) KillSession(ctx context.Context) error {
	b.registry.Forget(b.identity)
	return b.classify("kill session", b.identity.Session, b.client.KillSession(ctx, b.identity.Session))
}

func (b *Backend) Attach() AttachDescriptor {
	attach := shellquote.Join(b.client.AttachArgv(b.identity.Session)...)
	switch b.target.Kind {
	case KindSSH:
		return AttachDescriptor{
			Command:      "ssh -t " + b.target.Host + " " + attach,
			Instructions: fmt.Sprintf("Run this to watch the agent's shell on %s.", b.target.Host),
		}
	case KindContainer:
		return AttachDescriptor{
			Command:      strings.Join([]string{b.target.Engine, "exec", "-it", b.target.Container, attach}, " "),
			Instructions: fmt.Sprintf("Run this to watch the agent's shell inside container %s.", b.target.Container),
		}
	default:
		return AttachDescriptor{
			Command:      attach,
			Instructions: "Run this in another terminal to watch the agent's shell.",
		}
	}
}

func (b *Backend) paneTarget(ctx context.Context, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	ensured, err := b.EnsurePane(ctx)
	if err != nil {
		return "", err
	}
	return ensured.PaneID, nil
}

// classify maps tmux "can't find pane" to ErrPaneGone and other spawn
// failures to TransportError.
func (b *Backend) classify(op, target string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if tmux.IsMissing(err) {
		return fmt.Errorf("%s %s: %w", op, target, ErrPaneGone)
	}
	return transportErr(op, b.target, err)
}
