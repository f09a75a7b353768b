package backend

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/docker/docker/client"
	"golang.org/x/sync/singleflight"

	splog "github.com/holon-run/shellpilot/pkg/log"
)

// EngineDetector picks docker or podman. A successful result is cached and
// concurrent detections share one probe.
type EngineDetector struct {
	group singleflight.Group

	mu     sync.Mutex
	engine string

	ping     func(ctx context.Context) error
	lookPath func(file string) (string, error)
}

func NewEngineDetector() *EngineDetector {
	return &EngineDetector{ping: dockerPing, lookPath: exec.LookPath}
}

func (d *EngineDetector) Detect(ctx context.Context) (string, error) {
	d.mu.Lock()
	cached := d.engine
	d.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	v, err, _ := d.group.Do("engine", func() (any, error) {
		engine, err := d.probe(ctx)
		if err != nil {
			return "", err
		}
		d.mu.Lock()
		d.engine = engine
		d.mu.Unlock()
		return engine, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (d *EngineDetector) probe(ctx context.Context) (string, error) {
	logger := splog.Named("engine")
	pingErr := d.ping(ctx)
	if pingErr == nil {
		logger.Debugw("container engine detected", "engine", EngineDocker)
		return EngineDocker, nil
	}
	if _, err := d.lookPath(EnginePodman); err == nil {
		logger.Debugw("container engine detected", "engine", EnginePodman, "docker_error", pingErr)
		return EnginePodman, nil
	}
	return "", fmt.Errorf("%w: docker: %v", ErrNoContainerEngine, pingErr)
}

func dockerPing(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()
	_, err = cli.Ping(ctx)
	return err
}

// dockerInspector holds the one API client a docker backend uses for its
// liveness probes.
type dockerInspector struct {
	cli *client.Client
}

func newDockerInspector() (*dockerInspector, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &dockerInspector{cli: cli}, nil
}

// running asks the daemon whether the container is running.
func (d *dockerInspector) running(ctx context.Context, container string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, container)
	if err != nil {
		return false, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return false, nil
	}
	return info.State.Running, nil
}

func (d *dockerInspector) Close() error { return d.cli.Close() }

// cliRunning asks an engine CLI (podman) whether the container is running.
func cliRunning(execFn func(ctx context.Context, name string, args ...string) ([]byte, error)) func(context.Context, string, string) (bool, error) {
	return func(ctx context.Context, engine, container string) (bool, error) {
		out, err := execFn(ctx, engine, "inspect", "--format", "{{.State.Running}}", container)
		if err != nil {
			return false, err
		}
		return strings.TrimSpace(string(out)) == "true", nil
	}
}
