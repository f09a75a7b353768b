package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/holon-run/shellpilot/pkg/tmux"
)

// SSHOptions configures the multiplexed ssh control connection.
type SSHOptions struct {
	// ControlDir holds control sockets; defaults to ~/.ssh/shellpilot.
	ControlDir     string
	ControlPersist time.Duration
	ExtraArgs      []string
}

func DefaultSSHOptions() SSHOptions {
	return SSHOptions{ControlPersist: 10 * time.Minute}
}

// SSHLauncher sends argv to the remote host over a persistent ControlMaster
// connection. The remote side runs argv through its login shell, so argv is
// shell-quoted into a single word.
type SSHLauncher struct {
	Host string
	Opts SSHOptions
}

func (l SSHLauncher) Wrap(argv []string) (string, []string) {
	args := append([]string{}, l.baseArgs()...)
	args = append(args, l.Host, "--", shellquote.Join(argv...))
	return "ssh", args
}

func (l SSHLauncher) baseArgs() []string {
	persist := l.Opts.ControlPersist
	if persist <= 0 {
		persist = DefaultSSHOptions().ControlPersist
	}
	args := []string{
		"-o", "ControlMaster=auto",
		"-o", "ControlPath=" + filepath.Join(l.controlDir(), "%C"),
		"-o", fmt.Sprintf("ControlPersist=%ds", int(persist.Seconds())),
		"-o", "BatchMode=yes",
	}
	return append(args, l.Opts.ExtraArgs...)
}

func (l SSHLauncher) controlDir() string {
	if l.Opts.ControlDir != "" {
		return l.Opts.ControlDir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".ssh", "shellpilot")
	}
	return filepath.Join(os.TempDir(), "shellpilot-ssh")
}

// ContainerLauncher runs argv with `<engine> exec <container>`.
type ContainerLauncher struct {
	Engine    string
	Container string
}

func (l ContainerLauncher) Wrap(argv []string) (string, []string) {
	return l.Engine, append([]string{"exec", l.Container}, argv...)
}

func launcherFor(t Target, ssh SSHOptions) tmux.Launcher {
	switch t.Kind {
	case KindSSH:
		return SSHLauncher{Host: t.Host, Opts: ssh}
	case KindContainer:
		return ContainerLauncher{Engine: t.Engine, Container: t.Container}
	default:
		return tmux.Direct{}
	}
}

// PrepareControlDir creates the control socket directory; ssh refuses to
// start a master when it is missing.
func (l SSHLauncher) PrepareControlDir() error {
	return os.MkdirAll(l.controlDir(), 0o700)
}
