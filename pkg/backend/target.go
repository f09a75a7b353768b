// Package backend turns an execution target (local machine, ssh host or
// container) into a tmux pane that commands can be dispatched into.
package backend

import (
	"fmt"
	"regexp"
	"strings"
)

type Kind string

const (
	KindLocal     Kind = "local"
	KindSSH       Kind = "ssh"
	KindContainer Kind = "container"
)

const (
	EngineDocker = "docker"
	EnginePodman = "podman"
)

// Target names where commands run. Host is set for KindSSH; Container and
// Engine for KindContainer. An empty Engine is resolved by detection.
type Target struct {
	Kind      Kind
	Host      string
	Engine    string
	Container string
}

func Local() Target { return Target{Kind: KindLocal} }

func SSH(host string) Target { return Target{Kind: KindSSH, Host: host} }

func Container(engine, container string) Target {
	return Target{Kind: KindContainer, Engine: engine, Container: container}
}

// ParseTarget accepts "local", "ssh:<host>", "docker:<container>",
// "podman:<container>" and "container:<container>" (engine detected).
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == string(KindLocal) {
		return Local(), nil
	}
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return Target{}, fmt.Errorf("invalid target %q: want local, ssh:<host> or <engine>:<container>", s)
	}
	switch scheme {
	case "ssh":
		return SSH(rest), nil
	case EngineDocker, EnginePodman:
		return Container(scheme, rest), nil
	case "container":
		return Container("", rest), nil
	default:
		return Target{}, fmt.Errorf("invalid target %q: unknown kind %q", s, scheme)
	}
}

func (t Target) String() string {
	switch t.Kind {
	case KindSSH:
		return "ssh:" + t.Host
	case KindContainer:
		engine := t.Engine
		if engine == "" {
			engine = "container"
		}
		return engine + ":" + t.Container
	default:
		return string(KindLocal)
	}
}

func (t Target) Validate() error {
	switch t.Kind {
	case KindLocal, "":
		return nil
	case KindSSH:
		if t.Host == "" {
			return fmt.Errorf("ssh target requires a host")
		}
	case KindContainer:
		if t.Container == "" {
			return fmt.Errorf("container target requires a container name")
		}
		if t.Engine != "" && t.Engine != EngineDocker && t.Engine != EnginePodman {
			return fmt.Errorf("unsupported container engine %q", t.Engine)
		}
	default:
		return fmt.Errorf("unknown target kind %q", t.Kind)
	}
	return nil
}

// Identity is the registry key: one cached pane per (target, session).
type Identity struct {
	Target  Target
	Session string
}

func (i Identity) Key() string {
	return i.Target.String() + "/" + i.Session
}

var unsafeSessionChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SessionName derives the tmux session name for an agent. tmux rejects "."
// and ":" in session names, so anything outside [A-Za-z0-9_-] collapses to "-".
func SessionName(prefix, agent string) string {
	agent = strings.Trim(unsafeSessionChars.ReplaceAllString(agent, "-"), "-")
	if agent == "" {
		agent = "default"
	}
	if prefix == "" {
		return agent
	}
	return prefix + "-" + agent
}
