package approval

import (
	"path"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Risk is a coarse rating shown next to a pending approval.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Metadata describes why a command needs approval. All fields are optional.
type Metadata struct {
	Risk                Risk   `json:"risk,omitempty"`
	Mutation            bool   `json:"mutation,omitempty"`
	PrivilegeEscalation bool   `json:"privilege_escalation,omitempty"`
	Why                 string `json:"why,omitempty"`
}

var escalators = map[string]bool{
	"sudo": true, "doas": true, "su": true, "pkexec": true, "runas": true,
}

var mutators = map[string]bool{
	"rm": true, "rmdir": true, "mv": true, "cp": true, "dd": true,
	"chmod": true, "chown": true, "chgrp": true, "ln": true, "touch": true,
	"mkdir": true, "truncate": true, "tee": true, "install": true,
	"kill": true, "pkill": true, "killall": true, "shutdown": true,
	"reboot": true, "apt": true, "apt-get": true, "yum": true, "dnf": true,
	"brew": true, "pip": true, "npm": true, "git": true, "docker": true,
	"podman": true, "kubectl": true, "systemctl": true,
}

var destroyers = map[string]bool{
	"dd": true, "mkfs": true, "shred": true, "wipefs": true, "fdisk": true,
}

var separators = map[string]bool{
	";": true, "&&": true, "||": true, "|": true, "&": true,
}

// Assess gives a best-effort reading of a shell command for the approval
// prompt. It never fails; unparsable input is split on whitespace.
func Assess(command string) Metadata {
	words, err := shellquote.Split(command)
	if err != nil {
		words = strings.Fields(command)
	}

	var (
		meta      Metadata
		reasons   []string
		destroy   bool
		nextIsCmd = true
	)
	for _, raw := range words {
		if separators[raw] {
			nextIsCmd = true
			continue
		}
		word := strings.TrimRight(raw, ";&|")
		endsSegment := word != raw

		if isRedirect(word) {
			if !meta.Mutation {
				reasons = append(reasons, "redirects output to a file")
			}
			meta.Mutation = true
		}
		if nextIsCmd && word != "" {
			name := path.Base(word)
			switch {
			case escalators[name]:
				meta.PrivilegeEscalation = true
				reasons = append(reasons, "runs "+name)
				// the escalated command follows
				nextIsCmd = true
				continue
			case destroyers[name] || strings.HasPrefix(name, "mkfs."):
				destroy = true
				meta.Mutation = true
				reasons = append(reasons, name+" can destroy data")
			case mutators[name]:
				if !meta.Mutation {
					reasons = append(reasons, name+" modifies state")
				}
				meta.Mutation = true
				if name == "rm" && strings.Contains(command, "-r") {
					destroy = true
				}
			}
		}
		nextIsCmd = endsSegment
	}

	switch {
	case meta.PrivilegeEscalation || destroy:
		meta.Risk = RiskHigh
	case meta.Mutation:
		meta.Risk = RiskMedium
	default:
		meta.Risk = RiskLow
	}
	meta.Why = strings.Join(reasons, "; ")
	return meta
}

func isRedirect(word string) bool {
	i := strings.Index(word, ">")
	if i < 0 {
		return false
	}
	// 2>&1 and friends duplicate descriptors; /dev/null discards.
	rest := strings.TrimLeft(word[i:], ">")
	return !strings.HasPrefix(rest, "&") && rest != "/dev/null"
}
