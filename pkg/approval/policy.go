// Package approval decides whether a risky action may run without asking
// the user. Policy.Decide is pure; Gate holds the process-wide policy.
package approval

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mode is the kind of approval policy in effect.
type Mode string

const (
	ModeAsk              Mode = "ask"
	ModeAutoApprove      Mode = "auto_approve"
	ModeAutoDeny         Mode = "auto_deny"
	ModeAutoApproveUntil Mode = "auto_approve_until"
)

// Decision is the outcome applied to a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionDeny
}

// Policy is a process-wide approval policy. Until is only meaningful for
// ModeAutoApproveUntil.
type Policy struct {
	Mode  Mode      `json:"mode"`
	Until time.Time `json:"until,omitempty"`
}

func Ask() Policy         { return Policy{Mode: ModeAsk} }
func AutoApprove() Policy { return Policy{Mode: ModeAutoApprove} }
func AutoDeny() Policy    { return Policy{Mode: ModeAutoDeny} }

func AutoApproveUntil(t time.Time) Policy {
	return Policy{Mode: ModeAutoApproveUntil, Until: t}
}

func (p Policy) String() string {
	if p.Mode == ModeAutoApproveUntil {
		return fmt.Sprintf("%s(%s)", p.Mode, p.Until.Format(time.RFC3339))
	}
	return string(p.Mode)
}

// Decide returns the automatic decision for p at now, if any, together with
// the policy that should be in effect afterwards. An expired
// AutoApproveUntil yields no decision and demotes to Ask.
func (p Policy) Decide(now time.Time) (Decision, bool, Policy) {
	switch p.Mode {
	case ModeAutoApprove:
		return DecisionApprove, true, p
	case ModeAutoDeny:
		return DecisionDeny, true, p
	case ModeAutoApproveUntil:
		if now.Before(p.Until) {
			return DecisionApprove, true, p
		}
		return "", false, Ask()
	default:
		return "", false, p
	}
}

// ParsePolicy reads the textual policy forms accepted by commands and
// configuration: ask, approve, deny, approve-for:<duration> and
// approve-until:<RFC3339>.
func ParsePolicy(s string, now time.Time) (Policy, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	raw = strings.ReplaceAll(raw, "_", "-")

	switch raw {
	case "", "ask":
		return Ask(), nil
	case "approve", "auto-approve":
		return AutoApprove(), nil
	case "deny", "auto-deny":
		return AutoDeny(), nil
	}

	if rest, ok := strings.CutPrefix(raw, "approve-for:"); ok {
		d, err := ParseDuration(rest)
		if err != nil {
			return Policy{}, err
		}
		return AutoApproveUntil(now.Add(d)), nil
	}
	if _, ok := strings.CutPrefix(raw, "approve-until:"); ok {
		// Re-slice the original input: RFC3339 is case sensitive.
		idx := strings.Index(s, ":")
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(s[idx+1:]))
		if err != nil {
			return Policy{}, fmt.Errorf("parse approval deadline: %w", err)
		}
		return AutoApproveUntil(t), nil
	}
	return Policy{}, fmt.Errorf("unknown approval policy %q", s)
}

// Gate guards the process-wide policy. Expiry is monotonic: once an
// AutoApproveUntil policy has been demoted only Set can change it again.
type Gate struct {
	mu     sync.Mutex
	policy Policy
	now    func() time.Time
}

func NewGate(p Policy) *Gate {
	return NewGateWithClock(p, time.Now)
}

func NewGateWithClock(p Policy, now func() time.Time) *Gate {
	return &Gate{policy: p, now: now}
}

// Decide consults the current policy, demoting an expired one in place.
func (g *Gate) Decide() (Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	d, ok, next := g.policy.Decide(g.now())
	g.policy = next
	return d, ok
}

func (g *Gate) Policy() Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy
}

func (g *Gate) Set(p Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy = p
}
