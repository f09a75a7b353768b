package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	splog "github.com/holon-run/shellpilot/pkg/log"
	"github.com/holon-run/shellpilot/pkg/tmux"
)

const (
	// WindowLabel names the window commands are dispatched into.
	WindowLabel = "exec"
	// LegacyWindowLabel is adopted when found, for sessions created by
	// older releases.
	LegacyWindowLabel = "main"
)

// PaneOps is the tmux surface the registry needs. *tmux.Client implements it.
type PaneOps interface {
	HasSession(ctx context.Context, session string) (bool, error)
	ListSessions(ctx context.Context) ([]string, error)
	NewSession(ctx context.Context, session, window string) (string, error)
	NewWindow(ctx context.Context, session, window string) (string, error)
	ListPanes(ctx context.Context, session string) ([]tmux.Pane, error)
	PaneAlive(ctx context.Context, paneID string) (bool, error)
}

// EnsuredPane is the result of Ensure. Created is false when a cached or
// pre-existing pane was returned.
type EnsuredPane struct {
	PaneID  string
	Created bool
}

// Limits bound how much tmux state one agent may create. Zero disables a
// limit. SessionPrefix selects which sessions count against MaxSessions.
type Limits struct {
	MaxSessions   int
	MaxPanes      int
	SessionPrefix string
}

// Registry caches one pane id per Identity. Each identity has its own slot
// mutex held across check-then-create, so two callers can never create two
// panes for the same identity while different identities proceed in parallel.
type Registry struct {
	limits Limits

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	mu     sync.Mutex
	paneID string
}

func NewRegistry(limits Limits) *Registry {
	return &Registry{limits: limits, slots: make(map[string]*slot)}
}

func (r *Registry) slot(id Identity) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id.Key()]
	if !ok {
		s = &slot{}
		r.slots[id.Key()] = s
	}
	return s
}

// Cached returns the cached pane id without checking liveness.
func (r *Registry) Cached(id Identity) (string, bool) {
	s := r.slot(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paneID, s.paneID != ""
}

// Forget drops the cached pane id for id.
func (r *Registry) Forget(id Identity) {
	s := r.slot(id)
	s.mu.Lock()
	s.paneID = ""
	s.mu.Unlock()
}

// Ensure returns a live pane for id, adopting or creating one as needed.
// force discards the cached pane first; callers use it for a single retry
// after a dispatch found the pane gone.
func (r *Registry) Ensure(ctx context.Context, id Identity, ops PaneOps, force bool) (EnsuredPane, error) {
	s := r.slot(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := splog.Named("registry").With("identity", id.Key())

	stale := ""
	if force && s.paneID != "" {
		stale = s.paneID
		s.paneID = ""
	}

	if s.paneID != "" {
		alive, err := ops.PaneAlive(ctx, s.paneID)
		if err != nil {
			return EnsuredPane{}, transportErr("check pane", id.Target, err)
		}
		if alive {
			return EnsuredPane{PaneID: s.paneID}, nil
		}
		logger.Infow("cached pane is gone", "pane_id", s.paneID)
		stale = s.paneID
		s.paneID = ""
	}

	exists, err := ops.HasSession(ctx, id.Session)
	if err != nil {
		return EnsuredPane{}, transportErr("check session", id.Target, err)
	}

	if exists {
		ensured, err := r.ensureInSession(ctx, id, ops, stale)
		if err != nil {
			return EnsuredPane{}, err
		}
		s.paneID = ensured.PaneID
		logger.Debugw("pane ensured", "pane_id", ensured.PaneID, "created", ensured.Created)
		return ensured, nil
	}

	if err := r.checkSessionLimit(ctx, id, ops); err != nil {
		return EnsuredPane{}, err
	}
	paneID, err := ops.NewSession(ctx, id.Session, WindowLabel)
	if err != nil {
		return EnsuredPane{}, transportErr("create session", id.Target, err)
	}
	s.paneID = paneID
	logger.Infow("session created", "session", id.Session, "pane_id", paneID)
	return EnsuredPane{PaneID: paneID, Created: true}, nil
}

func (r *Registry) ensureInSession(ctx context.Context, id Identity, ops PaneOps, stale string) (EnsuredPane, error) {
	panes, err := ops.ListPanes(ctx, id.Session)
	if err != nil {
		return EnsuredPane{}, transportErr("list panes", id.Target, err)
	}

	var live []tmux.Pane
	for _, p := range panes {
		if !p.Dead && p.ID != stale {
			live = append(live, p)
		}
	}
	for _, label := range []string{WindowLabel, LegacyWindowLabel} {
		for _, p := range live {
			if p.Window == label {
				return EnsuredPane{PaneID: p.ID}, nil
			}
		}
	}

	if r.limits.MaxPanes > 0 && len(live) >= r.limits.MaxPanes {
		splog.Named("registry").Warnw("pane limit reached, reusing existing pane",
			"session", id.Session, "max_panes", r.limits.MaxPanes, "pane_id", live[0].ID)
		return EnsuredPane{PaneID: live[0].ID}, nil
	}

	paneID, err := ops.NewWindow(ctx, id.Session, WindowLabel)
	if err != nil {
		return EnsuredPane{}, transportErr("create window", id.Target, err)
	}
	return EnsuredPane{PaneID: paneID, Created: true}, nil
}

func (r *Registry) checkSessionLimit(ctx context.Context, id Identity, ops PaneOps) error {
	if r.limits.MaxSessions <= 0 {
		return nil
	}
	sessions, err := ops.ListSessions(ctx)
	if err != nil {
		return transportErr("list sessions", id.Target, err)
	}
	count := 0
	for _, name := range sessions {
		if r.limits.SessionPrefix == "" || strings.HasPrefix(name, r.limits.SessionPrefix) {
			count++
		}
	}
	if count >= r.limits.MaxSessions {
		return fmt.Errorf("%w: %d of %d sessions open on %s", ErrSessionLimit, count, r.limits.MaxSessions, id.Target)
	}
	return nil
}
