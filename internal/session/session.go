// Package session runs acquisition sessions in the background and
// reports on them. It is the control surface behind the CLI and the
// HTTP server.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/RigSync/internal/acquire"
	"github.com/cjeanneret/RigSync/internal/debug"
	"github.com/cjeanneret/RigSync/internal/hw/camera"
	"github.com/cjeanneret/RigSync/internal/trigger"
)

var (
	ErrNotFound      = errors.New("session: not found")
	ErrDeviceBusy    = errors.New("session: device already in a running session")
	ErrUnknownDevice = errors.New("session: unknown device")
	ErrNoDevices     = errors.New("session: no devices requested")
	ErrNoGate        = errors.New("session: session is not triggered on request")
)

// State of a session as reported to clients.
type State string

const (
	Running State = "running"
	Stopped State = "stopped"
	Error   State = "error"
)

// Request describes the session to start.
type Request struct {
	DeviceIDs []string `json:"device_ids"`
	PrimaryID string   `json:"primary_id"`
	// MaxCycles stops the session after that many cycles; 0 runs until
	// stopped.
	MaxCycles uint64 `json:"max_cycles"`
}

// Status is a point-in-time view of a session.
type Status struct {
	ID          string        `json:"id"`
	State       State         `json:"state"`
	Reason      string        `json:"reason,omitempty"`
	DeviceIDs   []string      `json:"device_ids"`
	PrimaryID   string        `json:"primary_id"`
	Loop        string        `json:"loop"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     time.Time     `json:"ended_at,omitzero"`
	Diagnostics acquire.Stats `json:"diagnostics"`
}

// Journal hands out a cycle observer per session.
type Journal interface {
	For(sessionID string) acquire.CycleObserver
}

// Journals hands every session to several journals.
type Journals []Journal

func (js Journals) For(sessionID string) acquire.CycleObserver {
	obs := make(acquire.Observers, 0, len(js))
	for _, j := range js {
		if j != nil {
			obs = append(obs, j.For(sessionID))
		}
	}
	return obs
}

// Config is shared by every session of a Manager.
type Config struct {
	Devices *Registry
	// DefaultPrimary is used when a request names no primary and includes
	// it. Otherwise the request's first device leads.
	DefaultPrimary string
	Trigger        trigger.Options
	// Loop is the template for each session's loop. Its Rendezvous is
	// replaced by NewRendezvous.
	Loop acquire.LoopConfig
	// NewRendezvous builds a session's trigger gate. Nil gives every
	// session an acquire.Gate released through Manager.Trigger.
	NewRendezvous func(sessionID string) acquire.Rendezvous
	Journal       Journal
	// OnChange is called after a session starts or ends.
	OnChange func(Status)
}

type session struct {
	id      string
	req     Request
	ctrl    *acquire.Controller
	rv      acquire.Rendezvous
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	// guarded by Manager.mu
	state  State
	reason string
	ended  time.Time
}

// Manager owns the sessions of one rig.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session
	busy     map[string]string // device id -> session id
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*session),
		busy:     make(map[string]string),
	}
}

// Start validates req and launches the session in the background. Setup
// failures on the devices themselves surface later as an Error status.
// The session outlives ctx's cancellation; use Stop to end it.
func (m *Manager) Start(ctx context.Context, req Request) (string, error) {
	if len(req.DeviceIDs) == 0 {
		return "", ErrNoDevices
	}
	if req.PrimaryID == "" && slices.Contains(req.DeviceIDs, m.cfg.DefaultPrimary) {
		req.PrimaryID = m.cfg.DefaultPrimary
	}
	if req.PrimaryID == "" {
		req.PrimaryID = req.DeviceIDs[0]
	}

	handles := make([]camera.Handle, 0, len(req.DeviceIDs))
	for _, id := range req.DeviceIDs {
		h, err := m.cfg.Devices.Handle(id)
		if err != nil {
			return "", err
		}
		handles = append(handles, h)
	}

	id := uuid.NewString()
	loopCfg := m.cfg.Loop
	if m.cfg.NewRendezvous != nil {
		loopCfg.Rendezvous = m.cfg.NewRendezvous(id)
	} else {
		loopCfg.Rendezvous = acquire.NewGate(8)
	}
	if m.cfg.Journal != nil {
		loopCfg.Observer = acquire.Observers{m.cfg.Loop.Observer, m.cfg.Journal.For(id)}
	}

	ctrl, err := acquire.NewController(acquire.ControllerConfig{
		Handles:   handles,
		PrimaryID: req.PrimaryID,
		Trigger:   m.cfg.Trigger,
		Loop:      loopCfg,
	})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	for _, d := range req.DeviceIDs {
		if other, ok := m.busy[d]; ok {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: %s (session %s)", ErrDeviceBusy, d, other)
		}
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:      id,
		req:     req,
		ctrl:    ctrl,
		rv:      loopCfg.Rendezvous,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
		state:   Running,
	}
	m.sessions[id] = s
	for _, d := range req.DeviceIDs {
		m.busy[d] = id
	}
	m.mu.Unlock()

	debug.Info("Session %s: starting on %v (primary %s)", id, req.DeviceIDs, req.PrimaryID)
	m.notify(s)
	go m.run(sctx, s)
	return id, nil
}

func (m *Manager) run(ctx context.Context, s *session) {
	err := s.ctrl.Run(ctx, acquire.StopAfter(s.req.MaxCycles))

	m.mu.Lock()
	s.ended = time.Now()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		s.state = Stopped
	default:
		s.state = Error
		s.reason = err.Error()
	}
	for _, d := range s.req.DeviceIDs {
		if m.busy[d] == s.id {
			delete(m.busy, d)
		}
	}
	m.mu.Unlock()
	s.cancel()
	close(s.done)

	if err != nil && s.reason != "" {
		debug.Info("Session %s: ended with error: %v", s.id, err)
	} else {
		debug.Info("Session %s: stopped", s.id)
	}
	m.notify(s)
}

func (m *Manager) get(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Stop asks the session to end at its next cycle boundary. Stopping a
// finished session is a no-op.
func (m *Manager) Stop(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.cancel()
	return nil
}

// Trigger releases one cycle of a session whose rendezvous is a Gate.
func (m *Manager) Trigger(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	g, ok := s.rv.(*acquire.Gate)
	if !ok {
		return ErrNoGate
	}
	select {
	case <-s.done:
		return acquire.ErrGateClosed
	default:
	}
	return g.Fire()
}

// Wait blocks until the session has ended or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Status, error) {
	s, err := m.get(id)
	if err != nil {
		return Status{}, err
	}
	select {
	case <-s.done:
		return m.status(s), nil
	case <-ctx.Done():
		return m.status(s), ctx.Err()
	}
}

func (m *Manager) Status(id string) (Status, error) {
	s, err := m.get(id)
	if err != nil {
		return Status{}, err
	}
	return m.status(s), nil
}

// List returns every session, oldest first.
func (m *Manager) List() []Status {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].started.Before(all[j].started) })

	out := make([]Status, len(all))
	for i, s := range all {
		out[i] = m.status(s)
	}
	return out
}

// Shutdown stops every session and waits for them to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, st := range m.List() {
		_ = m.Stop(st.ID)
	}
	for _, st := range m.List() {
		if _, err := m.Wait(ctx, st.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) status(s *session) Status {
	m.mu.Lock()
	st := Status{
		ID:        s.id,
		State:     s.state,
		Reason:    s.reason,
		DeviceIDs: append([]string(nil), s.req.DeviceIDs...),
		PrimaryID: s.req.PrimaryID,
		StartedAt: s.started,
		EndedAt:   s.ended,
	}
	m.mu.Unlock()
	st.Loop = s.ctrl.Loop().State().String()
	st.Diagnostics = s.ctrl.Loop().Stats()
	return st
}

func (m *Manager) notify(s *session) {
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(m.status(s))
	}
}
