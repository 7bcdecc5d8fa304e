// Package console relays VM consoles between API clients and Proxmox nodes.
package console

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/DogezRule/Management-Panel-Cyber/internal/metrics"
	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
	"github.com/DogezRule/Management-Panel-Cyber/internal/pve"
)

// Configuration defaults for the console relay
const (
	DefaultAttachTimeout   = 30 * time.Second // Time a client has to attach after Open
	DefaultTeardownTimeout = 5 * time.Second  // Bound on Shutdown waiting for relays to stop
	DefaultCleanupTick     = 10 * time.Second // Cleanup interval for stale sessions
	DefaultMaxDuration     = 4 * time.Hour    // Relays running longer are terminated
)

// Instances looks up the VM behind a console request.
type Instances interface {
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
}

// TicketIssuer issues console tickets over the pooled control session.
type TicketIssuer interface {
	IssueConsoleTicket(ctx context.Context, node string, vmid int, kind models.ConsoleKind) (pve.ConsoleTicket, error)
}

// Dialer opens the upstream console transport described by a ticket.
type Dialer interface {
	Dial(ctx context.Context, ticket pve.ConsoleTicket) (Transport, error)
}

type Options struct {
	AttachTimeout   time.Duration
	TeardownTimeout time.Duration
	CleanupTick     time.Duration
	MaxDuration     time.Duration
}

// Manager handles console session creation, relaying, and cleanup
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	instances  Instances
	issuer     TicketIssuer
	dialer     Dialer
	opts       Options
	shutdownCh chan struct{}
	closeOnce  sync.Once
}

// NewManager creates a console manager and starts its cleanup routine
func NewManager(instances Instances, issuer TicketIssuer, dialer Dialer, opts Options) *Manager {
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = DefaultAttachTimeout
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	if opts.CleanupTick <= 0 {
		opts.CleanupTick = DefaultCleanupTick
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}

	m := &Manager{
		sessions:   make(map[string]*Session),
		instances:  instances,
		issuer:     issuer,
		dialer:     dialer,
		opts:       opts,
		shutdownCh: make(chan struct{}),
	}

	go m.cleanupRoutine()

	log.Info("Console Manager initialized",
		"attachTimeout", opts.AttachTimeout.String(),
		"cleanupInterval", opts.CleanupTick.String(),
		"maxDuration", opts.MaxDuration.String())

	return m
}

// AttachDeadline is when an opened session is discarded if no client has attached.
func (m *Manager) AttachDeadline(s *Session) time.Time {
	return s.OpenedAt.Add(m.opts.AttachTimeout)
}

// Open authenticates a console for the instance and connects the upstream side. The returned
// session is Ready; the client completes it with Attach. On failure the session ends Failed
// and is not registered.
func (m *Manager) Open(ctx context.Context, p Principal, instanceID string, kind models.ConsoleKind) (*Session, error) {
	if kind == "" {
		kind = models.ConsoleVNC
	}
	s := newSession(uuid.NewString())
	s.InstanceID = instanceID
	s.Username = p.Username
	s.Kind = kind

	inst, err := m.instances.GetInstance(ctx, instanceID)
	if err != nil {
		s.finish(Failed, err)
		return nil, fmt.Errorf("look up instance %s: %w", instanceID, err)
	}
	if !p.CanAccess(inst.Owner) {
		s.finish(Failed, ErrForbidden)
		log.Warn("Console access denied", "user", p.Username, "instance", instanceID, "owner", inst.Owner)
		return nil, ErrForbidden
	}
	if inst.RemoteID == 0 || inst.Status == models.StatusProvisioning || inst.Status == models.StatusDeleting {
		err := fmt.Errorf("instance %s has no console while %s", inst.ID, inst.Status)
		s.finish(Failed, err)
		return nil, err
	}
	s.NodeName, s.VMID, s.Owner = inst.NodeName, inst.RemoteID, inst.Owner

	s.setState(Authenticating)
	if err := m.authenticate(ctx, s); err != nil {
		s.finish(Failed, err)
		metrics.RecordConsoleSession(Failed.String(), 0, 0)
		log.Warn("Console session failed", "session", s.ID, "instance", s.InstanceID, "node", s.NodeName, "error", err)
		return nil, err
	}
	s.setState(Ready)

	// Shutdown closes shutdownCh before draining the map under mu
	m.mu.Lock()
	select {
	case <-m.shutdownCh:
		m.mu.Unlock()
		s.finish(Closed, ErrShuttingDown)
		return nil, ErrShuttingDown
	default:
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	log.Info("Console session opened",
		"session", s.ID,
		"user", p.Username,
		"instance", s.InstanceID,
		"node", s.NodeName,
		"vmid", s.VMID,
		"kind", string(kind))
	return s, nil
}

// authenticate issues the console ticket, dials the node and completes the upstream handshake.
func (m *Manager) authenticate(ctx context.Context, s *Session) error {
	ticket, err := m.issuer.IssueConsoleTicket(ctx, s.NodeName, s.VMID, s.Kind)
	if err != nil {
		var apiErr *pve.APIError
		if errors.As(err, &apiErr) && (apiErr.Unauthorized() || apiErr.Status == http.StatusForbidden) {
			return &AuthFailureError{Node: s.NodeName, Stage: "ticket", Cause: err}
		}
		return err
	}

	upstream, err := m.dialer.Dial(ctx, ticket)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ticket = ticket
	s.upstream = upstream
	s.Password = ticket.Password
	s.mu.Unlock()

	if s.Kind == models.ConsoleTerm {
		if err := termHandshake(upstream, ticket); err != nil {
			return &AuthFailureError{Node: s.NodeName, Stage: "handshake", Cause: err}
		}
	}
	return nil
}

// termHandshake sends the "user:ticket" frame termproxy expects and waits for its OK.
func termHandshake(upstream Transport, ticket pve.ConsoleTicket) error {
	if err := upstream.WriteMessage(websocket.TextMessage, []byte(ticket.User+":"+ticket.Ticket+"\n")); err != nil {
		return err
	}
	_, reply, err := upstream.ReadMessage()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(string(reply), "OK") {
		return fmt.Errorf("termproxy rejected ticket: %q", truncate(reply, 64))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

// Attach connects the client transport to an opened session and relays until either side
// closes, ctx is cancelled, or the session is terminated. The client transport is always
// closed when Attach returns.
func (m *Manager) Attach(ctx context.Context, sessionID string, p Principal, client Transport) error {
	s, ok := m.Get(sessionID)
	if !ok {
		_ = client.Close()
		return ErrSessionNotFound
	}
	if p.Username != s.Username && !p.CanAccess(s.Owner) {
		_ = client.Close()
		return ErrForbidden
	}
	if !s.attached.CompareAndSwap(false, true) {
		_ = client.Close()
		return ErrAlreadyAttached
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.state != Ready {
		st := s.state
		s.mu.Unlock()
		_ = client.Close()
		return fmt.Errorf("console session %s is %s", s.ID, st)
	}
	s.client = client
	s.cancel = cancel
	s.state = Relaying
	s.mu.Unlock()

	metrics.ConsoleRelayStarted()
	log.Info("Console relay started", "session", s.ID, "user", p.Username, "node", s.NodeName, "vmid", s.VMID)

	err := s.relay(rctx)

	s.finish(Closed, nil)
	m.remove(s.ID)
	metrics.ConsoleRelayFinished()

	up, down := s.Stats()
	metrics.RecordConsoleSession(Closed.String(), up, down)
	log.Info("Console relay closed",
		"session", s.ID,
		"duration", time.Since(s.OpenedAt).Round(time.Second).String(),
		"bytesUpstream", up,
		"bytesClient", down,
		"reason", err)
	return nil
}

// Get retrieves a session by ID
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns the sessions visible to p: all for admins and teachers, otherwise the
// sessions p opened.
func (m *Manager) List(p Principal) []models.ConsoleSessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]models.ConsoleSessionInfo, 0)
	for _, s := range m.sessions {
		if p.Role == models.RoleAdmin || p.Role == models.RoleTeacher || s.Username == p.Username {
			result = append(result, s.info())
		}
	}
	return result
}

// Terminate ends a session in any state
func (m *Manager) Terminate(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.finish(Closed, nil)
	m.remove(id)
	log.Info("Console session terminated", "session", id, "instance", s.InstanceID, "node", s.NodeName)
	return nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Shutdown terminates all sessions and stops the manager. It waits up to the teardown
// timeout for relays to finish.
func (m *Manager) Shutdown() {
	m.closeOnce.Do(func() {
		close(m.shutdownCh)

		m.mu.Lock()
		sessions := make([]*Session, 0, len(m.sessions))
		for id, s := range m.sessions {
			sessions = append(sessions, s)
			delete(m.sessions, id)
		}
		m.mu.Unlock()

		deadline := time.After(m.opts.TeardownTimeout)
		for _, s := range sessions {
			s.finish(Closed, nil)
		}
		for _, s := range sessions {
			select {
			case <-s.Done():
			case <-deadline:
				log.Warn("Console shutdown timed out waiting for sessions")
				return
			}
		}
		log.Info("Console Manager shutdown complete", "sessions", len(sessions))
	})
}

// cleanupRoutine periodically removes stale sessions
func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(m.opts.CleanupTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupStaleSessions(time.Now())
		case <-m.shutdownCh:
			return
		}
	}
}

// cleanupStaleSessions closes sessions nobody attached to in time and relays past the
// maximum duration.
func (m *Manager) cleanupStaleSessions(now time.Time) {
	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		st := s.State()
		unattached := st == Ready && now.After(s.OpenedAt.Add(m.opts.AttachTimeout))
		overdue := st == Relaying && now.After(s.OpenedAt.Add(m.opts.MaxDuration))
		if unattached || overdue || st.terminal() {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.finish(Closed, nil)
		log.Info("Stale console session cleaned up", "session", s.ID, "instance", s.InstanceID, "node", s.NodeName)
	}
}
