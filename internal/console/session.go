package console

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
	"github.com/DogezRule/Management-Panel-Cyber/internal/pve"
)

// State is the lifecycle stage of a console session.
type State int32

const (
	Requesting State = iota
	Authenticating
	Ready // upstream open, waiting for the client to attach
	Relaying
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Requesting:
		return "requesting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) terminal() bool {
	return s == Closed || s == Failed
}

// Transport is one end of a relay. Messages keep their type and payload end to end.
// *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Principal is the already-authenticated user asking for a console.
type Principal struct {
	Username string
	Role     models.Role
}

// CanAccess reports whether p may open consoles on instances owned by owner.
func (p Principal) CanAccess(owner string) bool {
	return p.Role == models.RoleAdmin || p.Role == models.RoleTeacher || p.Username == owner
}

var (
	ErrSessionNotFound = errors.New("console session not found")
	ErrForbidden       = errors.New("not allowed to access this console")
	ErrAlreadyAttached = errors.New("console session already attached")
	ErrShuttingDown    = errors.New("console relay is shutting down")
)

// AuthFailureError means the node rejected the console ticket or the upstream handshake.
type AuthFailureError struct {
	Node  string
	Stage string // ticket, upgrade or handshake
	Cause error
}

func (e *AuthFailureError) Error() string {
	return fmt.Sprintf("console authentication failed on node '%s' during %s: %v", e.Node, e.Stage, e.Cause)
}

func (e *AuthFailureError) Unwrap() error {
	return e.Cause
}

// Session is one console connection between a client and a VM's console on its node.
// It owns exactly one upstream transport; both ends are closed together, once.
type Session struct {
	ID         string
	InstanceID string
	NodeName   string
	VMID       int
	Owner      string // instance owner
	Username   string // user who opened the session
	Kind       models.ConsoleKind
	Password   string
	OpenedAt   time.Time

	mu       sync.Mutex
	state    State
	cause    error
	upstream Transport
	client   Transport
	cancel   context.CancelFunc
	ticket   pve.ConsoleTicket

	attached  atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	bytesUpstream atomic.Int64 // client -> node
	bytesClient   atomic.Int64 // node -> client
}

func newSession(id string) *Session {
	return &Session{ID: id, OpenedAt: time.Now(), state: Requesting, done: make(chan struct{})}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause once the session has failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Done is closed when the session reaches Closed or Failed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stats returns relayed byte counts: client->node and node->client.
func (s *Session) Stats() (upstream, client int64) {
	return s.bytesUpstream.Load(), s.bytesClient.Load()
}

// TicketExpiry is when the console ticket stops being valid upstream.
func (s *Session) TicketExpiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticket.Expiry
}

func (s *Session) setState(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return false
	}
	s.state = st
	return true
}

// finish moves the session to a terminal state and releases both transports. Only the first
// call has any effect.
func (s *Session) finish(st State, cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = st
		if st == Failed {
			s.cause = cause
		}
		upstream, client, cancel := s.upstream, s.client, s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if upstream != nil {
			_ = upstream.Close()
		}
		if client != nil {
			_ = client.Close()
		}
		close(s.done)
	})
}

// relay copies messages in both directions until either side ends or ctx is cancelled.
// Whichever way it ends, both transports are closed before relay returns.
func (s *Session) relay(ctx context.Context) error {
	s.mu.Lock()
	upstream, client := s.upstream, s.client
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pump(client, upstream, &s.bytesUpstream) })
	g.Go(func() error { return pump(upstream, client, &s.bytesClient) })
	g.Go(func() error {
		<-gctx.Done()
		_ = upstream.Close()
		_ = client.Close()
		return nil
	})
	return g.Wait()
}

// pump forwards messages from src to dst unmodified. It always returns a non-nil error so the
// group tears down the other direction.
func pump(src, dst Transport, counter *atomic.Int64) error {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		counter.Add(int64(len(data)))
	}
}

func (s *Session) info() models.ConsoleSessionInfo {
	up, down := s.Stats()
	return models.ConsoleSessionInfo{
		ID:            s.ID,
		InstanceID:    s.InstanceID,
		NodeName:      s.NodeName,
		Owner:         s.Owner,
		Kind:          string(s.Kind),
		State:         s.State().String(),
		OpenedAt:      s.OpenedAt,
		BytesUpstream: up,
		BytesClient:   down,
	}
}
