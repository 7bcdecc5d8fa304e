package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
	"github.com/DogezRule/Management-Panel-Cyber/internal/pve"
	"github.com/DogezRule/Management-Panel-Cyber/internal/store"
)

type message struct {
	kind int
	data []byte
}

// pipeEnd is an in-memory Transport; two ends form a bidirectional pipe.
type pipeEnd struct {
	recv      chan message
	done      chan struct{}
	closeOnce sync.Once
	peer      *pipeEnd
}

func newPipe() (*pipeEnd, *pipeEnd) {
	a := &pipeEnd{recv: make(chan message, 256), done: make(chan struct{})}
	b := &pipeEnd{recv: make(chan message, 256), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) ReadMessage() (int, []byte, error) {
	select {
	case m := <-p.recv:
		return m.kind, m.data, nil
	case <-p.done:
		return 0, nil, io.ErrClosedPipe
	case <-p.peer.done:
		// drain what the peer wrote before closing
		select {
		case m := <-p.recv:
			return m.kind, m.data, nil
		default:
			return 0, nil, io.EOF
		}
	}
}

func (p *pipeEnd) WriteMessage(kind int, data []byte) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	case <-p.peer.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.peer.recv <- message{kind: kind, data: append([]byte(nil), data...)}:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	case <-p.peer.done:
		return io.ErrClosedPipe
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *pipeEnd) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

type fakeInstances map[string]*models.Instance

func (f fakeInstances) GetInstance(_ context.Context, id string) (*models.Instance, error) {
	inst, ok := f[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return inst, nil
}

type fakeIssuer struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeIssuer) IssueConsoleTicket(_ context.Context, node string, vmid int, kind models.ConsoleKind) (pve.ConsoleTicket, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return pve.ConsoleTicket{}, f.err
	}
	return pve.ConsoleTicket{
		Kind:     kind,
		Node:     node,
		VMID:     vmid,
		Ticket:   "PVEVNC:ticket",
		Port:     5900,
		User:     "root@pam",
		Password: "PVEVNC:ticket",
		Expiry:   time.Now().Add(10 * time.Second),
	}, nil
}

// fakeDialer hands the manager one end of a pipe and exposes the other as the VM side.
type fakeDialer struct {
	mu      sync.Mutex
	vm      []*pipeEnd
	err     error
	onDial  func(vm *pipeEnd)
	tickets []pve.ConsoleTicket
}

func (d *fakeDialer) Dial(_ context.Context, ticket pve.ConsoleTicket) (Transport, error) {
	if d.err != nil {
		return nil, d.err
	}
	local, vm := newPipe()
	d.mu.Lock()
	d.vm = append(d.vm, vm)
	d.tickets = append(d.tickets, ticket)
	d.mu.Unlock()
	if d.onDial != nil {
		go d.onDial(vm)
	}
	return local, nil
}

func (d *fakeDialer) lastVM() *pipeEnd {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vm[len(d.vm)-1]
}

var (
	alice   = Principal{Username: "alice", Role: models.RoleStudent}
	bob     = Principal{Username: "bob", Role: models.RoleStudent}
	teacher = Principal{Username: "mr-t", Role: models.RoleTeacher}
)

func testInstances() fakeInstances {
	return fakeInstances{
		"i-1": {ID: "i-1", NodeName: "pve-1", RemoteID: 101, Owner: "alice", Status: models.StatusRunning},
		"i-2": {ID: "i-2", NodeName: "pve-2", RemoteID: 0, Owner: "alice", Status: models.StatusProvisioning},
	}
}

func newTestManager(t *testing.T, issuer *fakeIssuer, dialer *fakeDialer) *Manager {
	t.Helper()
	m := NewManager(testInstances(), issuer, dialer, Options{
		AttachTimeout:   time.Minute,
		TeardownTimeout: time.Second,
		CleanupTick:     time.Hour,
	})
	t.Cleanup(m.Shutdown)
	return m
}

func attachAsync(m *Manager, id string, p Principal, client Transport) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- m.Attach(context.Background(), id, p, client) }()
	return errCh
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond,
		"session stuck in %s", s.State())
}

func TestRelayPreservesOrderBothWays(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, &fakeIssuer{}, dialer)

	s, err := m.Open(context.Background(), alice, "i-1", models.ConsoleVNC)
	require.NoError(t, err)
	assert.Equal(t, Ready, s.State())
	assert.Equal(t, "PVEVNC:ticket", s.Password)

	browser, server := newPipe()
	done := attachAsync(m, s.ID, alice, server)
	waitState(t, s, Relaying)
	vm := dialer.lastVM()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = vm.WriteMessage(websocket.BinaryMessage, []byte(fmt.Sprintf("frame-%03d", i)))
		}
	}()
	for i := 0; i < n; i++ {
		require.NoError(t, browser.WriteMessage(websocket.BinaryMessage, []byte(fmt.Sprintf("key-%03d", i))))
	}

	for i := 0; i < n; i++ {
		kind, data, err := vm.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, kind)
		assert.Equal(t, fmt.Sprintf("key-%03d", i), string(data))
	}
	for i := 0; i < n; i++ {
		_, data, err := browser.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("frame-%03d", i), string(data))
	}
	wg.Wait()

	require.NoError(t, browser.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after the client closed")
	}

	assert.Equal(t, Closed, s.State())
	assert.True(t, vm.peer.closed(), "upstream transport must be closed")
	up, down := s.Stats()
	assert.Equal(t, int64(n*len("key-000")), up)
	assert.Equal(t, int64(n*len("frame-000")), down)
	_, ok := m.Get(s.ID)
	assert.False(t, ok)
}

func TestUpstreamCloseEndsRelay(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, &fakeIssuer{}, dialer)

	s, err := m.Open(context.Background(), alice, "i-1", models.ConsoleVNC)
	require.NoError(t, err)
	_, server := newPipe()
	done := attachAsync(m, s.ID, alice, server)
	waitState(t, s, Relaying)

	require.NoError(t, dialer.lastVM().Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after upstream closed")
	}
	assert.True(t, server.closed(), "client transport must be closed")
	assert.Equal(t, Closed, s.State())
}

func TestTerminateDuringRelay(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, &fakeIssuer{}, dialer)

	s, err := m.Open(context.Background(), alice, "i-1", models.ConsoleVNC)
	require.NoError(t, err)
	_, server := newPipe()
	done := attachAsync(m, s.ID, alice, server)
	waitState(t, s, Relaying)

	require.NoError(t, m.Terminate(s.ID))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after terminate")
	}
	assert.True(t, server.closed())
	assert.True(t, dialer.lastVM().peer.closed())
	assert.ErrorIs(t, m.Terminate(s.ID), ErrSessionNotFound)
}

func TestFinishIsIdempotent(t *testing.T) {
	s := newSession("x")
	up, _ := newPipe()
	s.upstream = up
	s.finish(Failed, errors.New("boom"))
	s.finish(Closed, nil)

	assert.Equal(t, Failed, s.State())
	assert.EqualError(t, s.Err(), "boom")
	assert.True(t, up.closed())
	assert.False(t, s.setState(Ready), "terminal state must stick")
	<-s.Done()
}

func TestTermHandshake(t *testing.T) {
	got := make(chan string, 1)
	dialer := &fakeDialer{onDial: func(vm *pipeEnd) {
		_, data, err := vm.ReadMessage()
		if err != nil {
			return
		}
		got <- string(data)
		_ = vm.WriteMessage(websocket.TextMessage, []byte("OK"))
	}}
	m := newTestManager(t, &fakeIssuer{}, dialer)

	s, err := m.Open(context.Background(), teacher, "i-1", models.ConsoleTerm)
	require.NoError(t, err)
	assert.Equal(t, Ready, s.State())
	assert.Equal(t, "root@pam:PVEVNC:ticket\n", <-got)
}

func TestTermHandshakeRejected(t *testing.T) {
	dialer := &fakeDialer{onDial: func(vm *pipeEnd) {
		if _, _, err := vm.ReadMessage(); err != nil {
			return
		}
		_ = vm.WriteMessage(websocket.TextMessage, []byte("permission denied"))
	}}
	m := newTestManager(t, &fakeIssuer{}, dialer)

	_, err := m.Open(context.Background(), alice, "i-1", models.ConsoleTerm)
	var authErr *AuthFailureError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "pve-1", authErr.Node)
	assert.Equal(t, "handshake", authErr.Stage)
	assert.True(t, dialer.lastVM().peer.closed(), "failed session must release its upstream")
	assert.Empty(t, m.List(teacher))
}

func TestTicketRejected(t *testing.T) {
	issuer := &fakeIssuer{err: &pve.APIError{Status: 401, Message: "permission check failed"}}
	m := newTestManager(t, issuer, &fakeDialer{})

	_, err := m.Open(context.Background(), alice, "i-1", models.ConsoleVNC)
	var authErr *AuthFailureError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "ticket", authErr.Stage)
}

func TestDialFailure(t *testing.T) {
	dialer := &fakeDialer{err: &pve.UnavailableError{Node: "pve-1", Cause: errors.New("connection refused")}}
	m := newTestManager(t, &fakeIssuer{}, dialer)

	_, err := m.Open(context.Background(), alice, "i-1", models.ConsoleVNC)
	var unavailable *pve.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Empty(t, m.List(teacher))
}

func TestOpenAccessChecks(t *testing.T) {
	issuer := &fakeIssuer{}
	m := newTestManager(t, issuer, &fakeDialer{})

	_, err := m.Open(context.Background(), bob, "i-1", models.ConsoleVNC)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = m.Open(context.Background(), alice, "missing", models.ConsoleVNC)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.Open(context.Background(), alice, "i-2", models.ConsoleVNC)
	assert.Error(t, err)

	assert.Zero(t, issuer.calls, "no ticket may be issued for a refused request")
}

func TestAttachRules(t *testing.T) {
	m := newTestManager(t, &fakeIssuer{}, &fakeDialer{})

	_, c := newPipe()
	assert.ErrorIs(t, m.Attach(context.Background(), "nope", alice, c), ErrSessionNotFound)
	assert.True(t, c.closed())

	s, err := m.Open(context.Background(), alice, "i-1", models.ConsoleVNC)
	require.NoError(t, err)

	_, c = newPipe()
	assert.ErrorIs(t, m.Attach(context.Background(), s.ID, bob, c), ErrForbidden)

	_, first := newPipe()
	done := attachAsync(m, s.ID, alice, first)
	waitState(t, s, Relaying)

	_, second := newPipe()
	assert.ErrorIs(t, m.Attach(context.Background(), s.ID, alice, second), ErrAlreadyAttached)
	assert.True(t, second.closed())
	assert.False(t, first.closed())

	require.NoError(t, m.Terminate(s.ID))
	<-done
}

func TestListVisibility(t *testing.T) {
	m := newTestManager(t, &fakeIssuer{}, &fakeDialer{})

	_, err := m.Open(context.Background(), alice, "i-1", models.ConsoleVNC)
	require.NoError(t, err)
	_, err = m.Open(context.Background(), teacher, "i-1", models.ConsoleVNC)
	require.NoError(t, err)

	assert.Len(t, m.List(alice), 1)
	assert.Len(t, m.List(teacher), 2)
	assert.Empty(t, m.List(bob))
	assert.Equal(t, "ready", m.List(alice)[0].State)
}

func TestCleanupUnattachedSessions(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, &fakeIssuer{}, dialer)

	s, err := m.Open(context.Background(), alice, "i-1", models.ConsoleVNC)
	require.NoError(t, err)

	m.cleanupStaleSessions(time.Now())
	_, ok := m.Get(s.ID)
	require.True(t, ok, "fresh session must survive cleanup")

	m.cleanupStaleSessions(m.AttachDeadline(s).Add(time.Second))
	_, ok = m.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, Closed, s.State())
	assert.True(t, dialer.lastVM().peer.closed())
}

func TestShutdownClosesEverything(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(testInstances(), &fakeIssuer{}, dialer, Options{TeardownTimeout: time.Second})

	ready, err := m.Open(context.Background(), alice, "i-1", models.ConsoleVNC)
	require.NoError(t, err)
	relaying, err := m.Open(context.Background(), alice, "i-1", models.ConsoleVNC)
	require.NoError(t, err)
	_, server := newPipe()
	done := attachAsync(m, relaying.ID, alice, server)
	waitState(t, relaying, Relaying)

	m.Shutdown()
	m.Shutdown()

	<-done
	assert.Equal(t, Closed, ready.State())
	assert.Equal(t, Closed, relaying.State())
	assert.Empty(t, m.List(teacher))
}

// stoppingIssuer shuts the manager down while a console is being opened.
type stoppingIssuer struct {
	fakeIssuer
	m *Manager
}

func (i *stoppingIssuer) IssueConsoleTicket(ctx context.Context, node string, vmid int, kind models.ConsoleKind) (pve.ConsoleTicket, error) {
	i.m.Shutdown()
	return i.fakeIssuer.IssueConsoleTicket(ctx, node, vmid, kind)
}

func TestOpenAfterShutdownIsNotRegistered(t *testing.T) {
	dialer := &fakeDialer{}
	issuer := &stoppingIssuer{}
	m := NewManager(testInstances(), issuer, dialer, Options{TeardownTimeout: time.Second})
	issuer.m = m

	s, err := m.Open(context.Background(), alice, "i-1", models.ConsoleVNC)
	require.ErrorIs(t, err, ErrShuttingDown)
	assert.Nil(t, s)
	assert.Empty(t, m.List(teacher))
	assert.True(t, dialer.lastVM().peer.closed(), "upstream must be closed when the manager is gone")
}
