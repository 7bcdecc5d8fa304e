// Package pve is the control-plane client for Proxmox VE nodes. It keeps one authenticated
// session per node, collapses concurrent logins, and retries failed calls with backoff.
package pve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/DogezRule/Management-Panel-Cyber/internal/metrics"
	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
)

// Defaults used when Options fields are left zero.
const (
	DefaultTicketLifetime   = 2 * time.Hour
	DefaultRefreshMargin    = 5 * time.Minute
	DefaultMaxAttempts      = 4
	DefaultBackoffInitial   = 250 * time.Millisecond
	DefaultBackoffMax       = 5 * time.Second
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultIdleTimeout      = 30 * time.Minute
	DefaultJanitorTick      = time.Minute
	DefaultConsoleTicketTTL = 40 * time.Second
	DefaultTaskPoll         = time.Second
	DefaultTaskTimeout      = 5 * time.Minute
)

// Directory looks up node connection details.
type Directory interface {
	GetNode(ctx context.Context, name string) (*models.Node, error)
}

// CredentialSource maps a node's credentials reference to a login.
type CredentialSource func(ref string) Credentials

type Options struct {
	TicketLifetime   time.Duration
	RefreshMargin    time.Duration
	MaxAttempts      int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	JanitorTick      time.Duration
	ConsoleTicketTTL time.Duration
	TaskPoll         time.Duration
	TaskTimeout      time.Duration
	Now              func() time.Time
}

func (o *Options) applyDefaults() {
	setDuration := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	setDuration(&o.TicketLifetime, DefaultTicketLifetime)
	setDuration(&o.RefreshMargin, DefaultRefreshMargin)
	setDuration(&o.BackoffInitial, DefaultBackoffInitial)
	setDuration(&o.BackoffMax, DefaultBackoffMax)
	setDuration(&o.HandshakeTimeout, DefaultHandshakeTimeout)
	setDuration(&o.IdleTimeout, DefaultIdleTimeout)
	setDuration(&o.JanitorTick, DefaultJanitorTick)
	setDuration(&o.ConsoleTicketTTL, DefaultConsoleTicketTTL)
	setDuration(&o.TaskPoll, DefaultTaskPoll)
	setDuration(&o.TaskTimeout, DefaultTaskTimeout)
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// SessionInfo describes a pooled control session without exposing the ticket.
type SessionInfo struct {
	Node     string    `json:"node"`
	Username string    `json:"username"`
	Expiry   time.Time `json:"expiry"`
	LastUsed time.Time `json:"lastUsed"`
}

type session struct {
	ticket   Ticket
	lastUsed time.Time
}

// slot is the per-node pool entry. mu guards session; flight collapses handshakes.
type slot struct {
	mu      sync.Mutex
	flight  singleflight.Group
	session *session
}

// Client executes management commands against Proxmox nodes.
type Client struct {
	directory Directory
	creds     CredentialSource
	transport Transport
	opts      Options

	slots      sync.Map // node name -> *slot
	shutdownCh chan struct{}
	closeOnce  sync.Once
}

// NewClient starts a client and its idle-session janitor. Call Close to stop the janitor.
func NewClient(directory Directory, creds CredentialSource, transport Transport, opts Options) *Client {
	opts.applyDefaults()
	c := &Client{
		directory:  directory,
		creds:      creds,
		transport:  transport,
		opts:       opts,
		shutdownCh: make(chan struct{}),
	}
	go c.janitor()

	log.Info("Proxmox control-plane client initialized",
		"ticketLifetime", opts.TicketLifetime.String(),
		"refreshMargin", opts.RefreshMargin.String(),
		"maxAttempts", opts.MaxAttempts,
		"idleTimeout", opts.IdleTimeout.String())
	return c
}

func (c *Client) slot(node string) *slot {
	if s, ok := c.slots.Load(node); ok {
		return s.(*slot)
	}
	s, _ := c.slots.LoadOrStore(node, &slot{})
	return s.(*slot)
}

// fresh reports whether the ticket has more than the refresh margin left.
func (c *Client) fresh(t Ticket) bool {
	return t.Expiry.Sub(c.opts.Now()) > c.opts.RefreshMargin
}

// ticket returns a usable ticket for node, logging in when the cached one is missing or close
// to expiry. Concurrent callers for the same node share one in-flight login.
func (c *Client) ticket(ctx context.Context, node *models.Node) (Ticket, error) {
	s := c.slot(node.Name)

	s.mu.Lock()
	if s.session != nil && c.fresh(s.session.ticket) {
		s.session.lastUsed = c.opts.Now()
		t := s.session.ticket
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	ch := s.flight.DoChan("login", func() (any, error) {
		s.mu.Lock()
		if s.session != nil && c.fresh(s.session.ticket) {
			t := s.session.ticket
			s.mu.Unlock()
			return t, nil
		}
		s.mu.Unlock()

		// The handshake outlives any single caller; everyone waiting on it gets the result.
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.HandshakeTimeout)
		defer cancel()

		start := c.opts.Now()
		t, err := c.transport.Login(hctx, node.Endpoint, c.creds(node.CredentialsRef))
		if err != nil {
			metrics.RecordHandshake(node.Name, "error")
			log.Warn("Proxmox login failed", "node", node.Name, "error", err)
			return Ticket{}, err
		}
		if t.Expiry.IsZero() {
			t.Expiry = start.Add(c.opts.TicketLifetime)
		}
		metrics.RecordHandshake(node.Name, "ok")
		log.Debug("Proxmox session established", "node", node.Name, "user", t.Username, "expiry", t.Expiry.Format(time.RFC3339))

		s.mu.Lock()
		s.session = &session{ticket: t, lastUsed: c.opts.Now()}
		s.mu.Unlock()
		return t, nil
	})

	select {
	case <-ctx.Done():
		return Ticket{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Ticket{}, res.Err
		}
		return res.Val.(Ticket), nil
	}
}

// invalidate drops the node's session, but only if it still holds the ticket that failed.
// A session installed by a newer handshake is left alone.
func (c *Client) invalidate(node, ticketValue string) {
	s := c.slot(node)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil && s.session.ticket.Value == ticketValue {
		s.session = nil
		log.Debug("Proxmox session evicted", "node", node)
	}
}

// Evict drops any cached session for node.
func (c *Client) Evict(node string) {
	s := c.slot(node)
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
}

// Session returns details of the cached session for node, if any.
func (c *Client) Session(node string) (SessionInfo, bool) {
	v, ok := c.slots.Load(node)
	if !ok {
		return SessionInfo{}, false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return SessionInfo{}, false
	}
	return SessionInfo{
		Node:     node,
		Username: s.session.ticket.Username,
		Expiry:   s.session.ticket.Expiry,
		LastUsed: s.session.lastUsed,
	}, true
}

// Sessions lists all cached sessions.
func (c *Client) Sessions() []SessionInfo {
	var out []SessionInfo
	c.slots.Range(func(key, _ any) bool {
		if info, ok := c.Session(key.(string)); ok {
			out = append(out, info)
		}
		return true
	})
	return out
}

// Execute runs cmd on node. Transport failures and rejected tickets evict the session and are
// retried with exponential backoff up to MaxAttempts; after that the call fails with
// *UnavailableError. API errors other than 401 are returned as *APIError without retry.
func (c *Client) Execute(ctx context.Context, node string, cmd Command) (json.RawMessage, error) {
	data, _, err := c.execute(ctx, node, cmd)
	return data, err
}

func (c *Client) execute(ctx context.Context, nodeName string, cmd Command) (json.RawMessage, Ticket, error) {
	node, err := c.directory.GetNode(ctx, nodeName)
	if err != nil {
		return nil, Ticket{}, fmt.Errorf("look up node '%s': %w", nodeName, err)
	}

	var (
		result json.RawMessage
		used   Ticket
	)
	req := cmd.request(node.Name)
	op := func() error {
		t, err := c.ticket(ctx, node)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("login: %w", err)
		}
		data, err := c.transport.Do(ctx, node.Endpoint, t, req)
		if err == nil {
			result, used = data, t
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Unauthorized() {
			return backoff.Permanent(err)
		}
		c.invalidate(node.Name, t.Value)
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.BackoffInitial
	eb.MaxInterval = c.opts.BackoffMax
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.opts.MaxAttempts-1)), ctx)

	start := time.Now()
	err = backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Warn("Proxmox command failed, retrying", "node", node.Name, "command", cmd.Name, "wait", wait.String(), "error", err)
	})
	elapsed := time.Since(start).Seconds()

	if err == nil {
		metrics.RecordCommand(node.Name, cmd.Name, "ok", elapsed)
		return result, used, nil
	}

	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr) && !apiErr.Unauthorized():
		metrics.RecordCommand(node.Name, cmd.Name, "rejected", elapsed)
		return nil, Ticket{}, fmt.Errorf("%s on node '%s': %w", cmd.Name, node.Name, err)
	case ctx.Err() != nil:
		metrics.RecordCommand(node.Name, cmd.Name, "canceled", elapsed)
		return nil, Ticket{}, ctx.Err()
	default:
		metrics.RecordCommand(node.Name, cmd.Name, "unavailable", elapsed)
		log.Error("Proxmox node unavailable", "node", node.Name, "command", cmd.Name, "attempts", c.opts.MaxAttempts, "error", err)
		return nil, Ticket{}, &UnavailableError{Node: node.Name, Cause: err}
	}
}

// RunTask executes a task-starting command and waits until the task stops. A task that ends
// with an exit status other than OK is returned as *TaskError.
func (c *Client) RunTask(ctx context.Context, node string, cmd Command) error {
	data, err := c.Execute(ctx, node, cmd)
	if err != nil {
		return err
	}
	upid, err := ParseUPID(data)
	if err != nil {
		return err
	}
	if upid == "" {
		return nil
	}
	return c.WaitTask(ctx, node, upid)
}

// WaitTask polls a task until it stops or TaskTimeout elapses.
func (c *Client) WaitTask(ctx context.Context, node, upid string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.TaskTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.TaskPoll)
	defer ticker.Stop()
	for {
		data, err := c.Execute(ctx, node, TaskStatus(upid))
		if err != nil {
			return fmt.Errorf("wait for task %s: %w", upid, err)
		}
		var st taskStatus
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("decode task status: %w", err)
		}
		if st.Status == "stopped" {
			if st.ExitStatus != "OK" {
				return &TaskError{Node: node, UPID: upid, ExitStatus: st.ExitStatus}
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for task %s: %w", upid, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close stops the janitor and drops all sessions.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdownCh)
		c.slots.Range(func(key, value any) bool {
			s := value.(*slot)
			s.mu.Lock()
			s.session = nil
			s.mu.Unlock()
			return true
		})
		log.Info("Proxmox control-plane client shutdown complete")
	})
}

// janitor periodically evicts idle and expired sessions
func (c *Client) janitor() {
	ticker := time.NewTicker(c.opts.JanitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictIdle()
		case <-c.shutdownCh:
			return
		}
	}
}

func (c *Client) evictIdle() {
	now := c.opts.Now()
	c.slots.Range(func(key, value any) bool {
		s := value.(*slot)
		s.mu.Lock()
		if s.session != nil && (now.Sub(s.session.lastUsed) > c.opts.IdleTimeout || !now.Before(s.session.ticket.Expiry)) {
			s.session = nil
			log.Debug("Idle Proxmox session evicted", "node", key)
		}
		s.mu.Unlock()
		return true
	})
}
