// Package events publishes instance lifecycle changes to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"

	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
)

// Event types, appended to the configured subject.
const (
	InstanceCreated = "created"
	InstanceRunning = "running"
	InstanceStopped = "stopped"
	InstanceError   = "error"
	InstanceDeleted = "deleted"
)

type Event struct {
	Type       string                `json:"type"`
	InstanceID string                `json:"instanceId"`
	TemplateID string                `json:"templateId"`
	Node       string                `json:"node"`
	RemoteID   int                   `json:"remoteId,omitempty"`
	Owner      string                `json:"owner"`
	Status     models.InstanceStatus `json:"status"`
	Error      string                `json:"error,omitempty"`
	Time       time.Time             `json:"time"`
}

// FromInstance builds an event of type typ describing inst.
func FromInstance(typ string, inst *models.Instance) Event {
	return Event{
		Type:       typ,
		InstanceID: inst.ID,
		TemplateID: inst.TemplateID,
		Node:       inst.NodeName,
		RemoteID:   inst.RemoteID,
		Owner:      inst.Owner,
		Status:     inst.Status,
		Error:      inst.Error,
		Time:       time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// NATSPublisher sends events as JSON on <subject>.<type>.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("cyberlab-api-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(Subject(p.subject, ev.Type), payload)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Subject returns the subject an event type is published on.
func Subject(base, typ string) string {
	return base + "." + typ
}

// Noop discards events. Used when NATS_URL is empty.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close()                               {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Types returns the types of the recorded events in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}

func (r *Recorder) Close() {}
