package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
)

func TestFromInstance(t *testing.T) {
	inst := &models.Instance{ID: "i-1", TemplateID: "kali", NodeName: "pve-2", RemoteID: 131, Owner: "alice", Status: models.StatusError, Error: "boom"}
	ev := FromInstance(InstanceError, inst)

	assert.Equal(t, "error", ev.Type)
	assert.Equal(t, "pve-2", ev.Node)
	assert.Equal(t, 131, ev.RemoteID)
	assert.Equal(t, "boom", ev.Error)
	assert.False(t, ev.Time.IsZero())
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "labs.instances.events.running", Subject("labs.instances.events", InstanceRunning))
}

func TestNoopAndRecorder(t *testing.T) {
	require.NoError(t, Noop{}.Publish(context.Background(), Event{}))

	r := &Recorder{}
	require.NoError(t, r.Publish(context.Background(), Event{Type: InstanceCreated}))
	assert.Equal(t, []string{InstanceCreated}, r.Types())
}

func TestNATSConnectFailure(t *testing.T) {
	_, err := NewNATSPublisher("nats://127.0.0.1:1", "labs")
	assert.Error(t, err)
}
