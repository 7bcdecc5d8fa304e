package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/DogezRule/Management-Panel-Cyber/internal/events"
	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
	"github.com/DogezRule/Management-Panel-Cyber/internal/pve"
)

// Get returns an instance with its node's active flag folded in.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.InstanceResponse, error) {
	inst, err := o.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.InstanceResponse{Instance: *inst, NodeInactive: !o.nodeActive(ctx, inst.NodeName)}, nil
}

// List returns the owner's instances, or all instances when owner is empty.
func (o *Orchestrator) List(ctx context.Context, owner string) ([]models.InstanceResponse, error) {
	instances, err := o.store.ListInstances(ctx, owner)
	if err != nil {
		return nil, err
	}
	nodes, err := o.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		active[n.Name] = n.Active
	}
	out := make([]models.InstanceResponse, 0, len(instances))
	for _, inst := range instances {
		out = append(out, models.InstanceResponse{Instance: inst, NodeInactive: !active[inst.NodeName]})
	}
	return out, nil
}

func (o *Orchestrator) nodeActive(ctx context.Context, name string) bool {
	n, err := o.store.GetNode(ctx, name)
	return err == nil && n.Active
}

func (o *Orchestrator) operable(ctx context.Context, id string) (*models.Instance, error) {
	inst, err := o.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status == models.StatusProvisioning || inst.Status == models.StatusDeleting {
		return nil, fmt.Errorf("instance %s is %s: %w", inst.ID, inst.Status, ErrBusy)
	}
	if inst.RemoteID == 0 {
		return nil, fmt.Errorf("instance %s has no vm on node '%s'", inst.ID, inst.NodeName)
	}
	return inst, nil
}

// Start powers on an instance's VM.
func (o *Orchestrator) Start(ctx context.Context, id string) (*models.Instance, error) {
	return o.power(ctx, id, pve.Start, models.StatusRunning, events.InstanceRunning)
}

// Stop powers off an instance's VM.
func (o *Orchestrator) Stop(ctx context.Context, id string) (*models.Instance, error) {
	return o.power(ctx, id, pve.Stop, models.StatusStopped, events.InstanceStopped)
}

func (o *Orchestrator) power(ctx context.Context, id string, cmd func(int) pve.Command, status models.InstanceStatus, evType string) (*models.Instance, error) {
	inst, err := o.operable(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status == models.StatusError {
		return nil, fmt.Errorf("instance %s failed to deploy and cannot be powered: %w", inst.ID, ErrBusy)
	}
	if err := o.control.RunTask(ctx, inst.NodeName, cmd(inst.RemoteID)); err != nil {
		return nil, err
	}
	inst.Status = status
	if err := o.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	o.publish(ctx, evType, inst)
	log.Info("Instance power state changed", "instance", inst.ID, "node", inst.NodeName, "vmid", inst.RemoteID, "status", status)
	return inst, nil
}

// Refresh reads the VM's run state from its node and stores it.
func (o *Orchestrator) Refresh(ctx context.Context, id string) (*models.Instance, error) {
	inst, err := o.operable(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := o.control.Execute(ctx, inst.NodeName, pve.Status(inst.RemoteID))
	if err != nil {
		return nil, err
	}
	st, err := pve.ParseGuestStatus(data)
	if err != nil {
		return nil, err
	}
	var next models.InstanceStatus
	switch st.Status {
	case "running":
		next = models.StatusRunning
	case "stopped":
		next = models.StatusStopped
	default:
		return inst, nil
	}
	if next != inst.Status && inst.Status != models.StatusError {
		inst.Status = next
		if err := o.store.UpdateInstance(ctx, inst); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// Delete destroys the instance's VM, if one was created, and removes the record. If the
// destroy fails the instance keeps its previous status. Rows left provisioning or deleting
// by a crashed or failed call are deletable once StaleProvisioning has passed.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	inst, err := o.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status == models.StatusProvisioning || inst.Status == models.StatusDeleting {
		idle := time.Since(inst.UpdatedAt)
		if idle < o.opts.StaleProvisioning {
			return fmt.Errorf("instance %s is %s: %w", inst.ID, inst.Status, ErrBusy)
		}
		log.Warn("Deleting abandoned instance", "instance", inst.ID, "status", inst.Status, "idle", idle.Round(time.Second).String())
	}

	if inst.RemoteID != 0 {
		previous := inst.Status
		inst.Status = models.StatusDeleting
		if err := o.store.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		if err := o.destroy(ctx, inst); err != nil {
			inst.Status = previous
			if uerr := o.store.UpdateInstance(context.WithoutCancel(ctx), inst); uerr != nil {
				log.Error("Failed to restore instance status", "instance", inst.ID, "error", uerr)
			}
			return err
		}
	}

	if err := o.store.DeleteInstance(ctx, inst.ID); err != nil {
		return err
	}
	o.publish(ctx, events.InstanceDeleted, inst)
	log.Info("Instance deleted", "instance", inst.ID, "node", inst.NodeName, "vmid", inst.RemoteID)
	return nil
}

func (o *Orchestrator) destroy(ctx context.Context, inst *models.Instance) error {
	// best effort; destroy reports the real outcome
	if err := o.control.RunTask(ctx, inst.NodeName, pve.Stop(inst.RemoteID)); err != nil {
		log.Debug("Stop before destroy failed", "instance", inst.ID, "error", err)
	}
	if err := o.control.RunTask(ctx, inst.NodeName, pve.Destroy(inst.RemoteID)); err != nil && !vmGone(err) {
		return fmt.Errorf("destroy vm %d on node '%s': %w", inst.RemoteID, inst.NodeName, err)
	}
	return nil
}

// vmGone reports whether the node says the VM does not exist.
func vmGone(err error) bool {
	var apiErr *pve.APIError
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "does not exist")
}

// NodeStatistics summarises usage across all nodes.
func (o *Orchestrator) NodeStatistics(ctx context.Context) (models.NodeStatistics, error) {
	nodes, err := o.store.ListNodes(ctx)
	if err != nil {
		return models.NodeStatistics{}, err
	}
	counts, err := o.store.InstanceCounts(ctx)
	if err != nil {
		return models.NodeStatistics{}, err
	}

	stats := models.NodeStatistics{Nodes: make([]models.NodeUsage, 0, len(nodes))}
	for _, n := range nodes {
		if n.MaxInstances <= 0 {
			n.MaxInstances = o.opts.DefaultMaxInstances
		}
		usage := models.NodeUsage{Name: n.Name, Active: n.Active, Instances: counts[n.Name], MaxInstances: n.MaxInstances}
		if n.MaxInstances > 0 {
			usage.Utilization = float64(usage.Instances) / float64(n.MaxInstances) * 100
		}
		stats.TotalInstances += usage.Instances
		if n.Active {
			stats.ActiveNodes++
			stats.TotalCapacity += n.MaxInstances
		}
		stats.Nodes = append(stats.Nodes, usage)
	}
	return stats, nil
}
