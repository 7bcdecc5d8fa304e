// Package deploy provisions lab instances: it places them on a node, clones the template there
// and records the outcome. Every outcome is known when Deploy returns; nothing reconciles later.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/DogezRule/Management-Panel-Cyber/internal/events"
	"github.com/DogezRule/Management-Panel-Cyber/internal/metrics"
	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
	"github.com/DogezRule/Management-Panel-Cyber/internal/placement"
	"github.com/DogezRule/Management-Panel-Cyber/internal/pve"
	"github.com/DogezRule/Management-Panel-Cyber/internal/store"
)

var (
	ErrTemplateInactive = errors.New("template is inactive")
	ErrBusy             = errors.New("instance is being provisioned or deleted")
)

const (
	defaultPlacementAttempts = 3
	defaultVMIDTimeout       = time.Minute
	defaultStaleProvisioning = 30 * time.Minute
	defaultBulkParallelism   = 4
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	GetNode(ctx context.Context, name string) (*models.Node, error)
	ListNodes(ctx context.Context) ([]models.Node, error)
	InstanceCounts(ctx context.Context) (map[string]int, error)
	ReserveInstance(ctx context.Context, inst *models.Instance, maxInstances int) error
	UpdateInstance(ctx context.Context, inst *models.Instance) error
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	ListInstances(ctx context.Context, owner string) ([]models.Instance, error)
	DeleteInstance(ctx context.Context, id string) error
}

type Registry interface {
	Resolve(ctx context.Context, tpl *models.Template, node string) (int, error)
	EligibleNodes(ctx context.Context, templateID string) ([]models.Node, error)
	MappedNodes(ctx context.Context, templateID string) ([]string, error)
}

type Selector interface {
	Select(strategy placement.Strategy, pool placement.Pool) (string, error)
}

// ControlPlane runs commands on hypervisor nodes.
type ControlPlane interface {
	Execute(ctx context.Context, node string, cmd pve.Command) (json.RawMessage, error)
	RunTask(ctx context.Context, node string, cmd pve.Command) error
	WaitTask(ctx context.Context, node, upid string) error
}

type Options struct {
	DefaultStrategy   placement.Strategy
	LinkedClones      bool
	StartAfterClone   bool
	DefaultStorage    string
	PlacementAttempts int
	BulkParallelism   int

	// DefaultMaxInstances caps nodes stored without a limit
	DefaultMaxInstances int

	// VMIDTimeout bounds both waiting for the VMID allocation slot and holding it
	VMIDTimeout time.Duration

	// StaleProvisioning is how long a provisioning or deleting row may go untouched before
	// Delete treats it as abandoned
	StaleProvisioning time.Duration
}

// Request asks for one instance of a template. A nil Strategy uses the default.
type Request struct {
	TemplateID string
	Owner      string
	Strategy   *placement.Strategy
}

type Orchestrator struct {
	store     Store
	registry  Registry
	selector  Selector
	control   ControlPlane
	publisher events.Publisher
	opts      Options

	// cluster/nextid is not a reservation; hold the slot until the clone is dispatched
	vmidSlot chan struct{}

	storageMu     sync.Mutex
	storageCursor map[string]int
}

func New(st Store, reg Registry, sel Selector, control ControlPlane, pub events.Publisher, opts Options) *Orchestrator {
	if opts.PlacementAttempts <= 0 {
		opts.PlacementAttempts = defaultPlacementAttempts
	}
	if opts.DefaultMaxInstances <= 0 {
		opts.DefaultMaxInstances = models.DefaultMaxInstances
	}
	if opts.VMIDTimeout <= 0 {
		opts.VMIDTimeout = defaultVMIDTimeout
	}
	if opts.StaleProvisioning <= 0 {
		opts.StaleProvisioning = defaultStaleProvisioning
	}
	if opts.BulkParallelism <= 0 {
		opts.BulkParallelism = defaultBulkParallelism
	}
	if pub == nil {
		pub = events.Noop{}
	}
	return &Orchestrator{
		store:         st,
		registry:      reg,
		selector:      sel,
		control:       control,
		publisher:     pub,
		opts:          opts,
		vmidSlot:      make(chan struct{}, 1),
		storageCursor: make(map[string]int),
	}
}

func (o *Orchestrator) DefaultStrategy() placement.Strategy {
	return o.opts.DefaultStrategy
}

// Deploy places and clones one instance. Placement failures return before anything is
// persisted. Once the clone is dispatched the call is no longer cancellable; a failure from
// then on is recorded on the returned instance with status error and also returned.
func (o *Orchestrator) Deploy(ctx context.Context, req Request) (*models.Instance, error) {
	started := time.Now()
	strategy := o.opts.DefaultStrategy
	if req.Strategy != nil {
		strategy = *req.Strategy
	}

	tpl, err := o.store.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", req.TemplateID, err)
	}
	if !tpl.Active {
		metrics.RecordDeployment(tpl.Name, "", "rejected", 0)
		return nil, fmt.Errorf("template '%s': %w", tpl.Name, ErrTemplateInactive)
	}

	inst, remoteTemplateID, err := o.place(ctx, tpl, req.Owner, strategy)
	if err != nil {
		metrics.RecordDeployment(tpl.Name, "", "rejected", 0)
		log.Warn("Deployment rejected", "template", tpl.Name, "owner", req.Owner, "strategy", strategy.String(), "error", err)
		return nil, err
	}
	o.publish(ctx, events.InstanceCreated, inst)
	log.Info("Deploying instance", "instance", inst.ID, "template", tpl.Name, "node", inst.NodeName, "owner", inst.Owner, "strategy", strategy.String())

	ctx = context.WithoutCancel(ctx)
	if err := o.provision(ctx, tpl, inst, remoteTemplateID); err != nil {
		inst.Status = models.StatusError
		inst.Error = err.Error()
		if uerr := o.store.UpdateInstance(ctx, inst); uerr != nil {
			log.Error("Failed to record deployment failure", "instance", inst.ID, "error", uerr)
		}
		o.publish(ctx, events.InstanceError, inst)
		metrics.RecordDeployment(tpl.Name, inst.NodeName, "error", time.Since(started).Seconds())
		log.Error("Deployment failed", "instance", inst.ID, "node", inst.NodeName, "error", err)
		return inst, err
	}

	inst.Status = models.StatusRunning
	if !o.opts.StartAfterClone {
		inst.Status = models.StatusStopped
	}
	if err := o.store.UpdateInstance(ctx, inst); err != nil {
		return inst, fmt.Errorf("record deployed instance %s: %w", inst.ID, err)
	}
	o.publish(ctx, string(inst.Status), inst)
	metrics.RecordDeployment(tpl.Name, inst.NodeName, "ok", time.Since(started).Seconds())
	log.Info("Instance deployed", "instance", inst.ID, "node", inst.NodeName, "vmid", inst.RemoteID, "duration", time.Since(started).String())
	return inst, nil
}

// place selects a node and reserves a slot on it. A reservation that loses a race for the
// last slot re-runs placement against fresh counts.
func (o *Orchestrator) place(ctx context.Context, tpl *models.Template, owner string, strategy placement.Strategy) (*models.Instance, int, error) {
	for attempt := 0; attempt < o.opts.PlacementAttempts; attempt++ {
		pool, limits, err := o.pool(ctx, tpl)
		if err != nil {
			return nil, 0, err
		}
		node, err := o.selector.Select(strategy, pool)
		if err != nil {
			return nil, 0, err
		}
		// a mapping deleted since EligibleNodes surfaces here
		remoteTemplateID, err := o.registry.Resolve(ctx, tpl, node)
		if err != nil {
			return nil, 0, err
		}

		inst := &models.Instance{
			ID:         uuid.NewString(),
			TemplateID: tpl.ID,
			NodeName:   node,
			Status:     models.StatusProvisioning,
			Owner:      owner,
		}
		if !o.opts.LinkedClones {
			inst.Storage = o.nextStorage(node, limits[node].StoragePools)
		}
		err = o.store.ReserveInstance(ctx, inst, limits[node].MaxInstances)
		if errors.Is(err, store.ErrNodeFull) {
			log.Debug("Node filled up during placement, retrying", "node", node, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("reserve slot on node '%s': %w", node, err)
		}
		return inst, remoteTemplateID, nil
	}
	return nil, 0, &placement.NoEligibleNodeError{Template: tpl.Name, Reason: placement.ReasonUnavailable}
}

// pool joins the eligible nodes with live instance counts.
func (o *Orchestrator) pool(ctx context.Context, tpl *models.Template) (placement.Pool, map[string]models.Node, error) {
	mapped, err := o.registry.MappedNodes(ctx, tpl.ID)
	if err != nil {
		return placement.Pool{}, nil, err
	}
	eligible, err := o.registry.EligibleNodes(ctx, tpl.ID)
	if err != nil {
		return placement.Pool{}, nil, err
	}
	counts, err := o.store.InstanceCounts(ctx)
	if err != nil {
		return placement.Pool{}, nil, fmt.Errorf("load instance counts: %w", err)
	}

	pool := placement.Pool{Template: tpl.Name, Mapped: mapped}
	limits := make(map[string]models.Node, len(eligible))
	for _, n := range eligible {
		if n.MaxInstances <= 0 {
			n.MaxInstances = o.opts.DefaultMaxInstances
		}
		if counts[n.Name] >= n.MaxInstances {
			continue
		}
		limits[n.Name] = n
		pool.Eligible = append(pool.Eligible, placement.Candidate{Name: n.Name, Instances: counts[n.Name], Priority: n.Priority})
	}
	return pool, limits, nil
}

func (o *Orchestrator) provision(ctx context.Context, tpl *models.Template, inst *models.Instance, remoteTemplateID int) error {
	upid, err := o.dispatchClone(ctx, tpl, inst, remoteTemplateID)
	if err != nil {
		return err
	}
	if err := o.store.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("record vmid: %w", err)
	}
	if err := o.control.WaitTask(ctx, inst.NodeName, upid); err != nil {
		return fmt.Errorf("clone template %d to %d: %w", remoteTemplateID, inst.RemoteID, err)
	}
	if o.opts.StartAfterClone {
		if err := o.control.RunTask(ctx, inst.NodeName, pve.Start(inst.RemoteID)); err != nil {
			return fmt.Errorf("start vm %d: %w", inst.RemoteID, err)
		}
	}
	return nil
}

// dispatchClone allocates a VMID and starts the clone. Allocations run one at a time; both the
// wait for the slot and the work under it are bounded by VMIDTimeout, so a node stuck in
// retries cannot stall deployments to every other node.
func (o *Orchestrator) dispatchClone(ctx context.Context, tpl *models.Template, inst *models.Instance, remoteTemplateID int) (string, error) {
	wait, cancelWait := context.WithTimeout(ctx, o.opts.VMIDTimeout)
	defer cancelWait()
	select {
	case o.vmidSlot <- struct{}{}:
	case <-wait.Done():
		return "", fmt.Errorf("wait for vmid allocation: %w", wait.Err())
	}
	defer func() { <-o.vmidSlot }()

	ctx, cancel := context.WithTimeout(ctx, o.opts.VMIDTimeout)
	defer cancel()

	data, err := o.control.Execute(ctx, inst.NodeName, pve.NextID())
	if err != nil {
		return "", fmt.Errorf("allocate vmid: %w", err)
	}
	vmid, err := pve.ParseVMID(data)
	if err != nil {
		return "", err
	}
	inst.RemoteID = vmid
	inst.Name = vmName(inst.Owner, tpl.Name, vmid)

	data, err = o.control.Execute(ctx, inst.NodeName, pve.Clone(remoteTemplateID, vmid, pve.CloneOptions{
		Name:    inst.Name,
		Linked:  o.opts.LinkedClones,
		Storage: inst.Storage,
	}))
	if err != nil {
		return "", fmt.Errorf("clone template %d to %d: %w", remoteTemplateID, vmid, err)
	}
	return pve.ParseUPID(data)
}

// nextStorage walks a node's storage pools round-robin.
func (o *Orchestrator) nextStorage(node string, pools []string) string {
	o.storageMu.Lock()
	defer o.storageMu.Unlock()
	return pickStorage(o.storageCursor, node, pools, o.opts.DefaultStorage)
}

func pickStorage(cursor map[string]int, node string, pools []string, fallback string) string {
	if len(pools) == 0 {
		return fallback
	}
	i := cursor[node] % len(pools)
	cursor[node] = i + 1
	return pools[i]
}

var unsafeName = regexp.MustCompile(`[^a-z0-9-]+`)

// vmName builds a DNS-safe guest name such as alice-ubuntu-20-04-123.
func vmName(owner, template string, vmid int) string {
	raw := strings.ToLower(fmt.Sprintf("%s-%s", owner, template))
	name := strings.Trim(unsafeName.ReplaceAllString(raw, "-"), "-")
	if len(name) > 50 {
		name = strings.TrimRight(name[:50], "-")
	}
	if name == "" {
		name = "lab"
	}
	return fmt.Sprintf("%s-%d", name, vmid)
}

func (o *Orchestrator) publish(ctx context.Context, typ string, inst *models.Instance) {
	if err := o.publisher.Publish(ctx, events.FromInstance(typ, inst)); err != nil {
		log.Warn("Failed to publish instance event", "type", typ, "instance", inst.ID, "error", err)
	}
}
