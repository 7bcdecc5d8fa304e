package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
	"github.com/DogezRule/Management-Panel-Cyber/internal/placement"
)

func (o *Orchestrator) activeTemplate(ctx context.Context, templateID string) (*models.Template, error) {
	tpl, err := o.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", templateID, err)
	}
	if !tpl.Active {
		return nil, fmt.Errorf("template '%s': %w", tpl.Name, ErrTemplateInactive)
	}
	return tpl, nil
}

// Plan previews where DeployMany would put each owner's instance. Nothing is reserved and
// no shared cursor moves: the simulation uses its own selector, so a round_robin plan
// starts from the first eligible node. Owners the cluster has no room left for carry the
// placement error.
func (o *Orchestrator) Plan(ctx context.Context, templateID string, owners []string, strategy *placement.Strategy) ([]models.PlannedPlacement, error) {
	tpl, err := o.activeTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	strat := o.opts.DefaultStrategy
	if strategy != nil {
		strat = *strategy
	}
	pool, limits, err := o.pool(ctx, tpl)
	if err != nil {
		return nil, err
	}

	o.storageMu.Lock()
	cursor := make(map[string]int, len(o.storageCursor))
	for k, v := range o.storageCursor {
		cursor[k] = v
	}
	o.storageMu.Unlock()

	sel := placement.NewSelector(nil)
	plan := make([]models.PlannedPlacement, 0, len(owners))
	for _, owner := range owners {
		p := models.PlannedPlacement{Owner: owner}
		node, err := sel.Select(strat, pool)
		if err != nil {
			p.Error = err.Error()
			plan = append(plan, p)
			continue
		}
		p.Node = node
		if !o.opts.LinkedClones {
			p.Storage = pickStorage(cursor, node, limits[node].StoragePools, o.opts.DefaultStorage)
		}
		pool.Eligible = occupy(pool.Eligible, node, limits[node].MaxInstances)
		plan = append(plan, p)
	}
	return plan, nil
}

// occupy counts one more instance on node and drops it from the candidates once full.
func occupy(eligible []placement.Candidate, node string, limit int) []placement.Candidate {
	out := eligible[:0:0]
	for _, c := range eligible {
		if c.Name == node {
			c.Instances++
			if c.Instances >= limit {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// DeployMany deploys one instance per owner, up to BulkParallelism at a time. Each deployment
// is independent: a failure is reported for that owner and nothing already deployed is
// rolled back. Only an unknown or inactive template fails the call as a whole.
func (o *Orchestrator) DeployMany(ctx context.Context, templateID string, owners []string, strategy *placement.Strategy) ([]models.BulkDeployResult, error) {
	tpl, err := o.activeTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	results := make([]models.BulkDeployResult, len(owners))
	var g errgroup.Group
	g.SetLimit(o.opts.BulkParallelism)
	for i, owner := range owners {
		g.Go(func() error {
			inst, err := o.Deploy(ctx, Request{TemplateID: templateID, Owner: owner, Strategy: strategy})
			results[i] = models.BulkDeployResult{Owner: owner, Instance: inst}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	log.Info("Bulk deployment finished", "template", tpl.Name, "owners", len(owners), "failed", failed, "duration", time.Since(started).String())
	return results, nil
}

// DeleteMany deletes each instance independently, up to BulkParallelism at a time.
func (o *Orchestrator) DeleteMany(ctx context.Context, ids []string) []models.BulkDeleteResult {
	results := make([]models.BulkDeleteResult, len(ids))
	var g errgroup.Group
	g.SetLimit(o.opts.BulkParallelism)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = models.BulkDeleteResult{InstanceID: id}
			if err := o.Delete(ctx, id); err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
