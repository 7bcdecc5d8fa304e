// Package registry resolves which hypervisor-local VMID backs a template on each node.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
)

// Catalog is the read side of template and node administration.
type Catalog interface {
	MappingsForTemplate(ctx context.Context, templateID string) ([]models.TemplateNodeMapping, error)
	ListNodes(ctx context.Context) ([]models.Node, error)
}

// TemplateNotRegisteredError means the template has no usable mapping on the requested node.
// AvailableNodes lists every node holding any mapping for the template, sorted, regardless of
// whether those nodes are active or have capacity.
type TemplateNotRegisteredError struct {
	Template       string
	Node           string
	AvailableNodes []string
}

// Error keeps the operator-facing wording fixed; an empty list joins to nothing.
func (e *TemplateNotRegisteredError) Error() string {
	return fmt.Sprintf("Template '%s' is NOT registered on node '%s'. Available nodes: %s.",
		e.Template, e.Node, strings.Join(e.AvailableNodes, ", "))
}

// Registry is a read-only view over the mapping set and the node active flags.
type Registry struct {
	catalog Catalog
}

func New(catalog Catalog) *Registry {
	return &Registry{catalog: catalog}
}

// Resolve returns the VMID of tpl on node. It fails with *TemplateNotRegisteredError when the
// template is inactive or has no mapping for that exact node.
func (r *Registry) Resolve(ctx context.Context, tpl *models.Template, node string) (int, error) {
	mappings, err := r.catalog.MappingsForTemplate(ctx, tpl.ID)
	if err != nil {
		return 0, fmt.Errorf("load mappings for template %q: %w", tpl.ID, err)
	}
	if tpl.Active {
		for _, m := range mappings {
			if m.NodeName == node {
				return m.RemoteTemplateID, nil
			}
		}
	}
	return 0, &TemplateNotRegisteredError{
		Template:       tpl.Name,
		Node:           node,
		AvailableNodes: nodeNames(mappings),
	}
}

// MappedNodes returns the sorted names of all nodes holding a mapping for the template,
// including inactive and deleted nodes.
func (r *Registry) MappedNodes(ctx context.Context, templateID string) ([]string, error) {
	mappings, err := r.catalog.MappingsForTemplate(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("load mappings for template %q: %w", templateID, err)
	}
	return nodeNames(mappings), nil
}

// EligibleNodes returns the active nodes that hold a mapping for the template, sorted by name.
// Capacity is not considered here.
func (r *Registry) EligibleNodes(ctx context.Context, templateID string) ([]models.Node, error) {
	mappings, err := r.catalog.MappingsForTemplate(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("load mappings for template %q: %w", templateID, err)
	}
	if len(mappings) == 0 {
		return nil, nil
	}
	mapped := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		mapped[m.NodeName] = true
	}

	nodes, err := r.catalog.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	var eligible []models.Node
	for _, n := range nodes {
		if n.Active && mapped[n.Name] {
			eligible = append(eligible, n)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Name < eligible[j].Name })
	return eligible, nil
}

func nodeNames(mappings []models.TemplateNodeMapping) []string {
	names := make([]string, 0, len(mappings))
	for _, m := range mappings {
		names = append(names, m.NodeName)
	}
	sort.Strings(names)
	return names
}
