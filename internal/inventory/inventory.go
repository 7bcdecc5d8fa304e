// Package inventory loads nodes, templates and their per-node VMIDs from a YAML file and
// validates administrator-typed mapping input.
package inventory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
	"github.com/DogezRule/Management-Panel-Cyber/internal/store"
)

// Proxmox accepts guest IDs in this range
const (
	MinVMID = 100
	MaxVMID = 999999999
)

// ValidationError describes one rejected inventory or mapping field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TemplateEntry is a template plus the VMID it has on each node.
type TemplateEntry struct {
	models.Template `yaml:",inline"`
	Mappings        []models.MappingInput `yaml:"mappings"`
}

// File is the on-disk inventory layout.
type File struct {
	Nodes     []models.Node   `yaml:"nodes"`
	Templates []TemplateEntry `yaml:"templates"`
}

// Load reads and parses an inventory file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes inventory YAML. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	return &f, nil
}

// ParseVMID validates one typed VMID. ok is false when the entry is blank, which excludes
// the node rather than failing.
func ParseVMID(field, raw string) (vmid int, ok bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a number", raw)}
	}
	if n < MinVMID || n > MaxVMID {
		return 0, false, &ValidationError{Field: field, Reason: fmt.Sprintf("%d is outside %d-%d", n, MinVMID, MaxVMID)}
	}
	return n, true, nil
}

// ParseMappingInputs turns per-node VMID entries into mappings. Blank entries are skipped;
// malformed or duplicate ones fail the whole set.
func ParseMappingInputs(templateID string, inputs []models.MappingInput) ([]models.TemplateNodeMapping, error) {
	seen := make(map[string]bool, len(inputs))
	out := make([]models.TemplateNodeMapping, 0, len(inputs))
	for _, in := range inputs {
		node := strings.TrimSpace(in.NodeName)
		if node == "" {
			return nil, &ValidationError{Field: "mapping node", Reason: "name is required"}
		}
		if !models.IsValidIdentifier(node) {
			return nil, &ValidationError{Field: "mapping node", Reason: fmt.Sprintf("'%s' is not a valid node name", node)}
		}
		if seen[node] {
			return nil, &ValidationError{Field: "mapping node", Reason: fmt.Sprintf("node '%s' listed twice", node)}
		}
		seen[node] = true

		vmid, ok, err := ParseVMID(fmt.Sprintf("vmid for node '%s'", node), in.VMID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, models.TemplateNodeMapping{TemplateID: templateID, NodeName: node, RemoteTemplateID: vmid})
	}
	return out, nil
}

// Store is the part of the catalog an import writes to.
type Store interface {
	SaveNode(ctx context.Context, n *models.Node) error
	GetNode(ctx context.Context, name string) (*models.Node, error)
	SaveTemplate(ctx context.Context, t *models.Template) error
	ReplaceMappings(ctx context.Context, templateID string, mappings []models.TemplateNodeMapping) error
}

// Summary counts what an import wrote.
type Summary struct {
	Nodes     int
	Templates int
	Mappings  int
}

// Import validates the whole file before writing any of it, then upserts nodes, templates
// and each template's mapping set.
func Import(ctx context.Context, st Store, f *File) (Summary, error) {
	declared := make(map[string]bool, len(f.Nodes))
	for i, n := range f.Nodes {
		if strings.TrimSpace(n.Name) == "" {
			return Summary{}, &ValidationError{Field: fmt.Sprintf("nodes[%d].name", i), Reason: "name is required"}
		}
		if !models.IsValidIdentifier(n.Name) {
			return Summary{}, &ValidationError{Field: fmt.Sprintf("nodes[%d].name", i), Reason: fmt.Sprintf("'%s' may only contain letters, digits, '.', '_' and '-'", n.Name)}
		}
		if n.Endpoint == "" {
			return Summary{}, &ValidationError{Field: fmt.Sprintf("node '%s' endpoint", n.Name), Reason: "endpoint is required"}
		}
		if declared[n.Name] {
			return Summary{}, &ValidationError{Field: "nodes", Reason: fmt.Sprintf("node '%s' declared twice", n.Name)}
		}
		declared[n.Name] = true
	}

	mappings := make(map[string][]models.TemplateNodeMapping, len(f.Templates))
	for i, t := range f.Templates {
		if strings.TrimSpace(t.ID) == "" {
			return Summary{}, &ValidationError{Field: fmt.Sprintf("templates[%d].id", i), Reason: "id is required"}
		}
		if !models.IsValidIdentifier(t.ID) {
			return Summary{}, &ValidationError{Field: fmt.Sprintf("templates[%d].id", i), Reason: fmt.Sprintf("'%s' may only contain letters, digits, '.', '_' and '-'", t.ID)}
		}
		if _, dup := mappings[t.ID]; dup {
			return Summary{}, &ValidationError{Field: "templates", Reason: fmt.Sprintf("template '%s' declared twice", t.ID)}
		}
		m, err := ParseMappingInputs(t.ID, t.Mappings)
		if err != nil {
			return Summary{}, fmt.Errorf("template '%s': %w", t.ID, err)
		}
		for _, mp := range m {
			if declared[mp.NodeName] {
				continue
			}
			if _, err := st.GetNode(ctx, mp.NodeName); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return Summary{}, &ValidationError{
						Field:  fmt.Sprintf("template '%s' mapping", t.ID),
						Reason: fmt.Sprintf("unknown node '%s'", mp.NodeName),
					}
				}
				return Summary{}, err
			}
		}
		mappings[t.ID] = m
	}

	var sum Summary
	for i := range f.Nodes {
		if err := st.SaveNode(ctx, &f.Nodes[i]); err != nil {
			return sum, fmt.Errorf("save node '%s': %w", f.Nodes[i].Name, err)
		}
		sum.Nodes++
	}
	for i := range f.Templates {
		t := f.Templates[i].Template
		if err := st.SaveTemplate(ctx, &t); err != nil {
			return sum, fmt.Errorf("save template '%s': %w", t.ID, err)
		}
		if err := st.ReplaceMappings(ctx, t.ID, mappings[t.ID]); err != nil {
			return sum, fmt.Errorf("save mappings for '%s': %w", t.ID, err)
		}
		sum.Templates++
		sum.Mappings += len(mappings[t.ID])
	}

	log.Info("Inventory imported", "nodes", sum.Nodes, "templates", sum.Templates, "mappings", sum.Mappings)
	return sum, nil
}
