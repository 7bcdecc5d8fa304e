package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
)

type fakeCatalog struct {
	mappings map[string][]models.TemplateNodeMapping
	nodes    []models.Node
	err      error
}

func (f *fakeCatalog) MappingsForTemplate(_ context.Context, id string) ([]models.TemplateNodeMapping, error) {
	return f.mappings[id], f.err
}

func (f *fakeCatalog) ListNodes(context.Context) ([]models.Node, error) {
	return f.nodes, f.err
}

func newCatalog() *fakeCatalog {
	return &fakeCatalog{
		mappings: map[string][]models.TemplateNodeMapping{
			"ubuntu": {
				{TemplateID: "ubuntu", NodeName: "pve-3", RemoteTemplateID: 9003},
				{TemplateID: "ubuntu", NodeName: "pve-1", RemoteTemplateID: 9001},
				{TemplateID: "ubuntu", NodeName: "pve-2", RemoteTemplateID: 9002},
			},
		},
		nodes: []models.Node{
			{Name: "pve-1", Active: true},
			{Name: "pve-2", Active: false},
			{Name: "pve-3", Active: true},
			{Name: "pve-4", Active: true},
		},
	}
}

var ubuntu = &models.Template{ID: "ubuntu", Name: "ubuntu-20.04", Active: true}

func TestResolveMapped(t *testing.T) {
	r := New(newCatalog())
	id, err := r.Resolve(context.Background(), ubuntu, "pve-2")
	require.NoError(t, err)
	assert.Equal(t, 9002, id)
}

func TestResolveUnmappedNode(t *testing.T) {
	r := New(newCatalog())
	_, err := r.Resolve(context.Background(), ubuntu, "pve-4")

	var notReg *TemplateNotRegisteredError
	require.True(t, errors.As(err, &notReg))
	assert.Equal(t, []string{"pve-1", "pve-2", "pve-3"}, notReg.AvailableNodes)
	assert.Equal(t, "Template 'ubuntu-20.04' is NOT registered on node 'pve-4'. Available nodes: pve-1, pve-2, pve-3.", err.Error())
}

func TestResolveInactiveTemplate(t *testing.T) {
	r := New(newCatalog())
	inactive := *ubuntu
	inactive.Active = false

	_, err := r.Resolve(context.Background(), &inactive, "pve-1")
	var notReg *TemplateNotRegisteredError
	require.True(t, errors.As(err, &notReg))
	assert.Equal(t, "pve-1", notReg.Node)
}

func TestResolveNoMappingsAnywhere(t *testing.T) {
	r := New(newCatalog())
	_, err := r.Resolve(context.Background(), &models.Template{ID: "kali", Name: "kali", Active: true}, "pve-1")
	var notRegistered *TemplateNotRegisteredError
	require.ErrorAs(t, err, &notRegistered)
	assert.Empty(t, notRegistered.AvailableNodes)
	assert.Equal(t, "Template 'kali' is NOT registered on node 'pve-1'. Available nodes: .", err.Error())
}

func TestEligibleNodesFiltersInactive(t *testing.T) {
	r := New(newCatalog())
	nodes, err := r.EligibleNodes(context.Background(), "ubuntu")
	require.NoError(t, err)

	var names []string
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"pve-1", "pve-3"}, names)
}

func TestMappedNodesIncludesDormant(t *testing.T) {
	cat := newCatalog()
	cat.nodes = cat.nodes[:1] // pve-2 and pve-3 were deleted
	r := New(cat)

	mapped, err := r.MappedNodes(context.Background(), "ubuntu")
	require.NoError(t, err)
	assert.Equal(t, []string{"pve-1", "pve-2", "pve-3"}, mapped)

	eligible, err := r.EligibleNodes(context.Background(), "ubuntu")
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, "pve-1", eligible[0].Name)
}

func TestCatalogErrorPropagates(t *testing.T) {
	cat := newCatalog()
	cat.err = errors.New("db closed")
	r := New(cat)

	_, err := r.Resolve(context.Background(), ubuntu, "pve-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, cat.err)
}
