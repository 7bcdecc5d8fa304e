package inventory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
	"github.com/DogezRule/Management-Panel-Cyber/internal/registry"
	"github.com/DogezRule/Management-Panel-Cyber/internal/store"
)

const sample = `
nodes:
  - name: pve-1
    endpoint: https://10.0.0.11:8006
    credentials_ref: lab
    max_instances: 10
    priority: 2
    active: true
    storage_pools: [local-lvm, ceph]
  - name: pve-2
    endpoint: https://10.0.0.12:8006
    active: true
templates:
  - id: ubuntu
    name: ubuntu-20.04
    memory: 2048
    cores: 2
    active: true
    mappings:
      - node: pve-1
        vmid: "9000"
      - node: pve-2
        vmid: ""
`

func TestParseVMID(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		ok      bool
		wantErr bool
	}{
		{"9000", 9000, true, false},
		{"  105 ", 105, true, false},
		{"", 0, false, false},
		{"   ", 0, false, false},
		{"0", 0, false, true},
		{"99", 0, false, true},
		{"1000000000", 0, false, true},
		{"-5", 0, false, true},
		{"12a", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok, err := ParseVMID("vmid", tt.raw)
			if tt.wantErr {
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMappingInputs(t *testing.T) {
	got, err := ParseMappingInputs("ubuntu", []models.MappingInput{
		{NodeName: "pve-1", VMID: "100"},
		{NodeName: "pve-2", VMID: ""},
		{NodeName: "pve-3", VMID: "101"},
	})
	require.NoError(t, err)
	assert.Equal(t, []models.TemplateNodeMapping{
		{TemplateID: "ubuntu", NodeName: "pve-1", RemoteTemplateID: 100},
		{TemplateID: "ubuntu", NodeName: "pve-3", RemoteTemplateID: 101},
	}, got)

	_, err = ParseMappingInputs("ubuntu", []models.MappingInput{{NodeName: "pve-1", VMID: "100"}, {NodeName: "pve-1", VMID: "101"}})
	assert.Error(t, err)

	_, err = ParseMappingInputs("ubuntu", []models.MappingInput{{NodeName: "", VMID: "100"}})
	assert.Error(t, err)
}

func TestLoadAndImport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Nodes, 2)
	assert.Equal(t, []string{"local-lvm", "ceph"}, f.Nodes[0].StoragePools)
	assert.Equal(t, "lab", f.Nodes[0].CredentialsRef)
	require.Len(t, f.Templates, 1)
	assert.Equal(t, "ubuntu-20.04", f.Templates[0].Name)

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	sum, err := Import(ctx, st, f)
	require.NoError(t, err)
	assert.Equal(t, Summary{Nodes: 2, Templates: 1, Mappings: 1}, sum)

	n, err := st.GetNode(ctx, "pve-2")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultMaxInstances, n.MaxInstances)

	maps, err := st.MappingsForTemplate(ctx, "ubuntu")
	require.NoError(t, err)
	require.Len(t, maps, 1)
	assert.Equal(t, 9000, maps[0].RemoteTemplateID)

	// re-import is idempotent
	_, err = Import(ctx, st, f)
	require.NoError(t, err)
	maps, err = st.MappingsForTemplate(ctx, "ubuntu")
	require.NoError(t, err)
	assert.Len(t, maps, 1)
}

func TestImportRejectsBeforeWriting(t *testing.T) {
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	f := &File{
		Nodes: []models.Node{{Name: "pve-1", Endpoint: "https://a:8006", Active: true}},
		Templates: []TemplateEntry{{
			Template: models.Template{ID: "kali", Name: "kali", Active: true},
			Mappings: []models.MappingInput{{NodeName: "pve-9", VMID: "200"}},
		}},
	}
	_, err = Import(ctx, st, f)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = st.GetNode(ctx, "pve-1")
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing may be written when validation fails")
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("nodes:\n  - name: a\n    endpont: x\n"))
	assert.Error(t, err)
}

func TestImportRejectsUnsafeIdentifiers(t *testing.T) {
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	node := models.Node{Name: "pve-1", Endpoint: "https://a:8006", Active: true}
	tests := []struct {
		name string
		file *File
	}{
		{"template id with colon", &File{
			Nodes: []models.Node{node},
			Templates: []TemplateEntry{
				{Template: models.Template{ID: "kali", Name: "kali", Active: true}, Mappings: []models.MappingInput{{NodeName: "pve-1", VMID: "9001"}}},
				{Template: models.Template{ID: "kali:2024", Name: "kali 2024", Active: true}, Mappings: []models.MappingInput{{NodeName: "pve-1", VMID: "9500"}}},
			},
		}},
		{"node name with colon", &File{Nodes: []models.Node{{Name: "pve:1", Endpoint: "https://a:8006"}}}},
		{"node name with space", &File{Nodes: []models.Node{{Name: "pve 1", Endpoint: "https://a:8006"}}}},
		{"mapping node with slash", &File{
			Nodes:     []models.Node{node},
			Templates: []TemplateEntry{{Template: models.Template{ID: "kali", Name: "kali"}, Mappings: []models.MappingInput{{NodeName: "pve-1/x", VMID: "9001"}}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Import(ctx, st, tt.file)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}

	_, err = st.GetTemplate(ctx, "kali")
	assert.ErrorIs(t, err, store.ErrNotFound, "a rejected file writes nothing")
}

func TestImportedTemplatesResolveOnlyTheirOwnNodes(t *testing.T) {
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	f := &File{
		Nodes: []models.Node{
			{Name: "pve-1", Endpoint: "https://a:8006", Active: true},
			{Name: "pve-2", Endpoint: "https://b:8006", Active: true},
		},
		Templates: []TemplateEntry{
			{Template: models.Template{ID: "kali", Name: "kali", Active: true}, Mappings: []models.MappingInput{{NodeName: "pve-1", VMID: "9001"}}},
			{Template: models.Template{ID: "kali-2024", Name: "kali-2024", Active: true}, Mappings: []models.MappingInput{{NodeName: "pve-2", VMID: "9500"}}},
		},
	}
	_, err = Import(ctx, st, f)
	require.NoError(t, err)

	reg := registry.New(st)
	kali, err := st.GetTemplate(ctx, "kali")
	require.NoError(t, err)

	nodes, err := reg.MappedNodes(ctx, "kali")
	require.NoError(t, err)
	assert.Equal(t, []string{"pve-1"}, nodes)

	_, err = reg.Resolve(ctx, kali, "pve-2")
	var notRegistered *registry.TemplateNotRegisteredError
	require.ErrorAs(t, err, &notRegistered)
	assert.Equal(t, []string{"pve-1"}, notRegistered.AvailableNodes)
}
