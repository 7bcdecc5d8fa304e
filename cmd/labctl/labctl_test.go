package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DogezRule/Management-Panel-Cyber/internal/inventory"
	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
)

func TestClientDecodesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "no eligible node", Reason: "capacity"})
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL+"/", "tok", 5)
	err := c.do(context.Background(), "POST", "/api/v1/instances", models.DeployRequest{TemplateID: "ubuntu"}, nil)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "503: no eligible node (capacity)", apiErr.Error())
}

func TestPushInventory(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	inv := &inventory.File{
		Nodes: []models.Node{{Name: "pve-1", Endpoint: "https://a:8006"}},
		Templates: []inventory.TemplateEntry{{
			Template: models.Template{ID: "ubuntu", Name: "ubuntu-20.04"},
			Mappings: []models.MappingInput{{NodeName: "pve-1", VMID: "9000"}},
		}},
	}

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())

	require.NoError(t, pushInventory(cmd, newAPIClient(srv.URL, "", 5), inv))
	assert.Equal(t, []string{
		"PUT /api/v1/admin/nodes",
		"PUT /api/v1/admin/templates",
		"PUT /api/v1/admin/templates/ubuntu/mappings",
	}, calls)
	assert.Contains(t, out.String(), "Imported 1 node(s) and 1 template(s)")
}

func TestRunBulkDeploy(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.BulkDeployRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"alice", "bob"}, req.Owners)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()

		if r.URL.Path == "/api/v1/bulk/plan" {
			_ = json.NewEncoder(w).Encode([]models.PlannedPlacement{
				{Owner: "alice", Node: "pve-1", Storage: "local-lvm"},
				{Owner: "bob", Error: "no eligible node"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(models.BulkDeployResponse{
			Succeeded: 1,
			Failed:    1,
			Results: []models.BulkDeployResult{
				{Owner: "alice", Instance: &models.Instance{ID: "id-1", NodeName: "pve-1", Status: models.StatusRunning}},
				{Owner: "bob", Error: "clone failed"},
			},
		})
	}))
	defer srv.Close()

	req := models.BulkDeployRequest{TemplateID: "kali", Owners: []string{"alice", "bob"}}
	c := newAPIClient(srv.URL, "", 5)

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())

	require.NoError(t, runBulkDeploy(cmd, c, req, true))
	assert.Contains(t, out.String(), "no eligible node")
	assert.Contains(t, out.String(), "local-lvm")

	out.Reset()
	require.NoError(t, runBulkDeploy(cmd, c, req, false))
	assert.Contains(t, out.String(), "clone failed")
	assert.Contains(t, out.String(), "1 succeeded, 1 failed")
	assert.Equal(t, []string{"/api/v1/bulk/plan", "/api/v1/bulk/deploy"}, paths)
}
