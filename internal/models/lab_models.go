// internal/models/lab_models.go
package models

import (
	"regexp"
	"time"
)

// Default node limits applied when an administrator leaves them unset.
const (
	DefaultMaxInstances = 12
	DefaultNodePriority = 1
)

// Node names and template IDs: letters, digits, dot, underscore, hyphen
var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,62}$`)

// IsValidIdentifier reports whether name is usable as a node name or template ID.
func IsValidIdentifier(name string) bool {
	return identifierRegex.MatchString(name)
}

// Node is an administratively registered hypervisor host
type Node struct {
	Name           string   `json:"name" yaml:"name" binding:"required"`
	Endpoint       string   `json:"endpoint" yaml:"endpoint" binding:"required"` // e.g. https://10.0.0.11:8006
	CredentialsRef string   `json:"credentialsRef,omitempty" yaml:"credentials_ref"`
	MaxInstances   int      `json:"maxInstances" yaml:"max_instances"`
	Priority       int      `json:"priority" yaml:"priority"` // Higher wins under the priority strategy
	Active         bool     `json:"active" yaml:"active"`
	StoragePools   []string `json:"storagePools,omitempty" yaml:"storage_pools"` // Used round-robin for full clones
}

// Template is a named machine blueprint usable for deployment
type Template struct {
	ID     string `json:"id" yaml:"id" binding:"required"`
	Name   string `json:"name" yaml:"name" binding:"required"`
	Memory int    `json:"memory" yaml:"memory"` // MiB
	Cores  int    `json:"cores" yaml:"cores"`
	Active bool   `json:"active" yaml:"active"`
}

// TemplateNodeMapping binds a template to its hypervisor-local VMID on one node
type TemplateNodeMapping struct {
	TemplateID       string `json:"templateId"`
	NodeName         string `json:"nodeName"`
	RemoteTemplateID int    `json:"remoteTemplateId"`
}

// InstanceStatus is the lifecycle state of a deployed VM
type InstanceStatus string

const (
	StatusProvisioning InstanceStatus = "provisioning"
	StatusRunning      InstanceStatus = "running"
	StatusStopped      InstanceStatus = "stopped"
	StatusError        InstanceStatus = "error"
	StatusDeleting     InstanceStatus = "deleting"
)

// HoldsCapacity reports whether an instance in this state counts against its node's max_instances.
func (s InstanceStatus) HoldsCapacity() bool {
	return s != StatusError
}

// Instance is a deployed VM
type Instance struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	TemplateID string         `json:"templateId"`
	NodeName   string         `json:"nodeName"`
	RemoteID   int            `json:"remoteId,omitempty"` // VMID on the node; 0 until allocated
	Storage    string         `json:"storage,omitempty"`
	Status     InstanceStatus `json:"status"`
	Owner      string         `json:"owner"`
	Error      string         `json:"error,omitempty"` // Failure cause when Status is error
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// MappingInput is one template->node VMID entry as typed by an administrator.
// An empty VMID excludes the node.
type MappingInput struct {
	NodeName string `json:"nodeName" yaml:"node" binding:"required"`
	VMID     string `json:"vmid" yaml:"vmid"`
}

// TemplateMappingsRequest replaces the node mappings of a template
type TemplateMappingsRequest struct {
	Mappings []MappingInput `json:"mappings"`
}

// NodeUsage is the per-node part of NodeStatistics
type NodeUsage struct {
	Name         string  `json:"name"`
	Active       bool    `json:"active"`
	Instances    int     `json:"instances"`
	MaxInstances int     `json:"maxInstances"`
	Utilization  float64 `json:"utilization"` // Percent of MaxInstances in use
}

// NodeStatistics summarises capacity across the cluster
type NodeStatistics struct {
	TotalInstances int         `json:"totalInstances"`
	TotalCapacity  int         `json:"totalCapacity"`
	ActiveNodes    int         `json:"activeNodes"`
	Nodes          []NodeUsage `json:"nodes"`
}

// BulkDeployRequest deploys one instance of a template for each owner, e.g. a whole class
type BulkDeployRequest struct {
	TemplateID string   `json:"templateId" binding:"required" example:"ubuntu-20.04"`
	Owners     []string `json:"owners" binding:"required" example:"student1,student2"`
	Strategy   string   `json:"strategy,omitempty" example:"round_robin"`
}

// PlannedPlacement is where a bulk deployment would put one owner's instance
type PlannedPlacement struct {
	Owner   string `json:"owner"`
	Node    string `json:"node,omitempty"`
	Storage string `json:"storage,omitempty"`
	Error   string `json:"error,omitempty"` // Set when no node would be left for this owner
}

// BulkDeployResult is the outcome for one owner. Instance is set whenever a row was
// recorded, including failed clones.
type BulkDeployResult struct {
	Owner    string    `json:"owner"`
	Instance *Instance `json:"instance,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// BulkDeleteRequest removes several instances at once
type BulkDeleteRequest struct {
	InstanceIDs []string `json:"instanceIds" binding:"required"`
}

// BulkDeleteResult is the outcome for one instance
type BulkDeleteResult struct {
	InstanceID string `json:"instanceId"`
	Error      string `json:"error,omitempty"`
}

// BulkDeployResponse summarises a bulk deployment
type BulkDeployResponse struct {
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Results   []BulkDeployResult `json:"results"`
}

// BulkDeleteResponse summarises a bulk delete
type BulkDeleteResponse struct {
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Results   []BulkDeleteResult `json:"results"`
}
