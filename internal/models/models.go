// internal/models/models.go
package models

import "time"

// LoginRequest represents the payload for the login endpoint
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the payload returned after successful login
type LoginResponse struct {
	Token string `json:"token"`
	Role  Role   `json:"role"`
}

// DeployRequest represents the payload for deploying a lab VM from a template
type DeployRequest struct {
	TemplateID string `json:"templateId" binding:"required" example:"ubuntu-20.04"`
	// Strategy overrides the server's default placement strategy (least_vms, round_robin, priority, random)
	Strategy string `json:"strategy,omitempty" example:"least_vms"`
	// Owner lets admins and teachers deploy on behalf of another user; ignored for students
	Owner string `json:"owner,omitempty" example:"student1"`
}

// InstanceResponse wraps an instance with fields computed at read time
type InstanceResponse struct {
	Instance
	// NodeInactive is set when the hosting node was deactivated after deployment
	NodeInactive bool `json:"nodeInactive,omitempty"`
}

// ErrorResponse represents a standard error message format
type ErrorResponse struct {
	Error string `json:"error"`
	// Reason carries machine-readable detail for some errors (e.g. "no_mapping", "capacity")
	Reason string `json:"reason,omitempty"`
	// AvailableNodes is set for template registration errors
	AvailableNodes []string `json:"availableNodes,omitempty"`
}

// GenericSuccessResponse for simple success messages
type GenericSuccessResponse struct {
	Message string `json:"message"`
}

// HealthResponse represents basic health information about the API server
type HealthResponse struct {
	Status    string    `json:"status"`            // "healthy" or other status indicators
	Uptime    string    `json:"uptime"`            // Human-readable uptime
	StartTime time.Time `json:"startTime"`         // When the server started
	Version   string    `json:"version,omitempty"` // API server version
}
