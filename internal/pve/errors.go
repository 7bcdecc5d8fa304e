package pve

import (
	"fmt"
	"net/http"
)

// APIError is a well-formed error response from a Proxmox node.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("proxmox api: %d %s", e.Status, e.Message)
}

// Unauthorized reports whether the node rejected the session ticket.
func (e *APIError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// UnavailableError is returned once a node could not be reached or authenticated within the
// configured number of attempts.
type UnavailableError struct {
	Node  string
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("control plane unavailable on node '%s': %v", e.Node, e.Cause)
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// TaskError is a Proxmox task (UPID) that stopped with a non-OK exit status.
type TaskError struct {
	Node       string
	UPID       string
	ExitStatus string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s on node '%s' failed: %s", e.UPID, e.Node, e.ExitStatus)
}
