// internal/models/console_models.go
package models

import "time"

// ConsoleKind selects the upstream console protocol
type ConsoleKind string

const (
	ConsoleVNC  ConsoleKind = "vnc"  // noVNC over vncwebsocket
	ConsoleTerm ConsoleKind = "term" // xterm.js over termproxy
)

// ConsoleOpenRequest represents the payload for opening a console session
type ConsoleOpenRequest struct {
	Kind ConsoleKind `json:"kind,omitempty"` // Defaults to vnc
}

// ConsoleOpenResponse tells the client where to attach its websocket
type ConsoleOpenResponse struct {
	SessionID  string      `json:"sessionId"`
	Kind       ConsoleKind `json:"kind"`
	WebSocket  string      `json:"websocket"`          // Path to attach to, relative to the API base
	Password   string      `json:"password,omitempty"` // VNC password the viewer must present
	Expiration time.Time   `json:"expiration"`         // Attach before this time
}

// ConsoleSessionInfo represents information about a console session
type ConsoleSessionInfo struct {
	ID            string    `json:"id"`
	InstanceID    string    `json:"instanceId"`
	NodeName      string    `json:"nodeName"`
	Owner         string    `json:"owner"`
	Kind          string    `json:"kind"`
	State         string    `json:"state"`
	OpenedAt      time.Time `json:"openedAt"`
	BytesUpstream int64     `json:"bytesUpstream"` // client -> hypervisor
	BytesClient   int64     `json:"bytesClient"`   // hypervisor -> client
}
