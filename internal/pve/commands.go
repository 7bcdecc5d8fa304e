package pve

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Command is a management call. Node-scoped commands are issued under nodes/<node>/.
type Command struct {
	Name      string // short label for logs and metrics
	Method    string
	Path      string
	Params    url.Values
	NodeScope bool
}

func (c Command) request(node string) Request {
	path := c.Path
	if c.NodeScope {
		path = "nodes/" + node + "/" + path
	}
	return Request{Method: c.Method, Path: path, Params: c.Params}
}

// NextID asks the cluster for a free VMID.
func NextID() Command {
	return Command{Name: "nextid", Method: http.MethodGet, Path: "cluster/nextid"}
}

// CloneOptions tunes a template clone.
type CloneOptions struct {
	Name    string
	Linked  bool   // linked clones share the template's base disk and ignore Storage
	Storage string // target storage for full clones
}

// Clone copies template VM templateID to newID. The response is a task UPID.
func Clone(templateID, newID int, opts CloneOptions) Command {
	params := url.Values{"newid": {strconv.Itoa(newID)}}
	if opts.Name != "" {
		params.Set("name", opts.Name)
	}
	if opts.Linked {
		params.Set("full", "0")
	} else {
		params.Set("full", "1")
		if opts.Storage != "" {
			params.Set("storage", opts.Storage)
		}
	}
	return Command{Name: "clone", Method: http.MethodPost, Path: fmt.Sprintf("qemu/%d/clone", templateID), Params: params, NodeScope: true}
}

func Start(vmid int) Command {
	return Command{Name: "start", Method: http.MethodPost, Path: fmt.Sprintf("qemu/%d/status/start", vmid), NodeScope: true}
}

func Stop(vmid int) Command {
	return Command{Name: "stop", Method: http.MethodPost, Path: fmt.Sprintf("qemu/%d/status/stop", vmid), NodeScope: true}
}

// Status reads the current run state of a VM.
func Status(vmid int) Command {
	return Command{Name: "status", Method: http.MethodGet, Path: fmt.Sprintf("qemu/%d/status/current", vmid), NodeScope: true}
}

// Destroy deletes a VM and its disks. The VM must be stopped.
func Destroy(vmid int) Command {
	params := url.Values{"purge": {"1"}, "destroy-unreferenced-disks": {"1"}}
	return Command{Name: "destroy", Method: http.MethodDelete, Path: fmt.Sprintf("qemu/%d", vmid), Params: params, NodeScope: true}
}

// ListGuests lists the QEMU guests on a node.
func ListGuests() Command {
	return Command{Name: "list", Method: http.MethodGet, Path: "qemu", NodeScope: true}
}

// VNCProxy opens a VNC console endpoint usable over vncwebsocket.
func VNCProxy(vmid int) Command {
	params := url.Values{"websocket": {"1"}, "generate-password": {"1"}}
	return Command{Name: "vncproxy", Method: http.MethodPost, Path: fmt.Sprintf("qemu/%d/vncproxy", vmid), Params: params, NodeScope: true}
}

// TermProxy opens a serial terminal endpoint usable over vncwebsocket.
func TermProxy(vmid int) Command {
	return Command{Name: "termproxy", Method: http.MethodPost, Path: fmt.Sprintf("qemu/%d/termproxy", vmid), NodeScope: true}
}

// TaskStatus reads the state of a task by UPID.
func TaskStatus(upid string) Command {
	return Command{Name: "taskstatus", Method: http.MethodGet, Path: "tasks/" + url.PathEscape(upid) + "/status", NodeScope: true}
}

// flexInt decodes integers Proxmox sometimes sends as strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not an integer: %s", b)
	}
	*f = flexInt(n)
	return nil
}

// ParseVMID decodes the cluster/nextid response.
func ParseVMID(data json.RawMessage) (int, error) {
	var id flexInt
	if err := json.Unmarshal(data, &id); err != nil {
		return 0, fmt.Errorf("decode vmid: %w", err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("invalid vmid %d", id)
	}
	return int(id), nil
}

// ParseUPID decodes a task-starting response.
func ParseUPID(data json.RawMessage) (string, error) {
	var upid string
	if err := json.Unmarshal(data, &upid); err != nil {
		return "", fmt.Errorf("decode task id: %w", err)
	}
	return upid, nil
}

// GuestStatus is the subset of qemu/<id>/status/current we use.
type GuestStatus struct {
	VMID   flexInt `json:"vmid"`
	Name   string  `json:"name"`
	Status string  `json:"status"` // running, stopped
	Uptime int64   `json:"uptime"`
}

func ParseGuestStatus(data json.RawMessage) (GuestStatus, error) {
	var st GuestStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decode guest status: %w", err)
	}
	return st, nil
}

func ParseGuests(data json.RawMessage) ([]GuestStatus, error) {
	var guests []GuestStatus
	if err := json.Unmarshal(data, &guests); err != nil {
		return nil, fmt.Errorf("decode guest list: %w", err)
	}
	return guests, nil
}

type taskStatus struct {
	Status     string `json:"status"` // running, stopped
	ExitStatus string `json:"exitstatus"`
}

type consoleProxyData struct {
	Ticket   string  `json:"ticket"`
	Port     flexInt `json:"port"`
	User     string  `json:"user"`
	UPID     string  `json:"upid"`
	Password string  `json:"password"`
}
