package pve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
)

// ConsoleTicket is a short-lived credential for one console connection. It expires
// independently of the control session it was issued over.
type ConsoleTicket struct {
	Kind     models.ConsoleKind
	Node     string
	VMID     int
	Ticket   string // vncticket
	Port     int
	User     string
	Password string // VNC password for the viewer; empty for terminals
	Expiry   time.Time

	// UpstreamURL is the vncwebsocket endpoint on the node.
	UpstreamURL string
	// Header authenticates the websocket upgrade with the control session's cookie.
	Header http.Header
}

// IssueConsoleTicket asks node for a console endpoint on vmid over the pooled session.
func (c *Client) IssueConsoleTicket(ctx context.Context, node string, vmid int, kind models.ConsoleKind) (ConsoleTicket, error) {
	cmd := VNCProxy(vmid)
	if kind == models.ConsoleTerm {
		cmd = TermProxy(vmid)
	}

	data, session, err := c.execute(ctx, node, cmd)
	if err != nil {
		return ConsoleTicket{}, err
	}
	var proxy consoleProxyData
	if err := json.Unmarshal(data, &proxy); err != nil {
		return ConsoleTicket{}, fmt.Errorf("decode %s response: %w", cmd.Name, err)
	}
	if proxy.Ticket == "" || proxy.Port == 0 {
		return ConsoleTicket{}, fmt.Errorf("%s on node '%s' returned no ticket", cmd.Name, node)
	}

	n, err := c.directory.GetNode(ctx, node)
	if err != nil {
		return ConsoleTicket{}, fmt.Errorf("look up node '%s': %w", node, err)
	}
	upstream, err := websocketURL(n.Endpoint, node, vmid, int(proxy.Port), proxy.Ticket)
	if err != nil {
		return ConsoleTicket{}, err
	}

	header := http.Header{}
	header.Set("Cookie", (&http.Cookie{Name: "PVEAuthCookie", Value: session.Value}).String())

	user := proxy.User
	if user == "" {
		user = session.Username
	}
	return ConsoleTicket{
		Kind:        kind,
		Node:        node,
		VMID:        vmid,
		Ticket:      proxy.Ticket,
		Port:        int(proxy.Port),
		User:        user,
		Password:    proxy.Password,
		Expiry:      c.opts.Now().Add(c.opts.ConsoleTicketTTL),
		UpstreamURL: upstream,
		Header:      header,
	}, nil
}

func websocketURL(endpoint, node string, vmid, port int, ticket string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/vncwebsocket", node, vmid)
	u.RawQuery = url.Values{"port": {strconv.Itoa(port)}, "vncticket": {ticket}}.Encode()
	return u.String(), nil
}
