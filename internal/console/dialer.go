package console

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DogezRule/Management-Panel-Cyber/internal/pve"
)

// WebSocketDialer connects to a node's vncwebsocket endpoint.
type WebSocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebSocketDialer builds a dialer sharing the control plane's TLS settings.
func NewWebSocketDialer(tlsConfig *tls.Config, handshakeTimeout time.Duration) *WebSocketDialer {
	return &WebSocketDialer{dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{"binary"},
	}}
}

// Dial opens the upstream console. A 401 or 403 on the upgrade is an AuthFailureError.
func (d *WebSocketDialer) Dial(ctx context.Context, ticket pve.ConsoleTicket) (Transport, error) {
	conn, resp, err := d.dialer.DialContext(ctx, ticket.UpstreamURL, ticket.Header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil &&
			(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthFailureError{Node: ticket.Node, Stage: "upgrade", Cause: fmt.Errorf("upgrade rejected: %s", resp.Status)}
		}
		return nil, &pve.UnavailableError{Node: ticket.Node, Cause: err}
	}
	return conn, nil
}
