package pve

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Credentials is a Proxmox user login, e.g. root@pam.
type Credentials struct {
	Username string
	Password string
}

// Ticket is an authenticated control session on one node.
type Ticket struct {
	Value     string // PVEAuthCookie
	CSRFToken string // CSRFPreventionToken, required on writes
	Username  string
	Expiry    time.Time
}

// Request is a single API call relative to /api2/json.
type Request struct {
	Method string
	Path   string
	Params url.Values
}

// Transport performs the network side of the control plane. Implementations must be safe for
// concurrent use.
type Transport interface {
	Login(ctx context.Context, endpoint string, creds Credentials) (Ticket, error)
	Do(ctx context.Context, endpoint string, ticket Ticket, req Request) (json.RawMessage, error)
}

// HTTPTransport talks to the Proxmox REST API.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds a transport. insecureTLS skips certificate verification, which is
// the norm for clusters still on Proxmox's self-signed certificates.
func NewHTTPTransport(timeout time.Duration, insecureTLS bool) *HTTPTransport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: insecureTLS} //nolint:gosec
	tr.MaxIdleConnsPerHost = 8
	return &HTTPTransport{client: &http.Client{Transport: tr, Timeout: timeout}}
}

// TLSConfig exposes the TLS settings so websocket dialers can match them.
func (t *HTTPTransport) TLSConfig() *tls.Config {
	if tr, ok := t.client.Transport.(*http.Transport); ok {
		return tr.TLSClientConfig
	}
	return nil
}

type envelope struct {
	Data   json.RawMessage   `json:"data"`
	Errors map[string]string `json:"errors,omitempty"`
}

type loginData struct {
	Ticket              string `json:"ticket"`
	CSRFPreventionToken string `json:"CSRFPreventionToken"`
	Username            string `json:"username"`
}

func (t *HTTPTransport) Login(ctx context.Context, endpoint string, creds Credentials) (Ticket, error) {
	form := url.Values{"username": {creds.Username}, "password": {creds.Password}}
	data, err := t.roundTrip(ctx, endpoint, nil, Request{Method: http.MethodPost, Path: "access/ticket", Params: form})
	if err != nil {
		return Ticket{}, err
	}
	var ld loginData
	if err := json.Unmarshal(data, &ld); err != nil {
		return Ticket{}, fmt.Errorf("decode login response: %w", err)
	}
	if ld.Ticket == "" {
		return Ticket{}, &APIError{Status: http.StatusUnauthorized, Message: "login returned no ticket"}
	}
	return Ticket{Value: ld.Ticket, CSRFToken: ld.CSRFPreventionToken, Username: ld.Username}, nil
}

func (t *HTTPTransport) Do(ctx context.Context, endpoint string, ticket Ticket, req Request) (json.RawMessage, error) {
	return t.roundTrip(ctx, endpoint, &ticket, req)
}

func (t *HTTPTransport) roundTrip(ctx context.Context, endpoint string, ticket *Ticket, req Request) (json.RawMessage, error) {
	u := strings.TrimRight(endpoint, "/") + "/api2/json/" + strings.TrimLeft(req.Path, "/")

	var body io.Reader
	switch req.Method {
	case http.MethodPost, http.MethodPut:
		body = strings.NewReader(req.Params.Encode())
	default:
		if len(req.Params) > 0 {
			u += "?" + req.Params.Encode()
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if ticket != nil {
		httpReq.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: ticket.Value})
		if req.Method != http.MethodGet {
			httpReq.Header.Set("CSRFPreventionToken", ticket.CSRFToken)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(resp.Status)
		if reason := strings.TrimSpace(string(raw)); reason != "" && len(env.Errors) == 0 && env.Data == nil {
			msg += ": " + reason
		}
		for field, e := range env.Errors {
			msg += fmt.Sprintf("; %s: %s", field, strings.TrimSpace(e))
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return env.Data, nil
}
