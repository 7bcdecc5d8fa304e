package pve

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakePVE(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/access/ticket", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"data":null}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{
			"ticket":              "PVE:root@pam:ABC",
			"CSRFPreventionToken": "CSRF123",
			"username":            r.PostForm.Get("username"),
		}})
	})
	mux.HandleFunc("/api2/json/nodes/pve-1/qemu/100/status/current", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("PVEAuthCookie")
		if err != nil || c.Value != "PVE:root@pam:ABC" {
			http.Error(w, "No ticket", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"vmid":100,"name":"lab-100","status":"running","uptime":42}}`))
	})
	mux.HandleFunc("/api2/json/nodes/pve-1/qemu/100/status/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("CSRFPreventionToken") != "CSRF123" {
			http.Error(w, "Permission check failed", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":"UPID:pve-1:00001:qmstart:100:root@pam:"}`))
	})
	mux.HandleFunc("/api2/json/nodes/pve-1/qemu/9000/clone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"data":null,"errors":{"newid":"invalid format"}}`))
	})
	srv := httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPTransportLoginAndDo(t *testing.T) {
	srv := newFakePVE(t)
	tr := NewHTTPTransport(5*time.Second, true)
	ctx := context.Background()

	tk, err := tr.Login(ctx, srv.URL, Credentials{Username: "root@pam", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "PVE:root@pam:ABC", tk.Value)
	assert.Equal(t, "CSRF123", tk.CSRFToken)
	assert.Equal(t, "root@pam", tk.Username)

	data, err := tr.Do(ctx, srv.URL, tk, Status(100).request("pve-1"))
	require.NoError(t, err)
	st, err := ParseGuestStatus(data)
	require.NoError(t, err)
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, flexInt(100), st.VMID)

	data, err = tr.Do(ctx, srv.URL, tk, Start(100).request("pve-1"))
	require.NoError(t, err)
	upid, err := ParseUPID(data)
	require.NoError(t, err)
	assert.Equal(t, "UPID:pve-1:00001:qmstart:100:root@pam:", upid)
}

func TestHTTPTransportErrors(t *testing.T) {
	srv := newFakePVE(t)
	tr := NewHTTPTransport(5*time.Second, true)
	ctx := context.Background()

	_, err := tr.Login(ctx, srv.URL, Credentials{Username: "root@pam", Password: "wrong"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Unauthorized())

	_, err = tr.Do(ctx, srv.URL, Ticket{Value: "stale"}, Status(100).request("pve-1"))
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Unauthorized())

	_, err = tr.Do(ctx, srv.URL, Ticket{Value: "PVE:root@pam:ABC"}, Clone(9000, 1, CloneOptions{}).request("pve-1"))
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, apiErr.Message, "newid: invalid format")
}

func TestHTTPTransportRejectsUnverifiedTLS(t *testing.T) {
	srv := newFakePVE(t)
	tr := NewHTTPTransport(5*time.Second, false)

	_, err := tr.Login(context.Background(), srv.URL, Credentials{Username: "root@pam", Password: "secret"})
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestCommandRequests(t *testing.T) {
	req := Destroy(150).request("pve-3")
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, "nodes/pve-3/qemu/150", req.Path)
	assert.Equal(t, "1", req.Params.Get("purge"))

	req = NextID().request("pve-3")
	assert.Equal(t, "cluster/nextid", req.Path)

	req = Clone(9000, 151, CloneOptions{Name: "alice-kali-151", Storage: "local-lvm"}).request("pve-3")
	assert.Equal(t, url.Values{"newid": {"151"}, "name": {"alice-kali-151"}, "full": {"1"}, "storage": {"local-lvm"}}, req.Params)
}

func TestParseVMID(t *testing.T) {
	id, err := ParseVMID(json.RawMessage(`"105"`))
	require.NoError(t, err)
	assert.Equal(t, 105, id)

	id, err = ParseVMID(json.RawMessage(`106`))
	require.NoError(t, err)
	assert.Equal(t, 106, id)

	_, err = ParseVMID(json.RawMessage(`"abc"`))
	assert.Error(t, err)
}
