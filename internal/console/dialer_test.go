package console

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DogezRule/Management-Panel-Cyber/internal/pve"
)

func TestWebSocketDialer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "PVEAuthCookie=good" {
			http.Error(w, "no ticket", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/vncwebsocket"
	d := NewWebSocketDialer(nil, 2*time.Second)

	t.Run("upgrade", func(t *testing.T) {
		conn, err := d.Dial(context.Background(), pve.ConsoleTicket{
			Node:        "pve-1",
			UpstreamURL: url,
			Header:      http.Header{"Cookie": []string{"PVEAuthCookie=good"}},
		})
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x52, 0x46, 0x42}))
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		assert.Equal(t, []byte("RFB"), data)
	})

	t.Run("rejected", func(t *testing.T) {
		_, err := d.Dial(context.Background(), pve.ConsoleTicket{Node: "pve-1", UpstreamURL: url})
		var authErr *AuthFailureError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "upgrade", authErr.Stage)
	})

	t.Run("unreachable", func(t *testing.T) {
		_, err := d.Dial(context.Background(), pve.ConsoleTicket{Node: "pve-9", UpstreamURL: "ws://127.0.0.1:1/x"})
		var unavailable *pve.UnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.Equal(t, "pve-9", unavailable.Node)
	})
}
