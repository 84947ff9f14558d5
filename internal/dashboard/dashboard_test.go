package dashboard

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"devtunnel/internal/config"
	"devtunnel/internal/session"
	"devtunnel/internal/status"
)

func newRegistry(t *testing.T) *session.Registry {
	t.Helper()
	reg := session.NewRegistry(session.Options{
		Ports:  config.PortRange{Start: 9000, End: 9001},
		Logger: zerolog.Nop(),
		Listen: func(network, _ string) (net.Listener, error) {
			return net.Listen(network, "127.0.0.1:0")
		},
	})
	t.Cleanup(reg.Shutdown)
	return reg
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReport(t *testing.T, conn *websocket.Conn) status.Report {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var r status.Report
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}

func TestFeedSendsSnapshotOnConnect(t *testing.T) {
	reg := newRegistry(t)
	_, err := reg.Register("alice", 1, 0)
	require.NoError(t, err)

	d := New(reg, time.Hour, zerolog.Nop())
	srv := httptest.NewServer(d)
	defer srv.Close()

	r := readReport(t, dial(t, srv))
	require.Len(t, r.Lines, 1)
	require.Equal(t, "alice", r.Lines[0].UserID)
}

func TestFeedBroadcastsUpdates(t *testing.T) {
	reg := newRegistry(t)
	d := New(reg, 10*time.Millisecond, zerolog.Nop())
	srv := httptest.NewServer(d)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	conn := dial(t, srv)
	require.Empty(t, readReport(t, conn).Lines)
	require.Eventually(t, func() bool { return d.Clients() == 1 }, time.Second, 5*time.Millisecond)

	_, err := reg.Register("bob", 1, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r := readReport(t, conn)
		return len(r.Lines) == 1 && r.Lines[0].UserID == "bob"
	}, 2*time.Second, time.Millisecond)
}

func TestFeedForgetsClosedClients(t *testing.T) {
	reg := newRegistry(t)
	d := New(reg, time.Hour, zerolog.Nop())
	srv := httptest.NewServer(d)
	defer srv.Close()

	conn := dial(t, srv)
	readReport(t, conn)
	require.Eventually(t, func() bool { return d.Clients() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return d.Clients() == 0 }, time.Second, 5*time.Millisecond)
}
