package session

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"devtunnel/internal/config"
)

// loopback maps logical session ports onto ephemeral 127.0.0.1 listeners.
type loopback struct {
	mu    sync.Mutex
	addrs map[int]string
	fail  map[int]bool
}

func (l *loopback) Listen(network, address string) (net.Listener, error) {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, _ := strconv.Atoi(portStr)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail[port] {
		return nil, errors.New("address already in use")
	}
	ln, err := net.Listen(network, "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	l.addrs[port] = ln.Addr().String()
	return ln, nil
}

func (l *loopback) addr(port int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addrs[port]
}

func (l *loopback) dial(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", l.addr(port), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestRegistry(t *testing.T, start, end int, mutate func(*Options)) (*Registry, *loopback) {
	t.Helper()
	lb := &loopback{addrs: map[int]string{}, fail: map[int]bool{}}
	opts := Options{
		Ports:      config.PortRange{Start: start, End: end},
		Listen:     lb.Listen,
		CloseGrace: time.Second,
		Logger:     zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	r := NewRegistry(opts)
	t.Cleanup(r.Shutdown)
	return r, lb
}

func readAll(t *testing.T, conn net.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	b, _ := io.ReadAll(conn)
	return string(b)
}

func requireQueueSubsetOfMap(t *testing.T, s *Session) {
	t.Helper()
	for _, id := range s.queue.Snapshot() {
		_, ok := s.Request(id)
		require.True(t, ok, "queued id %s missing from map", id)
	}
}

func sendRequest(t *testing.T, conn net.Conn, raw string) {
	t.Helper()
	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)
}

func TestRegisterBindsPortFromRange(t *testing.T) {
	r, _ := newTestRegistry(t, 9000, 9001, nil)

	reg, err := r.Register("alice", 1, 0)
	require.NoError(t, err)
	require.Contains(t, []int{9000, 9001}, reg.Port)
	require.Empty(t, reg.Evicted)

	s, ok := r.Get("alice")
	require.True(t, ok)
	require.Equal(t, reg.Port, s.Port())
	require.False(t, s.RegisteredAt().IsZero())
}

func TestRegisterHonoursPreferredPort(t *testing.T) {
	r, _ := newTestRegistry(t, 9000, 9009, nil)
	reg, err := r.Register("alice", 1, 9007)
	require.NoError(t, err)
	require.Equal(t, 9007, reg.Port)
}

func TestReRegisterReleasesPreviousBinding(t *testing.T) {
	r, lb := newTestRegistry(t, 9000, 9001, nil)

	first, err := r.Register("alice", 1, 0)
	require.NoError(t, err)
	oldAddr := lb.addr(first.Port)

	second, err := r.Register("alice", 2, 0)
	require.NoError(t, err)
	require.Equal(t, first.Port, second.Port)
	require.Len(t, r.holders(), 1)

	_, err = net.DialTimeout("tcp", oldAddr, 200*time.Millisecond)
	require.Error(t, err)

	s, _ := r.Get("alice")
	require.Equal(t, 2, s.ClientVersion())
}

func TestListenerQueuesRequest(t *testing.T) {
	r, lb := newTestRegistry(t, 9000, 9000, nil)
	reg, err := r.Register("alice", 1, 0)
	require.NoError(t, err)
	s, _ := r.Get("alice")

	conn := lb.dial(t, reg.Port)
	sendRequest(t, conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	require.Eventually(t, func() bool { return s.QueueLen() == 1 }, 2*time.Second, 5*time.Millisecond)
	requireQueueSubsetOfMap(t, s)
	require.Equal(t, int64(1), s.RequestCount())

	wr, ok := s.Next(context.Background(), time.Second)
	require.True(t, ok)
	defer wr.Unlock()
	require.Equal(t, "GET / HTTP/1.1", wr.FirstLine())
	require.True(t, strings.HasSuffix(wr.ID, "-1"))
	require.Equal(t, 0, s.QueueLen())
	require.Equal(t, 1, s.OpenRequests())
}

func TestOfflineSessionAnswersImmediately(t *testing.T) {
	r, lb := newTestRegistry(t, 9000, 9000, func(o *Options) { o.LastSeenTimeout = 50 * time.Millisecond })
	reg, err := r.Register("alice", 1, 0)
	require.NoError(t, err)
	s, _ := r.Get("alice")
	time.Sleep(100 * time.Millisecond)

	conn := lb.dial(t, reg.Port)
	sendRequest(t, conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	resp := readAll(t, conn)
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 503 OFFLINE\r\n"), resp)
	require.Contains(t, resp, "X-Tunnel-User-Id: alice\r\n")
	require.True(t, strings.HasSuffix(resp, "User alice is offline...\n"), resp)
	require.Equal(t, 0, s.OpenRequests())
	require.Equal(t, int64(1), s.TunnelErrors())
}

func TestSweepTimesOutOldRequest(t *testing.T) {
	r, lb := newTestRegistry(t, 9000, 9000, func(o *Options) { o.RequestTimeout = 50 * time.Millisecond })
	reg, err := r.Register("alice", 1, 0)
	require.NoError(t, err)
	s, _ := r.Get("alice")

	conn := lb.dial(t, reg.Port)
	sendRequest(t, conn, "POST /x HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello")
	require.Eventually(t, func() bool { return s.QueueLen() == 1 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, 1, r.Sweep())
	require.Equal(t, 0, s.QueueLen())
	require.Equal(t, 0, s.OpenRequests())

	resp := readAll(t, conn)
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 503 TIMEOUT\r\n"), resp)
	require.Contains(t, resp, "Connection: close\r\n")
	require.True(t, strings.HasSuffix(resp, "\r\n\r\nUser alice took too long to respond\n"), resp)
}

func TestSweepExpiresOfflineSession(t *testing.T) {
	r, lb := newTestRegistry(t, 9000, 9000, func(o *Options) { o.LastSeenTimeout = 150 * time.Millisecond })
	reg, err := r.Register("alice", 1, 0)
	require.NoError(t, err)
	s, _ := r.Get("alice")

	conn := lb.dial(t, reg.Port)
	sendRequest(t, conn, "GET / HTTP/1.1\r\n\r\n")
	require.Eventually(t, func() bool { return s.QueueLen() == 1 }, time.Second, 5*time.Millisecond)

	require.Zero(t, r.Sweep())
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, r.Sweep())

	resp := readAll(t, conn)
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 503 OFFLINE\r\n"), resp)
	require.True(t, strings.HasSuffix(resp, "User alice is offline\n"), resp)
}

func TestSweepSkipsRequestsInRelay(t *testing.T) {
	r, lb := newTestRegistry(t, 9000, 9000, func(o *Options) { o.RequestTimeout = 20 * time.Millisecond })
	reg, err := r.Register("alice", 1, 0)
	require.NoError(t, err)
	s, _ := r.Get("alice")

	conn := lb.dial(t, reg.Port)
	sendRequest(t, conn, "GET / HTTP/1.1\r\n\r\n")
	wr, ok := s.Next(context.Background(), 2*time.Second)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	require.Zero(t, r.Sweep())
	wr.Unlock()
	require.Equal(t, 1, r.Sweep())
}

func TestQueueOverflow(t *testing.T) {
	r, lb := newTestRegistry(t, 9000, 9000, func(o *Options) {
		o.QueueCapacity = 1
		o.OfferTimeout = 20 * time.Millisecond
	})
	reg, err := r.Register("alice", 1, 0)
	require.NoError(t, err)
	s, _ := r.Get("alice")

	first := lb.dial(t, reg.Port)
	sendRequest(t, first, "GET /1 HTTP/1.1\r\n\r\n")
	require.Eventually(t, func() bool { return s.QueueLen() == 1 }, time.Second, 5*time.Millisecond)

	second := lb.dial(t, reg.Port)
	sendRequest(t, second, "GET /2 HTTP/1.1\r\n\r\n")
	resp := readAll(t, second)
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 503 OVERFLOW\r\n"), resp)
	require.Equal(t, 1, s.OpenRequests())
	requireQueueSubsetOfMap(t, s)
}

func TestCloseDropsConnectionsAndSession(t *testing.T) {
	r, lb := newTestRegistry(t, 9000, 9000, nil)
	reg, err := r.Register("alice", 1, 0)
	require.NoError(t, err)
	s, _ := r.Get("alice")

	conn := lb.dial(t, reg.Port)
	sendRequest(t, conn, "GET / HTTP/1.1\r\n\r\n")
	require.Eventually(t, func() bool { return s.QueueLen() == 1 }, time.Second, 5*time.Millisecond)

	port, err := r.Close("alice")
	require.NoError(t, err)
	require.Equal(t, reg.Port, port)
	_, ok := r.Get("alice")
	require.False(t, ok)
	require.Empty(t, readAll(t, conn))

	_, err = r.Close("alice")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegisterFailsWhenAllPortsActive(t *testing.T) {
	r, _ := newTestRegistry(t, 9000, 9000, nil)
	_, err := r.Register("alice", 1, 0)
	require.NoError(t, err)

	_, err = r.Register("bob", 1, 0)
	require.ErrorIs(t, err, ErrNoFreePorts)
	_, ok := r.Get("bob")
	require.False(t, ok)

	alice, ok := r.Get("alice")
	require.True(t, ok)
	require.Equal(t, 9000, alice.Port())
}

func TestRegisterEvictsIdleSession(t *testing.T) {
	r, _ := newTestRegistry(t, 9000, 9000, func(o *Options) { o.LastSeenTimeout = 50 * time.Millisecond })
	_, err := r.Register("alice", 1, 0)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	reg, err := r.Register("bob", 1, 0)
	require.NoError(t, err)
	require.Equal(t, 9000, reg.Port)
	require.Equal(t, "alice", reg.Evicted)

	_, ok := r.Get("alice")
	require.False(t, ok)
	require.Len(t, r.holders(), 1)
}

func TestBindFailureForgetsSession(t *testing.T) {
	r, lb := newTestRegistry(t, 9000, 9000, nil)
	lb.fail[9000] = true

	_, err := r.Register("alice", 1, 0)
	require.ErrorIs(t, err, ErrBindFailed)
	require.Zero(t, r.Len())
}

func TestDropUnbound(t *testing.T) {
	r, _ := newTestRegistry(t, 9000, 9000, nil)
	s := r.GetOrCreate("ghost")
	require.Equal(t, 0, s.Port())
	require.True(t, r.DropUnbound(s))
	require.Zero(t, r.Len())

	_, err := r.Register("alice", 1, 0)
	require.NoError(t, err)
	alice, _ := r.Get("alice")
	require.False(t, r.DropUnbound(alice))
}

func TestAcceptErrorTearsDownSession(t *testing.T) {
	r, lb := newTestRegistry(t, 9000, 9000, nil)
	reg, err := r.Register("alice", 1, 0)
	require.NoError(t, err)
	s, _ := r.Get("alice")

	conn := lb.dial(t, reg.Port)
	sendRequest(t, conn, "GET / HTTP/1.1\r\n\r\n")
	require.Eventually(t, func() bool { return s.QueueLen() == 1 }, time.Second, 5*time.Millisecond)

	// close the socket behind the registry's back
	require.NoError(t, s.currentBinding().ln.Close())

	resp := readAll(t, conn)
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 503 ERROR\r\n"), resp)
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, s.Port())
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	r, lb := newTestRegistry(t, 9000, 9000, func(o *Options) {
		o.RequestTimeout = 20 * time.Millisecond
		o.SweepInterval = 10 * time.Millisecond
	})
	reg, err := r.Register("alice", 1, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	conn := lb.dial(t, reg.Port)
	sendRequest(t, conn, "GET / HTTP/1.1\r\n\r\n")
	resp := readAll(t, conn)
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 503 TIMEOUT\r\n"), resp)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep loop did not stop")
	}
}
