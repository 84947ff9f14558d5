package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"devtunnel/internal/logger"
	"devtunnel/internal/metrics"
)

// binding is a session's public listener for one registration.
type binding struct {
	port    int
	ln      net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

func newBinding(ln net.Listener, port int) *binding {
	ctx, cancel := context.WithCancel(context.Background())
	return &binding{
		port:   port,
		ln:     ln,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// stop closes the listener so a blocked Accept returns.
func (b *binding) stop() {
	if b.stopped.CompareAndSwap(false, true) {
		b.cancel()
		_ = b.ln.Close()
	}
}

// wait blocks until the accept loop has exited or grace elapsed.
func (b *binding) wait(grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-b.done:
	case <-timer.C:
	}
}

// Session is the state of one tunnel user.
type Session struct {
	userID          string
	lastSeenTimeout time.Duration
	base            zerolog.Logger
	metrics         *metrics.Collector

	mu      sync.Mutex
	binding *binding

	queue    *requestQueue
	requests sync.Map // request ID -> *WebRequest

	clientVersion atomic.Int64
	requestCount  atomic.Int64
	activePolls   atomic.Int64
	tunnelErrors  atomic.Int64
	registeredAt  atomic.Int64
	lastSeen      atomic.Int64
}

func newSession(userID string, opts *Options) *Session {
	s := &Session{
		userID:          userID,
		lastSeenTimeout: opts.LastSeenTimeout,
		base:            opts.Logger,
		metrics:         opts.Metrics,
		queue:           newRequestQueue(opts.QueueCapacity),
	}
	s.clientVersion.Store(1)
	s.Touch()
	return s
}

func (s *Session) UserID() string {
	return s.userID
}

// Port is the bound public port, 0 while unregistered.
func (s *Session) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding == nil {
		return 0
	}
	return s.binding.port
}

func (s *Session) currentBinding() *binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

// Logger returns a logger tagged with the session identity.
func (s *Session) Logger() zerolog.Logger {
	return logger.Session(s.base, s.userID, s.Port())
}

func (s *Session) ClientVersion() int {
	return int(s.clientVersion.Load())
}

// Touch records contact from the tunnel client.
func (s *Session) Touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) RegisteredAt() time.Time {
	v := s.registeredAt.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// RecentlySeen is the single liveness predicate used by the sweep, the
// listener and the port allocator.
func (s *Session) RecentlySeen() bool {
	return time.Since(s.LastSeen()) <= s.lastSeenTimeout
}

func (s *Session) PollStarted() int64 {
	s.metrics.PollStarted()
	return s.activePolls.Add(1)
}

func (s *Session) PollFinished() {
	s.metrics.PollFinished()
	s.activePolls.Add(-1)
}

func (s *Session) ActivePolls() int64 {
	return s.activePolls.Load()
}

func (s *Session) RequestCount() int64 {
	return s.requestCount.Load()
}

func (s *Session) TunnelErrors() int64 {
	return s.tunnelErrors.Load()
}

// QueueLen is the number of requests waiting for a poller.
func (s *Session) QueueLen() int {
	return s.queue.Len()
}

// OpenRequests is the number of connections held by the session.
func (s *Session) OpenRequests() int {
	n := 0
	s.requests.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Request returns the connection stored under id.
func (s *Session) Request(id string) (*WebRequest, bool) {
	v, ok := s.requests.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*WebRequest), true
}

func (s *Session) putRequest(wr *WebRequest) {
	s.requests.Store(wr.ID, wr)
}

// TakeRequest removes id from the queue and then the map, returning the
// connection only to the first caller.
func (s *Session) TakeRequest(id string) (*WebRequest, bool) {
	s.queue.Remove(id)
	v, ok := s.requests.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	return v.(*WebRequest), true
}

// Next waits up to timeout for the next queued request and locks it.
// A request that vanished in between (swept, session closed) is skipped.
func (s *Session) Next(ctx context.Context, timeout time.Duration) (*WebRequest, bool) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		id, ok := s.queue.Poll(ctx, remaining)
		if !ok {
			return nil, false
		}
		wr, ok := s.Request(id)
		if !ok {
			continue
		}
		wr.Lock()
		if _, still := s.Request(id); !still {
			wr.Unlock()
			continue
		}
		return wr, true
	}
}

// bind installs a fresh listener and resets per-registration state.
func (s *Session) bind(ln net.Listener, port, clientVersion int) *binding {
	b := newBinding(ln, port)
	s.mu.Lock()
	s.binding = b
	s.mu.Unlock()

	s.dropAll()
	s.clientVersion.Store(int64(clientVersion))
	s.requestCount.Store(0)
	s.tunnelErrors.Store(0)
	s.registeredAt.Store(time.Now().UnixNano())
	s.Touch()
	s.metrics.SessionBound()
	return b
}

// unbind stops the listener, if any, and returns it.
func (s *Session) unbind() *binding {
	s.mu.Lock()
	b := s.binding
	s.binding = nil
	s.mu.Unlock()

	if b != nil {
		b.stop()
		s.metrics.SessionUnbound()
	}
	return b
}

// unbindIf is unbind restricted to a specific binding.
func (s *Session) unbindIf(b *binding) bool {
	s.mu.Lock()
	if s.binding != b {
		s.mu.Unlock()
		return false
	}
	s.binding = nil
	s.mu.Unlock()

	b.stop()
	s.metrics.SessionUnbound()
	return true
}

// dropAll closes every held connection without answering it.
func (s *Session) dropAll() int {
	s.queue.Clear()
	n := 0
	s.requests.Range(func(key, _ any) bool {
		if wr, ok := s.TakeRequest(key.(string)); ok {
			_ = wr.Close()
			n++
		}
		return true
	})
	return n
}

// failAll answers every held connection with status and closes it.
// Connections busy in a relay are only closed.
func (s *Session) failAll(status, msg string) {
	s.queue.Clear()
	s.requests.Range(func(key, _ any) bool {
		wr, ok := s.TakeRequest(key.(string))
		if !ok {
			return true
		}
		if wr.TryLock() {
			s.SendError(wr, status, msg)
			wr.Unlock()
		} else {
			_ = wr.Close()
		}
		return true
	})
}

// Stats is a point-in-time view used for reporting.
type Stats struct {
	UserID          string    `json:"userId"`
	ServerPort      int       `json:"serverPort"`
	ClientVersion   int       `json:"clientVersion"`
	OpenRequests    int       `json:"openRequests"`
	OpenConnections int       `json:"openConnections"`
	ActivePolls     int64     `json:"activePollCount"`
	TotalRequests   int64     `json:"totalRequests"`
	TotalErrors     int64     `json:"totalErrors"`
	RegisteredAt    time.Time `json:"registeredAt"`
	LastSeenAt      time.Time `json:"lastSeenAt"`
	Active          bool      `json:"active"`
}

func (s *Session) Stats() Stats {
	return Stats{
		UserID:          s.userID,
		ServerPort:      s.Port(),
		ClientVersion:   s.ClientVersion(),
		OpenRequests:    s.QueueLen(),
		OpenConnections: s.OpenRequests(),
		ActivePolls:     s.ActivePolls(),
		TotalRequests:   s.RequestCount(),
		TotalErrors:     s.TunnelErrors(),
		RegisteredAt:    s.RegisteredAt(),
		LastSeenAt:      s.LastSeen(),
		Active:          s.RecentlySeen(),
	}
}
