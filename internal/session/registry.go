package session

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"devtunnel/internal/config"
	"devtunnel/internal/constants"
	"devtunnel/internal/logger"
	"devtunnel/internal/metrics"
)

var (
	ErrBindFailed      = errors.New("bind failed")
	ErrSessionNotFound = errors.New("session not found")
)

// Options tunes a Registry. Zero values take the built-in defaults.
type Options struct {
	Ports           config.PortRange
	BindHost        string
	LastSeenTimeout time.Duration
	RequestTimeout  time.Duration
	HeaderTimeout   time.Duration
	BodyTimeout     time.Duration
	OfferTimeout    time.Duration
	QueueCapacity   int
	SweepInterval   time.Duration
	CloseGrace      time.Duration

	// Listen binds a session port; net.Listen when nil.
	Listen func(network, address string) (net.Listener, error)
	// Intn is handed to the port allocator.
	Intn func(n int) int

	Metrics *metrics.Collector
	Logger  zerolog.Logger
}

// OptionsFromConfig maps server settings onto registry options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Ports:           cfg.Ports,
		BindHost:        cfg.BindHost,
		LastSeenTimeout: cfg.LastSeenTimeout,
		RequestTimeout:  cfg.RequestTimeout,
		QueueCapacity:   cfg.QueueCapacity,
		SweepInterval:   cfg.SweepInterval,
		CloseGrace:      cfg.CloseGrace,
	}
}

func (o *Options) setDefaults() {
	if o.Ports.Len() == 0 {
		o.Ports = config.PortRange{Start: constants.DefaultStartPort, End: constants.DefaultEndPort}
	}
	if o.LastSeenTimeout <= 0 {
		o.LastSeenTimeout = constants.LastSeenTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = constants.RequestTimeout
	}
	if o.HeaderTimeout <= 0 {
		o.HeaderTimeout = constants.HeaderReadTimeout
	}
	if o.BodyTimeout <= 0 {
		o.BodyTimeout = constants.BodyReadTimeout
	}
	if o.OfferTimeout <= 0 {
		o.OfferTimeout = constants.QueueOfferTimeout
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = constants.QueueCapacity
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = constants.SweepInterval
	}
	if o.CloseGrace < 0 {
		o.CloseGrace = 0
	}
	if o.Listen == nil {
		o.Listen = net.Listen
	}
}

// Registration is the outcome of a successful Register.
type Registration struct {
	Port    int
	Evicted string
}

// Registry owns every session. Register, Close and eviction share one
// critical section because port choice depends on all bound sessions;
// polls, deliveries, listeners and the sweep never enter it.
type Registry struct {
	opts      Options
	allocator Allocator
	log       zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	allocMu sync.Mutex
}

func NewRegistry(opts Options) *Registry {
	opts.setDefaults()
	return &Registry{
		opts:      opts,
		allocator: Allocator{Range: opts.Ports, Intn: opts.Intn},
		log:       opts.Logger,
		sessions:  make(map[string]*Session),
	}
}

func (r *Registry) Options() Options {
	return r.opts
}

// Get returns the session for userID without creating or touching it.
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// GetOrCreate returns the session for userID, creating an unbound one on
// first contact. Either way the session counts as seen.
func (r *Registry) GetOrCreate(userID string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if s, ok = r.sessions[userID]; !ok {
			s = newSession(userID, &r.opts)
			r.sessions[userID] = s
		}
		r.mu.Unlock()
	}
	s.Touch()
	return s
}

// Sessions returns the live sessions ordered by userID.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].userID < out[j].userID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// removeIfSame deletes userID only while it still maps to s.
func (r *Registry) removeIfSame(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.userID]; ok && cur == s {
		delete(r.sessions, s.userID)
		return true
	}
	return false
}

func (r *Registry) holders() []Holder {
	var out []Holder
	for _, s := range r.Sessions() {
		if port := s.Port(); port != 0 {
			out = append(out, Holder{
				UserID:       s.userID,
				Port:         port,
				LastSeen:     s.LastSeen(),
				RecentlySeen: s.RecentlySeen(),
			})
		}
	}
	return out
}

// Register binds a public port for userID. A session that is already
// bound is torn down first and, unless preferred is given, asks for its
// previous port back.
func (r *Registry) Register(userID string, clientVersion, preferred int) (Registration, error) {
	r.allocMu.Lock()
	defer r.allocMu.Unlock()

	s := r.GetOrCreate(userID)
	log := logger.Stage(s.Logger(), constants.StageRegister)

	if b := s.unbind(); b != nil {
		log.Info().Msgf("🔁 Re-registering %s, releasing port %d", userID, b.port)
		b.wait(r.opts.CloseGrace)
		s.dropAll()
		if preferred == 0 {
			preferred = b.port
		}
	}

	alloc, err := r.allocator.Pick(r.holders(), preferred)
	if err != nil {
		r.removeIfSame(s)
		log.Warn().Msgf("❌ No free port for %s", userID)
		return Registration{}, err
	}

	if alloc.Evict != "" {
		if victim, ok := r.Get(alloc.Evict); ok {
			log.Info().Str("evicted", alloc.Evict).Msgf("♻️ Evicting idle %s from port %d", alloc.Evict, alloc.Port)
			r.teardown(victim)
			r.opts.Metrics.PortEvicted()
		}
	}

	addr := net.JoinHostPort(r.opts.BindHost, strconv.Itoa(alloc.Port))
	ln, err := r.opts.Listen("tcp", addr)
	if err != nil {
		r.removeIfSame(s)
		log.Error().Err(err).Msgf("❌ Error listening on port %d", alloc.Port)
		return Registration{Port: alloc.Port, Evicted: alloc.Evict}, fmt.Errorf("%w: port %d: %v", ErrBindFailed, alloc.Port, err)
	}

	b := s.bind(ln, alloc.Port, clientVersion)
	go r.serve(s, b)

	regLog := logger.Stage(s.Logger(), constants.StageRegister)
	regLog.Info().
		Int("clientVersion", clientVersion).
		Msgf("🚀 Registered %s on port %d", userID, alloc.Port)
	return Registration{Port: alloc.Port, Evicted: alloc.Evict}, nil
}

// Close tears down userID and returns the port it held.
func (r *Registry) Close(userID string) (int, error) {
	r.allocMu.Lock()
	defer r.allocMu.Unlock()

	s, ok := r.Get(userID)
	if !ok {
		return 0, ErrSessionNotFound
	}
	s.Touch()
	port := r.teardown(s)
	closeLog := logger.Stage(s.Logger(), constants.StageClose)
	closeLog.Info().Msgf("🛑 Closed %s, port %d released", userID, port)
	return port, nil
}

// DropUnbound forgets s if it still has no port. Used when a poller shows
// up for a tunnel the server no longer knows about.
func (r *Registry) DropUnbound(s *Session) bool {
	r.allocMu.Lock()
	defer r.allocMu.Unlock()
	if s.Port() != 0 {
		return false
	}
	s.dropAll()
	return r.removeIfSame(s)
}

// teardown must be called with allocMu held.
func (r *Registry) teardown(s *Session) int {
	port := 0
	if b := s.unbind(); b != nil {
		port = b.port
		b.wait(r.opts.CloseGrace)
	}
	s.dropAll()
	r.removeIfSame(s)
	return port
}

// Shutdown closes every session.
func (r *Registry) Shutdown() {
	r.allocMu.Lock()
	defer r.allocMu.Unlock()
	for _, s := range r.Sessions() {
		r.teardown(s)
	}
	r.log.Info().Msg("🧹 All tunnel sessions closed")
}
