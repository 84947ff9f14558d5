package session

import (
	"net"
	"strconv"

	"github.com/google/uuid"

	"devtunnel/internal/constants"
	"devtunnel/internal/logger"
)

// serve is the accept loop of one binding. Each connection gets its own
// goroutine so a slow header sender cannot stall the port.
func (r *Registry) serve(s *Session, b *binding) {
	log := logger.Stage(logger.Session(r.log, s.userID, b.port), constants.StageListener)

	for {
		conn, err := b.ln.Accept()
		if err != nil {
			close(b.done)
			if b.stopped.Load() {
				log.Debug().Msg("listener stopped")
				return
			}
			log.Warn().Err(err).Msg("⚠️ Error in accept, terminating listener")
			r.abort(s, b)
			return
		}

		seq := s.requestCount.Add(1)
		id := uuid.NewString() + "-" + strconv.FormatInt(seq, 10)
		r.opts.Metrics.ConnectionAccepted()
		go r.admit(s, b, id, conn)
	}
}

// admit parses the request and queues it, or answers it right away when
// nobody is polling or the queue stays full.
func (r *Registry) admit(s *Session, b *binding, id string, conn net.Conn) {
	wr := NewWebRequest(id, conn, r.opts.HeaderTimeout, r.opts.BodyTimeout)
	log := logger.Stage(s.Logger(), constants.StageWebToAppListen).With().
		Str(logger.FieldRequestID, id).
		Str(logger.FieldRequester, wr.RemoteAddr()).
		Logger()
	log.Debug().Str("request", wr.FirstLine()).Msg("Got connection")

	if !s.RecentlySeen() {
		s.SendError(wr, constants.StatusOffline, "User "+s.userID+" is offline...")
		return
	}

	wr.Lock()
	s.putRequest(wr)
	if !s.queue.Offer(b.ctx, id, r.opts.OfferTimeout) {
		if taken, ok := s.TakeRequest(id); ok {
			if b.stopped.Load() {
				_ = taken.Close()
			} else {
				s.SendError(taken, constants.StatusOverflow, "User "+s.userID+" request queue full...")
			}
		}
		wr.Unlock()
		return
	}
	wr.Unlock()

	// the binding may have been torn down while we were parsing
	if b.stopped.Load() {
		if taken, ok := s.TakeRequest(id); ok {
			_ = taken.Close()
		}
		return
	}
	log.Debug().Int("queued", s.QueueLen()).Int("held", s.OpenRequests()).Msg("request queued")
}

// abort handles a broken listening socket: every held connection is
// answered, and the session is forgotten if b is still its binding.
func (r *Registry) abort(s *Session, b *binding) {
	s.failAll(constants.StatusError, constants.MsgAcceptError)
	_ = b.ln.Close()

	r.allocMu.Lock()
	defer r.allocMu.Unlock()
	if s.unbindIf(b) {
		r.removeIfSame(s)
	}
}
