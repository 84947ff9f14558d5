// Package exchange implements the long-poll request/response protocol
// spoken with tunnel clients on /data.
package exchange

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"devtunnel/internal/constants"
	"devtunnel/internal/headers"
	"devtunnel/internal/logger"
	"devtunnel/internal/metrics"
	"devtunnel/internal/session"
	"devtunnel/internal/tunnel"
)

type Options struct {
	PollSlice    time.Duration
	PollAttempts int
	BodyTimeout  time.Duration
	Metrics      *metrics.Collector
}

// Exchange moves queued public requests to pollers and their responses back.
type Exchange struct {
	registry *session.Registry
	opts     Options
}

func New(registry *session.Registry, opts Options) *Exchange {
	if opts.PollSlice <= 0 {
		opts.PollSlice = constants.PollSlice
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = constants.PollAttempts
	}
	if opts.BodyTimeout <= 0 {
		opts.BodyTimeout = constants.BodyReadTimeout
	}
	return &Exchange{registry: registry, opts: opts}
}

func stageLogger(s *session.Session, stage string) zerolog.Logger {
	return logger.Stage(s.Logger(), stage).With().
		Int64(logger.FieldPolls, s.ActivePolls()).
		Int(logger.FieldRequests, s.QueueLen()).
		Int(logger.FieldConnections, s.OpenRequests()).
		Int64(logger.FieldErrors, s.TunnelErrors()).
		Logger()
}

func requestLogger(l zerolog.Logger, wr *session.WebRequest) zerolog.Logger {
	h := make(http.Header)
	for _, name := range wr.Headers.Names() {
		if v, ok := wr.Headers.Get(name); ok {
			h.Add(name, v)
		}
	}
	c := l.With().Str(logger.FieldRequestID, wr.ID).Str(logger.FieldRequester, wr.RemoteAddr())
	return logger.IDHeaders(c, h).Logger()
}

// Fetch serves GET /data: it waits for the next public request of userID
// and streams its header block and body to the poller.
func (e *Exchange) Fetch(w http.ResponseWriter, r *http.Request, userID string) {
	s := e.registry.GetOrCreate(userID)
	if s.Port() == 0 {
		e.registry.DropUnbound(s)
		w.Header().Set(constants.HeaderStatus, constants.MsgTunnelNotFound)
		w.WriteHeader(http.StatusNotFound)
		e.opts.Metrics.FetchOutcome(metrics.FetchNotFound)
		return
	}

	s.PollStarted()
	defer s.PollFinished()
	log := stageLogger(s, constants.StageWebToAppListen)

	w.Header().Set(constants.HeaderUserID, s.UserID())
	w.Header().Set(constants.HeaderServerPort, strconv.Itoa(s.Port()))

	wr := e.wait(r.Context(), s)
	if wr == nil {
		w.WriteHeader(http.StatusNoContent)
		e.opts.Metrics.FetchOutcome(metrics.FetchEmpty)
		return
	}
	defer wr.Unlock()
	log = requestLogger(log, wr)
	log.Debug().Str("request", wr.FirstLine()).Msg("picking up request")
	w.Header().Set(constants.HeaderRequestID, wr.ID)

	if !wr.HasHeaders() {
		log.Info().Msg("no headers, just closing connection")
		s.TakeRequest(wr.ID)
		_ = wr.Close()
		softFail(w, constants.MsgNoRequestHeaders)
		e.opts.Metrics.FetchOutcome(metrics.FetchNoHeaders)
		return
	}
	w.Header().Set(constants.HeaderRequest, wr.FirstLine())

	if wr.Headers.Chunked() {
		s.TakeRequest(wr.ID)
		s.SendError(wr, constants.StatusIllegalRequest, constants.MsgChunkedUnsupported)
		softFail(w, constants.MsgChunkedUnsupported)
		e.opts.Metrics.FetchOutcome(metrics.FetchChunked)
		return
	}

	bodyLen, err := wr.Headers.ContentLength()
	if err != nil {
		s.TakeRequest(wr.ID)
		s.SendError(wr, constants.StatusBadRequest, constants.MsgBadContentLength)
		softFail(w, constants.MsgBadContentLength)
		e.opts.Metrics.FetchOutcome(metrics.FetchFailed)
		return
	}
	if bodyLen < 0 {
		bodyLen = 0
	}

	wr.Headers.SetContentLength(bodyLen)
	wr.Headers.Set(constants.HeaderConnection, constants.ConnectionClose)

	w.Header().Set(constants.HeaderContentType, constants.ContentTypeStream)
	w.Header().Set(constants.HeaderContentLen, strconv.FormatInt(wr.Headers.ByteCount()+bodyLen, 10))
	w.WriteHeader(http.StatusOK)

	wr.Extend(e.opts.BodyTimeout)
	bw := bufio.NewWriter(w)
	if _, err := wr.Headers.WriteTo(bw); err != nil {
		e.abandon(s, wr, log, err)
		return
	}
	if _, err := tunnel.CopyN(w, wr.Body(), bodyLen); err != nil {
		e.abandon(s, wr, log, err)
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	s.Touch()
	e.opts.Metrics.FetchOutcome(metrics.FetchDelivered)
	log.Info().Int64("bodyBytes", bodyLen).Msgf("Handled webToAppRequest: %s", wr.FirstLine())
}

// wait polls the session queue in short slices, refreshing liveness on
// each one so a waiting poller keeps its session online.
func (e *Exchange) wait(ctx context.Context, s *session.Session) *session.WebRequest {
	s.Touch()
	for i := 0; i < e.opts.PollAttempts; i++ {
		wr, ok := s.Next(ctx, e.opts.PollSlice)
		s.Touch()
		if ok {
			return wr
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// abandon drops a request whose relay to the poller broke half way.
func (e *Exchange) abandon(s *session.Session, wr *session.WebRequest, log zerolog.Logger, err error) {
	log.Error().Err(err).Msg("webToAppRequest relay failed")
	s.TakeRequest(wr.ID)
	_ = wr.Close()
	e.opts.Metrics.FetchOutcome(metrics.FetchFailed)
}

// softFail answers an empty poll carrying a reason; the poller simply polls again.
func softFail(w http.ResponseWriter, status string) {
	w.Header().Set(constants.HeaderStatus, status)
	w.WriteHeader(http.StatusNoContent)
}

func clientError(w http.ResponseWriter, msg string) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeText)
	w.WriteHeader(http.StatusBadRequest)
	_, _ = io.WriteString(w, msg)
}

// Deliver serves POST /data: the body is the raw HTTP response for the
// request named by X-Tunnel-Request-Id. After relaying it the call turns
// into the next Fetch.
func (e *Exchange) Deliver(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.Header.Get(constants.HeaderRequestID)
	if id == "" {
		clientError(w, constants.MsgMissingRequestID)
		return
	}
	s, ok := e.registry.Get(userID)
	if !ok {
		clientError(w, constants.MsgUnknownRequestID)
		return
	}
	wr, ok := s.TakeRequest(id)
	if !ok {
		clientError(w, constants.MsgUnknownRequestID)
		return
	}
	s.Touch()

	if !e.relayResponse(w, r, s, wr) {
		return
	}
	s.Touch()
	e.Fetch(w, r, userID)
}

// relayResponse streams the posted response to wr and closes it. It
// returns false when the posted payload was not an HTTP response.
func (e *Exchange) relayResponse(w http.ResponseWriter, r *http.Request, s *session.Session, wr *session.WebRequest) bool {
	wr.Lock()
	defer wr.Unlock()
	defer wr.Close()

	log := requestLogger(stageLogger(s, constants.StageAppToWebResponse), wr)

	br := tunnel.GetBufioReader(r.Body)
	defer tunnel.PutBufioReader(br)

	resp, err := headers.Parse(br)
	first, _ := resp.FirstLine()
	if err != nil || resp.Empty() || !strings.HasPrefix(strings.ToLower(first), "http/") {
		log.Warn().Err(err).Str("firstLine", first).Msg("invalid application response")
		clientError(w, constants.MsgMissingRespHeaders)
		s.SendError(wr, constants.StatusInvalidResponse, constants.MsgWrongAppResponse)
		return false
	}

	resp.Add(constants.HeaderUserID, s.UserID())
	resp.Add(constants.HeaderRequestID, wr.ID)
	resp.Add(constants.HeaderServerPort, strconv.Itoa(s.Port()))
	resp.Set(constants.HeaderConnection, constants.ConnectionClose)

	bodyLen := e.responseBodyLength(r, resp, log)

	wr.Extend(e.opts.BodyTimeout)
	bw := bufio.NewWriter(wr)
	if _, err := resp.WriteTo(bw); err != nil {
		log.Error().Err(err).Msg("appToWebResponse header write failed")
		return true
	}
	if _, err := tunnel.CopyN(wr, br, bodyLen); err != nil {
		log.Error().Err(err).Msgf("appToWebResponse stream end? %s", wr.ID)
	}

	e.opts.Metrics.RequestRelayed()
	log.Info().Int64("bodyBytes", bodyLen).Msgf("Handled appToWebResponse: %s", first)
	return true
}

// responseBodyLength trusts the posted payload size over the declared
// Content-Length. Without a payload size the declared length is used, and
// failing that the body runs to end of stream.
func (e *Exchange) responseBodyLength(r *http.Request, resp *headers.Headers, log zerolog.Logger) int64 {
	declared, declErr := resp.ContentLength()
	if r.ContentLength >= 0 {
		computed := r.ContentLength - resp.Consumed()
		if computed < 0 {
			computed = 0
		}
		if declErr != nil || declared != computed {
			log.Debug().Int64("declared", declared).Int64("computed", computed).Msg("Content length mismatch")
			resp.SetContentLength(computed)
		}
		return computed
	}
	if declErr == nil && declared >= 0 {
		return declared
	}
	resp.Remove(constants.HeaderContentLen)
	return -1
}
