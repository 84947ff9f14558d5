package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"devtunnel/internal/constants"
	"devtunnel/internal/logger"
	"devtunnel/internal/security"
	"devtunnel/internal/session"
	"devtunnel/internal/status"
)

// userID reads and validates X-Tunnel-User-Id, answering 400 itself when
// the header is unusable.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(constants.HeaderUserID)
	if id == "" {
		s.AuditLogger.LogInvalidRequest(s.IPs.ClientIP(r), r.URL.Path, constants.MsgMissingUserID)
		http.Error(w, constants.MsgMissingUserID, http.StatusBadRequest)
		return "", false
	}
	if err := security.ValidateUserID(id); err != nil {
		s.AuditLogger.LogInvalidRequest(s.IPs.ClientIP(r), r.URL.Path, err.Error())
		http.Error(w, constants.MsgInvalidUserID, http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeText)
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

// HandleRegister binds a public port for the caller. The body is
// "server-port=<n>" on success.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	clientIP := s.IPs.ClientIP(r)
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	if !s.RegisterLimiter.Allow(clientIP) {
		s.AuditLogger.LogRateLimit(clientIP, userID, constants.EndpointRegister)
		s.Metrics.RateLimited(constants.EndpointRegister)
		http.Error(w, constants.MsgRateLimitExceeded, http.StatusTooManyRequests)
		return
	}

	version, err := security.ParseClientVersion(r.Header.Get(constants.HeaderClientVersion))
	if err != nil {
		http.Error(w, constants.MsgInvalidVersion, http.StatusBadRequest)
		return
	}
	preferred, err := security.ParsePreferredPort(r.Header.Get(constants.HeaderPreferredPort))
	if err != nil {
		http.Error(w, constants.MsgInvalidPort, http.StatusBadRequest)
		return
	}

	log := logger.Stage(s.log, constants.StageRegister).With().
		Str(logger.FieldUserID, userID).
		Str(logger.FieldRequester, clientIP).
		Logger()
	w.Header().Set(constants.HeaderUserID, userID)

	reg, err := s.Registry.Register(userID, version, preferred)
	if reg.Evicted != "" {
		s.AuditLogger.LogEviction(clientIP, reg.Evicted, reg.Port, userID)
	}
	switch {
	case errors.Is(err, session.ErrNoFreePorts):
		s.AuditLogger.LogRegisterFailure(clientIP, userID, constants.MsgNoFreePorts)
		writeText(w, http.StatusInternalServerError, constants.MsgNoFreePorts+"\n")
		return
	case err != nil:
		log.Error().Err(err).Msg("register failed")
		s.AuditLogger.LogRegisterFailure(clientIP, userID, err.Error())
		writeText(w, http.StatusInternalServerError, fmt.Sprintf("Error listening on port %d\n", reg.Port))
		return
	}

	s.AuditLogger.LogRegister(clientIP, userID, reg.Port)
	w.Header().Set(constants.HeaderServerPort, strconv.Itoa(reg.Port))
	writeText(w, http.StatusOK, fmt.Sprintf("server-port=%d\n", reg.Port))
}

// HandleClose releases the caller's port.
func (s *Server) HandleClose(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	w.Header().Set(constants.HeaderUserID, userID)

	port, err := s.Registry.Close(userID)
	if err != nil || port == 0 {
		writeText(w, http.StatusNotFound, "server-port-closed=not-found\n")
		return
	}
	s.AuditLogger.LogClose(s.IPs.ClientIP(r), userID, port)
	writeText(w, http.StatusOK, fmt.Sprintf("server-port-closed=%d\n", port))
}

// HandleData is the long-poll endpoint: GET fetches the next public
// request, POST delivers a response and then fetches.
func (s *Server) HandleData(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	clientIP := s.IPs.ClientIP(r)
	if !s.PollLimiter.TryConnect(clientIP) {
		s.AuditLogger.LogConnectionLimit(clientIP)
		s.Metrics.RateLimited(constants.EndpointData)
		http.Error(w, constants.MsgTooManyPolls, http.StatusTooManyRequests)
		return
	}
	defer s.PollLimiter.Disconnect(clientIP)

	if r.Method == http.MethodPost {
		s.Exchange.Deliver(w, r, userID)
		return
	}
	s.Exchange.Fetch(w, r, userID)
}

func (s *Server) HandleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, constants.EndpointStatus, http.StatusFound)
}

type statusPage struct {
	Title    string
	FeedPath string
	Report   status.Report
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s.Templates.Render(w, "status.html", statusPage{
		Title:    constants.AppName + " status",
		FeedPath: constants.EndpointStatusWS,
		Report:   status.Build(s.Registry),
	})
}

func (s *Server) HandleStatusJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(constants.HeaderContentType, "application/json")
	if err := json.NewEncoder(w).Encode(status.Build(s.Registry)); err != nil {
		s.log.Warn().Err(err).Msg("status encode failed")
	}
}
