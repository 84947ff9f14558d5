package session

import (
	"bufio"
	"strconv"
	"time"

	"devtunnel/internal/constants"
	"devtunnel/internal/headers"
	"devtunnel/internal/logger"
	"devtunnel/internal/tunnel"
)

// SendError answers wr with a plain-text error and closes it. The declared
// request body is drained first so the peer is not reset mid-upload.
func (s *Session) SendError(wr *WebRequest, status, msg string) {
	errCount := s.tunnelErrors.Add(1)
	s.metrics.ErrorResponse(status)
	defer wr.Close()

	log := s.Logger().With().
		Str(logger.FieldRequestID, wr.ID).
		Str(logger.FieldRequester, wr.RemoteAddr()).
		Int64(logger.FieldErrors, errCount).
		Logger()

	if n, err := wr.Headers.ContentLength(); err == nil && n > 0 {
		wr.SetReadDeadline(time.Now().Add(constants.ErrorDrainTimeout))
		if _, err := tunnel.CopyN(tunnel.Discard, wr.Body(), n); err != nil {
			log.Error().Err(err).Msg("error response: issue reading body")
		}
	}
	log.Warn().Str("status", status).Str("request", wr.FirstLine()).Msgf("Send web error: %s", msg)

	body := []byte(msg + "\n")
	resp := headers.New(constants.HTTPVersionPrefix + status)
	resp.Set(constants.HeaderConnection, constants.ConnectionClose)
	resp.SetContentLength(int64(len(body)))
	resp.Set(constants.HeaderContentType, constants.ContentTypeText)
	resp.Add(constants.HeaderUserID, s.userID)
	resp.Add(constants.HeaderRequestID, wr.ID)
	resp.Add(constants.HeaderServerPort, strconv.Itoa(s.Port()))

	wr.Extend(constants.ErrorDrainTimeout)
	bw := bufio.NewWriter(wr)
	if _, err := resp.WriteTo(bw); err != nil {
		log.Error().Err(err).Msg("error response: write headers")
		return
	}
	if _, err := bw.Write(body); err != nil {
		log.Error().Err(err).Msg("error response: write body")
		return
	}
	if err := bw.Flush(); err != nil {
		log.Error().Err(err).Msg("error response: flush")
	}
}
