package session

import (
	"context"
	"fmt"
	"time"

	"devtunnel/internal/constants"
	"devtunnel/internal/logger"
)

// Run sweeps every SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("cleanup stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep expires held connections that waited longer than RequestTimeout
// or whose session went quiet. It returns how many were expired.
func (r *Registry) Sweep() int {
	total := 0
	for _, s := range r.Sessions() {
		n, err := r.sweepSession(s)
		if err != nil {
			log := logger.Stage(s.Logger(), constants.StageCleanup)
			log.Error().Err(err).Msg("Error in cleanup")
		}
		total += n
	}
	return total
}

func (r *Registry) sweepSession(s *Session) (n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	online := s.RecentlySeen()
	s.requests.Range(func(_, v any) bool {
		wr := v.(*WebRequest)
		tooOld := wr.StartedTooLongAgo(r.opts.RequestTimeout)
		if online && !tooOld {
			return true
		}
		if !wr.TryLock() {
			return true
		}
		taken, ok := s.TakeRequest(wr.ID)
		wr.Unlock()
		if !ok {
			return true
		}

		n++
		log := logger.Stage(s.Logger(), constants.StageCleanup)
		log.Info().
			Str(logger.FieldRequestID, taken.ID).
			Str(logger.FieldRequester, taken.RemoteAddr()).
			Msgf("Cleanup %s waiting request %s", s.userID, taken.RemoteAddr())
		if tooOld {
			go s.SendError(taken, constants.StatusTimeout, "User "+s.userID+" took too long to respond")
		} else {
			go s.SendError(taken, constants.StatusOffline, "User "+s.userID+" is offline")
		}
		return true
	})
	return n, nil
}
