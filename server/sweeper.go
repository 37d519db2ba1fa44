package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-identity/instrumentation"
)

// SweepExpiredTokens clears the token fields of every account whose access
// token expired before now. Rows, expiry and scope are kept so the user can
// see the provider needs reconnecting. It returns the number of accounts
// actually changed; a second run with no new expiries returns 0.
func (s *Server) SweepExpiredTokens(ctx context.Context) (int, error) {
	ctx, span := s.startSpan(ctx, "oauth.sweep_expired_tokens")
	defer endSpan(span)

	n, err := s.store.ClearExpiredTokens(ctx, s.now())
	if err != nil {
		instrumentation.RecordError(span, err)
		return 0, fmt.Errorf("failed to clear expired tokens: %w", err)
	}

	if n > 0 {
		s.Auditor.LogExpiredTokensCleared(n)
		s.Logger.Info("Cleared expired provider tokens", "accounts", n)
	}
	if s.metrics != nil {
		s.metrics.RecordExpiredTokensCleared(ctx, n)
	}
	instrumentation.SetSpanSuccess(span)
	return n, nil
}

// SweepOnce runs one expired token sweep followed by one pending-state
// cleanup. Both always run; their errors are joined.
func (s *Server) SweepOnce(ctx context.Context) (accounts, states int, err error) {
	accounts, tokenErr := s.SweepExpiredTokens(ctx)
	if tokenErr != nil {
		s.Logger.Error("Expired token sweep failed", "error", tokenErr)
	}

	states, stateErr := s.guard.Cleanup(ctx)
	if stateErr != nil {
		s.Logger.Error("Pending state cleanup failed", "error", stateErr)
	} else if states > 0 {
		s.Logger.Debug("Removed expired pending states", "count", states)
	}

	return accounts, states, errors.Join(tokenErr, stateErr)
}

// StartSweeper runs the expiry sweep and pending-state cleanup immediately
// and then every interval until ctx ends or Stop is called. A non-positive
// interval uses Config.SweepInterval. Calling it while a sweeper runs is a
// no-op.
func (s *Server) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.Config.SweepInterval
	}

	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.sweepStop = stop
	s.sweepDone = done

	s.Logger.Info("Started token sweeper", "interval", interval)

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		_, _, _ = s.SweepOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				_, _, _ = s.SweepOnce(ctx)
			}
		}
	}()
}

// Stop stops the sweeper and waits for a running sweep to finish.
// It is safe to call more than once.
func (s *Server) Stop() {
	s.sweepMu.Lock()
	stop, done := s.sweepStop, s.sweepDone
	s.sweepStop, s.sweepDone = nil, nil
	s.sweepMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	s.Logger.Debug("Stopped token sweeper")
}
