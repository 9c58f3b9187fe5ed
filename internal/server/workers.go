package server

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ssd-technologies/quorum/internal/dispatch"
)

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.runTimeoutSweeper(ctx)
	if s.hub != nil {
		go s.runOfflinePruning(ctx)
	}
	go s.runLimiterCleanup(ctx)
}

// --- Timeout Sweeper ---

// runTimeoutSweeper finalizes evaluations whose response window has passed
// with a quorum in hand.
func (s *Server) runTimeoutSweeper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.SweepInterval):
			n := s.sweepTimeouts(ctx)
			if n > 0 {
				log.Printf("[worker] finalized %d timed-out evaluations", n)
			}
		}
	}
}

// sweepTimeouts runs the timeout finalization on every due evaluation and
// returns how many completed. Evaluations whose settlement failed stay open
// and are retried on the next sweep.
func (s *Server) sweepTimeouts(ctx context.Context) int {
	done := 0
	for _, id := range s.dispatcher.DueForTimeout() {
		err := s.dispatcher.FinalizeEvaluationTimeout(ctx, id)
		switch {
		case err == nil:
			done++
		case errors.Is(err, dispatch.ErrEvaluationComplete):
			// finalized by a late response since DueForTimeout ran
		default:
			log.Printf("[worker] finalize %s: %v", id, err)
		}
	}
	return done
}

// --- Offline Pruning ---

// runOfflinePruning marks oracle nodes offline once they stop heartbeating.
func (s *Server) runOfflinePruning(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.PruneInterval):
			n := s.pruneOffline()
			if n > 0 {
				log.Printf("[worker] marked %d oracle nodes offline", n)
			}
		}
	}
}

func (s *Server) pruneOffline() int {
	return s.hub.Tracker().PruneOffline(s.cfg.OfflineTimeout)
}

// --- Rate Limiter Cleanup ---

func (s *Server) runLimiterCleanup(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
			s.ipLimiter.Cleanup()
			s.submitLimiter.Cleanup()
		}
	}
}
