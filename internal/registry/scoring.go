package registry

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ssd-technologies/quorum/internal/events"
	"github.com/ssd-technologies/quorum/internal/identity"
)

// UpdateScores applies quality and timeliness deltas to id on behalf of a
// consumer that has recorded usage of it, appends a snapshot to the bounded
// history, and then evaluates the two penalty tiers:
//
//   - value breach, only once any earlier lock has expired: below the severe
//     threshold slashes, locks and blocks; below the mild threshold locks.
//   - trend breach, independently: a full history that worsens strictly at
//     every step in either score slashes, locks and blocks, then clears the
//     history so the same window cannot fire twice.
func (r *Registry) UpdateScores(caller common.Address, id identity.OracleIdentity, qualityDelta, timelinessDelta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consumers[caller]
	if !ok {
		return ErrUnauthorized
	}
	if _, used := c.used[id]; !used {
		return fmt.Errorf("%s has not used %s: %w", caller.Hex(), id, ErrUnauthorized)
	}
	rec, ok := r.oracles[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if !rec.Active {
		return fmt.Errorf("%s: %w", id, ErrNotActive)
	}

	rec.CallCount++
	rec.Quality += qualityDelta
	rec.Timeliness += timelinessDelta
	rec.History = append(rec.History, ScoreSnapshot{Quality: rec.Quality, Timeliness: rec.Timeliness})
	if over := len(rec.History) - r.cfg.MaxScoreHistory; over > 0 {
		rec.History = append([]ScoreSnapshot(nil), rec.History[over:]...)
	}

	now := r.now()
	if now.Unix() >= rec.LockedUntil {
		switch {
		case rec.Quality < r.cfg.SevereThreshold || rec.Timeliness < r.cfg.SevereThreshold:
			r.slashLocked(rec, now, "severe_threshold")
		case rec.Quality < r.cfg.MildThreshold || rec.Timeliness < r.cfg.MildThreshold:
			rec.LockedUntil = now.Add(r.cfg.LockDuration).Unix()
			r.emit(events.OracleLocked, id, map[string]string{
				"locked_until": strconv.FormatInt(rec.LockedUntil, 10),
			})
		}
	}

	if len(rec.History) >= r.cfg.MaxScoreHistory && (worsening(rec.History, qualityOf) || worsening(rec.History, timelinessOf)) {
		r.slashLocked(rec, now, "trend")
		rec.History = nil
	}

	r.persistLocked(rec)
	r.emit(events.ScoreUpdated, id, map[string]string{
		"quality":          strconv.FormatInt(rec.Quality, 10),
		"timeliness":       strconv.FormatInt(rec.Timeliness, 10),
		"quality_delta":    strconv.FormatInt(qualityDelta, 10),
		"timeliness_delta": strconv.FormatInt(timelinessDelta, 10),
	})
	return nil
}

// slashLocked removes SlashAmount from the stake (floored at zero), opens a
// new lock window and blocks the oracle.
func (r *Registry) slashLocked(rec *OracleRecord, now time.Time, reason string) {
	slashed := r.cfg.SlashAmount
	if rec.Stake.LT(slashed) {
		slashed = rec.Stake
	}
	rec.Stake = rec.Stake.Sub(slashed)
	rec.LockedUntil = now.Add(r.cfg.LockDuration).Unix()
	rec.Blocked = true

	r.emit(events.OracleSlashed, rec.Identity, map[string]string{
		"reason":       reason,
		"slashed":      slashed.String(),
		"stake":        rec.Stake.String(),
		"locked_until": strconv.FormatInt(rec.LockedUntil, 10),
	})
}

func qualityOf(s ScoreSnapshot) int64    { return s.Quality }
func timelinessOf(s ScoreSnapshot) int64 { return s.Timeliness }

// worsening reports whether every snapshot is strictly below its predecessor.
func worsening(history []ScoreSnapshot, score func(ScoreSnapshot) int64) bool {
	if len(history) < 2 {
		return false
	}
	for i := 1; i < len(history); i++ {
		if score(history[i]) >= score(history[i-1]) {
			return false
		}
	}
	return true
}
