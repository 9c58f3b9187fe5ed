package dispatch

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/ssd-technologies/quorum/internal/events"
	"github.com/ssd-technologies/quorum/internal/identity"
)

var zeroOracle identity.OracleIdentity

// finalizeLocked clusters the quorum, scores every poll slot, pays bonuses
// to the consensus pair and freezes the evaluation. The caller holds the
// evaluation lock.
//
// Score updates are best effort: a failure is logged and the slot skipped.
// Bonus transfers are not: the first failure stops finalization and returns
// ErrSettlement. Slots settled before it stay settled and a later call
// resumes with the remaining slots.
func (d *Dispatcher) finalizeLocked(ctx context.Context, ev *Evaluation) error {
	d.settleMu.Lock()
	defer d.settleMu.Unlock()

	var selected []int
	for i, r := range ev.Responses {
		if r.Selected {
			selected = append(selected, i)
		}
	}
	ev.Clustered = ev.Clustered[:0]
	vectors := make([][]int64, len(selected))
	for k, idx := range selected {
		vectors[k] = ev.Responses[idx].Likelihoods
	}
	if a, b, ok := closestPair(vectors); ok {
		ev.Clustered = append(ev.Clustered, selected[a], selected[b])
	}

	clusteredSlot := make(map[int]bool, len(ev.Clustered))
	for _, idx := range ev.Clustered {
		clusteredSlot[ev.Responses[idx].Slot] = true
	}
	selectedSlot := make(map[int]bool, len(selected))
	for _, idx := range selected {
		selectedSlot[ev.Responses[idx].Slot] = true
	}

	for i := range ev.Slots {
		slot := &ev.Slots[i]
		if !slot.Scored {
			d.scoreSlot(ev, i, classify(ev.Deltas, slot.Responded, selectedSlot[i], clusteredSlot[i]))
		}
		if !clusteredSlot[i] || slot.BonusPaid {
			continue
		}
		if !d.registry.IsActive(slot.Oracle) {
			continue
		}
		if err := d.payBonus(ctx, ev, i); err != nil {
			d.persistLocked(ev)
			log.Printf("[dispatch] settle %s slot %d: %v", ev.ID, i, err)
			return fmt.Errorf("%w: %s slot %d: %w", ErrSettlement, ev.ID, i, err)
		}
	}

	clustered := make([][]int64, len(ev.Clustered))
	refs := make([]string, len(ev.Clustered))
	for k, idx := range ev.Clustered {
		clustered[k] = ev.Responses[idx].Likelihoods
		refs[k] = ev.Responses[idx].JustificationRef
	}
	ev.AggregatedLikelihoods = meanVector(clustered)
	ev.Justification = strings.Join(refs, ",")
	ev.Complete = true
	ev.FinalizedAt = d.now().Unix()
	d.persistLocked(ev)
	d.finalized.Inc()

	d.emit(events.Finalized, ev.ID, zeroOracle, map[string]string{
		"likelihoods":   formatVector(ev.AggregatedLikelihoods),
		"justification": ev.Justification,
		"clustered":     strconv.Itoa(len(ev.Clustered)),
	})
	return nil
}

func classify(deltas ScoreDeltas, responded, selected, clustered bool) Delta {
	switch {
	case clustered:
		return deltas.Clustered
	case selected:
		return deltas.SelectedNotClustered
	case responded:
		return deltas.RespondedNotSelected
	default:
		return deltas.NoResponse
	}
}

// scoreSlot pushes the slot's delta to the registry. Inactive oracles and
// registry errors are reported as diagnostics and never fail finalization.
func (d *Dispatcher) scoreSlot(ev *Evaluation, i int, delta Delta) {
	slot := &ev.Slots[i]
	slot.Scored = true

	if !d.registry.IsActive(slot.Oracle) {
		log.Printf("[dispatch] %s slot %d: oracle %s inactive, not scored", ev.ID, i, slot.Oracle)
		d.emit(events.Diagnostic, ev.ID, slot.Oracle, map[string]string{
			"stage":  "score",
			"slot":   strconv.Itoa(i),
			"reason": "inactive",
		})
		return
	}
	if err := d.registry.UpdateScores(d.self, slot.Oracle, delta.Quality, delta.Timeliness); err != nil {
		log.Printf("[dispatch] %s slot %d: update scores for %s: %v", ev.ID, i, slot.Oracle, err)
		d.emit(events.Diagnostic, ev.ID, slot.Oracle, map[string]string{
			"stage": "score",
			"slot":  strconv.Itoa(i),
			"error": err.Error(),
		})
	}
}

// payBonus moves fee × multiplier to the slot's worker, first pulling it
// from the requester when the evaluation is requester funded.
func (d *Dispatcher) payBonus(ctx context.Context, ev *Evaluation, i int) error {
	slot := &ev.Slots[i]
	bonus := slot.Fee.MulRaw(ev.BonusMultiplier)
	if bonus.IsZero() {
		slot.BonusPaid = true
		return nil
	}

	if ev.RequesterFunded && !slot.BonusEscrowed {
		if err := d.ledger.TransferFrom(ctx, d.self, ev.Requester, d.self, bonus); err != nil {
			return fmt.Errorf("collect bonus from %s: %w", ev.Requester.Hex(), err)
		}
		slot.BonusEscrowed = true
	}
	if err := d.ledger.Transfer(ctx, d.self, slot.Oracle.Worker, bonus); err != nil {
		return fmt.Errorf("pay bonus to %s: %w", slot.Oracle.Worker.Hex(), err)
	}
	slot.BonusPaid = true

	d.emit(events.BonusPaid, ev.ID, slot.Oracle, map[string]string{
		"slot":   strconv.Itoa(i),
		"amount": bonus.String(),
	})
	return nil
}

func formatVector(v []int64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatInt(x, 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
