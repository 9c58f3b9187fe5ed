package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ssd-technologies/quorum/internal/events"
)

// Fulfill records the answer to one outbound request. The first
// RequiredResponses answers form the quorum; reaching it finalizes the
// evaluation. Unknown, duplicate and late answers are rejected without
// changing any state.
func (d *Dispatcher) Fulfill(ctx context.Context, outboundID string, likelihoods []int64, justificationRef string) error {
	if len(likelihoods) == 0 {
		return fmt.Errorf("%w: empty likelihoods", ErrInvalidResponse)
	}

	d.mu.RLock()
	ref, ok := d.outbound[outboundID]
	e := d.evals[ref.requestID]
	d.mu.RUnlock()
	if !ok || e == nil {
		return fmt.Errorf("%s: %w", outboundID, ErrUnknownRequest)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ev := e.ev

	if ev.Complete {
		return fmt.Errorf("%s: %w", ev.ID, ErrEvaluationComplete)
	}
	slot := &ev.Slots[ref.slot]
	if slot.Responded {
		return fmt.Errorf("%s: %w", outboundID, ErrAlreadyFulfilled)
	}
	if len(ev.Responses) > 0 && len(ev.Responses[0].Likelihoods) != len(likelihoods) {
		return fmt.Errorf("%w: expected %d likelihoods, got %d",
			ErrInvalidResponse, len(ev.Responses[0].Likelihoods), len(likelihoods))
	}

	selected := ev.ResponseCount < ev.RequiredResponses
	ev.Responses = append(ev.Responses, Response{
		Likelihoods:      append([]int64(nil), likelihoods...),
		JustificationRef: justificationRef,
		Timestamp:        d.now().Unix(),
		Responder:        slot.Oracle,
		Slot:             ref.slot,
		Selected:         selected,
	})
	slot.Responded = true
	ev.ResponseCount++
	d.responses.Inc()
	d.persistLocked(ev)

	d.emit(events.ResponseRecorded, ev.ID, slot.Oracle, map[string]string{
		"slot":     strconv.Itoa(ref.slot),
		"selected": strconv.FormatBool(selected),
		"count":    strconv.Itoa(ev.ResponseCount),
	})

	if ev.ResponseCount < ev.RequiredResponses {
		return nil
	}
	return d.finalizeLocked(ctx, ev)
}

// FinalizeEvaluationTimeout forces finalization of an evaluation whose
// response window has passed. It only succeeds when the quorum was already
// reached; otherwise the evaluation stays open and ErrInsufficientResponses
// is returned. Anyone may call it.
func (d *Dispatcher) FinalizeEvaluationTimeout(ctx context.Context, requestID string) error {
	e := d.lookup(requestID)
	if e == nil {
		return fmt.Errorf("%s: %w", requestID, ErrUnknownRequest)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ev := e.ev

	if ev.Complete {
		return fmt.Errorf("%s: %w", requestID, ErrEvaluationComplete)
	}
	now := d.now().Unix()
	if now < ev.Deadline() {
		return fmt.Errorf("%s: %w (deadline %s)", requestID, ErrTimeoutNotReached,
			time.Unix(ev.Deadline(), 0).UTC().Format(time.RFC3339))
	}
	if ev.ResponseCount < ev.RequiredResponses {
		return fmt.Errorf("%s: %w: %d of %d", requestID, ErrInsufficientResponses,
			ev.ResponseCount, ev.RequiredResponses)
	}

	if err := d.finalizeLocked(ctx, ev); err != nil {
		return err
	}
	d.emit(events.EvaluationTimedOut, ev.ID, zeroOracle, map[string]string{
		"responses": strconv.Itoa(ev.ResponseCount),
	})
	return nil
}
