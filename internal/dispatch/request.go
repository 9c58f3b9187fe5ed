package dispatch

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/sha3"

	"github.com/ssd-technologies/quorum/internal/events"
	"github.com/ssd-technologies/quorum/internal/identity"
	"github.com/ssd-technologies/quorum/internal/ledger"
)

// RequestEvaluation selects oracles, collects their fees from requester and
// fans the request out. The requester must have approved the dispatcher
// address for at least the sum of the selected fees. Nothing is dispatched
// unless selection and funding both succeed. Only the owner or an approved
// consumer may ask the dispatcher to fund bonuses from its own balance.
func (d *Dispatcher) RequestEvaluation(ctx context.Context, requester common.Address, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.DispatcherFunded && requester != d.Owner() && !d.registry.IsApproved(requester) {
		return "", fmt.Errorf("%w: dispatcher funding requires the owner or an approved consumer", ErrUnauthorized)
	}
	cfg := d.Config()

	oracles, err := d.registry.SelectOracles(d.self, req.selection(cfg.OraclesToPoll))
	if err != nil {
		return "", fmt.Errorf("select oracles: %w", err)
	}
	fees := make([]math.Int, len(oracles))
	for i, id := range oracles {
		if fees[i], err = d.registry.FeeOf(id); err != nil {
			return "", fmt.Errorf("fee of %s: %w", id, err)
		}
	}

	now := d.now()
	d.mu.Lock()
	d.nonce++
	nonce := d.nonce
	d.mu.Unlock()
	requestID, err := deriveRequestID(now.UnixNano(), requester, nonce, req)
	if err != nil {
		return "", err
	}

	ev := &Evaluation{
		ID:                requestID,
		Requester:         requester,
		RequesterFunded:   !req.DispatcherFunded,
		ExpectedResponses: cfg.OraclesToPoll,
		RequiredResponses: cfg.RequiredResponses,
		ClusterSize:       cfg.ClusterSize,
		ResponseTimeout:   cfg.ResponseTimeout,
		BonusMultiplier:   cfg.BonusMultiplier,
		Deltas:            cfg.Deltas,
		Class:             req.Class,
		PayloadRefs:       append([]string(nil), req.PayloadRefs...),
		Addendum:          req.Addendum,
		StartTimestamp:    now.Unix(),
		Slots:             make([]Slot, len(oracles)),
	}
	for i, id := range oracles {
		ev.Slots[i] = Slot{
			Oracle:     id,
			OutboundID: outboundID(requestID, i),
			Fee:        fees[i],
		}
	}

	if err := d.fund(ctx, requester, ev); err != nil {
		return "", err
	}

	e := &entry{ev: ev}
	e.mu.Lock()
	d.mu.Lock()
	d.evals[requestID] = e
	for i, s := range ev.Slots {
		d.outbound[s.OutboundID] = outboundRef{requestID: requestID, slot: i}
	}
	d.mu.Unlock()
	d.persistLocked(ev)
	outbound := make([]OutboundRequest, len(ev.Slots))
	for i, s := range ev.Slots {
		outbound[i] = OutboundRequest{
			OutboundID:  s.OutboundID,
			RequestID:   requestID,
			Oracle:      s.Oracle,
			Slot:        i,
			PayloadRefs: ev.PayloadRefs,
			Addendum:    ev.Addendum,
			Class:       ev.Class,
		}
	}
	e.mu.Unlock()

	d.submitted.Inc()
	d.emit(events.RequestSubmitted, requestID, identity.OracleIdentity{}, map[string]string{
		"requester": requester.Hex(),
		"oracles":   strconv.Itoa(len(oracles)),
		"fees":      ledger.Sum(fees...).String(),
	})

	for _, out := range outbound {
		if err := d.transport.Dispatch(ctx, out); err != nil {
			log.Printf("[dispatch] deliver %s slot %d to %s: %v", requestID, out.Slot, out.Oracle, err)
			d.emit(events.Diagnostic, requestID, out.Oracle, map[string]string{
				"stage": "dispatch",
				"slot":  strconv.Itoa(out.Slot),
				"error": err.Error(),
			})
			continue
		}
		d.dispatched.Inc()
	}
	return requestID, nil
}

// fund pulls the total fee into the dispatcher account, records the
// selected oracles as used, then pays each oracle its fee. A failure before
// any oracle is paid hands the full amount back to the requester.
func (d *Dispatcher) fund(ctx context.Context, requester common.Address, ev *Evaluation) error {
	d.settleMu.Lock()
	defer d.settleMu.Unlock()

	fees := make([]math.Int, len(ev.Slots))
	used := make([]identity.OracleIdentity, len(ev.Slots))
	for i, s := range ev.Slots {
		fees[i] = s.Fee
		used[i] = s.Oracle
	}
	total := ledger.Sum(fees...)

	if err := d.ledger.TransferFrom(ctx, d.self, requester, d.self, total); err != nil {
		return fmt.Errorf("%w: collect %s from %s: %w", ErrFunding, total, requester.Hex(), err)
	}
	if err := d.registry.RecordUsedOracles(d.self, used); err != nil {
		d.refund(ctx, requester, total, ev.ID)
		return fmt.Errorf("record used oracles: %w", err)
	}
	for i, s := range ev.Slots {
		if err := d.ledger.Transfer(ctx, d.self, s.Oracle.Worker, s.Fee); err != nil {
			d.refund(ctx, requester, ledger.Sum(fees[i:]...), ev.ID)
			return fmt.Errorf("%w: pay slot %d fee: %w", ErrFunding, i, err)
		}
	}
	return nil
}

func (d *Dispatcher) refund(ctx context.Context, requester common.Address, amount math.Int, requestID string) {
	if err := d.ledger.Transfer(ctx, d.self, requester, amount); err != nil {
		log.Printf("[dispatch] refund %s to %s for %s: %v", amount, requester.Hex(), requestID, err)
	}
}

// deriveRequestID hashes the submission time, requester, a per-process
// nonce and the canonical JSON form of the request.
func deriveRequestID(nanos int64, requester common.Address, nonce uint64, req Request) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize request: %w", err)
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(nanos))
	binary.BigEndian.PutUint64(buf[8:], nonce)

	h := sha3.NewLegacyKeccak256()
	h.Write(buf[:8])
	h.Write(requester.Bytes())
	h.Write(buf[8:])
	h.Write(canonical)
	return common.BytesToHash(h.Sum(nil)).Hex(), nil
}

func outboundID(requestID string, slot int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(requestID+"/"+strconv.Itoa(slot))).String()
}
