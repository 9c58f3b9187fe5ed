package registry

import (
	"context"
	"fmt"
	"log"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ssd-technologies/quorum/internal/events"
	"github.com/ssd-technologies/quorum/internal/identity"
)

// authorizedLocked reports whether caller may manage id: the owner or the
// worker address itself.
func (r *Registry) authorizedLocked(caller common.Address, id identity.OracleIdentity) bool {
	return caller == r.owner || caller == id.Worker
}

// RegisterOracle admits id with the given fee and capability classes,
// collecting the stake deposit from caller. Re-registering a deregistered
// identity overwrites its record; re-registering an active one fails.
// Nothing changes if any step fails.
func (r *Registry) RegisterOracle(ctx context.Context, caller common.Address, id identity.OracleIdentity, fee math.Int, classes []uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id.IsZero() {
		return fmt.Errorf("%w: zero worker address", ErrAdmission)
	}
	if !r.authorizedLocked(caller, id) {
		return fmt.Errorf("%w: %w", ErrAdmission, ErrUnauthorized)
	}
	if fee.IsNil() || !fee.IsPositive() {
		return fmt.Errorf("%w: fee must be positive", ErrAdmission)
	}
	if err := identity.ValidateClasses(classes); err != nil {
		return fmt.Errorf("%w: %v", ErrAdmission, err)
	}
	prev, exists := r.oracles[id]
	if exists && prev.Active {
		return fmt.Errorf("%w: %s already registered", ErrAdmission, id)
	}

	stake := r.cfg.StakeRequirement
	if err := r.ledger.TransferFrom(ctx, r.custody, caller, r.custody, stake); err != nil {
		return fmt.Errorf("%w: collect stake: %w", ErrAdmission, err)
	}

	rec := &OracleRecord{
		Identity: id,
		Classes:  append([]uint64(nil), classes...),
		Stake:    stake,
		Active:   true,
		Fee:      fee,
	}
	if r.store != nil {
		if err := r.store.SaveOracle(rec.clone()); err != nil {
			if rerr := r.ledger.Transfer(ctx, r.custody, caller, stake); rerr != nil {
				log.Printf("[registry] refund stake to %s after failed persist: %v", caller.Hex(), rerr)
			}
			return fmt.Errorf("%w: persist: %v", ErrAdmission, err)
		}
	}

	r.oracles[id] = rec
	if !exists {
		r.order = append(r.order, id)
	}

	r.emit(events.OracleRegistered, id, map[string]string{
		"fee":     fee.String(),
		"stake":   stake.String(),
		"classes": fmt.Sprint(classes),
	})
	return nil
}

// DeregisterOracle returns the remaining stake to caller and deactivates id.
// It fails with ErrLocked while a lock window is in force.
func (r *Registry) DeregisterOracle(ctx context.Context, caller common.Address, id identity.OracleIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.oracles[id]
	if !ok || !rec.Active {
		return fmt.Errorf("%s: %w", id, ErrNotActive)
	}
	if !r.authorizedLocked(caller, id) {
		return ErrUnauthorized
	}
	now := r.now().Unix()
	if now < rec.LockedUntil {
		return fmt.Errorf("%s locked for %ds: %w", id, rec.LockedUntil-now, ErrLocked)
	}

	refund := rec.Stake
	if refund.IsPositive() {
		if err := r.ledger.Transfer(ctx, r.custody, caller, refund); err != nil {
			return fmt.Errorf("return stake: %w", err)
		}
	}
	rec.Stake = math.ZeroInt()
	rec.Active = false
	r.persistLocked(rec)

	r.emit(events.OracleDeregistered, id, map[string]string{"refund": refund.String()})
	return nil
}
