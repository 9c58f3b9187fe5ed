package registry

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"math/rand/v2"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ssd-technologies/quorum/internal/identity"
)

// AlphaScale is the denominator of the quality/timeliness trade-off knob.
// Alpha 0 weighs quality only, AlphaScale weighs timeliness only.
const AlphaScale = 1000

// SelectionParams filters and weights a selection round.
type SelectionParams struct {
	Count      int      `json:"count"`
	Alpha      uint64   `json:"alpha"`
	MaxFee     math.Int `json:"max_fee"`
	BaseCost   math.Int `json:"base_cost"`
	ScalingCap uint64   `json:"scaling_cap"`
	Class      uint64   `json:"class"`
}

// Validate checks the numeric ranges of p.
func (p SelectionParams) Validate() error {
	if p.Count < 1 {
		return fmt.Errorf("%w: count must be at least 1", ErrInvalidParams)
	}
	if p.Alpha > AlphaScale {
		return fmt.Errorf("%w: alpha %d exceeds %d", ErrInvalidParams, p.Alpha, AlphaScale)
	}
	if p.ScalingCap < 1 {
		return fmt.Errorf("%w: scaling cap must be at least 1", ErrInvalidParams)
	}
	if p.MaxFee.IsNil() || p.MaxFee.IsNegative() {
		return fmt.Errorf("%w: max fee must not be negative", ErrInvalidParams)
	}
	if p.BaseCost.IsNil() || p.BaseCost.IsNegative() {
		return fmt.Errorf("%w: base cost must not be negative", ErrInvalidParams)
	}
	return nil
}

// GetSelectionScore returns the selection weight of id as an 18-decimal
// fixed-point integer: the alpha-blended score clamped to the configured
// bounds, multiplied by the fee scaling factor. It is zero while the oracle
// is active, blocked and locked.
func (r *Registry) GetSelectionScore(id identity.OracleIdentity, alpha uint64, maxFee, baseCost math.Int, scalingCap uint64) (math.Int, error) {
	if alpha > AlphaScale {
		return math.Int{}, fmt.Errorf("%w: alpha %d exceeds %d", ErrInvalidParams, alpha, AlphaScale)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.oracles[id]
	if !ok {
		return math.Int{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return r.selectionScoreLocked(rec, alpha, maxFee, baseCost, scalingCap), nil
}

func (r *Registry) selectionScoreLocked(rec *OracleRecord, alpha uint64, maxFee, baseCost math.Int, scalingCap uint64) math.Int {
	if rec.Active && rec.Blocked && r.now().Unix() < rec.LockedUntil {
		return math.ZeroInt()
	}
	a := int64(alpha)
	weighted := ((AlphaScale-a)*rec.Quality + a*rec.Timeliness) / AlphaScale
	weighted = max(r.cfg.MinSelectionScore, min(weighted, r.cfg.MaxSelectionScore))

	factor := feeScalingFactor(rec.Fee, maxFee, baseCost, scalingCap)
	return math.NewIntFromBigInt(factor.MulInt64(weighted).BigInt())
}

// feeScalingFactor rewards fees well below the requester's budget:
// (maxFee-baseCost)/(fee-baseCost) clamped to [1, scalingCap]. It is 1
// whenever either difference is not positive.
func feeScalingFactor(fee, maxFee, baseCost math.Int, scalingCap uint64) math.LegacyDec {
	one := math.LegacyOneDec()
	if fee.IsNil() || maxFee.IsNil() || baseCost.IsNil() {
		return one
	}
	if !fee.GT(baseCost) || !maxFee.GT(baseCost) {
		return one
	}
	factor := math.LegacyNewDecFromInt(maxFee.Sub(baseCost)).Quo(math.LegacyNewDecFromInt(fee.Sub(baseCost)))
	ceiling := math.LegacyNewDecFromInt(math.NewIntFromUint64(max(scalingCap, 1)))
	if factor.LT(one) {
		return one
	}
	if factor.GT(ceiling) {
		return ceiling
	}
	return factor
}

// SelectOracles draws p.Count identities with replacement, weighted by
// GetSelectionScore, from the active oracles that declare p.Class, charge at
// most p.MaxFee and are not blocked inside a lock window. Registries larger
// than the shortlist size are first subsampled uniformly. Only approved
// consumers may select.
func (r *Registry) SelectOracles(caller common.Address, p SelectionParams) ([]identity.OracleIdentity, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.consumers[caller]; !ok {
		return nil, ErrUnauthorized
	}

	now := r.now().Unix()
	var eligible []*OracleRecord
	for _, id := range r.order {
		rec := r.oracles[id]
		if !rec.Active || rec.Fee.GT(p.MaxFee) {
			continue
		}
		if rec.Blocked && now < rec.LockedUntil {
			continue
		}
		if !identity.HasClass(rec.Classes, p.Class) {
			continue
		}
		eligible = append(eligible, rec)
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("class %d, max fee %s: %w", p.Class, p.MaxFee, ErrNoEligibleOracles)
	}

	shortlist := eligible
	if len(eligible) > r.cfg.ShortlistSize {
		for i := 0; i < r.cfg.ShortlistSize; i++ {
			j := i + r.rng.IntN(len(eligible)-i)
			eligible[i], eligible[j] = eligible[j], eligible[i]
		}
		shortlist = eligible[:r.cfg.ShortlistSize]
	}

	weights := make([]*big.Int, len(shortlist))
	total := new(big.Int)
	for i, rec := range shortlist {
		weights[i] = r.selectionScoreLocked(rec, p.Alpha, p.MaxFee, p.BaseCost, p.ScalingCap).BigInt()
		total.Add(total, weights[i])
	}

	selected := make([]identity.OracleIdentity, 0, p.Count)
	for n := 0; n < p.Count; n++ {
		selected = append(selected, shortlist[r.drawLocked(weights, total)].Identity)
	}
	return selected, nil
}

// drawLocked picks an index with probability proportional to its weight,
// falling back to index 0 when no weight covers the drawn point.
func (r *Registry) drawLocked(weights []*big.Int, total *big.Int) int {
	if total.Sign() <= 0 {
		return 0
	}
	var buf [32]byte
	for i := 0; i < 4; i++ {
		binary.BigEndian.PutUint64(buf[i*8:], r.rng.Uint64())
	}
	point := new(big.Int).SetBytes(buf[:])
	point.Mod(point, total)

	cumulative := new(big.Int)
	for i, w := range weights {
		cumulative.Add(cumulative, w)
		if point.Cmp(cumulative) < 0 {
			return i
		}
	}
	return 0
}

// newSecureRand seeds a ChaCha8 generator from the OS entropy pool, so
// selections cannot be predicted by the workers being selected.
func newSecureRand() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic(fmt.Sprintf("registry: seed selection rng: %v", err))
	}
	return rand.New(rand.NewChaCha8(seed))
}
