// Package registry implements the stake and reputation registry: oracle
// admission against staked collateral, score bookkeeping with a bounded
// history, slashing and lock windows, consumer allow-listing, and weighted
// random selection.
//
// All mutations go through a single mutex, so every operation is one atomic
// step with respect to every other.
package registry

import (
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ssd-technologies/quorum/internal/events"
	"github.com/ssd-technologies/quorum/internal/identity"
	"github.com/ssd-technologies/quorum/internal/ledger"
)

// Config holds the owner-tunable parameters of the registry.
type Config struct {
	StakeRequirement  math.Int      `json:"stake_requirement"`
	MaxScoreHistory   int           `json:"max_score_history"`
	SlashAmount       math.Int      `json:"slash_amount"`
	LockDuration      time.Duration `json:"lock_duration"`
	SevereThreshold   int64         `json:"severe_threshold"`
	MildThreshold     int64         `json:"mild_threshold"`
	ShortlistSize     int           `json:"shortlist_size"`
	MinSelectionScore int64         `json:"min_selection_score"`
	MaxSelectionScore int64         `json:"max_selection_score"`
}

// Ether-style 18-decimal base unit.
var oneToken = math.NewIntWithDecimal(1, 18)

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StakeRequirement:  oneToken.MulRaw(100),
		MaxScoreHistory:   25,
		SlashAmount:       oneToken.MulRaw(10),
		LockDuration:      2 * time.Hour,
		SevereThreshold:   -60,
		MildThreshold:     -30,
		ShortlistSize:     25,
		MinSelectionScore: 1,
		MaxSelectionScore: 400,
	}
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.StakeRequirement.IsNil() || !c.StakeRequirement.IsPositive() {
		return fmt.Errorf("stake requirement must be positive")
	}
	if c.SlashAmount.IsNil() || c.SlashAmount.IsNegative() {
		return fmt.Errorf("slash amount must not be negative")
	}
	if c.MaxScoreHistory < 2 {
		return fmt.Errorf("max score history must be at least 2, got %d", c.MaxScoreHistory)
	}
	if c.LockDuration < 0 {
		return fmt.Errorf("lock duration must not be negative")
	}
	if c.SevereThreshold > c.MildThreshold {
		return fmt.Errorf("severe threshold %d is above mild threshold %d", c.SevereThreshold, c.MildThreshold)
	}
	if c.ShortlistSize < 1 {
		return fmt.Errorf("shortlist size must be at least 1")
	}
	if c.MinSelectionScore < 0 || c.MinSelectionScore > c.MaxSelectionScore {
		return fmt.Errorf("selection score bounds [%d, %d] are invalid", c.MinSelectionScore, c.MaxSelectionScore)
	}
	return nil
}

// ScoreSnapshot is one entry of an oracle's score history.
type ScoreSnapshot struct {
	Quality    int64 `json:"quality"`
	Timeliness int64 `json:"timeliness"`
}

// OracleRecord is the registry's state for one identity.
type OracleRecord struct {
	Identity    identity.OracleIdentity `json:"identity"`
	Classes     []uint64                `json:"classes"`
	Quality     int64                   `json:"quality"`
	Timeliness  int64                   `json:"timeliness"`
	Stake       math.Int                `json:"stake"`
	Active      bool                    `json:"active"`
	Fee         math.Int                `json:"fee"`
	CallCount   uint64                  `json:"call_count"`
	History     []ScoreSnapshot         `json:"history"`
	LockedUntil int64                   `json:"locked_until"` // unix seconds
	Blocked     bool                    `json:"blocked"`
}

func (r *OracleRecord) clone() OracleRecord {
	c := *r
	c.Classes = append([]uint64(nil), r.Classes...)
	c.History = append([]ScoreSnapshot(nil), r.History...)
	return c
}

// OracleInfo is the read view returned by GetOracleInfo.
type OracleInfo struct {
	Active      bool     `json:"active"`
	Quality     int64    `json:"quality"`
	Timeliness  int64    `json:"timeliness"`
	CallCount   uint64   `json:"call_count"`
	Fee         math.Int `json:"fee"`
	Stake       math.Int `json:"stake"`
	LockedUntil int64    `json:"locked_until"`
	Blocked     bool     `json:"blocked"`
}

// ConsumerState is the persisted form of an approved consumer.
type ConsumerState struct {
	Address common.Address            `json:"address"`
	Used    []identity.OracleIdentity `json:"used"`
}

// Store persists registry state. Registry calls it while holding its lock.
type Store interface {
	SaveOracle(rec OracleRecord) error
	SaveConsumer(c ConsumerState) error
	DeleteConsumer(addr common.Address) error
	SaveOwner(owner common.Address) error
}

type consumer struct {
	used map[identity.OracleIdentity]struct{}
}

// Registry is the stake and reputation registry.
type Registry struct {
	mu sync.Mutex

	cfg     Config
	owner   common.Address
	custody common.Address // account that holds staked collateral
	ledger  ledger.Ledger
	store   Store
	emitter events.Emitter
	now     func() time.Time
	rng     *rand.Rand

	oracles   map[identity.OracleIdentity]*OracleRecord
	order     []identity.OracleIdentity
	consumers map[common.Address]*consumer
}

// Option customises a Registry.
type Option func(*Registry)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option { return func(r *Registry) { r.cfg = cfg } }

// WithStore persists every mutation through s.
func WithStore(s Store) Option { return func(r *Registry) { r.store = s } }

// WithEmitter sends events to e.
func WithEmitter(e events.Emitter) Option { return func(r *Registry) { r.emitter = e } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithRand sets the entropy source used by selection.
func WithRand(rng *rand.Rand) Option { return func(r *Registry) { r.rng = rng } }

// New creates a registry owned by owner whose stakes are held by custody on l.
func New(owner, custody common.Address, l ledger.Ledger, opts ...Option) (*Registry, error) {
	r := &Registry{
		cfg:       DefaultConfig(),
		owner:     owner,
		custody:   custody,
		ledger:    l,
		emitter:   events.Nop{},
		now:       time.Now,
		oracles:   make(map[identity.OracleIdentity]*OracleRecord),
		consumers: make(map[common.Address]*consumer),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rng == nil {
		r.rng = newSecureRand()
	}
	if err := r.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("registry config: %w", err)
	}
	return r, nil
}

// Restore loads persisted state. It must be called before the registry is used.
func (r *Registry) Restore(records []OracleRecord, consumers []ConsumerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range records {
		rec := records[i].clone()
		if _, ok := r.oracles[rec.Identity]; !ok {
			r.order = append(r.order, rec.Identity)
		}
		r.oracles[rec.Identity] = &rec
	}
	for _, c := range consumers {
		cs := &consumer{used: make(map[identity.OracleIdentity]struct{}, len(c.Used))}
		for _, id := range c.Used {
			cs.used[id] = struct{}{}
		}
		r.consumers[c.Address] = cs
	}
}

// Owner returns the registry owner.
func (r *Registry) Owner() common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

// Custody returns the account that holds staked collateral.
func (r *Registry) Custody() common.Address { return r.custody }

// Config returns the current configuration.
func (r *Registry) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// SetConfig replaces the configuration. Owner only.
func (r *Registry) SetConfig(caller common.Address, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.owner {
		return ErrUnauthorized
	}
	r.cfg = cfg
	for _, rec := range r.oracles {
		if over := len(rec.History) - cfg.MaxScoreHistory; over > 0 {
			rec.History = append([]ScoreSnapshot(nil), rec.History[over:]...)
			r.persistLocked(rec)
		}
	}
	return nil
}

// TransferOwnership hands the owner role to next. Owner only. With a store
// configured the transfer only takes effect once it is persisted.
func (r *Registry) TransferOwnership(caller, next common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.owner {
		return ErrUnauthorized
	}
	if next == (common.Address{}) {
		return fmt.Errorf("%w: owner must not be the zero address", ErrInvalidConfig)
	}
	if r.store != nil {
		if err := r.store.SaveOwner(next); err != nil {
			return fmt.Errorf("persist owner: %w", err)
		}
	}
	prev := r.owner
	r.owner = next
	r.emitter.Emit(events.Event{
		Type:  events.OwnerTransferred,
		Time:  r.now().Unix(),
		Attrs: map[string]string{"from": prev.Hex(), "to": next.Hex()},
	})
	return nil
}

// GetOracleInfo returns the read view of an identity.
func (r *Registry) GetOracleInfo(id identity.OracleIdentity) (OracleInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.oracles[id]
	if !ok {
		return OracleInfo{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return OracleInfo{
		Active:      rec.Active,
		Quality:     rec.Quality,
		Timeliness:  rec.Timeliness,
		CallCount:   rec.CallCount,
		Fee:         rec.Fee,
		Stake:       rec.Stake,
		LockedUntil: rec.LockedUntil,
		Blocked:     rec.Blocked,
	}, nil
}

// Record returns a copy of the full record for id.
func (r *Registry) Record(id identity.OracleIdentity) (OracleRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.oracles[id]
	if !ok {
		return OracleRecord{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return rec.clone(), nil
}

// IsActive reports whether id is registered and active.
func (r *Registry) IsActive(id identity.OracleIdentity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.oracles[id]
	return ok && rec.Active
}

// FeeOf returns the fee of an active identity.
func (r *Registry) FeeOf(id identity.OracleIdentity) (math.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.oracles[id]
	if !ok || !rec.Active {
		return math.Int{}, fmt.Errorf("%s: %w", id, ErrNotActive)
	}
	return rec.Fee, nil
}

// ListOracles returns copies of every record in registration order,
// including inactive ones.
func (r *Registry) ListOracles() []OracleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OracleRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.oracles[id].clone())
	}
	return out
}

// ScoreHistory returns the score snapshots of id, oldest first.
func (r *Registry) ScoreHistory(id identity.OracleIdentity) ([]ScoreSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.oracles[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return append([]ScoreSnapshot(nil), rec.History...), nil
}

func (r *Registry) persistLocked(rec *OracleRecord) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveOracle(rec.clone()); err != nil {
		log.Printf("[registry] persist %s: %v", rec.Identity, err)
	}
}

func (r *Registry) emit(t events.Type, id identity.OracleIdentity, attrs map[string]string) {
	r.emitter.Emit(events.Event{
		Type:   t,
		Time:   r.now().Unix(),
		Oracle: id.String(),
		Attrs:  attrs,
	})
}
