// Package dispatch implements the request dispatcher and aggregator: it fans
// an evaluation out to a weighted sample of oracles, collects a quorum of
// likelihood vectors, clusters them, pays bonuses to the consensus pair and
// feeds score deltas back to the registry.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/atomic"

	"github.com/ssd-technologies/quorum/internal/events"
	"github.com/ssd-technologies/quorum/internal/identity"
	"github.com/ssd-technologies/quorum/internal/ledger"
	"github.com/ssd-technologies/quorum/internal/registry"
)

// Submission limits.
const (
	MaxPayloadRefs   = 10
	MaxPayloadRefLen = 100
	MaxAddendumLen   = 1000
)

// Registry is the part of the stake registry the dispatcher drives.
type Registry interface {
	SelectOracles(caller common.Address, p registry.SelectionParams) ([]identity.OracleIdentity, error)
	RecordUsedOracles(caller common.Address, ids []identity.OracleIdentity) error
	UpdateScores(caller common.Address, id identity.OracleIdentity, qualityDelta, timelinessDelta int64) error
	FeeOf(id identity.OracleIdentity) (math.Int, error)
	IsActive(id identity.OracleIdentity) bool
	IsApproved(addr common.Address) bool
	Owner() common.Address
}

// OutboundRequest is what one oracle receives for one poll slot.
type OutboundRequest struct {
	OutboundID  string                  `json:"outbound_id"`
	RequestID   string                  `json:"request_id"`
	Oracle      identity.OracleIdentity `json:"oracle"`
	Slot        int                     `json:"slot"`
	PayloadRefs []string                `json:"payload_refs"`
	Addendum    string                  `json:"addendum,omitempty"`
	Class       uint64                  `json:"class"`
}

// Transport delivers outbound requests. Dispatch must not block on the
// oracle's answer; answers come back through Dispatcher.Fulfill.
type Transport interface {
	Dispatch(ctx context.Context, req OutboundRequest) error
}

// Store persists evaluations. It is called with the evaluation's lock held.
type Store interface {
	SaveEvaluation(ev Evaluation) error
}

// Delta is a quality/timeliness score adjustment.
type Delta struct {
	Quality    int64 `json:"quality" yaml:"quality"`
	Timeliness int64 `json:"timeliness" yaml:"timeliness"`
}

// ScoreDeltas maps each poll-slot outcome to its score adjustment.
type ScoreDeltas struct {
	Clustered            Delta `json:"clustered" yaml:"clustered"`
	SelectedNotClustered Delta `json:"selected_not_clustered" yaml:"selected_not_clustered"`
	RespondedNotSelected Delta `json:"responded_not_selected" yaml:"responded_not_selected"`
	NoResponse           Delta `json:"no_response" yaml:"no_response"`
}

// Config holds the owner-tunable dispatcher parameters.
type Config struct {
	OraclesToPoll     int           `json:"oracles_to_poll" yaml:"oracles_to_poll"`
	RequiredResponses int           `json:"required_responses" yaml:"required_responses"`
	ClusterSize       int           `json:"cluster_size" yaml:"cluster_size"`
	ResponseTimeout   time.Duration `json:"response_timeout" yaml:"response_timeout"`
	BonusMultiplier   int64         `json:"bonus_multiplier" yaml:"bonus_multiplier"`
	Deltas            ScoreDeltas   `json:"deltas" yaml:"deltas"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		OraclesToPoll:     4,
		RequiredResponses: 3,
		ClusterSize:       2,
		ResponseTimeout:   5 * time.Minute,
		BonusMultiplier:   1,
		Deltas: ScoreDeltas{
			Clustered:            Delta{Quality: 60, Timeliness: 60},
			SelectedNotClustered: Delta{Quality: -60, Timeliness: 0},
			RespondedNotSelected: Delta{Quality: 0, Timeliness: -20},
			NoResponse:           Delta{Quality: 0, Timeliness: -60},
		},
	}
}

// Validate checks quorum and cluster bounds.
func (c Config) Validate() error {
	if c.OraclesToPoll < 1 {
		return fmt.Errorf("oracles to poll must be at least 1")
	}
	if c.RequiredResponses < 1 || c.RequiredResponses > c.OraclesToPoll {
		return fmt.Errorf("required responses %d must be within [1, %d]", c.RequiredResponses, c.OraclesToPoll)
	}
	if c.ClusterSize < 2 || c.ClusterSize > c.RequiredResponses {
		return fmt.Errorf("cluster size %d must be within [2, %d]", c.ClusterSize, c.RequiredResponses)
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("response timeout must be positive")
	}
	if c.BonusMultiplier < 0 {
		return fmt.Errorf("bonus multiplier must not be negative")
	}
	return nil
}

// Stats counts dispatcher activity since start.
type Stats struct {
	Submitted  uint64 `json:"submitted"`
	Dispatched uint64 `json:"dispatched"`
	Responses  uint64 `json:"responses"`
	Finalized  uint64 `json:"finalized"`
}

type entry struct {
	mu sync.Mutex
	ev *Evaluation
}

type outboundRef struct {
	requestID string
	slot      int
}

// Dispatcher owns the evaluation lifecycle. Its own address is both the
// registry consumer it acts as and the ledger account fees pass through.
type Dispatcher struct {
	self  common.Address
	owner common.Address

	registry  Registry
	ledger    ledger.Ledger
	transport Transport
	store     Store
	emitter   events.Emitter
	now       func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	// settleMu serialises flows that pull value into the dispatcher account
	// and pay it back out, so no flow observes another's balance mid-move.
	settleMu sync.Mutex

	mu       sync.RWMutex
	evals    map[string]*entry
	outbound map[string]outboundRef
	nonce    uint64

	submitted  atomic.Uint64
	dispatched atomic.Uint64
	responses  atomic.Uint64
	finalized  atomic.Uint64
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithConfig sets the initial configuration. Defaults to DefaultConfig.
func WithConfig(cfg Config) Option { return func(d *Dispatcher) { d.cfg = cfg } }

// WithStore persists every evaluation change to s.
func WithStore(s Store) Option { return func(d *Dispatcher) { d.store = s } }

// WithEmitter sets the event sink. Defaults to events.Nop.
func WithEmitter(e events.Emitter) Option { return func(d *Dispatcher) { d.emitter = e } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithTransport sets how outbound requests reach oracles. Required.
func WithTransport(t Transport) Option { return func(d *Dispatcher) { d.transport = t } }

// WithOwner pins the dispatcher owner. Without it the dispatcher follows the
// registry owner, including ownership transfers.
func WithOwner(owner common.Address) Option { return func(d *Dispatcher) { d.owner = owner } }

// New creates a dispatcher acting as self. The registry must have approved
// self as a consumer before requests are submitted.
func New(self common.Address, reg Registry, l ledger.Ledger, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		self:     self,
		registry: reg,
		ledger:   l,
		emitter:  events.Nop{},
		now:      time.Now,
		cfg:      DefaultConfig(),
		evals:    make(map[string]*entry),
		outbound: make(map[string]outboundRef),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.transport == nil {
		return nil, fmt.Errorf("dispatcher: transport is required")
	}
	if err := d.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return d, nil
}

// Address returns the dispatcher's consumer and ledger account.
func (d *Dispatcher) Address() common.Address { return d.self }

// Config returns the current configuration.
func (d *Dispatcher) Config() Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Owner returns the account allowed to reconfigure the dispatcher.
func (d *Dispatcher) Owner() common.Address {
	if d.owner != (common.Address{}) {
		return d.owner
	}
	return d.registry.Owner()
}

// SetConfig replaces the configuration for future requests. Owner only.
func (d *Dispatcher) SetConfig(caller common.Address, cfg Config) error {
	if caller != d.Owner() {
		return ErrUnauthorized
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
	return nil
}

// Restore loads persisted evaluations. Call before serving requests.
func (d *Dispatcher) Restore(evals []Evaluation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range evals {
		ev := evals[i].clone()
		d.evals[ev.ID] = &entry{ev: &ev}
		for slot, s := range ev.Slots {
			d.outbound[s.OutboundID] = outboundRef{requestID: ev.ID, slot: slot}
		}
	}
}

// GetEvaluation returns the aggregated likelihoods and combined
// justification of a request. exists is false for unknown ids; the result
// is empty until the evaluation completes.
func (d *Dispatcher) GetEvaluation(requestID string) (likelihoods []int64, justification string, exists bool) {
	e := d.lookup(requestID)
	if e == nil {
		return nil, "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.ev.AggregatedLikelihoods...), e.ev.Justification, true
}

// EvaluationStatus returns a copy of the full evaluation record, responses
// and settlement progress included.
func (d *Dispatcher) EvaluationStatus(requestID string) (Evaluation, error) {
	e := d.lookup(requestID)
	if e == nil {
		return Evaluation{}, fmt.Errorf("%s: %w", requestID, ErrUnknownRequest)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ev.clone(), nil
}

// ListEvaluations returns copies of all evaluations, newest first.
func (d *Dispatcher) ListEvaluations() []Evaluation {
	d.mu.RLock()
	entries := make([]*entry, 0, len(d.evals))
	for _, e := range d.evals {
		entries = append(entries, e)
	}
	d.mu.RUnlock()

	out := make([]Evaluation, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.ev.clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTimestamp != out[j].StartTimestamp {
			return out[i].StartTimestamp > out[j].StartTimestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DueForTimeout returns the ids of open evaluations whose response window
// has passed and that already hold a quorum.
func (d *Dispatcher) DueForTimeout() []string {
	now := d.now().Unix()
	var due []string
	for _, ev := range d.ListEvaluations() {
		if !ev.Complete && now >= ev.Deadline() && ev.ResponseCount >= ev.RequiredResponses {
			due = append(due, ev.ID)
		}
	}
	return due
}

// Stats returns activity counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted:  d.submitted.Load(),
		Dispatched: d.dispatched.Load(),
		Responses:  d.responses.Load(),
		Finalized:  d.finalized.Load(),
	}
}

// SlotOracle returns the oracle an outbound request was sent to.
func (d *Dispatcher) SlotOracle(outboundID string) (identity.OracleIdentity, bool) {
	d.mu.RLock()
	ref, ok := d.outbound[outboundID]
	e := d.evals[ref.requestID]
	d.mu.RUnlock()
	if !ok || e == nil {
		return identity.OracleIdentity{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ev.Slots[ref.slot].Oracle, true
}

func (d *Dispatcher) lookup(requestID string) *entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.evals[requestID]
}

func (d *Dispatcher) persistLocked(ev *Evaluation) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveEvaluation(ev.clone()); err != nil {
		log.Printf("[dispatch] persist %s: %v", ev.ID, err)
	}
}

func (d *Dispatcher) emit(t events.Type, requestID string, oracle identity.OracleIdentity, attrs map[string]string) {
	ev := events.Event{Type: t, Time: d.now().Unix(), Request: requestID, Attrs: attrs}
	if !oracle.IsZero() {
		ev.Oracle = oracle.String()
	}
	d.emitter.Emit(ev)
}
