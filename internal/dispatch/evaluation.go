package dispatch

import (
	"fmt"
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ssd-technologies/quorum/internal/identity"
	"github.com/ssd-technologies/quorum/internal/registry"
)

// Request is an evaluation submission.
type Request struct {
	PayloadRefs []string `json:"payload_refs"`
	Addendum    string   `json:"addendum,omitempty"`
	Alpha       uint64   `json:"alpha"`
	MaxFee      math.Int `json:"max_fee"`
	BaseCost    math.Int `json:"base_cost"`
	ScalingCap  uint64   `json:"scaling_cap"`
	Class       uint64   `json:"class"`
	// DispatcherFunded pays bonuses from the dispatcher's own balance
	// instead of pulling them from the requester.
	DispatcherFunded bool `json:"dispatcher_funded,omitempty"`
}

// Validate checks submission limits and selection parameters.
func (r Request) Validate() error {
	if len(r.PayloadRefs) == 0 || len(r.PayloadRefs) > MaxPayloadRefs {
		return fmt.Errorf("%w: need 1 to %d payload refs, got %d", ErrInvalidRequest, MaxPayloadRefs, len(r.PayloadRefs))
	}
	for i, ref := range r.PayloadRefs {
		if len(ref) > MaxPayloadRefLen {
			return fmt.Errorf("%w: payload ref %d exceeds %d chars", ErrInvalidRequest, i, MaxPayloadRefLen)
		}
	}
	if len(r.Addendum) > MaxAddendumLen {
		return fmt.Errorf("%w: addendum exceeds %d chars", ErrInvalidRequest, MaxAddendumLen)
	}
	if r.Alpha > registry.AlphaScale {
		return fmt.Errorf("%w: alpha %d above %d", ErrInvalidRequest, r.Alpha, registry.AlphaScale)
	}
	if r.ScalingCap < 1 {
		return fmt.Errorf("%w: scaling cap must be at least 1", ErrInvalidRequest)
	}
	if r.MaxFee.IsNil() || r.MaxFee.IsNegative() {
		return fmt.Errorf("%w: max fee must be set", ErrInvalidRequest)
	}
	if !r.BaseCost.IsNil() && r.BaseCost.IsNegative() {
		return fmt.Errorf("%w: negative base cost", ErrInvalidRequest)
	}
	return nil
}

func (r Request) selection(count int) registry.SelectionParams {
	base := r.BaseCost
	if base.IsNil() {
		base = math.ZeroInt()
	}
	return registry.SelectionParams{
		Count:      count,
		Alpha:      r.Alpha,
		MaxFee:     r.MaxFee,
		BaseCost:   base,
		ScalingCap: r.ScalingCap,
		Class:      r.Class,
	}
}

// Slot is one polled oracle of an evaluation.
type Slot struct {
	Oracle     identity.OracleIdentity `json:"oracle"`
	OutboundID string                  `json:"outbound_id"`
	Fee        math.Int                `json:"fee"`
	Responded  bool                    `json:"responded"`
	// Settlement progress, so an interrupted finalization resumes where it
	// stopped.
	Scored        bool `json:"scored"`
	BonusEscrowed bool `json:"bonus_escrowed"`
	BonusPaid     bool `json:"bonus_paid"`
}

// Response is one oracle answer. Selected is fixed when the response is
// recorded: true iff it arrived while the quorum was still open.
type Response struct {
	Likelihoods      []int64                 `json:"likelihoods"`
	JustificationRef string                  `json:"justification_ref"`
	Timestamp        int64                   `json:"timestamp"`
	Responder        identity.OracleIdentity `json:"responder"`
	Slot             int                     `json:"slot"`
	Selected         bool                    `json:"selected"`
}

// Evaluation is the aggregation state of one request. Once Complete it is
// never mutated again.
type Evaluation struct {
	ID                string         `json:"id"`
	Requester         common.Address `json:"requester"`
	RequesterFunded   bool           `json:"requester_funded"`
	ExpectedResponses int            `json:"expected_responses"`
	RequiredResponses int            `json:"required_responses"`
	ClusterSize       int            `json:"cluster_size"`
	ResponseTimeout   time.Duration  `json:"response_timeout"`
	BonusMultiplier   int64          `json:"bonus_multiplier"`
	Deltas            ScoreDeltas    `json:"deltas"`

	Class       uint64   `json:"class"`
	PayloadRefs []string `json:"payload_refs"`
	Addendum    string   `json:"addendum,omitempty"`

	Slots          []Slot     `json:"slots"`
	Responses      []Response `json:"responses"`
	ResponseCount  int        `json:"response_count"`
	Complete       bool       `json:"complete"`
	StartTimestamp int64      `json:"start_timestamp"`
	FinalizedAt    int64      `json:"finalized_at,omitempty"`

	// Clustered holds indexes into Responses.
	Clustered             []int   `json:"clustered,omitempty"`
	AggregatedLikelihoods []int64 `json:"aggregated_likelihoods,omitempty"`
	Justification         string  `json:"justification,omitempty"`
}

// Deadline is the unix time from which the timeout path may finalize.
func (e *Evaluation) Deadline() int64 {
	return e.StartTimestamp + int64(e.ResponseTimeout/time.Second)
}

// Status is a coarse lifecycle label.
func (e *Evaluation) Status() string {
	switch {
	case e.Complete:
		return "complete"
	case e.ResponseCount >= e.RequiredResponses:
		return "finalizing"
	default:
		return "collecting"
	}
}

func (e *Evaluation) clone() Evaluation {
	c := *e
	c.PayloadRefs = append([]string(nil), e.PayloadRefs...)
	c.Slots = append([]Slot(nil), e.Slots...)
	c.Clustered = append([]int(nil), e.Clustered...)
	c.AggregatedLikelihoods = append([]int64(nil), e.AggregatedLikelihoods...)
	c.Responses = make([]Response, len(e.Responses))
	for i, r := range e.Responses {
		r.Likelihoods = append([]int64(nil), r.Likelihoods...)
		c.Responses[i] = r
	}
	return c
}
