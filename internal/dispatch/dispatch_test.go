package dispatch

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/quorum/internal/events"
	"github.com/ssd-technologies/quorum/internal/identity"
	"github.com/ssd-technologies/quorum/internal/ledger"
	"github.com/ssd-technologies/quorum/internal/registry"
)

var (
	owner     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	requester = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	custody   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	self      = common.HexToAddress("0x0000000000000000000000000000000000000d15")
	judge     = identity.CapabilityFromString("judge")
	oracleFee = math.NewIntWithDecimal(5, 16)
)

// pinned returns a fixed slot assignment once the real registry agrees at
// least one oracle is eligible, so tests know which oracle sits in which slot.
type pinned struct {
	*registry.Registry
	pick []identity.OracleIdentity
}

func (p *pinned) SelectOracles(caller common.Address, params registry.SelectionParams) ([]identity.OracleIdentity, error) {
	if _, err := p.Registry.SelectOracles(caller, params); err != nil {
		return nil, err
	}
	return p.pick[:params.Count], nil
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []OutboundRequest
	err  error
}

func (r *recordingTransport) Dispatch(_ context.Context, req OutboundRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, req)
	return nil
}

func (r *recordingTransport) requests() []OutboundRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OutboundRequest(nil), r.sent...)
}

type fixture struct {
	reg       *registry.Registry
	disp      *Dispatcher
	ledger    *ledger.Memory
	transport *recordingTransport
	events    *events.Recorder
	oracles   []identity.OracleIdentity
	now       time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.OraclesToPoll = 3
	cfg.RequiredResponses = 3
	cfg.ClusterSize = 2
	cfg.ResponseTimeout = time.Minute
	return cfg
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		ledger:    ledger.NewMemory(),
		transport: &recordingTransport{},
		events:    &events.Recorder{},
		now:       time.Unix(1_700_000_000, 0),
	}

	reg, err := registry.New(owner, custody, f.ledger,
		registry.WithClock(f.clock),
		registry.WithRand(rand.New(rand.NewPCG(7, 9))),
		registry.WithEmitter(f.events),
	)
	require.NoError(t, err)
	require.NoError(t, reg.ApproveContract(owner, self))
	f.reg = reg

	stake := reg.Config().StakeRequirement
	for n := 0; n < 4; n++ {
		worker := common.BigToAddress(math.NewInt(int64(0x1000 + n)).BigInt())
		f.ledger.Mint(worker, stake)
		require.NoError(t, f.ledger.Approve(ctx, worker, custody, stake))
		id := identity.New(worker, judge)
		require.NoError(t, reg.RegisterOracle(ctx, worker, id, oracleFee, []uint64{1}))
		f.oracles = append(f.oracles, id)
	}

	f.ledger.Mint(requester, math.NewIntWithDecimal(10, 18))
	require.NoError(t, f.ledger.Approve(ctx, requester, self, math.NewIntWithDecimal(10, 18)))

	base := []Option{
		WithConfig(cfg),
		WithTransport(f.transport),
		WithClock(f.clock),
		WithEmitter(f.events),
		WithOwner(owner),
	}
	d, err := New(self, &pinned{Registry: reg, pick: f.oracles}, f.ledger, append(base, opts...)...)
	require.NoError(t, err)
	f.disp = d
	return f
}

func testRequest() Request {
	return Request{
		PayloadRefs: []string{"ipfs://QmPayload"},
		Addendum:    "is the claim supported?",
		Alpha:       500,
		MaxFee:      math.NewIntWithDecimal(1, 17),
		BaseCost:    math.ZeroInt(),
		ScalingCap:  1,
		Class:       1,
	}
}

func (f *fixture) balance(t *testing.T, addr common.Address) math.Int {
	t.Helper()
	b, err := f.ledger.BalanceOf(context.Background(), addr)
	require.NoError(t, err)
	return b
}

func (f *fixture) info(t *testing.T, id identity.OracleIdentity) registry.OracleInfo {
	t.Helper()
	info, err := f.reg.GetOracleInfo(id)
	require.NoError(t, err)
	return info
}

func (f *fixture) submit(t *testing.T) string {
	t.Helper()
	id, err := f.disp.RequestEvaluation(context.Background(), requester, testRequest())
	require.NoError(t, err)
	return id
}

func TestEndToEnd_ConsensusPair(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	stakeLeft := f.balance(t, f.oracles[0].Worker)

	reqID := f.submit(t)
	sent := f.transport.requests()
	require.Len(t, sent, 3)
	for i, out := range sent {
		require.Equal(t, reqID, out.RequestID)
		require.Equal(t, i, out.Slot)
		require.Equal(t, f.oracles[i], out.Oracle)
	}

	require.NoError(t, f.disp.Fulfill(ctx, sent[0].OutboundID, []int64{100, 0}, "ipfs://a"))
	require.NoError(t, f.disp.Fulfill(ctx, sent[1].OutboundID, []int64{100, 0}, "ipfs://b"))
	_, _, exists := f.disp.GetEvaluation(reqID)
	require.True(t, exists)
	require.NoError(t, f.disp.Fulfill(ctx, sent[2].OutboundID, []int64{0, 100}, "ipfs://c"))

	got, justification, exists := f.disp.GetEvaluation(reqID)
	require.True(t, exists)
	require.Equal(t, []int64{100, 0}, got)
	require.Equal(t, "ipfs://a,ipfs://b", justification)

	ev, err := f.disp.EvaluationStatus(reqID)
	require.NoError(t, err)
	require.True(t, ev.Complete)
	require.Equal(t, []int{0, 1}, ev.Clustered)
	require.Equal(t, "complete", ev.Status())

	for _, i := range []int{0, 1} {
		info := f.info(t, f.oracles[i])
		require.Equal(t, int64(60), info.Quality)
		require.Equal(t, int64(60), info.Timeliness)
		require.Equal(t, uint64(1), info.CallCount)
		// fee plus an equal bonus
		require.True(t, f.balance(t, f.oracles[i].Worker).Equal(stakeLeft.Add(oracleFee.MulRaw(2))))
	}
	third := f.info(t, f.oracles[2])
	require.Equal(t, int64(-60), third.Quality)
	require.Equal(t, int64(0), third.Timeliness)
	require.True(t, f.balance(t, f.oracles[2].Worker).Equal(stakeLeft.Add(oracleFee)))

	spent := oracleFee.MulRaw(5)
	require.True(t, f.balance(t, requester).Equal(math.NewIntWithDecimal(10, 18).Sub(spent)))
	require.True(t, f.balance(t, self).IsZero())

	require.Len(t, f.events.OfType(events.RequestSubmitted), 1)
	require.Len(t, f.events.OfType(events.ResponseRecorded), 3)
	require.Len(t, f.events.OfType(events.BonusPaid), 2)
	require.Len(t, f.events.OfType(events.Finalized), 1)
	require.Equal(t, Stats{Submitted: 1, Dispatched: 3, Responses: 3, Finalized: 1}, f.disp.Stats())
}

func TestFinalizeTimeout_InsufficientResponsesStaysOpen(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	reqID := f.submit(t)
	sent := f.transport.requests()

	require.NoError(t, f.disp.Fulfill(ctx, sent[0].OutboundID, []int64{1, 2}, "a"))
	require.NoError(t, f.disp.Fulfill(ctx, sent[2].OutboundID, []int64{1, 2}, "c"))

	err := f.disp.FinalizeEvaluationTimeout(ctx, reqID)
	require.ErrorIs(t, err, ErrTimeoutNotReached)

	f.advance(time.Minute)
	err = f.disp.FinalizeEvaluationTimeout(ctx, reqID)
	require.ErrorIs(t, err, ErrInsufficientResponses)

	ev, err := f.disp.EvaluationStatus(reqID)
	require.NoError(t, err)
	require.False(t, ev.Complete)
	require.Equal(t, 2, ev.ResponseCount)
	require.Equal(t, "collecting", ev.Status())
	require.Empty(t, f.disp.DueForTimeout())

	likelihoods, _, exists := f.disp.GetEvaluation(reqID)
	require.True(t, exists)
	require.Empty(t, likelihoods)

	// the late third answer still completes it
	require.NoError(t, f.disp.Fulfill(ctx, sent[1].OutboundID, []int64{1, 2}, "b"))
	ev, _ = f.disp.EvaluationStatus(reqID)
	require.True(t, ev.Complete)
}

func TestFulfill_DuplicateRejected(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	reqID := f.submit(t)
	out := f.transport.requests()[0].OutboundID

	require.NoError(t, f.disp.Fulfill(ctx, out, []int64{5}, "first"))
	err := f.disp.Fulfill(ctx, out, []int64{5}, "again")
	require.ErrorIs(t, err, ErrAlreadyFulfilled)

	ev, err := f.disp.EvaluationStatus(reqID)
	require.NoError(t, err)
	require.Equal(t, 1, ev.ResponseCount)
	require.Len(t, ev.Responses, 1)
	require.Equal(t, "first", ev.Responses[0].JustificationRef)
}

func TestFulfill_RejectsInvalid(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.submit(t)
	sent := f.transport.requests()

	require.ErrorIs(t, f.disp.Fulfill(ctx, "nope", []int64{1}, ""), ErrUnknownRequest)
	require.ErrorIs(t, f.disp.Fulfill(ctx, sent[0].OutboundID, nil, ""), ErrInvalidResponse)

	require.NoError(t, f.disp.Fulfill(ctx, sent[0].OutboundID, []int64{1, 2, 3}, ""))
	require.ErrorIs(t, f.disp.Fulfill(ctx, sent[1].OutboundID, []int64{1, 2}, ""), ErrInvalidResponse)
}

func TestFulfill_AfterCompleteRejected(t *testing.T) {
	cfg := testConfig()
	cfg.RequiredResponses = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	reqID := f.submit(t)
	sent := f.transport.requests()

	require.NoError(t, f.disp.Fulfill(ctx, sent[0].OutboundID, []int64{10, 20}, "a"))
	require.NoError(t, f.disp.Fulfill(ctx, sent[1].OutboundID, []int64{30, 40}, "b"))
	require.ErrorIs(t, f.disp.Fulfill(ctx, sent[2].OutboundID, []int64{10, 20}, "c"), ErrEvaluationComplete)
	require.ErrorIs(t, f.disp.FinalizeEvaluationTimeout(ctx, reqID), ErrEvaluationComplete)

	got, _, _ := f.disp.GetEvaluation(reqID)
	require.Equal(t, []int64{20, 30}, got)

	// the silent slot is scored as never responded
	silent := f.info(t, f.oracles[2])
	require.Equal(t, int64(0), silent.Quality)
	require.Equal(t, int64(-60), silent.Timeliness)
	require.Equal(t, uint64(1), silent.CallCount)
}

func TestRequestEvaluation_InsufficientAllowanceAbortsCleanly(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	require.NoError(t, f.ledger.Approve(ctx, requester, self, oracleFee))

	_, err := f.disp.RequestEvaluation(ctx, requester, testRequest())
	require.ErrorIs(t, err, ErrFunding)
	require.ErrorIs(t, err, ledger.ErrInsufficientAllowance)

	require.Empty(t, f.transport.requests())
	require.Empty(t, f.disp.ListEvaluations())
	require.False(t, f.reg.UsedBy(self, f.oracles[0]))
	require.True(t, f.balance(t, requester).Equal(math.NewIntWithDecimal(10, 18)))
	require.True(t, f.balance(t, self).IsZero())
}

func TestRequestEvaluation_Validation(t *testing.T) {
	f := newFixture(t, testConfig())
	long := strings.Repeat("x", MaxPayloadRefLen+1)

	cases := map[string]func(*Request){
		"no refs":        func(r *Request) { r.PayloadRefs = nil },
		"too many refs":  func(r *Request) { r.PayloadRefs = make([]string, MaxPayloadRefs+1) },
		"long ref":       func(r *Request) { r.PayloadRefs = []string{long} },
		"long addendum":  func(r *Request) { r.Addendum = strings.Repeat("y", MaxAddendumLen+1) },
		"alpha":          func(r *Request) { r.Alpha = 1001 },
		"scaling cap":    func(r *Request) { r.ScalingCap = 0 },
		"missing budget": func(r *Request) { r.MaxFee = math.Int{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := testRequest()
			mutate(&req)
			_, err := f.disp.RequestEvaluation(context.Background(), requester, req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	require.Empty(t, f.transport.requests())
}

func TestRequestEvaluation_NoEligibleOracles(t *testing.T) {
	f := newFixture(t, testConfig())
	req := testRequest()
	req.Class = 4

	_, err := f.disp.RequestEvaluation(context.Background(), requester, req)
	require.ErrorIs(t, err, registry.ErrNoEligibleOracles)
	require.True(t, f.balance(t, requester).Equal(math.NewIntWithDecimal(10, 18)))
}

func TestRequestEvaluation_DistinctIDs(t *testing.T) {
	f := newFixture(t, testConfig())
	a := f.submit(t)
	b := f.submit(t)
	require.NotEqual(t, a, b)
	require.Len(t, f.disp.ListEvaluations(), 2)

	seen := map[string]bool{}
	for _, out := range f.transport.requests() {
		require.False(t, seen[out.OutboundID])
		seen[out.OutboundID] = true
	}
}

func TestRequestEvaluation_TransportFailureIsDiagnostic(t *testing.T) {
	f := newFixture(t, testConfig())
	f.transport.err = errors.New("oracle offline")

	reqID := f.submit(t)
	_, _, exists := f.disp.GetEvaluation(reqID)
	require.True(t, exists)
	require.Len(t, f.events.OfType(events.Diagnostic), 3)
	require.Zero(t, f.disp.Stats().Dispatched)
}

func TestSettlementFailure_ResumesWithoutDoubleScoring(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	// enough for the fees only, so the first bonus pull fails
	require.NoError(t, f.ledger.Approve(ctx, requester, self, oracleFee.MulRaw(3)))

	reqID := f.submit(t)
	sent := f.transport.requests()
	require.NoError(t, f.disp.Fulfill(ctx, sent[0].OutboundID, []int64{7}, "a"))
	require.NoError(t, f.disp.Fulfill(ctx, sent[1].OutboundID, []int64{7}, "b"))
	err := f.disp.Fulfill(ctx, sent[2].OutboundID, []int64{9}, "c")
	require.ErrorIs(t, err, ErrSettlement)

	ev, _ := f.disp.EvaluationStatus(reqID)
	require.False(t, ev.Complete)
	require.Equal(t, 3, ev.ResponseCount)
	require.True(t, ev.Slots[0].Scored)
	require.False(t, ev.Slots[0].BonusPaid)
	require.Equal(t, "finalizing", ev.Status())

	require.NoError(t, f.ledger.Approve(ctx, requester, self, oracleFee.MulRaw(2)))
	f.advance(time.Minute)
	require.Equal(t, []string{reqID}, f.disp.DueForTimeout())
	require.NoError(t, f.disp.FinalizeEvaluationTimeout(ctx, reqID))

	ev, _ = f.disp.EvaluationStatus(reqID)
	require.True(t, ev.Complete)
	for i := 0; i < 2; i++ {
		require.True(t, ev.Slots[i].BonusPaid)
		require.Equal(t, int64(60), f.info(t, f.oracles[i]).Quality)
		require.Equal(t, uint64(1), f.info(t, f.oracles[i]).CallCount)
	}
	require.Equal(t, int64(-60), f.info(t, f.oracles[2]).Quality)
	require.Len(t, f.events.OfType(events.EvaluationTimedOut), 1)
}

func TestDispatcherFunded_BonusFromOwnBalance(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	require.NoError(t, f.reg.ApproveContract(owner, requester))
	require.NoError(t, f.ledger.Approve(ctx, requester, self, oracleFee.MulRaw(3)))
	f.ledger.Mint(self, math.NewIntWithDecimal(1, 18))

	req := testRequest()
	req.DispatcherFunded = true
	reqID, err := f.disp.RequestEvaluation(ctx, requester, req)
	require.NoError(t, err)

	for _, out := range f.transport.requests() {
		require.NoError(t, f.disp.Fulfill(ctx, out.OutboundID, []int64{1, 1}, "r"))
	}
	ev, _ := f.disp.EvaluationStatus(reqID)
	require.True(t, ev.Complete)
	require.False(t, ev.RequesterFunded)

	require.True(t, f.balance(t, requester).Equal(math.NewIntWithDecimal(10, 18).Sub(oracleFee.MulRaw(3))))
	require.True(t, f.balance(t, self).Equal(math.NewIntWithDecimal(1, 18).Sub(oracleFee.MulRaw(2))))
}

func TestDispatcherFunded_RefusedForUnapprovedCaller(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.ledger.Mint(self, math.NewIntWithDecimal(1, 18))

	req := testRequest()
	req.DispatcherFunded = true
	_, err := f.disp.RequestEvaluation(ctx, requester, req)
	require.ErrorIs(t, err, ErrUnauthorized)

	require.Empty(t, f.transport.requests())
	require.True(t, f.balance(t, requester).Equal(math.NewIntWithDecimal(10, 18)))
	require.True(t, f.balance(t, self).Equal(math.NewIntWithDecimal(1, 18)))

	// The same caller may still pay for its own bonuses.
	req.DispatcherFunded = false
	_, err = f.disp.RequestEvaluation(ctx, requester, req)
	require.NoError(t, err)
}

func TestDispatcherOwner_FollowsRegistry(t *testing.T) {
	f := newFixture(t, testConfig())
	d, err := New(self, f.reg, f.ledger, WithTransport(f.transport))
	require.NoError(t, err)
	require.Equal(t, owner, d.Owner())

	next := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	require.NoError(t, f.reg.TransferOwnership(owner, next))
	require.Equal(t, next, d.Owner())
	require.ErrorIs(t, d.SetConfig(owner, testConfig()), ErrUnauthorized)
	require.NoError(t, d.SetConfig(next, testConfig()))
}

func TestFulfill_ConcurrentFinalizesOnce(t *testing.T) {
	cfg := testConfig()
	cfg.OraclesToPoll = 4
	f := newFixture(t, cfg)
	ctx := context.Background()
	reqID := f.submit(t)
	outs := f.transport.requests()
	require.Len(t, outs, 4)
	f.advance(2 * time.Minute)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		unexpects []error
	)
	for round := 0; round < 3; round++ {
		for _, out := range outs {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				err := f.disp.Fulfill(ctx, id, []int64{30, 70}, "ipfs://"+id)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					accepted++
				case errors.Is(err, ErrAlreadyFulfilled), errors.Is(err, ErrEvaluationComplete):
				default:
					unexpects = append(unexpects, err)
				}
			}(out.OutboundID)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.disp.FinalizeEvaluationTimeout(ctx, reqID)
			if err == nil || errors.Is(err, ErrInsufficientResponses) || errors.Is(err, ErrEvaluationComplete) {
				return
			}
			mu.Lock()
			unexpects = append(unexpects, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Empty(t, unexpects)
	require.Len(t, f.events.OfType(events.Finalized), 1)
	require.Equal(t, uint64(1), f.disp.Stats().Finalized)

	ev, err := f.disp.EvaluationStatus(reqID)
	require.NoError(t, err)
	require.True(t, ev.Complete)
	require.Equal(t, accepted, ev.ResponseCount)
	require.GreaterOrEqual(t, ev.ResponseCount, cfg.RequiredResponses)
	require.LessOrEqual(t, ev.ResponseCount, cfg.OraclesToPoll)
	require.Len(t, ev.AggregatedLikelihoods, 2)
}

func TestFinalize_InactiveOracleSkipped(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	reqID := f.submit(t)
	sent := f.transport.requests()

	require.NoError(t, f.disp.Fulfill(ctx, sent[0].OutboundID, []int64{100, 0}, "a"))
	require.NoError(t, f.disp.Fulfill(ctx, sent[1].OutboundID, []int64{100, 0}, "b"))
	gone := f.oracles[0]
	require.NoError(t, f.reg.DeregisterOracle(ctx, gone.Worker, gone))
	before := f.balance(t, gone.Worker)

	require.NoError(t, f.disp.Fulfill(ctx, sent[2].OutboundID, []int64{0, 100}, "c"))

	ev, _ := f.disp.EvaluationStatus(reqID)
	require.True(t, ev.Complete)
	require.False(t, ev.Slots[0].BonusPaid)
	require.True(t, ev.Slots[1].BonusPaid)
	require.True(t, f.balance(t, gone.Worker).Equal(before))
	require.Zero(t, f.info(t, gone).CallCount)
	require.Equal(t, int64(60), f.info(t, f.oracles[1]).Quality)

	var inactive int
	for _, d := range f.events.OfType(events.Diagnostic) {
		if d.Attrs["reason"] == "inactive" {
			inactive++
		}
	}
	require.Equal(t, 1, inactive)
}

func TestClassify(t *testing.T) {
	d := DefaultConfig().Deltas
	require.Equal(t, d.Clustered, classify(d, true, true, true))
	require.Equal(t, d.SelectedNotClustered, classify(d, true, true, false))
	require.Equal(t, d.RespondedNotSelected, classify(d, true, false, false))
	require.Equal(t, d.NoResponse, classify(d, false, false, false))
}

func TestSetConfig(t *testing.T) {
	f := newFixture(t, testConfig())
	cfg := testConfig()
	cfg.BonusMultiplier = 2

	require.ErrorIs(t, f.disp.SetConfig(requester, cfg), ErrUnauthorized)
	require.NoError(t, f.disp.SetConfig(owner, cfg))
	require.Equal(t, int64(2), f.disp.Config().BonusMultiplier)

	bad := []func(*Config){
		func(c *Config) { c.RequiredResponses = 4 },
		func(c *Config) { c.ClusterSize = 1 },
		func(c *Config) { c.ClusterSize = 4 },
		func(c *Config) { c.ResponseTimeout = 0 },
		func(c *Config) { c.BonusMultiplier = -1 },
	}
	for _, mutate := range bad {
		c := testConfig()
		mutate(&c)
		require.ErrorIs(t, f.disp.SetConfig(owner, c), ErrInvalidConfig)
	}
}

type memStore struct {
	mu    sync.Mutex
	evals map[string]Evaluation
}

func (s *memStore) SaveEvaluation(ev Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evals[ev.ID] = ev
	return nil
}

func TestStore_RestoreResumesCollection(t *testing.T) {
	store := &memStore{evals: map[string]Evaluation{}}
	f := newFixture(t, testConfig(), WithStore(store))
	ctx := context.Background()
	reqID := f.submit(t)
	sent := f.transport.requests()
	require.NoError(t, f.disp.Fulfill(ctx, sent[0].OutboundID, []int64{3, 4}, "a"))

	saved := store.evals[reqID]
	require.Equal(t, 1, saved.ResponseCount)

	restored, err := New(self, &pinned{Registry: f.reg, pick: f.oracles}, f.ledger,
		WithConfig(testConfig()), WithTransport(f.transport), WithClock(f.clock))
	require.NoError(t, err)
	restored.Restore([]Evaluation{saved})

	require.ErrorIs(t, restored.Fulfill(ctx, sent[0].OutboundID, []int64{3, 4}, "a"), ErrAlreadyFulfilled)
	require.NoError(t, restored.Fulfill(ctx, sent[1].OutboundID, []int64{3, 4}, "b"))
	require.NoError(t, restored.Fulfill(ctx, sent[2].OutboundID, []int64{0, 0}, "c"))

	got, _, _ := restored.GetEvaluation(reqID)
	require.Equal(t, []int64{3, 4}, got)

	oracle, ok := restored.SlotOracle(sent[2].OutboundID)
	require.True(t, ok)
	require.Equal(t, f.oracles[2], oracle)
}
