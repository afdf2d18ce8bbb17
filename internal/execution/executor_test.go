package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mshafiee/chimera/internal/backend"
	"github.com/mshafiee/chimera/internal/position"
	"github.com/mshafiee/chimera/internal/testutil"
	"github.com/mshafiee/chimera/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSubmitter struct {
	mode types.BackendMode

	mu           sync.Mutex
	submitErr    error
	confirmAfter int // polls before the submission lands
	confirmErr   error
	conf         backend.Confirmation
	polls        int
	lastRequest  *backend.SubmissionRequest
}

func (f *fakeSubmitter) Mode() types.BackendMode { return f.mode }

func (f *fakeSubmitter) Submit(_ context.Context, req *backend.SubmissionRequest) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRequest = req
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	return common.HexToHash("0xref"), nil
}

func (f *fakeSubmitter) Confirm(context.Context, common.Hash) (*backend.Confirmation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return nil, false, f.confirmErr
	}
	f.polls++
	if f.polls <= f.confirmAfter {
		return nil, false, nil
	}
	conf := f.conf
	return &conf, true, nil
}

func (f *fakeSubmitter) Probe(context.Context) error { return nil }

func (f *fakeSubmitter) request() *backend.SubmissionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRequest
}

type fakeBackends struct {
	mu        sync.Mutex
	mode      types.BackendMode
	primary   *fakeSubmitter
	secondary *fakeSubmitter
	results   []error
}

func (f *fakeBackends) Mode() types.BackendMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fakeBackends) Pick(mode types.BackendMode) backend.Submitter {
	if mode == types.ModeSecondary {
		return f.secondary
	}
	return f.primary
}

func (f *fakeBackends) RecordResult(_ types.BackendMode, _ time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, err)
}

type fakeTips struct {
	mu       sync.Mutex
	tip      float64
	recorded []float64
}

func (f *fakeTips) TipFor(types.Tier, float64) float64 { return f.tip }

func (f *fakeTips) Record(_ types.Tier, tip float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, tip)
}

type fakeOutcomes struct {
	mu       sync.Mutex
	realized []float64
}

func (f *fakeOutcomes) RecordOutcome(_ context.Context, realized float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.realized = append(f.realized, realized)
}

type chanSource struct{ ch chan *types.Signal }

func (s *chanSource) Dequeue(ctx context.Context) (*types.Signal, error) {
	select {
	case sig := <-s.ch:
		return sig, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fixture struct {
	executor *Executor
	machine  *position.Machine
	store    *testutil.MockStore
	backends *fakeBackends
	tips     *fakeTips
	outcomes *fakeOutcomes
	source   *chanSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := testutil.NewMockStore()
	machine, err := position.New(&position.Config{
		Store:  store,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	f := &fixture{
		machine: machine,
		store:   store,
		backends: &fakeBackends{
			mode:      types.ModePrimary,
			primary:   &fakeSubmitter{mode: types.ModePrimary},
			secondary: &fakeSubmitter{mode: types.ModeSecondary},
		},
		tips:     &fakeTips{tip: 0.5},
		outcomes: &fakeOutcomes{},
		source:   &chanSource{ch: make(chan *types.Signal, 8)},
	}

	f.executor, err = New(&Config{
		Queue:               f.source,
		Machine:             machine,
		Backends:            f.backends,
		Tips:                f.tips,
		Outcomes:            f.outcomes,
		Workers:             2,
		ConfirmTimeout:      100 * time.Millisecond,
		ConfirmPollInterval: 5 * time.Millisecond,
		MaxRetries:          1,
		RetryBackoff:        time.Millisecond,
		Logger:              zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) queuedEntry(t *testing.T, key string, tier types.Tier) *types.Signal {
	t.Helper()
	sig := &types.Signal{
		IdempotencyKey: key,
		Tier:           tier,
		Side:           types.SideBuy,
		Size:           10,
		Target:         common.HexToAddress("0xaa"),
		Wallet:         common.HexToAddress("0xbb"),
	}
	ctx := context.Background()
	_, err := f.machine.Create(ctx, sig)
	require.NoError(t, err)
	require.NoError(t, f.machine.Admit(ctx, key))
	return sig
}

func TestHandleEntry_Activates(t *testing.T) {
	f := newFixture(t)
	f.backends.primary.conf = backend.Confirmation{
		Proof: common.HexToHash("0xproof"), Price: 1.5, Tip: 0.4,
	}
	sig := f.queuedEntry(t, "e1", types.TierAggressive)

	f.executor.handleEntry(context.Background(), sig)

	p, err := f.machine.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, types.StateActive, p.State)
	assert.Equal(t, types.ModePrimary, p.BoundMode)
	assert.InDelta(t, 1.5, p.EntryPrice, 1e-9)

	// Winning primary tip observed for the tier.
	assert.Equal(t, []float64{0.4}, f.tips.recorded)
	// Primary submissions carry the sized tip.
	assert.InDelta(t, 0.5, f.backends.primary.request().Tip, 1e-9)
}

func TestHandleEntry_WaitsOutAdmission(t *testing.T) {
	// Ingress enqueues before the position row is admitted, so a worker
	// can observe the row while it is still Pending. The entry must wait
	// for admission instead of dropping the signal.
	f := newFixture(t)
	f.backends.primary.conf = backend.Confirmation{
		Proof: common.HexToHash("0xproof"), Price: 1.2,
	}
	sig := &types.Signal{
		IdempotencyKey: "e-race",
		Tier:           types.TierConservative,
		Side:           types.SideBuy,
		Size:           10,
		Target:         common.HexToAddress("0xaa"),
		Wallet:         common.HexToAddress("0xbb"),
	}
	ctx := context.Background()
	_, err := f.machine.Create(ctx, sig)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.executor.handleEntry(ctx, sig)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, f.machine.Admit(ctx, "e-race"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("entry never finished")
	}

	p, err := f.machine.Get(ctx, "e-race")
	require.NoError(t, err)
	assert.Equal(t, types.StateActive, p.State)
}

func TestHandleEntry_RetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.backends.primary.submitErr = errors.New("relay down")
	f.backends.secondary.submitErr = errors.New("endpoint down")
	sig := f.queuedEntry(t, "e2", types.TierConservative)

	f.executor.handleEntry(context.Background(), sig)

	p, err := f.machine.Get(context.Background(), "e2")
	require.NoError(t, err)
	assert.Equal(t, types.StateDeadLettered, p.State)
	assert.Equal(t, 2, p.RetryCount)
}

func TestHandleEntry_RetryRebindsMode(t *testing.T) {
	f := newFixture(t)
	f.backends.primary.submitErr = errors.New("relay down")
	f.backends.secondary.conf = backend.Confirmation{
		Proof: common.HexToHash("0xp2"), Price: 2.0,
	}
	sig := f.queuedEntry(t, "e3", types.TierConservative)

	// Flip the global mode once the first attempt has failed.
	go func() {
		time.Sleep(500 * time.Microsecond)
		f.backends.mu.Lock()
		f.backends.mode = types.ModeSecondary
		f.backends.mu.Unlock()
	}()

	f.executor.handleEntry(context.Background(), sig)

	p, err := f.machine.Get(context.Background(), "e3")
	require.NoError(t, err)
	if p.State == types.StateActive {
		// The retry rebound to the secondary and carried no tip.
		assert.Equal(t, types.ModeSecondary, p.BoundMode)
		assert.Zero(t, f.backends.secondary.request().Tip)
	} else {
		// Both attempts raced ahead of the flip; exhaustion is the
		// other legal outcome.
		assert.Equal(t, types.StateDeadLettered, p.State)
	}
}

func TestHandleExit_ClosesAndRecordsOutcome(t *testing.T) {
	f := newFixture(t)
	f.store.SeedPosition(&types.Position{
		IdempotencyKey: "pos",
		Tier:           types.TierAggressive,
		Side:           types.SideBuy,
		Size:           10,
		Target:         common.HexToAddress("0xaa"),
		State:          types.StateActive,
		EntryPrice:     1.0,
	})
	f.backends.primary.conf = backend.Confirmation{
		Proof: common.HexToHash("0xout"), Price: 1.2, Tip: 0.3,
	}

	exit := &types.Signal{IdempotencyKey: "x1", Tier: types.TierExit, PositionKey: "pos"}
	f.executor.handleExit(context.Background(), exit)

	p, err := f.machine.Get(context.Background(), "pos")
	require.NoError(t, err)
	assert.Equal(t, types.StateClosed, p.State)
	assert.InDelta(t, 2.0, p.RealizedPnL, 1e-9)

	require.Len(t, f.outcomes.realized, 1)
	assert.InDelta(t, 2.0, f.outcomes.realized[0], 1e-9)

	// The unwind submits the opposite side.
	assert.Equal(t, types.SideSell, f.backends.primary.request().Side)
	assert.True(t, f.backends.primary.request().Exit)
}

func TestHandleExit_SubmitFailureReverts(t *testing.T) {
	f := newFixture(t)
	f.store.SeedPosition(&types.Position{
		IdempotencyKey: "pos2", Tier: types.TierConservative,
		Side: types.SideBuy, Size: 5, State: types.StateActive, EntryPrice: 1.0,
	})
	f.backends.primary.submitErr = errors.New("relay down")

	exit := &types.Signal{IdempotencyKey: "x2", Tier: types.TierExit, PositionKey: "pos2"}
	f.executor.handleExit(context.Background(), exit)

	p, err := f.machine.Get(context.Background(), "pos2")
	require.NoError(t, err)
	assert.Equal(t, types.StateActive, p.State)
	assert.Empty(t, f.outcomes.realized)
}

func TestHandleExit_ConfirmTimeoutLeavesExiting(t *testing.T) {
	f := newFixture(t)
	f.store.SeedPosition(&types.Position{
		IdempotencyKey: "pos3", Tier: types.TierConservative,
		Side: types.SideBuy, Size: 5, State: types.StateActive, EntryPrice: 1.0,
	})
	// Never confirms inside the 100ms budget.
	f.backends.primary.confirmAfter = 1 << 30

	exit := &types.Signal{IdempotencyKey: "x3", Tier: types.TierExit, PositionKey: "pos3"}
	f.executor.handleExit(context.Background(), exit)

	p, err := f.machine.Get(context.Background(), "pos3")
	require.NoError(t, err)
	assert.Equal(t, types.StateExiting, p.State)
}

func TestExecutor_EndToEndThroughPool(t *testing.T) {
	f := newFixture(t)
	f.backends.primary.conf = backend.Confirmation{
		Proof: common.HexToHash("0xe2e"), Price: 1.0,
	}
	sig := f.queuedEntry(t, "e2e", types.TierConservative)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.executor.Start(ctx)

	f.source.ch <- sig

	assert.Eventually(t, func() bool {
		p, err := f.machine.Get(context.Background(), "e2e")
		return err == nil && p.State == types.StateActive
	}, time.Second, 10*time.Millisecond)

	cancel()
	f.executor.Wait()
}
