package circuitbreaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mshafiee/chimera/internal/testutil"
	"github.com/mshafiee/chimera/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubMarks struct {
	mu    sync.Mutex
	marks map[common.Address]float64
}

func newStubMarks() *stubMarks {
	return &stubMarks{marks: make(map[common.Address]float64)}
}

func (s *stubMarks) set(target common.Address, mark float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[target] = mark
}

func (s *stubMarks) Mark(target common.Address) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mark, ok := s.marks[target]
	return mark, ok
}

type fixture struct {
	breaker *Breaker
	store   *testutil.MockStore
	marks   *stubMarks

	mu    sync.Mutex
	exits []*types.Position
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		store: testutil.NewMockStore(),
		marks: newStubMarks(),
	}

	cfg := &Config{
		DailyLossLimit:       100,
		ConsecutiveLossLimit: 3,
		DrawdownLimit:        0.10,
		Cooldown:             50 * time.Millisecond,
		ScanInterval:         10 * time.Millisecond,
		Positions:            f.store,
		Marks:                f.marks,
		Audit:                f.store,
		RequestExit: func(p *types.Position) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.exits = append(f.exits, p)
		},
		Logger: zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(cfg)
	}

	var err error
	f.breaker, err = New(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) exitKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for _, p := range f.exits {
		keys = append(keys, p.IdempotencyKey)
	}
	return keys
}

func auditEvents(store *testutil.MockStore) []string {
	var events []string
	for _, e := range store.Audits() {
		events = append(events, e.Actor+":"+e.Event)
	}
	return events
}

func TestBreaker_DailyLossThresholdBoundary(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// One unit inside the limit stays admitting.
	f.breaker.RecordOutcome(ctx, -99)
	require.True(t, f.breaker.Allow())

	// Reaching the limit exactly halts.
	f.breaker.RecordOutcome(ctx, -1)
	assert.False(t, f.breaker.Allow())
	assert.Equal(t, ModeHalted, f.breaker.Mode())
	assert.Contains(t, auditEvents(f.store), "system:breaker_halted")
}

func TestBreaker_ConsecutiveLossesHalt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.breaker.RecordOutcome(ctx, -1)
	f.breaker.RecordOutcome(ctx, -1)
	// A profitable close breaks the run.
	f.breaker.RecordOutcome(ctx, 5)
	f.breaker.RecordOutcome(ctx, -1)
	f.breaker.RecordOutcome(ctx, -1)
	require.True(t, f.breaker.Allow())

	f.breaker.RecordOutcome(ctx, -1)
	assert.False(t, f.breaker.Allow())
}

func TestBreaker_InitialDailyLossSeedsWindow(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.InitialDailyLoss = 99 })

	f.breaker.RecordOutcome(context.Background(), -1)
	assert.False(t, f.breaker.Allow())
}

func TestBreaker_HaltQueuesExitsForLosingPositionsOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	losing := common.HexToAddress("0x1")
	winning := common.HexToAddress("0x2")
	f.store.SeedPosition(&types.Position{
		IdempotencyKey: "losing", State: types.StateActive,
		Side: types.SideBuy, Size: 10, EntryPrice: 2.0, Target: losing,
	})
	f.store.SeedPosition(&types.Position{
		IdempotencyKey: "winning", State: types.StateActive,
		Side: types.SideBuy, Size: 10, EntryPrice: 2.0, Target: winning,
	})
	f.marks.set(losing, 1.5)
	f.marks.set(winning, 2.5)

	f.breaker.RecordOutcome(ctx, -100)
	require.False(t, f.breaker.Allow())

	assert.Equal(t, []string{"losing"}, f.exitKeys())
}

func TestBreaker_DrawdownScanHalts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	target := common.HexToAddress("0x3")
	f.store.SeedPosition(&types.Position{
		IdempotencyKey: "deep", State: types.StateActive,
		Side: types.SideBuy, Size: 10, EntryPrice: 1.0, Target: target,
	})

	// 6.25% down: inside the 10% limit.
	f.marks.set(target, 0.9375)
	f.breaker.tick(ctx)
	require.True(t, f.breaker.Allow())

	// 12.5% down: past the limit, halts.
	f.marks.set(target, 0.875)
	f.breaker.tick(ctx)
	assert.False(t, f.breaker.Allow())
}

func TestBreaker_ResetAndCooldown(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Reset from admitting is refused.
	require.Error(t, f.breaker.Reset(ctx, "ops@desk"))

	f.breaker.RecordOutcome(ctx, -100)
	require.Equal(t, ModeHalted, f.breaker.Mode())

	require.NoError(t, f.breaker.Reset(ctx, "ops@desk"))
	assert.Equal(t, ModeCoolingDown, f.breaker.Mode())
	// Cooling down still refuses admission.
	assert.False(t, f.breaker.Allow())
	assert.Contains(t, auditEvents(f.store), "ops@desk:breaker_reset")

	ctx2, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.breaker.Start(ctx2)

	assert.Eventually(t, func() bool {
		return f.breaker.Allow()
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, auditEvents(f.store), "system:breaker_admitting")

	cancel()
	f.breaker.Wait()
}

func TestBreaker_HaltIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.breaker.RecordOutcome(ctx, -100)
	f.breaker.RecordOutcome(ctx, -100)

	var halts int
	for _, e := range f.store.Audits() {
		if e.Event == "breaker_halted" {
			halts++
		}
	}
	assert.Equal(t, 1, halts)
}
