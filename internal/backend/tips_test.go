package backend

import (
	"context"
	"testing"
	"time"

	"github.com/mshafiee/chimera/internal/storage"
	"github.com/mshafiee/chimera/internal/testutil"
	"github.com/mshafiee/chimera/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestTipEngine(t *testing.T, store TipStore) *TipEngine {
	t.Helper()
	e, err := NewTipEngine(context.Background(), &TipConfig{
		Floor:           1,
		Ceiling:         50,
		Fraction:        0.1,
		Percentile:      0.5,
		MinSamples:      5,
		Window:          time.Hour,
		PersistInterval: time.Minute,
		Store:           store,
		Logger:          zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return e
}

func TestTipFor_ColdStartBidsTwiceFloor(t *testing.T) {
	t.Parallel()
	e := newTestTipEngine(t, testutil.NewMockStore())

	assert.InDelta(t, 2.0, e.TipFor(types.TierAggressive, 1000), 1e-9)
}

func TestTipFor_PercentileOfWindow(t *testing.T) {
	t.Parallel()
	e := newTestTipEngine(t, testutil.NewMockStore())

	for _, tip := range []float64{2, 4, 6, 8, 10} {
		e.Record(types.TierAggressive, tip)
	}

	// Median of five samples, well inside the clamps.
	assert.InDelta(t, 6.0, e.TipFor(types.TierAggressive, 1000), 1e-9)
}

func TestTipFor_ConservativeAlwaysBidsFloor(t *testing.T) {
	t.Parallel()
	e := newTestTipEngine(t, testutil.NewMockStore())

	// Observed history never lifts a conservative bid off the floor.
	for _, tip := range []float64{20, 30, 40, 45, 48} {
		e.Record(types.TierConservative, tip)
	}
	assert.InDelta(t, 1.0, e.TipFor(types.TierConservative, 1000), 1e-9)
}

func TestTipFor_SizeCapNeverCutsConservativeBelowFloor(t *testing.T) {
	t.Parallel()
	e := newTestTipEngine(t, testutil.NewMockStore())

	// fraction*size = 0.5, under the floor of 1. The size cap binds
	// aggressive bids only; conservative still bids the floor.
	assert.InDelta(t, 1.0, e.TipFor(types.TierConservative, 5), 1e-9)
	assert.InDelta(t, 1.0, e.TipFor(types.TierExit, 5), 1e-9)
}

func TestTipFor_Clamps(t *testing.T) {
	t.Parallel()
	e := newTestTipEngine(t, testutil.NewMockStore())

	for _, tip := range []float64{100, 100, 100, 100, 100} {
		e.Record(types.TierAggressive, tip)
	}
	// Percentile says 100; ceiling caps at 50.
	assert.InDelta(t, 50.0, e.TipFor(types.TierAggressive, 10000), 1e-9)

	// Size-fraction cap binds before the ceiling on a small order.
	assert.InDelta(t, 3.0, e.TipFor(types.TierAggressive, 30), 1e-9)

	e2 := newTestTipEngine(t, testutil.NewMockStore())
	for _, tip := range []float64{0.1, 0.1, 0.1, 0.1, 0.1} {
		e2.Record(types.TierAggressive, tip)
	}
	// Percentile says 0.1; floor lifts to 1.
	assert.InDelta(t, 1.0, e2.TipFor(types.TierAggressive, 1000), 1e-9)
}

func TestTipFor_StaleObservationsPruned(t *testing.T) {
	t.Parallel()

	store := testutil.NewMockStore()
	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.SaveTipObservations(context.Background(), []storage.TipObservation{
		{Tier: types.TierAggressive, Tip: 10, ObservedAt: old},
		{Tier: types.TierAggressive, Tip: 10, ObservedAt: old},
		{Tier: types.TierAggressive, Tip: 10, ObservedAt: old},
		{Tier: types.TierAggressive, Tip: 10, ObservedAt: old},
		{Tier: types.TierAggressive, Tip: 10, ObservedAt: old},
	}, time.Hour))

	e := newTestTipEngine(t, store)

	// Every warm observation is outside the window, so the engine is
	// back in cold start.
	assert.InDelta(t, 2.0, e.TipFor(types.TierAggressive, 1000), 1e-9)
}

func TestTipEngine_WarmsFromStore(t *testing.T) {
	t.Parallel()

	store := testutil.NewMockStore()
	now := time.Now().UTC()
	var warm []storage.TipObservation
	for _, tip := range []float64{3, 5, 7, 9, 11} {
		warm = append(warm, storage.TipObservation{
			Tier: types.TierAggressive, Tip: tip, ObservedAt: now,
		})
	}
	require.NoError(t, store.SaveTipObservations(context.Background(), warm, time.Hour))

	e := newTestTipEngine(t, store)
	assert.InDelta(t, 7.0, e.TipFor(types.TierAggressive, 1000), 1e-9)
}

func TestTipEngine_FlushPersistsPending(t *testing.T) {
	t.Parallel()

	store := testutil.NewMockStore()
	e := newTestTipEngine(t, store)

	e.Record(types.TierAggressive, 4)
	e.Record(types.TierAggressive, 6)
	e.flush(context.Background())

	persisted, err := store.LoadTipObservations(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)

	// A second flush with nothing pending writes nothing new.
	e.flush(context.Background())
	persisted, err = store.LoadTipObservations(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}
