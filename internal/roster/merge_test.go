package roster

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mshafiee/chimera/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openLiveStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(&storage.Config{
		Path:        filepath.Join(t.TempDir(), "live.db"),
		BusyTimeout: time.Second,
		MaxRetries:  3,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// writeStaged builds a staged roster file the way the producer would.
func writeStaged(t *testing.T, path string, rows [][2]any) {
	t.Helper()

	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE wallet_roster (address TEXT PRIMARY KEY, score REAL NOT NULL)")
	require.NoError(t, err)
	for _, row := range rows {
		_, err = db.Exec("INSERT INTO wallet_roster (address, score) VALUES (?, ?)", row[0], row[1])
		require.NoError(t, err)
	}
}

func newTestMerger(t *testing.T, store *storage.Store, stagePath string) (*Merger, *[]string) {
	t.Helper()

	var alerts []string
	m, err := NewMerger(&MergerConfig{
		DB:         store.DB(),
		StagePath:  stagePath,
		OnDegraded: func(reason string) { alerts = append(alerts, reason) },
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return m, &alerts
}

func TestMerge_ReplacesLiveRoster(t *testing.T) {
	store := openLiveStore(t)
	ctx := context.Background()

	stale := common.HexToAddress("0x01")
	fresh := common.HexToAddress("0x02")

	// Seed a prior roster through a first merge.
	stagePath := filepath.Join(t.TempDir(), "staged.db")
	writeStaged(t, stagePath, [][2]any{{stale.Hex(), 0.4}})
	m, _ := newTestMerger(t, store, stagePath)
	require.NoError(t, m.Merge(ctx))

	ok, err := store.RosterContains(ctx, stale)
	require.NoError(t, err)
	require.True(t, ok)

	// Replacement dataset drops the stale wallet entirely.
	stagePath2 := filepath.Join(t.TempDir(), "staged2.db")
	writeStaged(t, stagePath2, [][2]any{{fresh.Hex(), 0.9}})
	require.NoError(t, os.WriteFile(stagePath2+".ready", nil, 0o644))
	m2, _ := newTestMerger(t, store, stagePath2)
	require.NoError(t, m2.Merge(ctx))

	ok, err = store.RosterContains(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.RosterContains(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, ok)

	// Marker consumed on success.
	_, err = os.Stat(stagePath2 + ".ready")
	assert.True(t, os.IsNotExist(err))

	entries, err := store.ListRoster(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.InDelta(t, 0.9, entries[0].Score, 1e-9)
	assert.Equal(t, storage.RosterStatusActive, entries[0].Status)
}

func TestMerge_EmptyStagedAborts(t *testing.T) {
	store := openLiveStore(t)
	ctx := context.Background()

	prior := common.HexToAddress("0x03")
	stagePath := filepath.Join(t.TempDir(), "staged.db")
	writeStaged(t, stagePath, [][2]any{{prior.Hex(), 0.5}})
	m, _ := newTestMerger(t, store, stagePath)
	require.NoError(t, m.Merge(ctx))

	emptyPath := filepath.Join(t.TempDir(), "empty.db")
	writeStaged(t, emptyPath, nil)
	m2, alerts := newTestMerger(t, store, emptyPath)
	require.Error(t, m2.Merge(ctx))
	assert.Len(t, *alerts, 1)

	// Prior roster intact.
	ok, err := store.RosterContains(ctx, prior)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMerge_BadRowsAbort(t *testing.T) {
	store := openLiveStore(t)
	ctx := context.Background()

	badAddr := filepath.Join(t.TempDir(), "badaddr.db")
	writeStaged(t, badAddr, [][2]any{{"not-an-address", 0.5}})
	m, alerts := newTestMerger(t, store, badAddr)
	require.Error(t, m.Merge(ctx))
	require.Len(t, *alerts, 1)

	badScore := filepath.Join(t.TempDir(), "badscore.db")
	writeStaged(t, badScore, [][2]any{{common.HexToAddress("0x04").Hex(), 1.5}})
	m2, alerts2 := newTestMerger(t, store, badScore)
	require.Error(t, m2.Merge(ctx))
	require.Len(t, *alerts2, 1)

	entries, err := store.ListRoster(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMerge_CorruptFileAborts(t *testing.T) {
	store := openLiveStore(t)

	corrupt := filepath.Join(t.TempDir(), "corrupt.db")
	require.NoError(t, os.WriteFile(corrupt, []byte("this is not a sqlite file"), 0o644))

	m, alerts := newTestMerger(t, store, corrupt)
	require.Error(t, m.Merge(context.Background()))
	assert.Len(t, *alerts, 1)
}

func TestWatcher_MergesWhenMarkerAppears(t *testing.T) {
	store := openLiveStore(t)

	wallet := common.HexToAddress("0x05")
	stagePath := filepath.Join(t.TempDir(), "staged.db")
	writeStaged(t, stagePath, [][2]any{{wallet.Hex(), 0.7}})

	m, _ := newTestMerger(t, store, stagePath)
	w, err := NewWatcher(&WatcherConfig{
		Merger:       m,
		PollInterval: 10 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	// No marker yet: nothing merged.
	time.Sleep(30 * time.Millisecond)
	entries, err := store.ListRoster(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, os.WriteFile(stagePath+".ready", nil, 0o644))

	assert.Eventually(t, func() bool {
		ok, err := store.RosterContains(context.Background(), wallet)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	w.Wait()
}
