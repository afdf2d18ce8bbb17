package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mshafiee/chimera/pkg/config"
	"github.com/mshafiee/chimera/pkg/types"
)

const (
	testSecret = "integration-secret"
	testWallet = "0x00000000000000000000000000000000000000bb"
	testTarget = "0x00000000000000000000000000000000000000aa"
)

// fakePrimary is a bundle relay that lands everything on the first poll.
func fakePrimary(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/bundles", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ref":"0x0000000000000000000000000000000000000000000000000000000000000b01"}`)
	})
	mux.HandleFunc("GET /v1/bundles/{ref}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"landed","proof":"0x0000000000000000000000000000000000000000000000000000000000000f01","price":1.5,"tip":0.25}`)
	})
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// fakeGroundTruth knows nothing and has no marks, which is enough for a
// pipeline that never needs recovery during the test.
func fakeGroundTruth(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/submissions/by-key/{key}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /v1/marks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[]`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, primaryURL, truthURL string) *config.Config {
	t.Helper()

	return &config.Config{
		LogLevel: "debug",
		HTTPPort: "0",

		IngressSecret:   testSecret,
		FreshnessWindow: 30 * time.Second,

		QueueCapacity:     64,
		QueueShedFraction: 0.8,

		ExecutionWorkers: 2,
		ConfirmTimeout:   2 * time.Second,
		MaxRetries:       1,
		RetryBackoff:     10 * time.Millisecond,
		MaxPositionSize:  100,

		PrimaryURL:          primaryURL,
		SecondaryURL:        primaryURL,
		FailoverThreshold:   3,
		LatencyThreshold:    time.Second,
		HealthProbeInterval: time.Second,

		TipFloor:           0.01,
		TipCeiling:         1.0,
		TipSizeFraction:    0.1,
		TipPercentile:      0.5,
		TipMinSamples:      5,
		TipHistoryWindow:   time.Hour,
		TipPersistInterval: 100 * time.Millisecond,

		BreakerMaxDailyLoss:    1000,
		BreakerMaxConsecLosses: 10,
		BreakerMaxDrawdownPct:  0.5,
		BreakerCooldown:        time.Minute,
		MarkRefreshInterval:    200 * time.Millisecond,

		SweepInterval:    time.Minute,
		ExitStuckTimeout: time.Minute,

		ReconcileInterval: time.Minute,
		ReconcileEpsilon:  0.0001,

		GroundTruthURL: truthURL,

		RosterStagePath:     filepath.Join(t.TempDir(), "staged.db"),
		RosterWatchInterval: time.Minute,

		DBPath:        filepath.Join(t.TempDir(), "chimera.db"),
		DBBusyTimeout: time.Second,
		DBMaxRetries:  3,

		ReadToken:    "read",
		OperateToken: "operate",
		AdminToken:   "admin",
	}
}

func signBody(ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestApp(t *testing.T) *App {
	t.Helper()

	primary := fakePrimary(t)
	truth := fakeGroundTruth(t)

	cfg := testConfig(t, primary.URL, truth.URL)
	require.NoError(t, cfg.Validate())

	a, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	// The signal's wallet must already be tracked.
	_, err = a.store.DB().Exec(
		"INSERT INTO wallet_roster (address, score, status, promoted_until, updated_at) VALUES (?, 0.9, 'active', 0, ?)",
		common.HexToAddress(testWallet).Hex(), time.Now().Unix())
	require.NoError(t, err)

	require.NoError(t, a.startComponents())
	t.Cleanup(func() {
		require.NoError(t, a.Shutdown())
	})

	return a
}

func TestSignalToActivePosition(t *testing.T) {
	a := newTestApp(t)

	body := []byte(fmt.Sprintf(
		`{"idempotency_key":"int-001","tier":"conservative","side":"buy","size":10,"target":%q,"wallet":%q}`,
		testTarget, testWallet))
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	key, err := a.validator.Accept(context.Background(), body, signBody(ts, body), ts)
	require.NoError(t, err)
	assert.Equal(t, "int-001", key)

	assert.Eventually(t, func() bool {
		p, err := a.store.GetPosition(context.Background(), "int-001")
		return err == nil && p.State == types.StateActive
	}, 5*time.Second, 20*time.Millisecond)

	p, err := a.store.GetPosition(context.Background(), "int-001")
	require.NoError(t, err)
	assert.Equal(t, types.ModePrimary, p.BoundMode)
	assert.InDelta(t, 1.5, p.EntryPrice, 1e-9)
}

func TestDuplicateKeyRefusedAcrossRestart(t *testing.T) {
	a := newTestApp(t)

	body := []byte(fmt.Sprintf(
		`{"idempotency_key":"int-002","tier":"conservative","side":"buy","size":10,"target":%q,"wallet":%q}`,
		testTarget, testWallet))
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	_, err := a.validator.Accept(context.Background(), body, signBody(ts, body), ts)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		p, err := a.store.GetPosition(context.Background(), "int-002")
		return err == nil && p.State == types.StateActive
	}, 5*time.Second, 20*time.Millisecond)

	_, err = a.validator.Accept(context.Background(), body, signBody(ts, body), ts)
	require.Error(t, err)
	assert.Equal(t, types.ReasonDuplicateKey, types.ReasonOf(err))
}

func TestQueuedPositionRequeuedOnStartup(t *testing.T) {
	primary := fakePrimary(t)
	truth := fakeGroundTruth(t)

	cfg := testConfig(t, primary.URL, truth.URL)
	a, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	// A position the previous process queued but never dispatched.
	now := time.Now().Unix()
	_, err = a.store.DB().Exec(
		`INSERT INTO positions (idempotency_key, tier, side, size, target, wallet, state, created_at, transitioned_at)
		 VALUES ('orphan-1', 'conservative', 'buy', 5, ?, ?, 'queued', ?, ?)`,
		common.HexToAddress(testTarget).Hex(), common.HexToAddress(testWallet).Hex(), now, now)
	require.NoError(t, err)

	require.NoError(t, a.startComponents())
	t.Cleanup(func() {
		require.NoError(t, a.Shutdown())
	})

	assert.Eventually(t, func() bool {
		p, err := a.store.GetPosition(context.Background(), "orphan-1")
		return err == nil && p.State == types.StateActive
	}, 5*time.Second, 20*time.Millisecond)
}
