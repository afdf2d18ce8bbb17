package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mshafiee/chimera/internal/position"
	"github.com/mshafiee/chimera/internal/testutil"
	"github.com/mshafiee/chimera/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubSink struct {
	signals []*types.Signal
	err     error
}

func (s *stubSink) Enqueue(sig *types.Signal) error {
	if s.err != nil {
		return s.err
	}
	s.signals = append(s.signals, sig)
	return nil
}

type stubBreaker struct{ allow bool }

func (b *stubBreaker) Allow() bool { return b.allow }

type stubModes struct{ mode types.BackendMode }

func (m *stubModes) Mode() types.BackendMode { return m.mode }

func sign(secret string, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func entryBody(key string, tier types.Tier, size float64) []byte {
	return []byte(fmt.Sprintf(
		`{"idempotency_key":%q,"tier":%q,"side":"buy","size":%g,"target":"0x00000000000000000000000000000000000000aa","wallet":"0x00000000000000000000000000000000000000bb"}`,
		key, tier, size))
}

type fixture struct {
	validator *Validator
	store     *testutil.MockStore
	sink      *stubSink
	breaker   *stubBreaker
	modes     *stubModes
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := testutil.NewMockStore()
	store.AddRosterWallet(common.HexToAddress("0xbb"))

	machine, err := position.New(&position.Config{
		Store:  store,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		sink:    &stubSink{},
		breaker: &stubBreaker{allow: true},
		modes:   &stubModes{mode: types.ModePrimary},
	}

	f.validator, err = New(&Config{
		Secret:          "live-secret",
		RotationSecret:  "previous-secret",
		FreshnessWindow: 30 * time.Second,
		MaxPositionSize: 100,
		Store:           store,
		Breaker:         f.breaker,
		Modes:           f.modes,
		Queue:           f.sink,
		Machine:         machine,
		Logger:          zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) submit(t *testing.T, secret string, body []byte) (string, error) {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return f.validator.Accept(context.Background(), body, sign(secret, ts, body), ts)
}

func TestAccept_EntryHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	body := entryBody("key-1", types.TierConservative, 10)
	key, err := f.submit(t, "live-secret", body)
	require.NoError(t, err)
	assert.Equal(t, "key-1", key)

	require.Len(t, f.sink.signals, 1)
	assert.Equal(t, types.TierConservative, f.sink.signals[0].Tier)

	p, err := f.store.GetPosition(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateQueued, p.State)
}

func TestAccept_RotationSecretStillLive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.submit(t, "previous-secret", entryBody("key-rot", types.TierConservative, 10))
	require.NoError(t, err)
}

func TestAccept_BadSignature(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	body := entryBody("key-bad", types.TierConservative, 10)
	key, err := f.submit(t, "wrong-secret", body)
	assert.Equal(t, types.ReasonBadSignature, types.ReasonOf(err))

	reason, archived := f.store.RejectionReason(key)
	require.True(t, archived)
	assert.Equal(t, types.ReasonBadSignature, reason)
	assert.Empty(t, f.sink.signals)
}

func TestAccept_StaleTimestamp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for name, offset := range map[string]time.Duration{
		"too-old":       -31 * time.Second,
		"too-far-ahead": 31 * time.Second,
	} {
		body := entryBody("key-"+name, types.TierConservative, 10)
		ts := strconv.FormatInt(time.Now().Add(offset).Unix(), 10)
		_, err := f.validator.Accept(context.Background(), body, sign("live-secret", ts, body), ts)
		assert.Equal(t, types.ReasonStaleTimestamp, types.ReasonOf(err), name)
	}
}

func TestAccept_DuplicateKeySurvivesPayloadMutation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.submit(t, "live-secret", entryBody("key-dup", types.TierConservative, 10))
	require.NoError(t, err)

	// Same key, different size. The replay must be refused regardless of
	// what else changed in the payload.
	_, err = f.submit(t, "live-secret", entryBody("key-dup", types.TierAggressive, 99))
	assert.Equal(t, types.ReasonDuplicateKey, types.ReasonOf(err))
	assert.Len(t, f.sink.signals, 1)
}

func TestAccept_DuplicateOfArchivedRejection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.breaker.allow = false

	body := entryBody("key-halted", types.TierConservative, 10)
	_, err := f.submit(t, "live-secret", body)
	require.Equal(t, types.ReasonCircuitHalted, types.ReasonOf(err))

	// The key is burned in the rejection archive, so a replay after the
	// breaker reopens is still a duplicate.
	f.breaker.allow = true
	_, err = f.submit(t, "live-secret", body)
	assert.Equal(t, types.ReasonDuplicateKey, types.ReasonOf(err))
}

func TestAccept_DerivedKeyCollapsesRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	body := entryBody("", types.TierConservative, 10)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := sign("live-secret", ts, body)

	key1, err := f.validator.Accept(context.Background(), body, sig, ts)
	require.NoError(t, err)
	require.NotEmpty(t, key1)

	key2, err := f.validator.Accept(context.Background(), body, sig, ts)
	assert.Equal(t, key1, key2)
	assert.Equal(t, types.ReasonDuplicateKey, types.ReasonOf(err))
}

func TestAccept_SecondaryModeRefusesAggressive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.modes.mode = types.ModeSecondary

	_, err := f.submit(t, "live-secret", entryBody("key-agg", types.TierAggressive, 10))
	assert.Equal(t, types.ReasonSecondaryMode, types.ReasonOf(err))

	// Conservative entries still flow on the secondary path.
	_, err = f.submit(t, "live-secret", entryBody("key-con", types.TierConservative, 10))
	assert.NoError(t, err)
}

func TestAccept_RiskScreen(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.submit(t, "live-secret", entryBody("key-zero", types.TierConservative, 0))
	assert.Equal(t, types.ReasonRiskScreen, types.ReasonOf(err))

	_, err = f.submit(t, "live-secret", entryBody("key-huge", types.TierConservative, 101))
	assert.Equal(t, types.ReasonRiskScreen, types.ReasonOf(err))

	stranger := []byte(`{"idempotency_key":"key-stranger","tier":"conservative","side":"buy","size":5,"target":"0x00000000000000000000000000000000000000aa","wallet":"0x00000000000000000000000000000000000000cc"}`)
	_, err = f.submit(t, "live-secret", stranger)
	assert.Equal(t, types.ReasonRiskScreen, types.ReasonOf(err))
}

func TestAccept_ExitRequiresActivePosition(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	exit := []byte(`{"idempotency_key":"exit-1","tier":"exit","side":"sell","size":10,"position_key":"missing"}`)
	_, err := f.submit(t, "live-secret", exit)
	assert.Equal(t, types.ReasonNoActivePosition, types.ReasonOf(err))

	f.store.SeedPosition(&types.Position{
		IdempotencyKey: "pos-1",
		Tier:           types.TierConservative,
		Side:           types.SideBuy,
		Size:           10,
		State:          types.StateActive,
	})

	exit = []byte(`{"idempotency_key":"exit-2","tier":"exit","side":"sell","size":10,"position_key":"pos-1"}`)
	_, err = f.submit(t, "live-secret", exit)
	require.NoError(t, err)
	require.Len(t, f.sink.signals, 1)

	// Exits are not positions: no new row under the exit's own key.
	_, err = f.store.GetPosition(context.Background(), "exit-2")
	assert.ErrorIs(t, err, types.ErrPositionNotFound)
}

func TestAccept_ShedArchivedAsRejection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sink.err = types.Reject(types.ReasonQueueShed, "aggressive shed")

	key, err := f.submit(t, "live-secret", entryBody("key-shed", types.TierAggressive, 10))
	assert.Equal(t, types.ReasonQueueShed, types.ReasonOf(err))

	reason, archived := f.store.RejectionReason(key)
	require.True(t, archived)
	assert.Equal(t, types.ReasonQueueShed, reason)

	// Shed before any state: no position row.
	_, err = f.store.GetPosition(context.Background(), "key-shed")
	assert.ErrorIs(t, err, types.ErrPositionNotFound)
}

func TestAccept_QueueFullIsBackpressureNotRejection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sink.err = types.ErrQueueFull

	key, err := f.submit(t, "live-secret", entryBody("key-full", types.TierConservative, 10))
	assert.ErrorIs(t, err, types.ErrQueueFull)

	// The key is not burned: the submitter may retry the same signal.
	_, archived := f.store.RejectionReason(key)
	assert.False(t, archived)
}

func TestAccept_MalformedBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	body := []byte(`{"tier": not-json`)
	_, err := f.submit(t, "live-secret", body)
	assert.Equal(t, types.ReasonInvalidPayload, types.ReasonOf(err))
}
