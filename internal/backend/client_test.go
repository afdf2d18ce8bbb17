package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"
	"github.com/mshafiee/chimera/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPrimaryClient_SubmitAndConfirm(t *testing.T) {
	t.Parallel()

	ref := common.HexToHash("0xabc123")
	var gotTip float64

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/bundles", func(w http.ResponseWriter, r *http.Request) {
		var req SubmissionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotTip = req.Tip
		json.NewEncoder(w).Encode(bundleResponse{Ref: ref.Hex()})
	})
	mux.HandleFunc("GET /v1/bundles/"+ref.Hex(), func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(bundleStatus{
			Status: "landed", Proof: "0xdef", Price: 1.25, Tip: 0.5,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewPrimary(&PrimaryConfig{
		BaseURL: srv.URL,
		Timeout: time.Second,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	got, err := c.Submit(context.Background(), &SubmissionRequest{Key: "k", Tip: 0.5, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, ref, got)
	assert.InDelta(t, 0.5, gotTip, 1e-9)

	conf, done, err := c.Confirm(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, done)
	assert.InDelta(t, 1.25, conf.Price, 1e-9)
	assert.InDelta(t, 0.5, conf.Tip, 1e-9)
}

func TestPrimaryClient_ConfirmPendingAndDropped(t *testing.T) {
	t.Parallel()

	status := bundleStatus{Status: "pending"}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/bundles/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(status)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewPrimary(&PrimaryConfig{
		BaseURL: srv.URL,
		Timeout: time.Second,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	_, done, err := c.Confirm(context.Background(), common.HexToHash("0x1"))
	require.NoError(t, err)
	assert.False(t, done)

	status = bundleStatus{Status: "dropped"}
	_, done, err = c.Confirm(context.Background(), common.HexToHash("0x1"))
	assert.Error(t, err)
	assert.False(t, done)
}

func TestSecondaryClient_StripsTip(t *testing.T) {
	t.Parallel()

	var gotTip float64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/orders", func(w http.ResponseWriter, r *http.Request) {
		var req SubmissionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotTip = req.Tip
		json.NewEncoder(w).Encode(txResponse{Ref: "0x2"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewSecondary(&SecondaryConfig{
		BaseURL: srv.URL,
		Timeout: time.Second,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	assert.Equal(t, types.ModeSecondary, c.Mode())

	_, err = c.Submit(context.Background(), &SubmissionRequest{Key: "k", Tip: 3, Size: 10})
	require.NoError(t, err)
	assert.Zero(t, gotTip)
}

func TestClients_ErrorStatusSurfaces(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "relay overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewPrimary(&PrimaryConfig{
		BaseURL: srv.URL,
		Timeout: time.Second,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), &SubmissionRequest{Key: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	assert.Error(t, c.Probe(context.Background()))
}
