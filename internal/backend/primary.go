package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mshafiee/chimera/pkg/types"
	"go.uber.org/zap"
)

// PrimaryClient submits through the bundle relay. Bundled submissions
// carry a tip and are atomic: they land whole or not at all, which is
// what the aggressive tier depends on.
type PrimaryClient struct {
	rest   *restClient
	logger *zap.Logger
}

// PrimaryConfig holds bundle relay client configuration.
type PrimaryConfig struct {
	BaseURL string
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewPrimary creates the bundle relay client.
func NewPrimary(cfg *PrimaryConfig) (*PrimaryClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	rest, err := newRESTClient(cfg.BaseURL, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return &PrimaryClient{rest: rest, logger: cfg.Logger}, nil
}

func (c *PrimaryClient) Mode() types.BackendMode { return types.ModePrimary }

type bundleResponse struct {
	Ref string `json:"ref"`
}

// Submit posts one bundle and returns the relay's reference hash.
func (c *PrimaryClient) Submit(ctx context.Context, req *SubmissionRequest) (common.Hash, error) {
	var resp bundleResponse
	if err := c.rest.do(ctx, http.MethodPost, "/v1/bundles", req, &resp); err != nil {
		return common.Hash{}, fmt.Errorf("submit bundle: %w", err)
	}

	ref := common.HexToHash(resp.Ref)
	c.logger.Debug("bundle-submitted",
		zap.String("key", req.Key),
		zap.String("ref", ref.Hex()),
		zap.Float64("tip", req.Tip))
	return ref, nil
}

type bundleStatus struct {
	Status string  `json:"status"` // pending, landed, dropped
	Proof  string  `json:"proof"`
	Price  float64 `json:"price"`
	Tip    float64 `json:"tip"`
}

// Confirm polls the relay once for the bundle's status.
func (c *PrimaryClient) Confirm(ctx context.Context, ref common.Hash) (*Confirmation, bool, error) {
	var status bundleStatus
	if err := c.rest.do(ctx, http.MethodGet, "/v1/bundles/"+ref.Hex(), nil, &status); err != nil {
		return nil, false, fmt.Errorf("confirm bundle: %w", err)
	}

	switch status.Status {
	case "landed":
		return &Confirmation{
			Proof: common.HexToHash(status.Proof),
			Price: status.Price,
			Tip:   status.Tip,
		}, true, nil
	case "dropped":
		return nil, false, fmt.Errorf("bundle %s dropped by relay", ref.Hex())
	default:
		return nil, false, nil
	}
}

// Probe hits the relay health endpoint.
func (c *PrimaryClient) Probe(ctx context.Context) error {
	return c.rest.do(ctx, http.MethodGet, "/v1/health", nil, nil)
}
