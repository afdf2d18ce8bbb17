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

// SecondaryClient submits directly to the fallback endpoint. Direct
// submissions carry no tip and no atomicity guarantee, so only the
// conservative and exit tiers ride this path.
type SecondaryClient struct {
	rest   *restClient
	logger *zap.Logger
}

// SecondaryConfig holds direct submission client configuration.
type SecondaryConfig struct {
	BaseURL string
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewSecondary creates the direct submission client.
func NewSecondary(cfg *SecondaryConfig) (*SecondaryClient, error) {
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
	return &SecondaryClient{rest: rest, logger: cfg.Logger}, nil
}

func (c *SecondaryClient) Mode() types.BackendMode { return types.ModeSecondary }

type txResponse struct {
	Ref string `json:"ref"`
}

// Submit posts one direct order. The tip field is stripped: the direct
// path has no inclusion auction.
func (c *SecondaryClient) Submit(ctx context.Context, req *SubmissionRequest) (common.Hash, error) {
	direct := *req
	direct.Tip = 0

	var resp txResponse
	if err := c.rest.do(ctx, http.MethodPost, "/v1/orders", &direct, &resp); err != nil {
		return common.Hash{}, fmt.Errorf("submit order: %w", err)
	}

	ref := common.HexToHash(resp.Ref)
	c.logger.Debug("order-submitted",
		zap.String("key", req.Key),
		zap.String("ref", ref.Hex()))
	return ref, nil
}

type txStatus struct {
	Status string  `json:"status"` // pending, confirmed, rejected
	Proof  string  `json:"proof"`
	Price  float64 `json:"price"`
}

// Confirm polls the endpoint once for the order's status.
func (c *SecondaryClient) Confirm(ctx context.Context, ref common.Hash) (*Confirmation, bool, error) {
	var status txStatus
	if err := c.rest.do(ctx, http.MethodGet, "/v1/orders/"+ref.Hex(), nil, &status); err != nil {
		return nil, false, fmt.Errorf("confirm order: %w", err)
	}

	switch status.Status {
	case "confirmed":
		return &Confirmation{
			Proof: common.HexToHash(status.Proof),
			Price: status.Price,
		}, true, nil
	case "rejected":
		return nil, false, fmt.Errorf("order %s rejected by endpoint", ref.Hex())
	default:
		return nil, false, nil
	}
}

// Probe hits the endpoint health route.
func (c *SecondaryClient) Probe(ctx context.Context) error {
	return c.rest.do(ctx, http.MethodGet, "/v1/health", nil, nil)
}
