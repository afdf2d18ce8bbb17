package groundtruth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// SubmissionRecord is what the ground-truth source knows about one
// submission reference. The source is eventually consistent: Exists
// false can mean "not yet visible" as well as "never landed", which is
// why the recovery sweep only acts on submissions past the stuck
// timeout.
type SubmissionRecord struct {
	Exists  bool        `json:"exists"`
	Expired bool        `json:"expired"`
	Proof   common.Hash `json:"proof"`
	Price   float64     `json:"price"`
	Amount  float64     `json:"amount"`
	State   string      `json:"state"`
}

// Client queries the ground-truth source over HTTP. The source is
// rate-limited, so mark prices go through the refreshed cache rather
// than per-check queries.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// ClientConfig holds ground-truth client configuration.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewClient creates a ground-truth client.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  cfg.Logger,
	}, nil
}

// Lookup fetches the record for one submission reference. An absent
// submission returns a record with Exists false, not an error.
func (c *Client) Lookup(ctx context.Context, ref common.Hash) (*SubmissionRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/submissions/"+ref.Hex(), nil)
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup submission: %w", err)
	}
	defer resp.Body.Close()

	LookupsTotal.Inc()

	if resp.StatusCode == http.StatusNotFound {
		return &SubmissionRecord{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("lookup submission: status %d: %s", resp.StatusCode, payload)
	}

	var record SubmissionRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("decode submission record: %w", err)
	}
	return &record, nil
}

// LookupByKey fetches the record for the submission made under an
// idempotency key. The recovery sweep uses this form: a stuck exit has
// no proof recorded yet, only the key it was submitted under.
func (c *Client) LookupByKey(ctx context.Context, key string) (*SubmissionRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/submissions/by-key/"+key, nil)
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup submission by key: %w", err)
	}
	defer resp.Body.Close()

	LookupsTotal.Inc()

	if resp.StatusCode == http.StatusNotFound {
		return &SubmissionRecord{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("lookup submission by key: status %d: %s", resp.StatusCode, payload)
	}

	var record SubmissionRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("decode submission record: %w", err)
	}
	return &record, nil
}

type markRequest struct {
	Targets []common.Address `json:"targets"`
}

type markEntry struct {
	Target common.Address `json:"target"`
	Price  float64        `json:"price"`
}

// MarkPrices fetches current mark prices for a batch of targets in one
// request.
func (c *Client) MarkPrices(ctx context.Context, targets []common.Address) (map[common.Address]float64, error) {
	if len(targets) == 0 {
		return map[common.Address]float64{}, nil
	}

	body, err := json.Marshal(markRequest{Targets: targets})
	if err != nil {
		return nil, fmt.Errorf("encode mark request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/marks", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build mark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch marks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch marks: status %d: %s", resp.StatusCode, payload)
	}

	var entries []markEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode marks: %w", err)
	}

	marks := make(map[common.Address]float64, len(entries))
	for _, e := range entries {
		marks[e.Target] = e.Price
	}
	return marks, nil
}
