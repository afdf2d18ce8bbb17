package backend

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mshafiee/chimera/pkg/types"
)

// SubmissionRequest is one order handed to a backend.
type SubmissionRequest struct {
	Key    string         `json:"key"`
	Side   types.Side     `json:"side"`
	Size   float64        `json:"size"`
	Target common.Address `json:"target"`
	Wallet common.Address `json:"wallet"`
	// Tip is the inclusion incentive. Only the primary backend's bundle
	// relay honours it; the secondary path ignores it.
	Tip float64 `json:"tip,omitempty"`
	// Exit marks an unwind of an existing position.
	Exit bool `json:"exit,omitempty"`
}

// Confirmation is the terminal outcome of a submission.
type Confirmation struct {
	Proof common.Hash `json:"proof"`
	Price float64     `json:"price"`
	Tip   float64     `json:"tip"`
}

// Submitter is one execution backend. Submit returns a reference the
// caller polls with Confirm until the submission lands or the caller's
// confirmation budget expires.
type Submitter interface {
	Mode() types.BackendMode
	Submit(ctx context.Context, req *SubmissionRequest) (common.Hash, error)
	// Confirm reports (outcome, confirmed, error). confirmed is false
	// while the submission is still in flight.
	Confirm(ctx context.Context, ref common.Hash) (*Confirmation, bool, error)
	// Probe checks backend health without submitting anything.
	Probe(ctx context.Context) error
}
