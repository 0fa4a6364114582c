// Package fastpath defines the remote model API client contract used to
// execute eligible requests without a sandbox.
package fastpath

import (
	"context"

	"github.com/clawmux/clawmux/internal/model"
)

// Client executes a request against the remote model API directly. The
// implementation lives outside the execution core; the router only consumes
// this contract.
type Client interface {
	// Execute runs the request on the fast path. A transport failure is
	// returned as an error; an API-level failure comes back as an error
	// result. The router treats both the same: fall through to the sandbox.
	Execute(ctx context.Context, tenant model.Tenant, req model.ExecutionRequest, sessionID string) (*model.ExecutionResult, error)
}
