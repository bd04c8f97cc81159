// ============================================================================
// cube-tasks Task Transport Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the abstraction the worker uses to reach the service.
//
// Motivation:
//   The worker only needs the three exchanges. Keeping them behind an
//   interface lets tests drive the state machine with a scripted fake and
//   lets the CLI plug in the real HTTP client.
//
// ============================================================================

package worker

import (
	"context"
	"net/url"

	"github.com/ChuLiYu/cube-tasks/internal/transport"
	"github.com/ChuLiYu/cube-tasks/pkg/types"
)

// Transport defines the exchanges a worker performs against the service.
// *transport.Client satisfies it.
type Transport interface {
	// SubmitNew posts a new query payload.
	//
	// Returns:
	//   - types.TaskID: The id assigned by the service.
	//   - error: *transport.Error on any failure.
	SubmitNew(ctx context.Context, payload url.Values, credential string) (types.TaskID, error)

	// SubmitSingle requests one scene of an existing task.
	SubmitSingle(ctx context.Context, existing types.TaskID, date, credential string) (types.TaskID, error)

	// PollStatus checks a running task. A service-side ERROR always comes
	// with a non-nil *transport.Error.
	PollStatus(ctx context.Context, id types.TaskID, credential string) (transport.PollResult, error)
}

var _ Transport = (*transport.Client)(nil)
