package db

import (
	"context"
	"time"

	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
)

// Interface is the derived-result store: one CalcRecord per observation.
//
// All mutating operations are single-row and atomic. Operations returning a
// StateTransition report the record's previous and new state so that callers
// can publish change events; a transition with Previous == Next means nothing
// externally visible happened.
type Interface interface {
	// Retrieve records.
	//
	// # Returns
	//
	// - map[string]domain.CalcRecord: mapping observationId -> CalcRecord.
	// Observations without a record are absent from the map.
	//
	// - error
	Get(ctx context.Context, observationIds []string) (map[string]domain.CalcRecord, error)

	// MarkDirty records that an upstream change at `at` may affect the
	// observation's result.
	//
	// It sets lastInvalidation = max(current, at). When the record does not
	// exist yet it is created in pending. A record in ready, retry or failed
	// whose lastInvalidation advances returns to pending, with retry and
	// failure bookkeeping reset: new input data deserves a fresh attempt.
	//
	// Invalidations with `at` earlier or equal to the recorded
	// lastInvalidation are no-ops.
	//
	// # Returns
	//
	// - domain.StateTransition: previous/new state of the record. For a
	// freshly created record, Previous is the zero CalcState.
	//
	// - error: domain.ErrMissing when the observation itself does not exist.
	MarkDirty(ctx context.Context, observationId string, at time.Time) (domain.StateTransition, error)

	// MarkDirtyForOwner queues an owner-scoped invalidation ("everything
	// under program P" / "under CfP C") for deferred fan-out by Sweep.
	//
	// Queueing is cheap by design: coarse upstream writes (a CfP edit, say)
	// must not pay for a per-observation cascade synchronously.
	MarkDirtyForOwner(ctx context.Context, invalidation domain.Invalidation) error

	// Sweep claims one queued owner-scoped invalidation, marks every
	// observation in its scope dirty, and removes it from the queue.
	//
	// # Returns
	//
	// - []domain.StateTransition: transitions of all touched records.
	//
	// - *domain.Invalidation: the invalidation processed.
	// Nil when the queue is empty (then transitions are nil, too).
	//
	// - error
	Sweep(ctx context.Context) ([]domain.StateTransition, *domain.Invalidation, error)

	// Claim picks one claimable record (pending, or retry with retryAt due),
	// oldest lastInvalidation first, and atomically transitions it to
	// calculating. At most one claim per observation can be in flight:
	// concurrent claimers racing on the same record cannot both win.
	//
	// # Returns
	//
	// - *domain.Claim: the claimed observation with its optimistic token
	// (= lastInvalidation at claim time). Nil when there is no backlog.
	//
	// - error
	Claim(ctx context.Context) (*domain.Claim, error)

	// RequeueCalculating returns every calculating record to pending.
	//
	// Claims do not survive their process: a worker that dies mid-computation
	// leaves its record calculating forever. This runs at worker startup,
	// before any new claim, to recover such leftovers.
	//
	// # Returns
	//
	// - []domain.StateTransition: one per requeued record.
	//
	// - error
	RequeueCalculating(ctx context.Context) ([]domain.StateTransition, error)

	// Snapshot assembles the current upstream inputs for the observation.
	// Read-only; upstream tables are owned by external collaborators.
	Snapshot(ctx context.Context, observationId string) (domain.ObsSnapshot, error)

	// Complete writes the computed result for a claimed observation,
	// unless an invalidation with timestamp > token arrived meanwhile.
	//
	// On the stale path the result is discarded and the record returns to
	// pending for a fresh claim/compute cycle (outcome Superseded). This
	// verify-on-complete check is the subsystem's central correctness
	// property: a ready record is always at least as fresh as the last
	// invalidation known when its computation committed.
	//
	// # Returns
	//
	// - domain.CompletionOutcome: Committed or Superseded.
	//
	// - domain.StateTransition
	//
	// - error: domain.ErrMissing when no record exists,
	// domain.ErrInvalidCalcStateChanging when the record is not calculating.
	Complete(ctx context.Context, observationId string, token time.Time, result domain.CalcResult, at time.Time) (domain.CompletionOutcome, domain.StateTransition, error)

	// Fail records a computation failure for a claimed observation.
	//
	// Invalidated-since-claim records return to pending with counters reset
	// (Superseded). Transient failures under the policy's MaxFailures schedule a
	// retry with backoff; otherwise the record becomes failed with the
	// message stored, and only a fresh invalidation can clear it.
	//
	// # Returns
	//
	// - domain.FailureOutcome: RetryScheduled, Permanent or Superseded.
	//
	// - domain.StateTransition
	//
	// - error: as Complete.
	Fail(ctx context.Context, observationId string, token time.Time, failure domain.Failure, policy domain.RetryPolicy, at time.Time) (domain.FailureOutcome, domain.StateTransition, error)

	// Delete removes the record. Deleting the observation row itself also
	// removes the record by cascade; this is for explicit cleanup.
	Delete(ctx context.Context, observationId string) error
}
