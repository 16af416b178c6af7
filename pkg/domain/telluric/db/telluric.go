package db

import (
	"context"
	"time"

	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
)

// Interface is the telluric-standard resolution store.
//
// The state machine and claim protocol are the same as the observation
// calculation store's; only the payload differs, and there is no owner-scoped
// fan-out.
type Interface interface {
	Get(ctx context.Context, observationIds []string) (map[string]domain.TelluricRecord, error)

	// MarkDirty: as the calculation store's MarkDirty.
	MarkDirty(ctx context.Context, observationId string, at time.Time) (domain.StateTransition, error)

	// Claim picks one claimable record and transitions it to calculating.
	// Nil when there is no backlog.
	Claim(ctx context.Context) (*domain.Claim, error)

	// RequeueCalculating: as the calculation store's RequeueCalculating.
	RequeueCalculating(ctx context.Context) ([]domain.StateTransition, error)

	// Complete stores the resolved standard star, unless superseded by a
	// newer invalidation (then the resolution is discarded).
	Complete(ctx context.Context, observationId string, token time.Time, target domain.TelluricTarget, at time.Time) (domain.CompletionOutcome, domain.StateTransition, error)

	// Fail: as the calculation store's Fail.
	Fail(ctx context.Context, observationId string, token time.Time, failure domain.Failure, policy domain.RetryPolicy, at time.Time) (domain.FailureOutcome, domain.StateTransition, error)

	Delete(ctx context.Context, observationId string) error
}
