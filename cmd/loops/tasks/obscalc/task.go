package obscalc

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/loops/hook"
	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/loops/recurring"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/obscalc/compute"
	kdb "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/obscalc/db"
)

// initial value for task
func Seed() struct{} {
	return struct{}{}
}

// return:
//
// - task: claim one stale observation, compute its result and store it.
//
// One cycle handles at most one observation. The claim token carried through
// to Complete/Fail lets the store discard results that were invalidated while
// computing.
func Task(
	logger *log.Logger,
	store kdb.Interface,
	calculator compute.Calculator,
	timeout time.Duration,
	retry domain.RetryPolicy,
	lifecycle hook.Hook[domain.StateTransition],
) recurring.Task[struct{}] {
	return func(ctx context.Context, value struct{}) (struct{}, bool, error) {
		claim, err := store.Claim(ctx)
		if err != nil {
			return value, false, err
		}
		if claim == nil {
			return value, false, nil // no backlog
		}

		logger.Printf(
			"claimed: observation %s (token = %s)",
			claim.ObservationId, claim.SnapshotTime.Format(time.RFC3339Nano),
		)

		if err := lifecycle.Before(domain.StateTransition{
			ObservationId: claim.ObservationId,
			ProgramId:     claim.ProgramId,
			Previous:      domain.CalcPending,
			Next:          domain.CalcCalculating,
			At:            claim.SnapshotTime,
		}); err != nil {
			logger.Printf("before-hook failed (continuing): %s", err)
		}

		snapshot, err := store.Snapshot(ctx, claim.ObservationId)
		if err != nil {
			if errors.Is(err, domain.ErrMissing) {
				// the observation is gone; so is the point of its record.
				logger.Printf("observation %s disappeared. dropping its record", claim.ObservationId)
				return value, true, store.Delete(ctx, claim.ObservationId)
			}
			return value, false, err
		}

		transition, err := settle(ctx, store, calculator, timeout, retry, claim, snapshot)
		if err != nil {
			return value, false, err
		}

		if transition.Changed() {
			if err := lifecycle.After(transition); err != nil {
				logger.Printf("after-hook failed (continuing): %s", err)
			}
		}
		logger.Printf(
			"observation %s: %s -> %s",
			transition.ObservationId, transition.Previous, transition.Next,
		)

		return value, true, nil
	}
}

// settle runs the computation and records its outcome, whatever it is.
func settle(
	ctx context.Context,
	store kdb.Interface,
	calculator compute.Calculator,
	timeout time.Duration,
	retry domain.RetryPolicy,
	claim *domain.Claim,
	snapshot domain.ObsSnapshot,
) (domain.StateTransition, error) {
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, calcErr := calculator.Calculate(cctx, snapshot)
	if calcErr == nil {
		_, transition, err := store.Complete(
			ctx, claim.ObservationId, claim.SnapshotTime, result, time.Now(),
		)
		return transition, err
	}

	if ctx.Err() != nil {
		// the loop itself is shutting down; leave the claim to the
		// next process generation rather than misrecord a failure.
		return domain.StateTransition{}, ctx.Err()
	}

	_, transition, err := store.Fail(
		ctx, claim.ObservationId, claim.SnapshotTime,
		compute.FailureOf(calcErr), retry, time.Now(),
	)
	return transition, err
}
