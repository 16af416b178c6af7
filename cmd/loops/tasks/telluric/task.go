package telluric

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/loops/hook"
	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/loops/recurring"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/obscalc/compute"
	kdb "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/telluric/db"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/telluric/resolve"
)

// initial value for task
func Seed() struct{} {
	return struct{}{}
}

// Snapshotter assembles the upstream inputs of an observation.
// The calculation store provides this.
type Snapshotter interface {
	Snapshot(ctx context.Context, observationId string) (domain.ObsSnapshot, error)
}

// return:
//
// - task: claim one observation whose telluric standard is stale and
// resolve it against the catalog.
func Task(
	logger *log.Logger,
	store kdb.Interface,
	snapshots Snapshotter,
	resolver resolve.Resolver,
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
			return value, false, nil
		}

		logger.Printf(
			"claimed: observation %s (token = %s)",
			claim.ObservationId, claim.SnapshotTime.Format(time.RFC3339Nano),
		)

		snapshot, err := snapshots.Snapshot(ctx, claim.ObservationId)
		if err != nil {
			if errors.Is(err, domain.ErrMissing) {
				logger.Printf("observation %s disappeared. dropping its record", claim.ObservationId)
				return value, true, store.Delete(ctx, claim.ObservationId)
			}
			return value, false, err
		}

		rctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		var transition domain.StateTransition
		if standard, resolveErr := resolver.Resolve(rctx, snapshot); resolveErr == nil {
			_, transition, err = store.Complete(
				ctx, claim.ObservationId, claim.SnapshotTime, standard, time.Now(),
			)
		} else if ctx.Err() != nil {
			return value, false, ctx.Err()
		} else {
			_, transition, err = store.Fail(
				ctx, claim.ObservationId, claim.SnapshotTime,
				compute.FailureOf(resolveErr), retry, time.Now(),
			)
		}
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
