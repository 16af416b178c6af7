package sweep

import (
	"context"
	"log"

	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/loops/hook"
	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/loops/recurring"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	kdb "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/obscalc/db"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/utils"
)

// initial value for task
func Seed() struct{} {
	return struct{}{}
}

// return:
//
// - task: fan one queued owner-scoped invalidation out to the records of
// every observation in its scope.
func Task(
	logger *log.Logger,
	store kdb.Interface,
	lifecycle hook.Hook[domain.StateTransition],
) recurring.Task[struct{}] {
	return func(ctx context.Context, value struct{}) (struct{}, bool, error) {
		transitions, invalidation, err := store.Sweep(ctx)
		if err != nil {
			return value, false, err
		}
		if invalidation == nil {
			return value, false, nil // queue is empty
		}

		changed := utils.Filter(transitions, domain.StateTransition.Changed)
		for _, transition := range changed {
			if err := lifecycle.After(transition); err != nil {
				logger.Printf("after-hook failed (continuing): %s", err)
			}
		}

		logger.Printf(
			"swept %s %s: %d observation(s) touched, %d state change(s)",
			invalidation.Scope, invalidation.ScopeId, len(transitions), len(changed),
		)

		return value, true, nil
	}
}
