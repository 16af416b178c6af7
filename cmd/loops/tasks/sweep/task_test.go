package sweep_test

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/loops/hook"
	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/loops/tasks/sweep"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	dbmocks "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/obscalc/db/mock"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/utils/try"
)

func TestTask(t *testing.T) {
	logger := log.New(log.Default().Writer(), "[test]", log.Default().Flags())

	t0 := try.To(time.Parse(time.RFC3339, "2024-10-01T10:00:00+00:00")).OrFatal(t)

	t.Run("when the queue is empty, it does nothing", func(t *testing.T) {
		store := dbmocks.NewObscalcInterface()
		store.Impl.Sweep = func(ctx context.Context) ([]domain.StateTransition, *domain.Invalidation, error) {
			return nil, nil, nil
		}

		testee := sweep.Task(logger, store, hook.None[domain.StateTransition]{})

		_, ok, err := testee(context.Background(), sweep.Seed())
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("the task should report no progress")
		}
	})

	t.Run("it fires the after-hook for each changed transition", func(t *testing.T) {
		transitions := []domain.StateTransition{
			{
				ObservationId: "o-1", ProgramId: "p-1",
				Previous: domain.CalcReady, Next: domain.CalcPending, At: t0,
			},
			{
				// already pending; nothing to publish
				ObservationId: "o-2", ProgramId: "p-1",
				Previous: domain.CalcPending, Next: domain.CalcPending, At: t0,
			},
			{
				ObservationId: "o-3", ProgramId: "p-1",
				Previous: domain.CalcFailed, Next: domain.CalcPending, At: t0,
			},
		}

		store := dbmocks.NewObscalcInterface()
		store.Impl.Sweep = func(ctx context.Context) ([]domain.StateTransition, *domain.Invalidation, error) {
			return transitions, &domain.Invalidation{
				Scope: domain.ScopeProgram, ScopeId: "p-1", ChangeTime: t0,
			}, nil
		}

		afterFired := []string{}
		lifecycle := hook.Func[domain.StateTransition]{
			AfterFn: func(tr domain.StateTransition) error {
				afterFired = append(afterFired, tr.ObservationId)
				return nil
			},
		}

		testee := sweep.Task(logger, store, lifecycle)

		_, ok, err := testee(context.Background(), sweep.Seed())
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Error("the task should report progress")
		}
		if len(afterFired) != 2 || afterFired[0] != "o-1" || afterFired[1] != "o-3" {
			t.Errorf("unexpected after-hook calls: %v (want: o-1 and o-3)", afterFired)
		}
	})

	t.Run("a sweep with no records to touch still consumes the queue entry", func(t *testing.T) {
		store := dbmocks.NewObscalcInterface()
		store.Impl.Sweep = func(ctx context.Context) ([]domain.StateTransition, *domain.Invalidation, error) {
			return nil, &domain.Invalidation{
				Scope: domain.ScopeCfp, ScopeId: "c-1", ChangeTime: t0,
			}, nil
		}

		testee := sweep.Task(logger, store, hook.None[domain.StateTransition]{})

		_, ok, err := testee(context.Background(), sweep.Seed())
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Error("the task should report progress")
		}
	})

	t.Run("a store error breaks the loop", func(t *testing.T) {
		expectedErr := errors.New("fake db error")
		store := dbmocks.NewObscalcInterface()
		store.Impl.Sweep = func(ctx context.Context) ([]domain.StateTransition, *domain.Invalidation, error) {
			return nil, nil, expectedErr
		}

		testee := sweep.Task(logger, store, hook.None[domain.StateTransition]{})

		_, ok, err := testee(context.Background(), sweep.Seed())
		if !errors.Is(err, expectedErr) {
			t.Errorf("unexpected error: %v (want: %v)", err, expectedErr)
		}
		if ok {
			t.Error("the task should not report progress")
		}
	})
}
