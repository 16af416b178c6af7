package tests_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/conn/postgres/pool/testenv"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	th "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/internal/db/postgres/testhelpers"
	kpgobscalc "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/obscalc/db/postgres"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/utils/pointer"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/utils/try"
)

func TestObscalc_MarkDirty(t *testing.T) {
	poolBroaker := testenv.NewPoolBroaker(context.Background(), t)

	t0 := try.To(time.Parse(time.RFC3339, "2024-10-01T10:00:00+00:00")).OrFatal(t)
	t1 := try.To(time.Parse(time.RFC3339, "2024-10-01T11:00:00+00:00")).OrFatal(t)
	t2 := try.To(time.Parse(time.RFC3339, "2024-10-01T12:00:00+00:00")).OrFatal(t)

	fixture := th.Fixture{
		Program: []th.Program{
			{ProgramId: "p-1", Name: "survey"},
		},
		Observation: []th.Observation{
			{ObservationId: "o-new", ProgramId: "p-1", Existence: true},
			{ObservationId: "o-ready", ProgramId: "p-1", Existence: true},
			{ObservationId: "o-retry", ProgramId: "p-1", Existence: true},
			{ObservationId: "o-calculating", ProgramId: "p-1", Existence: true},
			{ObservationId: "o-failed", ProgramId: "p-1", Existence: true},
		},
		Obscalc: []th.Obscalc{
			{
				ObservationId: "o-ready", ProgramId: "p-1",
				State:            domain.CalcReady,
				LastInvalidation: t0, LastUpdate: t1,
				Result: []byte(`{"itc":{},"digest":{},"workflow":{}}`),
			},
			{
				ObservationId: "o-retry", ProgramId: "p-1",
				State:            domain.CalcRetry,
				LastInvalidation: t0, LastUpdate: t0,
				RetryAt: pointer.Ref(t1), FailureCount: 2,
				ErrorMessage: pointer.Ref("itc timed out"),
			},
			{
				ObservationId: "o-calculating", ProgramId: "p-1",
				State:            domain.CalcCalculating,
				LastInvalidation: t0, LastUpdate: t0,
			},
			{
				ObservationId: "o-failed", ProgramId: "p-1",
				State:            domain.CalcFailed,
				LastInvalidation: t0, LastUpdate: t1,
				FailureCount: 3,
				ErrorMessage: pointer.Ref("asterism has no targets"),
			},
		},
	}

	t.Run("it creates a pending record for an observation without one", func(t *testing.T) {
		ctx := context.Background()
		pool := poolBroaker.GetPool(ctx, t)
		th.ApplyFixture(ctx, t, pool, fixture)

		testee := kpgobscalc.New(pool)

		transition := try.To(testee.MarkDirty(ctx, "o-new", t2)).OrFatal(t)

		if transition.Previous != "" || transition.Next != domain.CalcPending {
			t.Errorf(
				"unexpected transition: %s -> %s (want: <none> -> pending)",
				transition.Previous, transition.Next,
			)
		}
		if transition.ProgramId != "p-1" {
			t.Errorf("unexpected program id: %s", transition.ProgramId)
		}

		row := th.GetObscalcRow(ctx, t, pool, "o-new")
		if row.State != domain.CalcPending {
			t.Errorf("unexpected state: %s", row.State)
		}
		if !row.LastInvalidation.Equal(t2) {
			t.Errorf("unexpected lastInvalidation: %s (want: %s)", row.LastInvalidation, t2)
		}
	})

	t.Run("it returns a ready record to pending and keeps the old result", func(t *testing.T) {
		ctx := context.Background()
		pool := poolBroaker.GetPool(ctx, t)
		th.ApplyFixture(ctx, t, pool, fixture)

		testee := kpgobscalc.New(pool)

		transition := try.To(testee.MarkDirty(ctx, "o-ready", t2)).OrFatal(t)

		if transition.Previous != domain.CalcReady || transition.Next != domain.CalcPending {
			t.Errorf(
				"unexpected transition: %s -> %s (want: ready -> pending)",
				transition.Previous, transition.Next,
			)
		}
		if !transition.Changed() {
			t.Error("transition should be a change")
		}

		row := th.GetObscalcRow(ctx, t, pool, "o-ready")
		if row.State != domain.CalcPending {
			t.Errorf("unexpected state: %s", row.State)
		}
		if !row.LastInvalidation.Equal(t2) {
			t.Errorf("unexpected lastInvalidation: %s", row.LastInvalidation)
		}
		if row.Result == nil {
			t.Error("the stale result should survive until the next completion")
		}
	})

	t.Run("it resets retry bookkeeping when a retry record is invalidated", func(t *testing.T) {
		ctx := context.Background()
		pool := poolBroaker.GetPool(ctx, t)
		th.ApplyFixture(ctx, t, pool, fixture)

		testee := kpgobscalc.New(pool)

		transition := try.To(testee.MarkDirty(ctx, "o-retry", t2)).OrFatal(t)

		if transition.Previous != domain.CalcRetry || transition.Next != domain.CalcPending {
			t.Errorf(
				"unexpected transition: %s -> %s (want: retry -> pending)",
				transition.Previous, transition.Next,
			)
		}

		row := th.GetObscalcRow(ctx, t, pool, "o-retry")
		if row.State != domain.CalcPending {
			t.Errorf("unexpected state: %s", row.State)
		}
		if row.RetryAt != nil || row.FailureCount != 0 || row.ErrorMessage != nil {
			t.Errorf(
				"bookkeeping should be reset: retryAt=%v failureCount=%d errorMessage=%v",
				row.RetryAt, row.FailureCount, row.ErrorMessage,
			)
		}
	})

	t.Run("it revives a failed record: only a fresh invalidation clears failed", func(t *testing.T) {
		ctx := context.Background()
		pool := poolBroaker.GetPool(ctx, t)
		th.ApplyFixture(ctx, t, pool, fixture)

		testee := kpgobscalc.New(pool)

		transition := try.To(testee.MarkDirty(ctx, "o-failed", t2)).OrFatal(t)

		if transition.Previous != domain.CalcFailed || transition.Next != domain.CalcPending {
			t.Errorf(
				"unexpected transition: %s -> %s (want: failed -> pending)",
				transition.Previous, transition.Next,
			)
		}
		if !transition.Changed() {
			t.Error("transition should be a change")
		}

		row := th.GetObscalcRow(ctx, t, pool, "o-failed")
		if row.State != domain.CalcPending {
			t.Errorf("unexpected state: %s", row.State)
		}
		if !row.LastInvalidation.Equal(t2) {
			t.Errorf("unexpected lastInvalidation: %s", row.LastInvalidation)
		}
		if row.RetryAt != nil || row.FailureCount != 0 || row.ErrorMessage != nil {
			t.Errorf(
				"failure bookkeeping should be cleared: retryAt=%v failureCount=%d errorMessage=%v",
				row.RetryAt, row.FailureCount, row.ErrorMessage,
			)
		}
	})

	t.Run("it leaves a calculating record calculating", func(t *testing.T) {
		ctx := context.Background()
		pool := poolBroaker.GetPool(ctx, t)
		th.ApplyFixture(ctx, t, pool, fixture)

		testee := kpgobscalc.New(pool)

		transition := try.To(testee.MarkDirty(ctx, "o-calculating", t2)).OrFatal(t)

		if transition.Previous != domain.CalcCalculating || transition.Next != domain.CalcCalculating {
			t.Errorf("unexpected transition: %s -> %s", transition.Previous, transition.Next)
		}
		if transition.Changed() {
			t.Error("transition should not be a change")
		}

		row := th.GetObscalcRow(ctx, t, pool, "o-calculating")
		if row.State != domain.CalcCalculating {
			t.Errorf("unexpected state: %s", row.State)
		}
		if !row.LastInvalidation.Equal(t2) {
			t.Errorf("lastInvalidation should still advance: %s", row.LastInvalidation)
		}
	})

	t.Run("it ignores invalidations not after the recorded one", func(t *testing.T) {
		ctx := context.Background()
		pool := poolBroaker.GetPool(ctx, t)
		th.ApplyFixture(ctx, t, pool, fixture)

		testee := kpgobscalc.New(pool)

		for name, at := range map[string]time.Time{
			"older": t0.Add(-time.Hour),
			"equal": t0,
		} {
			t.Run(name, func(t *testing.T) {
				transition := try.To(testee.MarkDirty(ctx, "o-ready", at)).OrFatal(t)
				if transition.Changed() {
					t.Errorf("unexpected change: %s -> %s", transition.Previous, transition.Next)
				}

				row := th.GetObscalcRow(ctx, t, pool, "o-ready")
				if row.State != domain.CalcReady {
					t.Errorf("unexpected state: %s", row.State)
				}
				if !row.LastInvalidation.Equal(t0) {
					t.Errorf("lastInvalidation should not move: %s", row.LastInvalidation)
				}
			})
		}
	})

	t.Run("it errors for an observation that does not exist", func(t *testing.T) {
		ctx := context.Background()
		pool := poolBroaker.GetPool(ctx, t)
		th.ApplyFixture(ctx, t, pool, fixture)

		testee := kpgobscalc.New(pool)

		if _, err := testee.MarkDirty(ctx, "o-no-such", t2); !errors.Is(err, domain.ErrMissing) {
			t.Errorf("unexpected error: %v (want: %v)", err, domain.ErrMissing)
		}
	})
}
