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
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/utils/try"
)

func TestObscalc_Fail(t *testing.T) {
	poolBroaker := testenv.NewPoolBroaker(context.Background(), t)

	t0 := try.To(time.Parse(time.RFC3339, "2024-10-01T10:00:00+00:00")).OrFatal(t)
	t1 := try.To(time.Parse(time.RFC3339, "2024-10-01T11:00:00+00:00")).OrFatal(t)
	t2 := try.To(time.Parse(time.RFC3339, "2024-10-01T12:00:00+00:00")).OrFatal(t)

	policy := domain.RetryPolicy{
		MaxFailures:     3,
		InitialInterval: 10 * time.Second,
		Factor:          2.0,
		MaxInterval:     time.Minute,
	}

	base := th.Fixture{
		Program: []th.Program{
			{ProgramId: "p-1", Name: "survey"},
		},
		Observation: []th.Observation{
			{ObservationId: "o-a", ProgramId: "p-1", Existence: true},
		},
	}

	calculating := func(lastInvalidation time.Time, failureCount int) th.Fixture {
		fixture := base
		fixture.Obscalc = []th.Obscalc{
			{
				ObservationId: "o-a", ProgramId: "p-1",
				State:            domain.CalcCalculating,
				LastInvalidation: lastInvalidation, LastUpdate: t0,
				FailureCount: failureCount,
			},
		}
		return fixture
	}

	t.Run("it schedules a retry with backoff for a transient failure", func(t *testing.T) {
		ctx := context.Background()
		pool := poolBroaker.GetPool(ctx, t)
		th.ApplyFixture(ctx, t, pool, calculating(t0, 1))

		testee := kpgobscalc.New(pool)

		outcome, transition, err := testee.Fail(
			ctx, "o-a", t0,
			domain.Failure{Class: domain.FailureTransient, Message: "itc unreachable"},
			policy, t2,
		)
		if err != nil {
			t.Fatal(err)
		}
		if outcome != domain.FailureRetryScheduled {
			t.Errorf("unexpected outcome: %s (want: retryScheduled)", outcome)
		}
		if transition.Previous != domain.CalcCalculating || transition.Next != domain.CalcRetry {
			t.Errorf("unexpected transition: %s -> %s", transition.Previous, transition.Next)
		}

		row := th.GetObscalcRow(ctx, t, pool, "o-a")
		if row.State != domain.CalcRetry {
			t.Errorf("unexpected state: %s", row.State)
		}
		if row.FailureCount != 2 {
			t.Errorf("unexpected failureCount: %d (want: 2)", row.FailureCount)
		}
		// second retry of the policy waits 20s.
		if want := t2.Add(20 * time.Second); row.RetryAt == nil || !row.RetryAt.Equal(want) {
			t.Errorf("unexpected retryAt: %v (want: %s)", row.RetryAt, want)
		}
	})

	t.Run("it marks the record failed when retries are exhausted", func(t *testing.T) {
		ctx := context.Background()
		pool := poolBroaker.GetPool(ctx, t)
		th.ApplyFixture(ctx, t, pool, calculating(t0, policy.MaxFailures))

		testee := kpgobscalc.New(pool)

		outcome, transition, err := testee.Fail(
			ctx, "o-a", t0,
			domain.Failure{Class: domain.FailureTransient, Message: "itc unreachable"},
			policy, t2,
		)
		if err != nil {
			t.Fatal(err)
		}
		if outcome != domain.FailurePermanent {
			t.Errorf("unexpected outcome: %s (want: permanent)", outcome)
		}
		if transition.Next != domain.CalcFailed {
			t.Errorf("unexpected next state: %s (want: failed)", transition.Next)
		}

		row := th.GetObscalcRow(ctx, t, pool, "o-a")
		if row.State != domain.CalcFailed {
			t.Errorf("unexpected state: %s", row.State)
		}
		if row.ErrorMessage == nil || *row.ErrorMessage != "itc unreachable" {
			t.Errorf("unexpected errorMessage: %v", row.ErrorMessage)
		}
		if !row.LastUpdate.Equal(t2) {
			t.Errorf("a permanent failure is an update: lastUpdate=%s (want: %s)", row.LastUpdate, t2)
		}
		if row.FailureCount != 0 || row.RetryAt != nil {
			t.Error("retry bookkeeping should be cleared in failed")
		}
	})

	t.Run("it marks the record failed at once for an invalid-input failure", func(t *testing.T) {
		ctx := context.Background()
		pool := poolBroaker.GetPool(ctx, t)
		th.ApplyFixture(ctx, t, pool, calculating(t0, 0))

		testee := kpgobscalc.New(pool)

		outcome, _, err := testee.Fail(
			ctx, "o-a", t0,
			domain.Failure{Class: domain.FailurePermanentInput, Message: "no targets defined"},
			policy, t2,
		)
		if err != nil {
			t.Fatal(err)
		}
		if outcome != domain.FailurePermanent {
			t.Errorf("unexpected outcome: %s (want: permanent)", outcome)
		}

		row := th.GetObscalcRow(ctx, t, pool, "o-a")
		if row.State != domain.CalcFailed {
			t.Errorf("unexpected state: %s", row.State)
		}
		if row.ErrorMessage == nil || *row.ErrorMessage != "no targets defined" {
			t.Errorf("unexpected errorMessage: %v", row.ErrorMessage)
		}
	})

	t.Run("it returns the record to pending when invalidated after the claim", func(t *testing.T) {
		ctx := context.Background()
		pool := poolBroaker.GetPool(ctx, t)
		th.ApplyFixture(ctx, t, pool, calculating(t1, 2)) // invalidated past token t0

		testee := kpgobscalc.New(pool)

		outcome, transition, err := testee.Fail(
			ctx, "o-a", t0,
			domain.Failure{Class: domain.FailureTransient, Message: "itc unreachable"},
			policy, t2,
		)
		if err != nil {
			t.Fatal(err)
		}
		if outcome != domain.FailureSuperseded {
			t.Errorf("unexpected outcome: %s (want: superseded)", outcome)
		}
		if transition.Next != domain.CalcPending {
			t.Errorf("unexpected next state: %s (want: pending)", transition.Next)
		}

		row := th.GetObscalcRow(ctx, t, pool, "o-a")
		if row.State != domain.CalcPending {
			t.Errorf("unexpected state: %s", row.State)
		}
		if row.FailureCount != 0 || row.RetryAt != nil {
			t.Error("bookkeeping should be reset on the superseded path")
		}
	})

	t.Run("it errors when the record is not calculating", func(t *testing.T) {
		ctx := context.Background()
		pool := poolBroaker.GetPool(ctx, t)

		fixture := base
		fixture.Obscalc = []th.Obscalc{
			{
				ObservationId: "o-a", ProgramId: "p-1",
				State: domain.CalcReady, LastInvalidation: t0, LastUpdate: t1,
				Result: []byte(`{"itc":{},"digest":{},"workflow":{}}`),
			},
		}
		th.ApplyFixture(ctx, t, pool, fixture)

		testee := kpgobscalc.New(pool)

		_, _, err := testee.Fail(
			ctx, "o-a", t0,
			domain.Failure{Class: domain.FailureTransient, Message: "boom"},
			policy, t2,
		)
		if !errors.Is(err, domain.ErrInvalidCalcStateChanging) {
			t.Errorf("unexpected error: %v (want: %v)", err, domain.ErrInvalidCalcStateChanging)
		}
	})
}
