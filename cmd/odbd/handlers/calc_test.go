package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/odbd/handlers"
	httptestutil "github.com/gemini-hlsw/lucuma-odb-sub008/internal/testutils/http"
	apicalc "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/api/types/calc"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	obscalcmocks "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/obscalc/db/mock"
	telluricmocks "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/telluric/db/mock"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/utils/cmp"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/utils/pointer"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/utils/try"
)

func TestInvalidateObservationHandler(t *testing.T) {
	changeTime := try.To(time.Parse(time.RFC3339, "2024-10-01T10:00:00+00:00")).OrFatal(t)

	t.Run("it marks both records dirty and responds the transition", func(t *testing.T) {
		mockCalc := obscalcmocks.NewObscalcInterface()
		mockCalc.Impl.MarkDirty = func(ctx context.Context, observationId string, at time.Time) (domain.StateTransition, error) {
			if !at.Equal(changeTime) {
				t.Errorf("unexpected changeTime: %s (want: %s)", at, changeTime)
			}
			return domain.StateTransition{
				ObservationId: observationId, ProgramId: "p-1",
				Previous: domain.CalcReady, Next: domain.CalcPending, At: at,
			}, nil
		}
		mockTelluric := telluricmocks.NewTelluricInterface()
		mockTelluric.Impl.MarkDirty = func(ctx context.Context, observationId string, at time.Time) (domain.StateTransition, error) {
			return domain.StateTransition{
				ObservationId: observationId, ProgramId: "p-1",
				Previous: domain.CalcReady, Next: domain.CalcPending, At: at,
			}, nil
		}

		e := echo.New()
		c, respRec := httptestutil.Post(
			e, "/api/observations/o-1/invalidate/",
			strings.NewReader(`{"changeTime": "2024-10-01T10:00:00+00:00"}`),
			httptestutil.ContentType("application/json"),
		)
		c.SetPath("/observations/:obsId/invalidate/")
		c.SetParamNames("obsId")
		c.SetParamValues("o-1")

		testee := handlers.InvalidateObservationHandler(mockCalc, mockTelluric, "obsId")
		if err := testee(c); err != nil {
			t.Fatal(err)
		}

		{
			actual := respRec.Result().StatusCode
			if actual != http.StatusOK {
				t.Fatalf("unmatch: status code: %d != %d", actual, http.StatusOK)
			}
		}
		{
			if mockCalc.Calls.MarkDirty.Times() != 1 {
				t.Errorf("MarkDirty (calc) should be called once: %d", mockCalc.Calls.MarkDirty.Times())
			}
			if mockTelluric.Calls.MarkDirty.Times() != 1 {
				t.Errorf("MarkDirty (telluric) should be called once: %d", mockTelluric.Calls.MarkDirty.Times())
			}
		}
		{
			actual := domain.StateTransition{}
			if err := json.Unmarshal(respRec.Body.Bytes(), &actual); err != nil {
				t.Fatalf("response is not illegal. error = %v", err)
			}
			if actual.ObservationId != "o-1" || actual.Previous != domain.CalcReady || actual.Next != domain.CalcPending {
				t.Errorf("unexpected payload: %+v", actual)
			}
		}
	})

	t.Run("it responds 404 when the observation does not exist", func(t *testing.T) {
		mockCalc := obscalcmocks.NewObscalcInterface()
		mockCalc.Impl.MarkDirty = func(ctx context.Context, observationId string, at time.Time) (domain.StateTransition, error) {
			return domain.StateTransition{}, domain.ErrMissing
		}
		mockTelluric := telluricmocks.NewTelluricInterface()

		e := echo.New()
		c, _ := httptestutil.Post(
			e, "/api/observations/o-missing/invalidate/",
			strings.NewReader(`{"changeTime": "2024-10-01T10:00:00+00:00"}`),
			httptestutil.ContentType("application/json"),
		)
		c.SetPath("/observations/:obsId/invalidate/")
		c.SetParamNames("obsId")
		c.SetParamValues("o-missing")

		testee := handlers.InvalidateObservationHandler(mockCalc, mockTelluric, "obsId")
		err := testee(c)
		if err == nil {
			t.Fatal("error should occur")
		}

		echoErr := new(echo.HTTPError)
		if !errors.As(err, &echoErr) {
			t.Fatalf("error is not echo.HTTPError: %+v", err)
		}
		if echoErr.Code != http.StatusNotFound {
			t.Errorf("unmatch: status code: %d != %d", echoErr.Code, http.StatusNotFound)
		}
		if mockTelluric.Calls.MarkDirty.Times() != 0 {
			t.Error("the telluric record should be left alone")
		}
	})
}

func TestInvalidateOwnerHandler(t *testing.T) {
	changeTime := try.To(time.Parse(time.RFC3339, "2024-10-01T10:00:00+00:00")).OrFatal(t)

	for name, testcase := range map[string]struct {
		scope   domain.SweepScope
		param   string
		ownerId string
	}{
		"program scope": {scope: domain.ScopeProgram, param: "programId", ownerId: "p-1"},
		"cfp scope":     {scope: domain.ScopeCfp, param: "cfpId", ownerId: "c-1"},
	} {
		t.Run(name, func(t *testing.T) {
			mockCalc := obscalcmocks.NewObscalcInterface()
			mockCalc.Impl.MarkDirtyForOwner = func(ctx context.Context, invalidation domain.Invalidation) error {
				return nil
			}

			e := echo.New()
			c, respRec := httptestutil.Post(
				e, "/api/owners/"+testcase.ownerId+"/invalidate/",
				strings.NewReader(`{"changeTime": "2024-10-01T10:00:00+00:00"}`),
				httptestutil.ContentType("application/json"),
			)
			c.SetParamNames(testcase.param)
			c.SetParamValues(testcase.ownerId)

			testee := handlers.InvalidateOwnerHandler(mockCalc, testcase.scope, testcase.param)
			if err := testee(c); err != nil {
				t.Fatal(err)
			}

			{
				actual := respRec.Result().StatusCode
				if actual != http.StatusAccepted {
					t.Fatalf("unmatch: status code: %d != %d", actual, http.StatusAccepted)
				}
			}
			{
				actual := mockCalc.Calls.MarkDirtyForOwner
				expected := []domain.Invalidation{
					{Scope: testcase.scope, ScopeId: testcase.ownerId, ChangeTime: changeTime},
				}
				if !cmp.SliceEqWith(actual, expected, func(a, b domain.Invalidation) bool {
					return a.Scope == b.Scope && a.ScopeId == b.ScopeId && a.ChangeTime.Equal(b.ChangeTime)
				}) {
					t.Errorf(
						"unmatch: query for MarkDirtyForOwner: (actual, expected) = (%+v, %+v)",
						actual, expected,
					)
				}
			}
			{
				actual := apicalc.Queued{}
				if err := json.Unmarshal(respRec.Body.Bytes(), &actual); err != nil {
					t.Fatalf("response is not illegal. error = %v", err)
				}
				if actual.Scope != string(testcase.scope) || actual.ScopeId != testcase.ownerId {
					t.Errorf("unexpected payload: %+v", actual)
				}
			}
		})
	}
}

func TestGetCalcStateHandler(t *testing.T) {
	t0 := try.To(time.Parse(time.RFC3339, "2024-10-01T10:00:00+00:00")).OrFatal(t)
	t1 := try.To(time.Parse(time.RFC3339, "2024-10-01T11:00:00+00:00")).OrFatal(t)

	t.Run("it responds the record as JSON", func(t *testing.T) {
		record := domain.CalcRecord{
			ObservationId: "o-1", ProgramId: "p-1", State: domain.CalcRetry,
			LastInvalidation: t0, LastUpdate: t0,
			RetryAt: pointer.Ref(t1), FailureCount: 2,
		}
		mockCalc := obscalcmocks.NewObscalcInterface()
		mockCalc.Impl.Get = func(ctx context.Context, observationIds []string) (map[string]domain.CalcRecord, error) {
			return map[string]domain.CalcRecord{"o-1": record}, nil
		}

		e := echo.New()
		c, respRec := httptestutil.Get(e, "/api/observations/o-1/calc-state/")
		c.SetPath("/observations/:obsId/calc-state/")
		c.SetParamNames("obsId")
		c.SetParamValues("o-1")

		testee := handlers.GetCalcStateHandler(mockCalc)
		if err := testee(c); err != nil {
			t.Fatal(err)
		}

		{
			actual := mockCalc.Calls.Get
			expected := [][]string{{"o-1"}}
			if !cmp.SliceEqWith(actual, expected, cmp.SliceContentEq[string]) {
				t.Errorf(
					"unmatch: query for Get: (actual, expected) = (%+v, %+v)",
					actual, expected,
				)
			}
		}
		{
			actual := strings.Split(respRec.Result().Header.Get("Content-Type"), ";")[0]
			if actual != "application/json" {
				t.Fatalf("unmatch: Content-Type header: %s", actual)
			}
		}
		{
			actual := apicalc.Detail{}
			if err := json.Unmarshal(respRec.Body.Bytes(), &actual); err != nil {
				t.Fatalf("response is not illegal. error = %v", err)
			}
			if actual.ObservationId != "o-1" || actual.State != "retry" || actual.FailureCount != 2 {
				t.Errorf("unexpected payload: %+v", actual)
			}
			if actual.RetryAt == nil || !actual.RetryAt.Equal(t1) {
				t.Errorf("unexpected retryAt: %v (want: %s)", actual.RetryAt, t1)
			}
			if actual.Result != nil {
				t.Errorf("result should be omitted: %+v", actual.Result)
			}
		}
	})

	t.Run("it responds 404 when there is no record", func(t *testing.T) {
		mockCalc := obscalcmocks.NewObscalcInterface()
		mockCalc.Impl.Get = func(ctx context.Context, observationIds []string) (map[string]domain.CalcRecord, error) {
			return map[string]domain.CalcRecord{}, nil
		}

		e := echo.New()
		c, _ := httptestutil.Get(e, "/api/observations/o-missing/calc-state/")
		c.SetPath("/observations/:obsId/calc-state/")
		c.SetParamNames("obsId")
		c.SetParamValues("o-missing")

		testee := handlers.GetCalcStateHandler(mockCalc)
		err := testee(c)
		if err == nil {
			t.Fatal("error should occur")
		}

		echoErr := new(echo.HTTPError)
		if !errors.As(err, &echoErr) {
			t.Fatalf("error is not echo.HTTPError: %+v", err)
		}
		if echoErr.Code != http.StatusNotFound {
			t.Errorf("unmatch: status code: %d != %d", echoErr.Code, http.StatusNotFound)
		}
	})
}
