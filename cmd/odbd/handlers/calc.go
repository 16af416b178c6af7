package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	apicalc "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/api/types/calc"
	apierr "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/api/types/errors"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	kdb "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/obscalc/db"
	tdb "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/telluric/db"
)

// InvalidateObservationHandler marks one observation's derived results stale.
//
// An observation edit invalidates both the calculation record and the
// telluric record; the response carries the calculation record's transition.
func InvalidateObservationHandler(
	dbCalc kdb.Interface,
	dbTelluric tdb.Interface,
	paramObsId string,
) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")
		observationId := c.Param(paramObsId)
		ctx := c.Request().Context()

		req := apicalc.Invalidation{}
		if err := c.Bind(&req); err != nil {
			return apierr.BadRequest(`body should be {"changeTime": RFC3339 date-time}`, err)
		}
		changeTime := req.ChangeTime
		if changeTime.IsZero() {
			changeTime = time.Now()
		}

		transition, err := dbCalc.MarkDirty(ctx, observationId, changeTime)
		if err != nil {
			if errors.Is(err, domain.ErrMissing) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}

		if _, err := dbTelluric.MarkDirty(ctx, observationId, changeTime); err != nil {
			// the calc record is already dirty; losing the telluric mark
			// would leave the two records out of step.
			return apierr.InternalServerError(err)
		}

		return c.JSON(http.StatusOK, transition)
	}
}

// InvalidateOwnerHandler queues an owner-scoped invalidation for the sweep
// loop. The scope is fixed per route (program or cfp).
func InvalidateOwnerHandler(
	dbCalc kdb.Interface,
	scope domain.SweepScope,
	paramOwnerId string,
) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")
		ownerId := c.Param(paramOwnerId)
		ctx := c.Request().Context()

		req := apicalc.Invalidation{}
		if err := c.Bind(&req); err != nil {
			return apierr.BadRequest(`body should be {"changeTime": RFC3339 date-time}`, err)
		}
		changeTime := req.ChangeTime
		if changeTime.IsZero() {
			changeTime = time.Now()
		}

		invalidation := domain.Invalidation{
			Scope: scope, ScopeId: ownerId, ChangeTime: changeTime,
		}
		if err := dbCalc.MarkDirtyForOwner(ctx, invalidation); err != nil {
			return apierr.InternalServerError(err)
		}

		// 202: the fan-out happens later, in the sweep loop.
		return c.JSON(http.StatusAccepted, apicalc.ComposeQueued(invalidation))
	}
}

// GetCalcStateHandler is the read API for one calculation record.
func GetCalcStateHandler(dbCalc kdb.Interface) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")
		observationId := c.Param("obsId")
		ctx := c.Request().Context()

		records, err := dbCalc.Get(ctx, []string{observationId})
		if err != nil {
			return apierr.InternalServerError(err)
		}

		record, ok := records[observationId]
		if !ok {
			return apierr.NotFound()
		}

		return c.JSON(http.StatusOK, apicalc.ComposeDetail(record))
	}
}
