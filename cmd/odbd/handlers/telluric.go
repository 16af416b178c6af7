package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	apierr "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/api/types/errors"
	apitelluric "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/api/types/telluric"
	tdb "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/telluric/db"
)

// GetTelluricHandler is the read API for one telluric resolution record.
func GetTelluricHandler(dbTelluric tdb.Interface) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Content-Type", "application/json")
		observationId := c.Param("obsId")
		ctx := c.Request().Context()

		records, err := dbTelluric.Get(ctx, []string{observationId})
		if err != nil {
			return apierr.InternalServerError(err)
		}

		record, ok := records[observationId]
		if !ok {
			return apierr.NotFound()
		}

		return c.JSON(http.StatusOK, apitelluric.ComposeDetail(record))
	}
}
