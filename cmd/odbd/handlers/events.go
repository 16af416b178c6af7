package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	apierr "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/api/types/errors"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/events"
)

// PostEventHandler is the intake of worker-side transitions.
//
// The loops process posts each committed transition here (as an after-hook),
// and the handler republishes it on the in-process bus so that SSE
// subscribers observe transitions no matter which process produced them.
func PostEventHandler(bus *events.Bus[domain.StateTransition]) echo.HandlerFunc {
	return func(c echo.Context) error {
		transition := domain.StateTransition{}
		if err := c.Bind(&transition); err != nil {
			return apierr.BadRequest("body should be a state transition", err)
		}
		if transition.ObservationId == "" || transition.ProgramId == "" {
			return apierr.BadRequest(
				`required fields: "observationId", "programId"`, nil,
			)
		}

		bus.Publish(transition.ProgramId, transition)
		return c.NoContent(http.StatusNoContent)
	}
}

// GetEventsHandler streams transitions of one program as server-sent events.
//
// Delivery is best-effort / at-least-once; a consumer that needs
// authoritative state re-reads the calc-state API.
func GetEventsHandler(bus *events.Bus[domain.StateTransition]) echo.HandlerFunc {
	return func(c echo.Context) error {
		programId := c.QueryParam("program")
		if programId == "" {
			return apierr.BadRequest(`query parameter "program" is required`, nil)
		}

		resp := c.Response()
		resp.Header().Set("Content-Type", "text/event-stream")
		resp.Header().Set("Cache-Control", "no-store")
		resp.Header().Set("Connection", "keep-alive")
		resp.WriteHeader(http.StatusOK)
		resp.Flush()

		ctx := c.Request().Context()
		ch, cancel := bus.Subscribe(ctx, programId)
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return nil
			case transition, ok := <-ch:
				if !ok {
					return nil
				}
				payload, err := json.Marshal(transition)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(resp, "data: %s\n\n", payload); err != nil {
					return err
				}
				resp.Flush()
			}
		}
	}
}
