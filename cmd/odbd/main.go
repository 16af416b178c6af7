package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/odbd/handlers"
	configs "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/configs/backend"
	kpool "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/conn/postgres/pool"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/events"
	obscalcpg "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/obscalc/db/postgres"
	schema "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/schema/db"
	telluricpg "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/telluric/db/postgres"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/utils/echoutil"
)

func main() {
	configPath := flag.String(
		"config", os.Getenv("ODB_BACKEND_CONFIG"), "path to config file",
	)
	loglevel := flag.String("loglevel", "info", "log level. debug|info|warn|error|off")
	flag.Parse()

	e := echo.New()
	e.Pre(middleware.AddTrailingSlash())

	// set log
	echoutil.SetLevel(e, *loglevel)
	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		e.DefaultHTTPErrorHandler(err, ctx)
		e.Logger.Error(err)
	}
	e.Use(echoutil.LogHandlerFunc)

	conf, err := configs.LoadBackendConfig(*configPath)
	if err != nil {
		log.Fatalf("can not read configration: %s", err)
	}

	ctx := context.Background()
	pgpool, err := pgxpool.Connect(ctx, conf.Database())
	if err != nil {
		log.Fatalf("can not connect to database: %s", err)
	}
	defer pgpool.Close()
	pool := kpool.Wrap(pgpool)

	{
		sc := schema.New(pool)
		if err := sc.Apply(ctx); err != nil {
			log.Fatalf("can not apply database schema: %s", err)
		}
		version, err := sc.Version(ctx)
		if err != nil {
			log.Fatalf("can not read database schema version: %s", err)
		}
		if version != schema.CurrentVersion {
			log.Fatalf("unexpected schema version: %d (want: %d)", version, schema.CurrentVersion)
		}
	}

	dbCalc := obscalcpg.New(pool)
	dbTelluric := telluricpg.New(pool)
	bus := events.NewBus[domain.StateTransition]()

	// handlers
	{
		obsId := "obsId"
		e.POST(
			"/api/observations/:obsId/invalidate/",
			handlers.InvalidateObservationHandler(dbCalc, dbTelluric, obsId),
		)
		e.GET("/api/observations/:obsId/calc-state/", handlers.GetCalcStateHandler(dbCalc))
		e.GET("/api/observations/:obsId/telluric/", handlers.GetTelluricHandler(dbTelluric))
	}

	{
		e.POST(
			"/api/programs/:programId/invalidate/",
			handlers.InvalidateOwnerHandler(dbCalc, domain.ScopeProgram, "programId"),
		)
		e.POST(
			"/api/cfps/:cfpId/invalidate/",
			handlers.InvalidateOwnerHandler(dbCalc, domain.ScopeCfp, "cfpId"),
		)
	}

	{
		e.GET("/api/events/", handlers.GetEventsHandler(bus))
		e.POST("/api/events/", handlers.PostEventHandler(bus))
	}

	log.Println("registred routes:")
	for _, r := range e.Routes() {
		log.Println(r.Method, r.Path)
	}

	e.Logger.Fatal(e.Start(fmt.Sprintf(":%d", conf.Port())))
}
