package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/loops/recurring"
	configs "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/configs/backend"
	cfg_hook "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/configs/hook"
	kpool "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/conn/postgres/pool"
	schema "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/schema/db"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/utils/args"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/utils/filewatch"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/utils/try"
)

func main() {
	logger := log.Default()
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, os.Kill, syscall.SIGTERM,
	)
	// call cancel() when this function exits
	defer cancel()

	// define command line flags
	//-- path to config file
	pconfig := flag.String(
		"config", os.Getenv("ODB_BACKEND_CONFIG"), "path to config file",
	)
	phooks := flag.String(
		"hooks", os.Getenv("ODB_HOOK_CONFIG"), "path to hook config file",
	)
	//-- which loop type to run
	loopType := args.Parser(AsLoopType)
	flag.Var(loopType, "type", "one of loop type (obscalc|telluric|sweep)")
	//-- loop policy
	policy := args.Parser(recurring.ParsePolicy)
	flag.Var(
		policy, "policy",
		`loop policy (syntax: forever[:COOLDOWN]|backlog).`+
			` "forever[:COOLDOWN]" = run forever until error. When backlog is over, `+
			`wait COOLDOWN (optional duration. default: 0) as inteval.`+
			` "backlog" = run until error or backlog is over.`,
	)
	// parse command line flags
	flag.Parse()

	{
		// watch config & hooks
		targets := []string{*pconfig}
		if *phooks != "" {
			targets = append(targets, *phooks)
		}
		wctx, cancel, err := filewatch.UntilModifyContext(ctx, targets...)
		if err != nil {
			logger.Fatal(err)
		}
		defer cancel()
		ctx = wctx
	}

	conf := try.To(configs.LoadBackendConfig(*pconfig)).OrFatal(logger)

	pool := kpool.Wrap(try.To(pgxpool.Connect(ctx, conf.Database())).OrFatal(logger))
	{
		sc := schema.New(pool)
		if err := sc.Apply(ctx); err != nil {
			logger.Fatal(err)
		}
		if version := try.To(sc.Version(ctx)).OrFatal(logger); version != schema.CurrentVersion {
			logger.Fatalf("unexpected schema version: %d (want: %d)", version, schema.CurrentVersion)
		}
	}

	hooks := cfg_hook.Hooks{}
	if hookPath := *phooks; hookPath != "" {
		hooks = try.To(cfg_hook.Load(hookPath)).OrFatal(logger)
	}

	logger.Printf(
		`start loop "%s" /w policy "%s"`,
		loopType.Value().String(), policy.Value().String(),
	)

	err := StartLoop(
		ctx, logger, conf, pool,
		LoopManifest{
			Type:   loopType.Value(),
			Policy: recurring.UntilError(policy.Value()),
			Hooks:  hooks,
		},
	)

	if err == nil {
		return
	} else if errors.Is(err, context.Canceled) {
		logger.Fatal(err, "(loop context is cancelled by:", context.Cause(ctx), ")")
	}

	if ctx.Err() != nil {
		logger.Fatal(err)
	}
}
