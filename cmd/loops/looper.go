package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/loops/hook"
	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/loops/recurring"
	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/loops/tasks/obscalc"
	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/loops/tasks/sweep"
	"github.com/gemini-hlsw/lucuma-odb-sub008/cmd/loops/tasks/telluric"
	configs "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/configs/backend"
	cfg_hook "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/configs/hook"
	kpool "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/conn/postgres/pool"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/obscalc/compute"
	obscalcpg "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/obscalc/db/postgres"
	telluricpg "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/telluric/db/postgres"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/telluric/resolve"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/loop"
)

// LoopType is the kind of loop this process runs.
type LoopType string

const (
	TypeObscalc  LoopType = "obscalc"
	TypeTelluric LoopType = "telluric"
	TypeSweep    LoopType = "sweep"
)

func (t LoopType) String() string {
	return string(t)
}

func AsLoopType(s string) (LoopType, error) {
	switch LoopType(s) {
	case TypeObscalc:
		return TypeObscalc, nil
	case TypeTelluric:
		return TypeTelluric, nil
	case TypeSweep:
		return TypeSweep, nil
	default:
		return "", fmt.Errorf("unknown loop type: %s (should be one of -- obscalc|telluric|sweep)", s)
	}
}

type LoggerOptions func(*log.Logger) *log.Logger

func byLogger(l *log.Logger, opt ...LoggerOptions) *log.Logger {
	for _, o := range opt {
		l = o(l)
	}
	return l
}

func Copied() LoggerOptions {
	return func(l *log.Logger) *log.Logger {
		return log.New(l.Writer(), l.Prefix(), l.Flags())
	}
}

func WithPrefix(pre string) LoggerOptions {
	return func(l *log.Logger) *log.Logger {
		l.SetPrefix(pre)
		return l
	}
}

func WithTimestamp() LoggerOptions {
	return func(l *log.Logger) *log.Logger {
		l.SetFlags(l.Flags() | log.Ldate | log.Ltime | log.Lmicroseconds)
		return l
	}
}

// Wrapper for monitoring loop tasks
//
//	Log the start and end of each time a task is executed. Essentially, it executes a task.
func monitor[T any](logger *log.Logger, task loop.Task[T]) loop.Task[T] {
	// counter for execution of the task
	var counter uint64
	return func(ctx context.Context, t T) (ret T, next loop.Next) {
		counter += 1
		timestamp := time.Now()

		logger.Printf("task start: #0x%X: ", counter)

		// log at the end of the task
		defer func() {
			logger.Printf(
				"task end: #0x%X (takes %s): %s",
				counter, time.Since(timestamp), next,
			)
		}()

		ret, next = task(ctx, t)
		return
	}
}

// Manifest for starting a loop, which determines how the loop should behave.
type LoopManifest struct {
	// which loop to run
	Type LoopType

	// Policy for the looping
	Policy recurring.Policy

	// Hooks for the looping
	Hooks cfg_hook.Hooks
}

// requeuer is the startup recovery of both calculation stores.
//
// Claims do not survive the process that took them, so records left
// calculating by a crashed predecessor go back to pending before the
// workers start.
type requeuer interface {
	RequeueCalculating(ctx context.Context) ([]domain.StateTransition, error)
}

func requeueOrphans(
	ctx context.Context,
	logger *log.Logger,
	store requeuer,
	lifecycle hook.Hook[domain.StateTransition],
) error {
	transitions, err := store.RequeueCalculating(ctx)
	if err != nil {
		return err
	}
	if len(transitions) == 0 {
		return nil
	}

	logger.Printf("requeued %d orphaned claim(s) from a previous process", len(transitions))
	for _, transition := range transitions {
		if err := lifecycle.After(transition); err != nil {
			logger.Printf("after-hook failed (continuing): %s", err)
		}
	}
	return nil
}

// StartObscalcLoop claims and computes stale observation records.
//
// It runs conf.Calc().Workers() claimers concurrently. Claims are
// serialized by the store, so the workers never collide; they just drain
// the backlog faster.
func StartObscalcLoop(
	ctx context.Context,
	logger *log.Logger,
	conf *configs.BackendConfig,
	pool kpool.Pool,
	manifest LoopManifest,
) error {
	store := obscalcpg.New(pool)
	lifecycle := hook.Build(manifest.Hooks.Obscalc)
	if err := requeueOrphans(
		ctx, byLogger(logger, Copied(), WithPrefix("[obscalc loop]")), store, lifecycle,
	); err != nil {
		return err
	}

	calculator := compute.Web{
		URL:     conf.Services().Calculator(),
		Timeout: conf.Calc().Timeout(),
	}

	eg, egctx := errgroup.WithContext(ctx)
	for i := range conf.Calc().Workers() {
		l := byLogger(logger, Copied(), WithPrefix(fmt.Sprintf("[obscalc loop #%d]", i+1)))
		eg.Go(func() error {
			_, err := loop.Start(
				egctx, obscalc.Seed(),
				monitor(
					l,
					obscalc.Task(
						l, store, calculator,
						conf.Calc().Timeout(), conf.Calc().Retry(),
						lifecycle,
					).Applied(manifest.Policy),
				),
			)
			return err
		})
	}
	return eg.Wait()
}

func StartTelluricLoop(
	ctx context.Context,
	logger *log.Logger,
	conf *configs.BackendConfig,
	pool kpool.Pool,
	manifest LoopManifest,
) error {
	store := telluricpg.New(pool)
	snapshots := obscalcpg.New(pool)
	lifecycle := hook.Build(manifest.Hooks.Telluric)

	l := byLogger(logger, Copied(), WithPrefix("[telluric loop]"))
	if err := requeueOrphans(ctx, l, store, lifecycle); err != nil {
		return err
	}

	resolver := resolve.Web{
		URL:     conf.Services().Catalog(),
		Timeout: conf.Calc().Timeout(),
	}

	_, err := loop.Start(
		ctx, telluric.Seed(),
		monitor(
			l,
			telluric.Task(
				l, store, snapshots, resolver,
				conf.Calc().Timeout(), conf.Calc().Retry(),
				lifecycle,
			).Applied(manifest.Policy),
		),
	)
	return err
}

func StartSweepLoop(
	ctx context.Context,
	logger *log.Logger,
	conf *configs.BackendConfig,
	pool kpool.Pool,
	manifest LoopManifest,
) error {
	l := byLogger(logger, Copied(), WithPrefix("[sweep loop]"))
	_, err := loop.Start(
		ctx, sweep.Seed(),
		monitor(
			l,
			sweep.Task(
				l, obscalcpg.New(pool), hook.Build(manifest.Hooks.Sweep),
			).Applied(manifest.Policy),
		),
		loop.WithTimeout(30*time.Second),
	)
	return err
}

func StartLoop(
	ctx context.Context,
	logger *log.Logger,
	conf *configs.BackendConfig,
	pool kpool.Pool,
	manifest LoopManifest,
) error {
	switch manifest.Type {
	case TypeObscalc:
		return StartObscalcLoop(ctx, logger, conf, pool, manifest)
	case TypeTelluric:
		return StartTelluricLoop(ctx, logger, conf, pool, manifest)
	case TypeSweep:
		return StartSweepLoop(ctx, logger, conf, pool, manifest)
	default:
		return fmt.Errorf("unknown loop type: %s", manifest.Type)
	}
}
