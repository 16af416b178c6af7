package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"

	kpool "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/conn/postgres/pool"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/errors/dberrors"
	kdb "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/obscalc/db"
)

// a struct for DB operations related to the observation calculation cache.
type obscalcPG struct { // implements kdb.Interface
	pool kpool.Pool
}

func New(pool kpool.Pool) *obscalcPG {
	return &obscalcPG{pool: pool}
}

var _ kdb.Interface = &obscalcPG{}

func (m *obscalcPG) Get(ctx context.Context, observationIds []string) (map[string]domain.CalcRecord, error) {
	if len(observationIds) == 0 {
		return map[string]domain.CalcRecord{}, nil
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(
		ctx,
		`
		select
			"c_observation_id", "c_program_id", "c_state",
			"c_last_invalidation", "c_last_update",
			"c_retry_at", "c_failure_count",
			"c_result", "c_error_message"
		from "t_obscalc"
		where "c_observation_id" = any($1::varchar[])
		`,
		observationIds,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := map[string]domain.CalcRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records[r.ObservationId] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (domain.CalcRecord, error) {
	var (
		r            domain.CalcRecord
		state        string
		resultJson   pgtype.JSONB
		errorMessage *string
	)
	if err := row.Scan(
		&r.ObservationId, &r.ProgramId, &state,
		&r.LastInvalidation, &r.LastUpdate,
		&r.RetryAt, &r.FailureCount,
		&resultJson, &errorMessage,
	); err != nil {
		return domain.CalcRecord{}, err
	}

	s, err := domain.AsCalcState(state)
	if err != nil {
		return domain.CalcRecord{}, err
	}
	r.State = s

	if resultJson.Status == pgtype.Present {
		result := new(domain.CalcResult)
		if err := json.Unmarshal(resultJson.Bytes, result); err != nil {
			return domain.CalcRecord{}, err
		}
		r.Result = result
	}
	if errorMessage != nil {
		r.ErrorMessage = *errorMessage
	}

	return r, nil
}

func (m *obscalcPG) MarkDirty(ctx context.Context, observationId string, at time.Time) (domain.StateTransition, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return domain.StateTransition{}, err
	}
	defer tx.Rollback(ctx)

	transition, err := markDirty(ctx, tx, observationId, at)
	if err != nil {
		return domain.StateTransition{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.StateTransition{}, err
	}
	return transition, nil
}

// markDirty is the single-observation invalidation, shared with Sweep.
//
// It locks the cache row (creating it in pending if absent), advances
// lastInvalidation, and resets terminated/retry records to pending.
func markDirty(ctx context.Context, tx kpool.Tx, observationId string, at time.Time) (domain.StateTransition, error) {
	var programId string
	if err := tx.QueryRow(
		ctx,
		`select "c_program_id" from "t_observation" where "c_observation_id" = $1`,
		observationId,
	).Scan(&programId); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StateTransition{}, dberrors.Missing{
				Table:    "t_observation",
				Identity: fmt.Sprintf("observation (id='%s')", observationId),
			}
		}
		return domain.StateTransition{}, err
	}

	var (
		current          string
		lastInvalidation time.Time
	)
	err := tx.QueryRow(
		ctx,
		`
		select "c_state", "c_last_invalidation" from "t_obscalc"
		where "c_observation_id" = $1
		for no key update
		`,
		observationId,
	).Scan(&current, &lastInvalidation)

	if errors.Is(err, pgx.ErrNoRows) {
		// lazy creation: the first invalidation brings the record to life.
		if _, err := tx.Exec(
			ctx,
			`
			insert into "t_obscalc" ("c_observation_id", "c_program_id", "c_last_invalidation")
			values ($1, $2, $3)
			`,
			observationId, programId, at,
		); err != nil {
			return domain.StateTransition{}, err
		}
		return domain.StateTransition{
			ObservationId: observationId,
			ProgramId:     programId,
			Previous:      "",
			Next:          domain.CalcPending,
			At:            at,
		}, nil
	} else if err != nil {
		return domain.StateTransition{}, err
	}

	previous, err := domain.AsCalcState(current)
	if err != nil {
		return domain.StateTransition{}, err
	}

	// level signal, not edge: an invalidation already covered by
	// lastInvalidation has nothing to add.
	if !at.After(lastInvalidation) {
		return domain.StateTransition{
			ObservationId: observationId,
			ProgramId:     programId,
			Previous:      previous,
			Next:          previous,
			At:            at,
		}, nil
	}

	next := previous
	switch previous {
	case domain.CalcReady, domain.CalcFailed, domain.CalcRetry:
		// new input data deserves a fresh attempt, not a stale backoff timer.
		next = domain.CalcPending
	case domain.CalcPending, domain.CalcCalculating:
		// pending stays pending; calculating is handled by the
		// verify-on-complete check when the in-flight attempt lands.
	}

	if _, err := tx.Exec(
		ctx,
		`
		update "t_obscalc"
		set
			"c_last_invalidation" = $2,
			"c_state" = $3,
			"c_retry_at" = case when $3 = 'calculating'::e_calc_state then "c_retry_at" else null end,
			"c_failure_count" = case when $3 = 'calculating'::e_calc_state then "c_failure_count" else 0 end,
			"c_error_message" = case when $3 = 'calculating'::e_calc_state then "c_error_message" else null end
		where "c_observation_id" = $1
		`,
		observationId, at, next,
	); err != nil {
		return domain.StateTransition{}, err
	}

	return domain.StateTransition{
		ObservationId: observationId,
		ProgramId:     programId,
		Previous:      previous,
		Next:          next,
		At:            at,
	}, nil
}

func (m *obscalcPG) MarkDirtyForOwner(ctx context.Context, invalidation domain.Invalidation) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(
		ctx,
		`
		insert into "t_calc_sweep" ("c_scope", "c_scope_id", "c_change_time")
		values ($1, $2, $3)
		`,
		invalidation.Scope, invalidation.ScopeId, invalidation.ChangeTime,
	); err != nil {
		return err
	}
	return nil
}

func (m *obscalcPG) Sweep(ctx context.Context) ([]domain.StateTransition, *domain.Invalidation, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	var (
		sweepId    int64
		scope      string
		scopeId    string
		changeTime time.Time
	)
	if err := tx.QueryRow(
		ctx,
		`
		select "c_sweep_id", "c_scope", "c_scope_id", "c_change_time"
		from "t_calc_sweep"
		order by "c_sweep_id"
		limit 1
		for update skip locked
		`,
	).Scan(&sweepId, &scope, &scopeId, &changeTime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil // nothing to do
		}
		return nil, nil, err
	}

	sweepScope, err := domain.AsSweepScope(scope)
	if err != nil {
		return nil, nil, err
	}
	invalidation := domain.Invalidation{
		Scope: sweepScope, ScopeId: scopeId, ChangeTime: changeTime,
	}

	observationIds, err := observationsInScope(ctx, tx, invalidation)
	if err != nil {
		return nil, nil, err
	}

	transitions := make([]domain.StateTransition, 0, len(observationIds))
	for _, obsId := range observationIds {
		transition, err := markDirty(ctx, tx, obsId, changeTime)
		if err != nil {
			return nil, nil, err
		}
		transitions = append(transitions, transition)
	}

	if _, err := tx.Exec(
		ctx, `delete from "t_calc_sweep" where "c_sweep_id" = $1`, sweepId,
	); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}

	return transitions, &invalidation, nil
}

func observationsInScope(ctx context.Context, tx kpool.Tx, invalidation domain.Invalidation) ([]string, error) {
	var (
		rows pgx.Rows
		err  error
	)
	switch invalidation.Scope {
	case domain.ScopeProgram:
		rows, err = tx.Query(
			ctx,
			`
			select "c_observation_id" from "t_observation"
			where "c_program_id" = $1 and "c_existence"
			order by "c_observation_id"
			`,
			invalidation.ScopeId,
		)
	case domain.ScopeCfp:
		rows, err = tx.Query(
			ctx,
			`
			select "c_observation_id" from "t_observation"
			inner join "t_program" using ("c_program_id")
			where "t_program"."c_cfp_id" = $1 and "c_existence"
			order by "c_observation_id"
			`,
			invalidation.ScopeId,
		)
	default:
		return nil, fmt.Errorf("'%s' is not SweepScope", invalidation.Scope)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	observationIds := []string{}
	for rows.Next() {
		var obsId string
		if err := rows.Scan(&obsId); err != nil {
			return nil, err
		}
		observationIds = append(observationIds, obsId)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return observationIds, nil
}

func (m *obscalcPG) Claim(ctx context.Context) (*domain.Claim, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	claim := &domain.Claim{}
	if err := tx.QueryRow(
		ctx,
		`
		with "target" as (
			select "c_observation_id" from "t_obscalc"
			where
				"c_state" = 'pending'
				or ("c_state" = 'retry' and "c_retry_at" <= now())
			order by "c_last_invalidation"
			limit 1
			for no key update skip locked
		)
		update "t_obscalc"
		set "c_state" = 'calculating', "c_retry_at" = null
		where "c_observation_id" in (table "target")
		returning "c_observation_id", "c_program_id", "c_last_invalidation"
		`,
	).Scan(&claim.ObservationId, &claim.ProgramId, &claim.SnapshotTime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // no backlog
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return claim, nil
}

func (m *obscalcPG) RequeueCalculating(ctx context.Context) ([]domain.StateTransition, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(
		ctx,
		`
		update "t_obscalc"
		set "c_state" = 'pending'
		where "c_state" = 'calculating'
		returning "c_observation_id", "c_program_id"
		`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transitions := []domain.StateTransition{}
	now := time.Now()
	for rows.Next() {
		transition := domain.StateTransition{
			Previous: domain.CalcCalculating, Next: domain.CalcPending, At: now,
		}
		if err := rows.Scan(&transition.ObservationId, &transition.ProgramId); err != nil {
			return nil, err
		}
		transitions = append(transitions, transition)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transitions, nil
}

func (m *obscalcPG) Snapshot(ctx context.Context, observationId string) (domain.ObsSnapshot, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return domain.ObsSnapshot{}, err
	}
	defer conn.Release()

	snapshot := domain.ObsSnapshot{ObservationId: observationId}
	if err := conn.QueryRow(
		ctx,
		`
		select "c_program_id", "c_title", "c_instrument", "c_observing_mode", now()
		from "t_observation"
		where "c_observation_id" = $1 and "c_existence"
		`,
		observationId,
	).Scan(
		&snapshot.ProgramId, &snapshot.Title,
		&snapshot.Instrument, &snapshot.ObservingMode,
		&snapshot.TakenAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ObsSnapshot{}, dberrors.Missing{
				Table:    "t_observation",
				Identity: fmt.Sprintf("observation (id='%s')", observationId),
			}
		}
		return domain.ObsSnapshot{}, err
	}

	rows, err := conn.Query(
		ctx,
		`
		select "c_target_id", "c_name", "c_ra", "c_dec"
		from "t_asterism_target"
		inner join "t_target" using ("c_target_id")
		where "c_observation_id" = $1 and "c_existence"
		order by "c_target_id"
		`,
		observationId,
	)
	if err != nil {
		return domain.ObsSnapshot{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var t domain.TargetSnapshot
		if err := rows.Scan(&t.TargetId, &t.Name, &t.Ra, &t.Dec); err != nil {
			return domain.ObsSnapshot{}, err
		}
		snapshot.Targets = append(snapshot.Targets, t)
	}
	if err := rows.Err(); err != nil {
		return domain.ObsSnapshot{}, err
	}

	return snapshot, nil
}

// lockCalculating locks the record row and asserts it is calculating.
//
// Returns the program id and the current lastInvalidation, which the caller
// compares against the claim token.
func lockCalculating(ctx context.Context, tx kpool.Tx, observationId string) (programId string, lastInvalidation time.Time, err error) {
	var state string
	if err := tx.QueryRow(
		ctx,
		`
		select "c_state", "c_program_id", "c_last_invalidation" from "t_obscalc"
		where "c_observation_id" = $1
		for no key update
		`,
		observationId,
	).Scan(&state, &programId, &lastInvalidation); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", time.Time{}, dberrors.Missing{
				Table:    "t_obscalc",
				Identity: fmt.Sprintf("calc record (observation id='%s')", observationId),
			}
		}
		return "", time.Time{}, err
	}

	if state != string(domain.CalcCalculating) {
		return "", time.Time{}, fmt.Errorf(
			"%w: observation '%s' is %s, not calculating",
			domain.ErrInvalidCalcStateChanging, observationId, state,
		)
	}
	return programId, lastInvalidation, nil
}

func (m *obscalcPG) Complete(
	ctx context.Context, observationId string, token time.Time,
	result domain.CalcResult, at time.Time,
) (domain.CompletionOutcome, domain.StateTransition, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return "", domain.StateTransition{}, err
	}
	defer tx.Rollback(ctx)

	programId, lastInvalidation, err := lockCalculating(ctx, tx, observationId)
	if err != nil {
		return "", domain.StateTransition{}, err
	}

	transition := domain.StateTransition{
		ObservationId: observationId,
		ProgramId:     programId,
		Previous:      domain.CalcCalculating,
		At:            at,
	}

	if lastInvalidation.After(token) {
		// invalidated while computing: the result is based on an outdated
		// snapshot. Discard it and leave the record claimable again.
		if _, err := tx.Exec(
			ctx,
			`
			update "t_obscalc"
			set "c_state" = 'pending', "c_failure_count" = 0, "c_retry_at" = null
			where "c_observation_id" = $1
			`,
			observationId,
		); err != nil {
			return "", domain.StateTransition{}, err
		}
		transition.Next = domain.CalcPending
		if err := tx.Commit(ctx); err != nil {
			return "", domain.StateTransition{}, err
		}
		return domain.CompletionSuperseded, transition, nil
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return "", domain.StateTransition{}, err
	}
	resultJson := pgtype.JSONB{Bytes: payload, Status: pgtype.Present}

	if _, err := tx.Exec(
		ctx,
		`
		update "t_obscalc"
		set
			"c_state" = 'ready',
			"c_result" = $2,
			"c_last_update" = $3,
			"c_failure_count" = 0,
			"c_retry_at" = null,
			"c_error_message" = null
		where "c_observation_id" = $1
		`,
		observationId, resultJson, at,
	); err != nil {
		return "", domain.StateTransition{}, err
	}
	transition.Next = domain.CalcReady

	if err := tx.Commit(ctx); err != nil {
		return "", domain.StateTransition{}, err
	}
	return domain.CompletionCommitted, transition, nil
}

func (m *obscalcPG) Fail(
	ctx context.Context, observationId string, token time.Time,
	failure domain.Failure, policy domain.RetryPolicy, at time.Time,
) (domain.FailureOutcome, domain.StateTransition, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return "", domain.StateTransition{}, err
	}
	defer tx.Rollback(ctx)

	programId, lastInvalidation, err := lockCalculating(ctx, tx, observationId)
	if err != nil {
		return "", domain.StateTransition{}, err
	}

	transition := domain.StateTransition{
		ObservationId: observationId,
		ProgramId:     programId,
		Previous:      domain.CalcCalculating,
		At:            at,
	}

	if lastInvalidation.After(token) {
		// the failed attempt ran against outdated inputs anyway.
		if _, err := tx.Exec(
			ctx,
			`
			update "t_obscalc"
			set "c_state" = 'pending', "c_failure_count" = 0, "c_retry_at" = null
			where "c_observation_id" = $1
			`,
			observationId,
		); err != nil {
			return "", domain.StateTransition{}, err
		}
		transition.Next = domain.CalcPending
		if err := tx.Commit(ctx); err != nil {
			return "", domain.StateTransition{}, err
		}
		return domain.FailureSuperseded, transition, nil
	}

	var failureCount int
	if err := tx.QueryRow(
		ctx,
		`select "c_failure_count" from "t_obscalc" where "c_observation_id" = $1`,
		observationId,
	).Scan(&failureCount); err != nil {
		return "", domain.StateTransition{}, err
	}
	failureCount += 1

	if failure.Class == domain.FailureTransient && failureCount <= policy.MaxFailures {
		retryAt := at.Add(policy.Backoff(failureCount))
		if _, err := tx.Exec(
			ctx,
			`
			update "t_obscalc"
			set "c_state" = 'retry', "c_failure_count" = $2, "c_retry_at" = $3
			where "c_observation_id" = $1
			`,
			observationId, failureCount, retryAt,
		); err != nil {
			return "", domain.StateTransition{}, err
		}
		transition.Next = domain.CalcRetry
		if err := tx.Commit(ctx); err != nil {
			return "", domain.StateTransition{}, err
		}
		return domain.FailureRetryScheduled, transition, nil
	}

	// permanent: either the input itself is invalid, or retries are
	// exhausted. Readers see the message; bookkeeping is cleared.
	if _, err := tx.Exec(
		ctx,
		`
		update "t_obscalc"
		set
			"c_state" = 'failed',
			"c_error_message" = $2,
			"c_last_update" = $3,
			"c_failure_count" = 0,
			"c_retry_at" = null
		where "c_observation_id" = $1
		`,
		observationId, failure.Message, at,
	); err != nil {
		return "", domain.StateTransition{}, err
	}
	transition.Next = domain.CalcFailed

	if err := tx.Commit(ctx); err != nil {
		return "", domain.StateTransition{}, err
	}
	return domain.FailurePermanent, transition, nil
}

func (m *obscalcPG) Delete(ctx context.Context, observationId string) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(
		ctx,
		`delete from "t_obscalc" where "c_observation_id" = $1`,
		observationId,
	); err != nil {
		return err
	}
	return nil
}
