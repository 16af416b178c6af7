package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"

	kpool "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/conn/postgres/pool"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/errors/dberrors"
	kdb "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/telluric/db"
)

// a struct for DB operations related to telluric-standard resolution.
type telluricPG struct { // implements kdb.Interface
	pool kpool.Pool
}

func New(pool kpool.Pool) *telluricPG {
	return &telluricPG{pool: pool}
}

var _ kdb.Interface = &telluricPG{}

func (m *telluricPG) Get(ctx context.Context, observationIds []string) (map[string]domain.TelluricRecord, error) {
	if len(observationIds) == 0 {
		return map[string]domain.TelluricRecord{}, nil
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
			"c_target_id", "c_target_name", "c_error_message"
		from "t_telluric"
		where "c_observation_id" = any($1::varchar[])
		`,
		observationIds,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := map[string]domain.TelluricRecord{}
	for rows.Next() {
		var (
			r            domain.TelluricRecord
			state        string
			errorMessage *string
		)
		if err := rows.Scan(
			&r.ObservationId, &r.ProgramId, &state,
			&r.LastInvalidation, &r.LastUpdate,
			&r.RetryAt, &r.FailureCount,
			&r.TargetId, &r.TargetName, &errorMessage,
		); err != nil {
			return nil, err
		}
		s, err := domain.AsCalcState(state)
		if err != nil {
			return nil, err
		}
		r.State = s
		if errorMessage != nil {
			r.ErrorMessage = *errorMessage
		}
		records[r.ObservationId] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

func (m *telluricPG) MarkDirty(ctx context.Context, observationId string, at time.Time) (domain.StateTransition, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return domain.StateTransition{}, err
	}
	defer tx.Rollback(ctx)

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
	err = tx.QueryRow(
		ctx,
		`
		select "c_state", "c_last_invalidation" from "t_telluric"
		where "c_observation_id" = $1
		for no key update
		`,
		observationId,
	).Scan(&current, &lastInvalidation)

	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := tx.Exec(
			ctx,
			`
			insert into "t_telluric" ("c_observation_id", "c_program_id", "c_last_invalidation")
			values ($1, $2, $3)
			`,
			observationId, programId, at,
		); err != nil {
			return domain.StateTransition{}, err
		}
		transition := domain.StateTransition{
			ObservationId: observationId, ProgramId: programId,
			Previous: "", Next: domain.CalcPending, At: at,
		}
		if err := tx.Commit(ctx); err != nil {
			return domain.StateTransition{}, err
		}
		return transition, nil
	} else if err != nil {
		return domain.StateTransition{}, err
	}

	previous, err := domain.AsCalcState(current)
	if err != nil {
		return domain.StateTransition{}, err
	}

	transition := domain.StateTransition{
		ObservationId: observationId, ProgramId: programId,
		Previous: previous, Next: previous, At: at,
	}

	if !at.After(lastInvalidation) {
		return transition, tx.Commit(ctx)
	}

	next := previous
	switch previous {
	case domain.CalcReady, domain.CalcFailed, domain.CalcRetry:
		next = domain.CalcPending
	}

	if _, err := tx.Exec(
		ctx,
		`
		update "t_telluric"
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
	transition.Next = next

	if err := tx.Commit(ctx); err != nil {
		return domain.StateTransition{}, err
	}
	return transition, nil
}

func (m *telluricPG) Claim(ctx context.Context) (*domain.Claim, error) {
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
			select "c_observation_id" from "t_telluric"
			where
				"c_state" = 'pending'
				or ("c_state" = 'retry' and "c_retry_at" <= now())
			order by "c_last_invalidation"
			limit 1
			for no key update skip locked
		)
		update "t_telluric"
		set "c_state" = 'calculating', "c_retry_at" = null
		where "c_observation_id" in (table "target")
		returning "c_observation_id", "c_program_id", "c_last_invalidation"
		`,
	).Scan(&claim.ObservationId, &claim.ProgramId, &claim.SnapshotTime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return claim, nil
}

func (m *telluricPG) RequeueCalculating(ctx context.Context) ([]domain.StateTransition, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(
		ctx,
		`
		update "t_telluric"
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

func (m *telluricPG) lockCalculating(ctx context.Context, tx kpool.Tx, observationId string) (programId string, lastInvalidation time.Time, err error) {
	var state string
	if err := tx.QueryRow(
		ctx,
		`
		select "c_state", "c_program_id", "c_last_invalidation" from "t_telluric"
		where "c_observation_id" = $1
		for no key update
		`,
		observationId,
	).Scan(&state, &programId, &lastInvalidation); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", time.Time{}, dberrors.Missing{
				Table:    "t_telluric",
				Identity: fmt.Sprintf("telluric record (observation id='%s')", observationId),
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

func (m *telluricPG) Complete(
	ctx context.Context, observationId string, token time.Time,
	target domain.TelluricTarget, at time.Time,
) (domain.CompletionOutcome, domain.StateTransition, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return "", domain.StateTransition{}, err
	}
	defer tx.Rollback(ctx)

	programId, lastInvalidation, err := m.lockCalculating(ctx, tx, observationId)
	if err != nil {
		return "", domain.StateTransition{}, err
	}

	transition := domain.StateTransition{
		ObservationId: observationId, ProgramId: programId,
		Previous: domain.CalcCalculating, At: at,
	}

	if lastInvalidation.After(token) {
		if _, err := tx.Exec(
			ctx,
			`
			update "t_telluric"
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

	if _, err := tx.Exec(
		ctx,
		`
		update "t_telluric"
		set
			"c_state" = 'ready',
			"c_target_id" = $2,
			"c_target_name" = $3,
			"c_last_update" = $4,
			"c_failure_count" = 0,
			"c_retry_at" = null,
			"c_error_message" = null
		where "c_observation_id" = $1
		`,
		observationId, target.TargetId, target.Name, at,
	); err != nil {
		return "", domain.StateTransition{}, err
	}
	transition.Next = domain.CalcReady

	if err := tx.Commit(ctx); err != nil {
		return "", domain.StateTransition{}, err
	}
	return domain.CompletionCommitted, transition, nil
}

func (m *telluricPG) Fail(
	ctx context.Context, observationId string, token time.Time,
	failure domain.Failure, policy domain.RetryPolicy, at time.Time,
) (domain.FailureOutcome, domain.StateTransition, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return "", domain.StateTransition{}, err
	}
	defer tx.Rollback(ctx)

	programId, lastInvalidation, err := m.lockCalculating(ctx, tx, observationId)
	if err != nil {
		return "", domain.StateTransition{}, err
	}

	transition := domain.StateTransition{
		ObservationId: observationId, ProgramId: programId,
		Previous: domain.CalcCalculating, At: at,
	}

	if lastInvalidation.After(token) {
		if _, err := tx.Exec(
			ctx,
			`
			update "t_telluric"
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
		`select "c_failure_count" from "t_telluric" where "c_observation_id" = $1`,
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
			update "t_telluric"
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

	if _, err := tx.Exec(
		ctx,
		`
		update "t_telluric"
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

func (m *telluricPG) Delete(ctx context.Context, observationId string) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(
		ctx,
		`delete from "t_telluric" where "c_observation_id" = $1`,
		observationId,
	); err != nil {
		return err
	}
	return nil
}
