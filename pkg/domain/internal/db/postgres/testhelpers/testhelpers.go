// Package testhelpers seeds database fixtures for live-database tests.
package testhelpers

import (
	"context"
	"testing"
	"time"

	kpool "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/conn/postgres/pool"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
)

type Cfp struct {
	CfpId string
	Title string
}

type Program struct {
	ProgramId string
	CfpId     *string
	Name      string
}

type Observation struct {
	ObservationId string
	ProgramId     string
	Title         string
	Instrument    string
	ObservingMode string
	Existence     bool
}

type Target struct {
	TargetId  string
	Name      string
	Ra        float64
	Dec       float64
	Existence bool
}

type AsterismTarget struct {
	ObservationId string
	TargetId      string
}

type Obscalc struct {
	ObservationId    string
	ProgramId        string
	State            domain.CalcState
	LastInvalidation time.Time
	LastUpdate       time.Time
	RetryAt          *time.Time
	FailureCount     int
	Result           []byte
	ErrorMessage     *string
}

type Telluric struct {
	ObservationId    string
	ProgramId        string
	State            domain.CalcState
	LastInvalidation time.Time
	LastUpdate       time.Time
	RetryAt          *time.Time
	FailureCount     int
	TargetId         string
	TargetName       string
	ErrorMessage     *string
}

type Sweep struct {
	Scope      domain.SweepScope
	ScopeId    string
	ChangeTime time.Time
}

// Fixture is the whole seeded state. Apply inserts in dependency order.
type Fixture struct {
	Cfp            []Cfp
	Program        []Program
	Observation    []Observation
	Target         []Target
	AsterismTarget []AsterismTarget
	Obscalc        []Obscalc
	Telluric       []Telluric
	Sweep          []Sweep
}

func (f Fixture) Apply(ctx context.Context, pool kpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	for _, c := range f.Cfp {
		if _, err := conn.Exec(
			ctx,
			`insert into "t_call_for_proposals" ("c_cfp_id", "c_title") values ($1, $2)`,
			c.CfpId, c.Title,
		); err != nil {
			return err
		}
	}
	for _, p := range f.Program {
		if _, err := conn.Exec(
			ctx,
			`insert into "t_program" ("c_program_id", "c_cfp_id", "c_name") values ($1, $2, $3)`,
			p.ProgramId, p.CfpId, p.Name,
		); err != nil {
			return err
		}
	}
	for _, o := range f.Observation {
		if _, err := conn.Exec(
			ctx,
			`
			insert into "t_observation"
				("c_observation_id", "c_program_id", "c_title", "c_instrument", "c_observing_mode", "c_existence")
			values ($1, $2, $3, $4, $5, $6)
			`,
			o.ObservationId, o.ProgramId, o.Title, o.Instrument, o.ObservingMode, o.Existence,
		); err != nil {
			return err
		}
	}
	for _, tg := range f.Target {
		if _, err := conn.Exec(
			ctx,
			`
			insert into "t_target" ("c_target_id", "c_name", "c_ra", "c_dec", "c_existence")
			values ($1, $2, $3, $4, $5)
			`,
			tg.TargetId, tg.Name, tg.Ra, tg.Dec, tg.Existence,
		); err != nil {
			return err
		}
	}
	for _, a := range f.AsterismTarget {
		if _, err := conn.Exec(
			ctx,
			`insert into "t_asterism_target" ("c_observation_id", "c_target_id") values ($1, $2)`,
			a.ObservationId, a.TargetId,
		); err != nil {
			return err
		}
	}
	for _, r := range f.Obscalc {
		if _, err := conn.Exec(
			ctx,
			`
			insert into "t_obscalc"
				("c_observation_id", "c_program_id", "c_state",
				 "c_last_invalidation", "c_last_update",
				 "c_retry_at", "c_failure_count", "c_result", "c_error_message")
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`,
			r.ObservationId, r.ProgramId, r.State,
			r.LastInvalidation, r.LastUpdate,
			r.RetryAt, r.FailureCount, r.Result, r.ErrorMessage,
		); err != nil {
			return err
		}
	}
	for _, r := range f.Telluric {
		if _, err := conn.Exec(
			ctx,
			`
			insert into "t_telluric"
				("c_observation_id", "c_program_id", "c_state",
				 "c_last_invalidation", "c_last_update",
				 "c_retry_at", "c_failure_count",
				 "c_target_id", "c_target_name", "c_error_message")
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`,
			r.ObservationId, r.ProgramId, r.State,
			r.LastInvalidation, r.LastUpdate,
			r.RetryAt, r.FailureCount,
			r.TargetId, r.TargetName, r.ErrorMessage,
		); err != nil {
			return err
		}
	}
	for _, s := range f.Sweep {
		if _, err := conn.Exec(
			ctx,
			`insert into "t_calc_sweep" ("c_scope", "c_scope_id", "c_change_time") values ($1, $2, $3)`,
			s.Scope, s.ScopeId, s.ChangeTime,
		); err != nil {
			return err
		}
	}

	return nil
}

// ApplyFixture seeds the fixture or fails the test.
func ApplyFixture(ctx context.Context, t *testing.T, pool kpool.Pool, f Fixture) {
	t.Helper()
	if err := f.Apply(ctx, pool); err != nil {
		t.Fatalf("fail to apply fixture: %v", err)
	}
}

// GetObscalcRow reads a t_obscalc row as-is, for assertions.
func GetObscalcRow(ctx context.Context, t *testing.T, pool kpool.Pool, observationId string) Obscalc {
	t.Helper()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Release()

	r := Obscalc{}
	var state string
	if err := conn.QueryRow(
		ctx,
		`
		select
			"c_observation_id", "c_program_id", "c_state",
			"c_last_invalidation", "c_last_update",
			"c_retry_at", "c_failure_count", "c_result", "c_error_message"
		from "t_obscalc" where "c_observation_id" = $1
		`,
		observationId,
	).Scan(
		&r.ObservationId, &r.ProgramId, &state,
		&r.LastInvalidation, &r.LastUpdate,
		&r.RetryAt, &r.FailureCount, &r.Result, &r.ErrorMessage,
	); err != nil {
		t.Fatalf("fail to read t_obscalc row (observation id='%s'): %v", observationId, err)
	}
	r.State = domain.CalcState(state)
	return r
}

// CountSweepRows reports the backlog of t_calc_sweep.
func CountSweepRows(ctx context.Context, t *testing.T, pool kpool.Pool) int {
	t.Helper()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Release()

	var n int
	if err := conn.QueryRow(ctx, `select count(*) from "t_calc_sweep"`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}
