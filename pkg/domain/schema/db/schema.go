package db

import (
	"context"
	_ "embed"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"

	kpool "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/conn/postgres/pool"
)

//go:embed schema.sql
var schemaV1 string

// CurrentVersion is the version schema.sql creates.
const CurrentVersion = 1

type pgSchema struct {
	pool kpool.Pool
}

func New(pool kpool.Pool) *pgSchema {
	return &pgSchema{pool: pool}
}

// Version reports the schema version found in the database.
// 0 means the schema has never been applied.
func (s *pgSchema) Version(ctx context.Context) (int, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return -1, err
	}
	defer conn.Release()

	var version int
	if err := conn.QueryRow(
		ctx, `select coalesce(max("c_version"), 0) from "t_schema_version"`,
	).Scan(&version); err != nil {
		if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) {
			if pgerr.Code == pgerrcode.UndefinedTable {
				return 0, nil
			}
		}
		return -1, err
	}
	return version, nil
}

// Apply brings the database up to CurrentVersion.
// The DDL is idempotent, so applying over an up-to-date database is a no-op.
func (s *pgSchema) Apply(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, schemaV1); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
