package mock

import (
	"context"
	"errors"

	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	dbmock "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/internal/db/mock"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/obscalc/compute"
)

type Calculator struct {
	Impl struct {
		Calculate func(ctx context.Context, snapshot domain.ObsSnapshot) (domain.CalcResult, error)
	}

	Calls struct {
		Calculate dbmock.CallLog[domain.ObsSnapshot]
	}
}

func NewCalculator() *Calculator {
	return &Calculator{}
}

var _ compute.Calculator = &Calculator{}

func (m *Calculator) Calculate(ctx context.Context, snapshot domain.ObsSnapshot) (domain.CalcResult, error) {
	m.Calls.Calculate = append(m.Calls.Calculate, snapshot)
	if m.Impl.Calculate != nil {
		return m.Impl.Calculate(ctx, snapshot)
	}

	panic(errors.New("it should not be called"))
}
