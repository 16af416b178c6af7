package mock

import (
	"context"
	"errors"

	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	dbmock "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/internal/db/mock"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/telluric/resolve"
)

type Resolver struct {
	Impl struct {
		Resolve func(ctx context.Context, snapshot domain.ObsSnapshot) (domain.TelluricTarget, error)
	}

	Calls struct {
		Resolve dbmock.CallLog[domain.ObsSnapshot]
	}
}

func NewResolver() *Resolver {
	return &Resolver{}
}

var _ resolve.Resolver = &Resolver{}

func (m *Resolver) Resolve(ctx context.Context, snapshot domain.ObsSnapshot) (domain.TelluricTarget, error) {
	m.Calls.Resolve = append(m.Calls.Resolve, snapshot)
	if m.Impl.Resolve != nil {
		return m.Impl.Resolve(ctx, snapshot)
	}

	panic(errors.New("it should not be called"))
}
