package mock

import (
	"context"
	"errors"
	"time"

	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	dbmock "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/internal/db/mock"
	kdb "github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/telluric/db"
)

type TelluricInterface struct {
	Impl struct {
		Get                func(ctx context.Context, observationIds []string) (map[string]domain.TelluricRecord, error)
		MarkDirty          func(ctx context.Context, observationId string, at time.Time) (domain.StateTransition, error)
		Claim              func(ctx context.Context) (*domain.Claim, error)
		RequeueCalculating func(ctx context.Context) ([]domain.StateTransition, error)
		Complete           func(ctx context.Context, observationId string, token time.Time, target domain.TelluricTarget, at time.Time) (domain.CompletionOutcome, domain.StateTransition, error)
		Fail               func(ctx context.Context, observationId string, token time.Time, failure domain.Failure, policy domain.RetryPolicy, at time.Time) (domain.FailureOutcome, domain.StateTransition, error)
		Delete             func(ctx context.Context, observationId string) error
	}

	Calls struct {
		Get       dbmock.CallLog[[]string]
		MarkDirty dbmock.CallLog[struct {
			ObservationId string
			At            time.Time
		}]
		Claim              dbmock.CallLog[struct{}]
		RequeueCalculating dbmock.CallLog[struct{}]
		Complete           dbmock.CallLog[struct {
			ObservationId string
			Token         time.Time
			Target        domain.TelluricTarget
			At            time.Time
		}]
		Fail dbmock.CallLog[struct {
			ObservationId string
			Token         time.Time
			Failure       domain.Failure
			Policy        domain.RetryPolicy
			At            time.Time
		}]
		Delete dbmock.CallLog[string]
	}
}

func NewTelluricInterface() *TelluricInterface {
	return &TelluricInterface{}
}

var _ kdb.Interface = &TelluricInterface{}

func (m *TelluricInterface) Get(ctx context.Context, observationIds []string) (map[string]domain.TelluricRecord, error) {
	m.Calls.Get = append(m.Calls.Get, observationIds)
	if m.Impl.Get != nil {
		return m.Impl.Get(ctx, observationIds)
	}

	panic(errors.New("it should not be called"))
}

func (m *TelluricInterface) MarkDirty(ctx context.Context, observationId string, at time.Time) (domain.StateTransition, error) {
	m.Calls.MarkDirty = append(m.Calls.MarkDirty, struct {
		ObservationId string
		At            time.Time
	}{ObservationId: observationId, At: at})
	if m.Impl.MarkDirty != nil {
		return m.Impl.MarkDirty(ctx, observationId, at)
	}

	panic(errors.New("it should not be called"))
}

func (m *TelluricInterface) Claim(ctx context.Context) (*domain.Claim, error) {
	m.Calls.Claim = append(m.Calls.Claim, struct{}{})
	if m.Impl.Claim != nil {
		return m.Impl.Claim(ctx)
	}

	panic(errors.New("it should not be called"))
}

func (m *TelluricInterface) RequeueCalculating(ctx context.Context) ([]domain.StateTransition, error) {
	m.Calls.RequeueCalculating = append(m.Calls.RequeueCalculating, struct{}{})
	if m.Impl.RequeueCalculating != nil {
		return m.Impl.RequeueCalculating(ctx)
	}

	panic(errors.New("it should not be called"))
}

func (m *TelluricInterface) Complete(ctx context.Context, observationId string, token time.Time, target domain.TelluricTarget, at time.Time) (domain.CompletionOutcome, domain.StateTransition, error) {
	m.Calls.Complete = append(m.Calls.Complete, struct {
		ObservationId string
		Token         time.Time
		Target        domain.TelluricTarget
		At            time.Time
	}{ObservationId: observationId, Token: token, Target: target, At: at})
	if m.Impl.Complete != nil {
		return m.Impl.Complete(ctx, observationId, token, target, at)
	}

	panic(errors.New("it should not be called"))
}

func (m *TelluricInterface) Fail(ctx context.Context, observationId string, token time.Time, failure domain.Failure, policy domain.RetryPolicy, at time.Time) (domain.FailureOutcome, domain.StateTransition, error) {
	m.Calls.Fail = append(m.Calls.Fail, struct {
		ObservationId string
		Token         time.Time
		Failure       domain.Failure
		Policy        domain.RetryPolicy
		At            time.Time
	}{ObservationId: observationId, Token: token, Failure: failure, Policy: policy, At: at})
	if m.Impl.Fail != nil {
		return m.Impl.Fail(ctx, observationId, token, failure, policy, at)
	}

	panic(errors.New("it should not be called"))
}

func (m *TelluricInterface) Delete(ctx context.Context, observationId string) error {
	m.Calls.Delete = append(m.Calls.Delete, observationId)
	if m.Impl.Delete != nil {
		return m.Impl.Delete(ctx, observationId)
	}

	panic(errors.New("it should not be called"))
}
