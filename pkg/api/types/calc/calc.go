package calc

import (
	"time"

	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
)

// Invalidation is the request body of the invalidation intake endpoints.
type Invalidation struct {
	ChangeTime time.Time `json:"changeTime"`
}

// Queued is the response of an owner-scoped invalidation: the change is
// recorded and will be fanned out by the sweep loop, not applied inline.
type Queued struct {
	Scope      string    `json:"scope"`
	ScopeId    string    `json:"scopeId"`
	ChangeTime time.Time `json:"changeTime"`
}

func ComposeQueued(i domain.Invalidation) Queued {
	return Queued{
		Scope:      string(i.Scope),
		ScopeId:    i.ScopeId,
		ChangeTime: i.ChangeTime,
	}
}

// Detail is the read-API view of one calculation record.
type Detail struct {
	ObservationId    string             `json:"observationId"`
	ProgramId        string             `json:"programId"`
	State            string             `json:"state"`
	LastInvalidation time.Time          `json:"lastInvalidation"`
	LastUpdate       time.Time          `json:"lastUpdate"`
	RetryAt          *time.Time         `json:"retryAt,omitempty"`
	FailureCount     int                `json:"failureCount,omitempty"`
	Result           *domain.CalcResult `json:"result,omitempty"`
	ErrorMessage     string             `json:"errorMessage,omitempty"`
}

func ComposeDetail(r domain.CalcRecord) Detail {
	return Detail{
		ObservationId:    r.ObservationId,
		ProgramId:        r.ProgramId,
		State:            r.State.String(),
		LastInvalidation: r.LastInvalidation,
		LastUpdate:       r.LastUpdate,
		RetryAt:          r.RetryAt,
		FailureCount:     r.FailureCount,
		Result:           r.Result,
		ErrorMessage:     r.ErrorMessage,
	}
}
