package domain

import "time"

// TelluricRecord tracks telluric-standard-star resolution for one observation.
//
// It is the smaller sibling of CalcRecord: same claim/retry state machine,
// but the payload is just the resolved standard star and there is no
// owner-scoped fan-out (telluric inputs change per-observation only).
type TelluricRecord struct {
	ObservationId string
	ProgramId     string
	State         CalcState

	LastInvalidation time.Time
	LastUpdate       time.Time

	// non-nil iff State is retry.
	RetryAt      *time.Time
	FailureCount int

	// resolved standard star. Zero values until the first successful resolution.
	TargetId   string
	TargetName string

	// set only when State is failed.
	ErrorMessage string
}

func (r TelluricRecord) Stale() bool {
	return r.LastUpdate.Before(r.LastInvalidation)
}

func (r TelluricRecord) Claimable(now time.Time) bool {
	switch r.State {
	case CalcPending:
		return true
	case CalcRetry:
		return r.RetryAt != nil && !now.Before(*r.RetryAt)
	default:
		return false
	}
}

func (r TelluricRecord) Equal(o TelluricRecord) bool {
	return r.ObservationId == o.ObservationId &&
		r.ProgramId == o.ProgramId &&
		r.State == o.State &&
		r.LastInvalidation.Equal(o.LastInvalidation) &&
		r.LastUpdate.Equal(o.LastUpdate) &&
		timePtrEq(r.RetryAt, o.RetryAt) &&
		r.FailureCount == o.FailureCount &&
		r.TargetId == o.TargetId &&
		r.TargetName == o.TargetName &&
		r.ErrorMessage == o.ErrorMessage
}

// the resolved telluric standard for an observation.
type TelluricTarget struct {
	TargetId   string  `json:"targetId"`
	Name       string  `json:"name"`
	Ra         float64 `json:"ra"`
	Dec        float64 `json:"dec"`
	Brightness float64 `json:"brightness"`
}
