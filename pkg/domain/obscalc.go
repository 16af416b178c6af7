package domain

import (
	"errors"
	"fmt"
	"time"
)

type CalcState string

const (
	// This record is stale and waiting to be claimed.
	CalcPending CalcState = "pending"

	// A worker has claimed this record and its computation is in flight.
	CalcCalculating CalcState = "calculating"

	// The cached result is at least as fresh as the last known invalidation.
	CalcReady CalcState = "ready"

	// The last computation failed transiently.
	// The record may be claimed again once its RetryAt has passed.
	CalcRetry CalcState = "retry"

	// The computation failed permanently.
	// Only a fresh upstream invalidation returns the record to pending.
	CalcFailed CalcState = "failed"
)

func (cs CalcState) String() string {
	return string(cs)
}

func AsCalcState(state string) (CalcState, error) {
	switch state {
	case string(CalcPending):
		return CalcPending, nil
	case string(CalcCalculating):
		return CalcCalculating, nil
	case string(CalcReady):
		return CalcReady, nil
	case string(CalcRetry):
		return CalcRetry, nil
	case string(CalcFailed):
		return CalcFailed, nil
	default:
		return "", fmt.Errorf("'%s' is not CalcState", state)
	}
}

// Terminated = the record needs no further computation until invalidated again.
func (cs CalcState) Terminated() bool {
	switch cs {
	case CalcReady, CalcFailed:
		return true
	default:
		return false
	}
}

// one cache record per observation.
type CalcRecord struct {
	ObservationId string
	ProgramId     string
	State         CalcState

	// timestamp of the most recent upstream change affecting the result.
	LastInvalidation time.Time

	// timestamp of the most recent successful (or permanently failed) computation.
	LastUpdate time.Time

	// earliest time a re-attempt may occur. Non-nil iff State is retry.
	RetryAt *time.Time

	// count of consecutive failed attempts.
	// Zero unless State is retry or calculating (after a failed attempt).
	FailureCount int

	// computed payload. Nil until the first successful computation.
	Result *CalcResult

	// set only when State is failed.
	ErrorMessage string
}

// Stale is the defining condition for "needs (re)work".
//
// State alone is not enough: an invalidation can land while the record is
// calculating or ready, and then LastInvalidation runs ahead of LastUpdate.
func (r CalcRecord) Stale() bool {
	return r.LastUpdate.Before(r.LastInvalidation)
}

// Claimable when pending, or in retry with the backoff timer expired.
func (r CalcRecord) Claimable(now time.Time) bool {
	switch r.State {
	case CalcPending:
		return true
	case CalcRetry:
		return r.RetryAt != nil && !now.Before(*r.RetryAt)
	default:
		return false
	}
}

func (r CalcRecord) Equal(o CalcRecord) bool {
	return r.ObservationId == o.ObservationId &&
		r.ProgramId == o.ProgramId &&
		r.State == o.State &&
		r.LastInvalidation.Equal(o.LastInvalidation) &&
		r.LastUpdate.Equal(o.LastUpdate) &&
		timePtrEq(r.RetryAt, o.RetryAt) &&
		r.FailureCount == o.FailureCount &&
		r.Result.Equal(o.Result) &&
		r.ErrorMessage == o.ErrorMessage
}

func timePtrEq(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// CalcResult is the opaque payload cached per observation.
//
// It is produced by external compute services and stored as a single JSON
// document; this subsystem never interprets it beyond (de)serialization.
type CalcResult struct {
	Itc      ItcResult       `json:"itc"`
	Digest   ExecutionDigest `json:"digest"`
	Workflow WorkflowState   `json:"workflow"`
}

func (r *CalcResult) Equal(o *CalcResult) bool {
	if r == nil || o == nil {
		return r == nil && o == nil
	}
	return r.Itc == o.Itc &&
		r.Digest == o.Digest &&
		r.Workflow.Equal(&o.Workflow)
}

// exposure time & signal-to-noise estimate from the integration time calculator.
type ItcResult struct {
	ExposureTime  time.Duration `json:"exposureTime"`
	ExposureCount int           `json:"exposureCount"`
	SignalToNoise float64       `json:"signalToNoise"`
}

// planned execution time breakdown of the observation.
type ExecutionDigest struct {
	Setup       time.Duration `json:"setup"`
	Acquisition time.Duration `json:"acquisition"`
	Science     time.Duration `json:"science"`
}

func (d ExecutionDigest) Full() time.Duration {
	return d.Setup + d.Acquisition + d.Science
}

// workflow readiness of the observation, with validation messages.
type WorkflowState struct {
	State            string   `json:"state"`
	ValidTransitions []string `json:"validTransitions,omitempty"`
	ValidationErrors []string `json:"validationErrors,omitempty"`
}

func (w *WorkflowState) Equal(o *WorkflowState) bool {
	if w == nil || o == nil {
		return w == nil && o == nil
	}
	return w.State == o.State &&
		sliceEq(w.ValidTransitions, o.ValidTransitions) &&
		sliceEq(w.ValidationErrors, o.ValidationErrors)
}

func sliceEq(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Claim grants exclusive computation rights for one observation.
//
// SnapshotTime is the record's LastInvalidation observed at claim time; it is
// the optimistic concurrency token which Complete and Fail verify against.
type Claim struct {
	ObservationId string
	ProgramId     string
	SnapshotTime  time.Time
}

type CompletionOutcome string

const (
	// the result was written and the record is ready.
	CompletionCommitted CompletionOutcome = "committed"

	// an invalidation arrived after the claim.
	// The result was discarded and the record returned to pending.
	CompletionSuperseded CompletionOutcome = "superseded"
)

type FailureOutcome string

const (
	// a re-attempt was scheduled with backoff.
	FailureRetryScheduled FailureOutcome = "retryScheduled"

	// retries exhausted or the failure is not retryable; the record is failed.
	FailurePermanent FailureOutcome = "permanent"

	// an invalidation arrived after the claim; the record returned to pending
	// with failure bookkeeping reset.
	FailureSuperseded FailureOutcome = "superseded"
)

type FailureClass string

const (
	// e.g. compute service timeout or outage. Worth retrying.
	FailureTransient FailureClass = "transient"

	// the compute function rejected its input. Retrying cannot help.
	FailurePermanentInput FailureClass = "permanentInput"
)

type Failure struct {
	Class   FailureClass
	Message string
}

// RetryPolicy is the bounded-retry backoff configuration.
//
// The source system does not pin these values anywhere authoritative, so they
// are configuration here (pkg/configs/backend), not constants.
type RetryPolicy struct {
	// give up and mark the record failed at this many consecutive failures.
	MaxFailures int

	InitialInterval time.Duration
	Factor          float64
	MaxInterval     time.Duration
}

// Backoff returns the wait before attempt failureCount+1.
//
// failureCount is the number of failures already recorded, so the first retry
// (failureCount = 1) waits InitialInterval.
func (p RetryPolicy) Backoff(failureCount int) time.Duration {
	if failureCount < 1 {
		failureCount = 1
	}
	d := float64(p.InitialInterval)
	for i := 1; i < failureCount; i++ {
		d *= p.Factor
		if p.MaxInterval > 0 && d >= float64(p.MaxInterval) {
			return p.MaxInterval
		}
	}
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// StateTransition is the change event published whenever a record moves
// between externally visible states.
//
// Delivery is best-effort / at-least-once. Consumers should re-read the
// record rather than trust this payload as authoritative.
type StateTransition struct {
	ObservationId string    `json:"observationId"`
	ProgramId     string    `json:"programId"`
	Previous      CalcState `json:"previousState"`
	Next          CalcState `json:"newState"`
	At            time.Time `json:"at"`
}

// Changed = the transition is worth publishing.
//
// MarkDirty on an already-pending record, for example, yields no transition.
func (t StateTransition) Changed() bool {
	return t.Previous != t.Next
}

type SweepScope string

const (
	ScopeProgram SweepScope = "program"
	ScopeCfp     SweepScope = "cfp"
)

func AsSweepScope(scope string) (SweepScope, error) {
	switch scope {
	case string(ScopeProgram):
		return ScopeProgram, nil
	case string(ScopeCfp):
		return ScopeCfp, nil
	default:
		return "", fmt.Errorf("'%s' is not SweepScope", scope)
	}
}

// owner-scoped invalidation: "everything under program P" or "under CfP C".
type Invalidation struct {
	Scope      SweepScope
	ScopeId    string
	ChangeTime time.Time
}

// read-only view of the upstream inputs of one observation, gathered just
// before invoking the compute functions.
type ObsSnapshot struct {
	ObservationId string           `json:"observationId"`
	ProgramId     string           `json:"programId"`
	Title         string           `json:"title"`
	Instrument    string           `json:"instrument"`
	ObservingMode string           `json:"observingMode"`
	Targets       []TargetSnapshot `json:"targets"`
	TakenAt       time.Time        `json:"takenAt"`
}

type TargetSnapshot struct {
	TargetId string  `json:"targetId"`
	Name     string  `json:"name"`
	Ra       float64 `json:"ra"`
	Dec      float64 `json:"dec"`
}

var (
	ErrMissing = errors.New("missing")

	ErrInvalidCalcStateChanging = errors.New("cannot change calc state")
)

func NewErrInvalidCalcStateChanging(from, to CalcState) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidCalcStateChanging, from, to)
}
