package telluric

import (
	"time"

	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
)

// Detail is the read-API view of one telluric resolution record.
type Detail struct {
	ObservationId    string     `json:"observationId"`
	ProgramId        string     `json:"programId"`
	State            string     `json:"state"`
	LastInvalidation time.Time  `json:"lastInvalidation"`
	LastUpdate       time.Time  `json:"lastUpdate"`
	RetryAt          *time.Time `json:"retryAt,omitempty"`
	TargetId         string     `json:"targetId,omitempty"`
	TargetName       string     `json:"targetName,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
}

func ComposeDetail(r domain.TelluricRecord) Detail {
	return Detail{
		ObservationId:    r.ObservationId,
		ProgramId:        r.ProgramId,
		State:            r.State.String(),
		LastInvalidation: r.LastInvalidation,
		LastUpdate:       r.LastUpdate,
		RetryAt:          r.RetryAt,
		TargetId:         r.TargetId,
		TargetName:       r.TargetName,
		ErrorMessage:     r.ErrorMessage,
	}
}
