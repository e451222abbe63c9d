// Package protocol defines the JSON messages exchanged on the request topic,
// the task queue and the response topic.
package protocol

import (
	"strings"
	"time"

	"github.com/fluxorio/claimbridge/pkg/core"
	"github.com/fluxorio/claimbridge/pkg/segment"
)

// Status is the terminal state reported in a response.
type Status string

const (
	StatusProcessed Status = "Processed"
	StatusFailed    Status = "Failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusProcessed || s == StatusFailed
}

// JobMessage is the request published by callers and the job carried on the
// task queue. Both use the same shape.
type JobMessage struct {
	CorrelationID  string   `json:"correlationId"`
	ReferenceTexts []string `json:"referenceTexts"`
	ClaimCheck     string   `json:"claimCheck"`
}

// ResponseMessage is published by the worker once a job reaches a terminal state.
type ResponseMessage struct {
	CorrelationID  string                `json:"correlationId"`
	ReferenceTexts []string              `json:"referenceTexts"`
	ClaimCheck     string                `json:"claimCheck"`
	Status         Status                `json:"status"`
	Timestamp      time.Time             `json:"timestamp"`
	Segments       []segment.TextSegment `json:"segments,omitempty"`
	Error          string                `json:"error,omitempty"`
	Attempts       int                   `json:"attempts,omitempty"`
}

// Job returns the job fields of the response.
func (r ResponseMessage) Job() JobMessage {
	return JobMessage{
		CorrelationID:  r.CorrelationID,
		ReferenceTexts: r.ReferenceTexts,
		ClaimCheck:     r.ClaimCheck,
	}
}

// NewResponse copies the job fields into a response with the given status.
func NewResponse(job JobMessage, status Status, now time.Time) ResponseMessage {
	return ResponseMessage{
		CorrelationID:  job.CorrelationID,
		ReferenceTexts: job.ReferenceTexts,
		ClaimCheck:     job.ClaimCheck,
		Status:         status,
		Timestamp:      now.UTC(),
	}
}

// Validate checks the fields every hop requires.
func (j JobMessage) Validate() error {
	if strings.TrimSpace(j.CorrelationID) == "" {
		return core.Validationf("job", "correlationId is required")
	}
	return nil
}

// ValidateForWork additionally requires a claim check to download.
func (j JobMessage) ValidateForWork() error {
	if err := j.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(j.ClaimCheck) == "" {
		return &core.Error{
			Code:          core.CodeValidation,
			Op:            "job",
			CorrelationID: j.CorrelationID,
			Message:       "claimCheck is required",
			Err:           core.ErrValidation,
		}
	}
	return nil
}

// Validate checks a response before it is resolved against the registry.
func (r ResponseMessage) Validate() error {
	if strings.TrimSpace(r.CorrelationID) == "" {
		return core.Validationf("response", "correlationId is required")
	}
	if !r.Status.Valid() {
		return core.Validationf("response", "unknown status %q", r.Status)
	}
	return nil
}

// ParseJob decodes and validates a request or job payload. Any failure is a
// validation error.
func ParseJob(data []byte) (JobMessage, error) {
	var j JobMessage
	if err := decode(data, &j); err != nil {
		return JobMessage{}, core.Validationf("parse job", "%v", err)
	}
	if j.ReferenceTexts == nil {
		j.ReferenceTexts = []string{}
	}
	if err := j.Validate(); err != nil {
		return JobMessage{}, err
	}
	return j, nil
}

// ParseResponse decodes and validates a response payload.
func ParseResponse(data []byte) (ResponseMessage, error) {
	var r ResponseMessage
	if err := decode(data, &r); err != nil {
		return ResponseMessage{}, core.Validationf("parse response", "%v", err)
	}
	if err := r.Validate(); err != nil {
		return ResponseMessage{}, err
	}
	return r, nil
}

// Encode marshals a message for the wire.
func Encode(v interface{}) ([]byte, error) {
	return core.JSONEncode(v)
}

func decode(data []byte, v interface{}) error {
	return core.JSONDecode(data, v)
}
