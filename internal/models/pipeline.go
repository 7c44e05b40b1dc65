package models

import (
	"encoding/json"
	"time"
)

// StageName identifies one pluggable unit of pipeline work.
type StageName string

const (
	StageClassification StageName = "classification"
	StageOCR            StageName = "ocr"
	StageAnalysis       StageName = "analysis"
	StageSchema         StageName = "schema"
	StageValidation     StageName = "validation"
)

// StageOrder is the fixed execution order of the pipeline.
var StageOrder = []StageName{
	StageClassification,
	StageOCR,
	StageAnalysis,
	StageSchema,
	StageValidation,
}

// Stage is the position of a job in the pipeline state machine. Besides the
// stage names it takes the values received, completed and failed.
type Stage string

const (
	StageReceived  Stage = "received"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// AtStage converts a stage name into a pipeline position.
func AtStage(name StageName) Stage { return Stage(name) }

// Terminal reports whether no further transitions are allowed.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Rank orders pipeline positions: received < stages (in StageOrder) < terminal.
// Unknown values rank -1.
func (s Stage) Rank() int {
	switch s {
	case StageReceived:
		return 0
	case StageCompleted, StageFailed:
		return len(StageOrder) + 1
	}
	for i, name := range StageOrder {
		if Stage(name) == s {
			return i + 1
		}
	}
	return -1
}

// StageStatus is the outcome of one envelope invocation.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusRetrying  StageStatus = "retrying"
	StatusCompleted StageStatus = "completed"
	StatusFailed    StageStatus = "failed"
)

// ErrorKind classifies a stage failure.
type ErrorKind string

const (
	ErrorKindNone         ErrorKind = ""
	ErrorKindInvalidInput ErrorKind = "invalid_input"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindTransient    ErrorKind = "transient"
)

// StageResult is produced by the stage envelope and never mutated afterwards.
type StageResult struct {
	Status     StageStatus     `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      *string         `json:"error,omitempty"`
	ErrorKind  ErrorKind       `json:"error_kind,omitempty"`
	RetryCount int             `json:"retry_count"`
	Attempts   int             `json:"attempts"`
	Duration   time.Duration   `json:"duration"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// PipelineState is the persisted progress of one job.
type PipelineState struct {
	JobID       string                    `json:"job_id"`
	DocumentID  string                    `json:"document_id"`
	Stage       Stage                     `json:"stage"`
	StartedAt   time.Time                 `json:"started_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
	Results     map[StageName]StageResult `json:"results"`
	Error       *string                   `json:"error,omitempty"`
	Executions  int                       `json:"executions"`
	// Finalized is set once the terminal side effects (result record, document
	// sync, webhook scheduling) have all been persisted.
	Finalized bool `json:"finalized"`
}

// Result returns the recorded result for a stage, if any.
func (s PipelineState) Result(name StageName) (StageResult, bool) {
	r, ok := s.Results[name]
	return r, ok
}
