package models

import (
	"time"
)

// DocumentInput references the stored upload a job operates on.
type DocumentInput struct {
	FileRef     string `json:"file_ref"`
	FileName    string `json:"file_name"`
	MIMEType    string `json:"mime_type"`
	FileSize    int64  `json:"file_size"`
	ContentHash string `json:"content_hash"`
}

// JobDescriptor is the immutable unit of work handed to a worker.
type JobDescriptor struct {
	JobID      string         `json:"job_id"`
	DocumentID string         `json:"document_id"`
	Input      DocumentInput  `json:"input"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TaskResult is the final outcome of a document job, kept with a short TTL for status queries.
type TaskResult struct {
	JobID       string                     `json:"job_id"`
	DocumentID  string                     `json:"document_id"`
	Status      string                     `json:"status"`
	Stage       Stage                      `json:"stage"`
	StartedAt   time.Time                  `json:"started_at"`
	CompletedAt time.Time                  `json:"completed_at"`
	Results     map[StageName]StageResult `json:"results,omitempty"`
	Error       *string                    `json:"error,omitempty"`
}

// AuditEvent is an append-only record of something that happened to a job.
type AuditEvent struct {
	JobID      string    `json:"job_id"`
	DocumentID string    `json:"document_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail"`
	Recorded   time.Time `json:"recorded_at"`
}
