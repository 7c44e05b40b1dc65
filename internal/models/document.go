package models

import "time"

// External document statuses reported by the status API.
const (
	DocumentProcessing = "processing"
	DocumentCompleted  = "completed"
	DocumentFailed     = "failed"
	DocumentUnknown    = "unknown"
)

// DocumentMetadata is the upload record shared by the api and workers.
type DocumentMetadata struct {
	DocumentID      string     `json:"document_id"`
	JobID           string     `json:"job_id"`
	FileRef         string     `json:"file_ref"`
	FileName        string     `json:"file_name"`
	FileSize        int64      `json:"file_size"`
	ContentHash     string     `json:"content_hash"`
	MIMEType        string     `json:"mime_type"`
	Tenant          string     `json:"tenant,omitempty"`
	Status          string     `json:"status"`
	Stage           Stage      `json:"stage,omitempty"`
	Error           *string    `json:"error,omitempty"`
	TaskID          string     `json:"task_id,omitempty"`
	PreviousTaskIDs []string   `json:"previous_task_ids,omitempty"`
	UploadedAt      time.Time  `json:"uploaded_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	AutoRecovered   bool       `json:"auto_recovered"`
	RecoveredAt     *time.Time `json:"recovered_at,omitempty"`
}

// Descriptor rebuilds the job descriptor for this document.
func (d DocumentMetadata) Descriptor() JobDescriptor {
	return JobDescriptor{
		JobID:      d.JobID,
		DocumentID: d.DocumentID,
		Input: DocumentInput{
			FileRef:     d.FileRef,
			FileName:    d.FileName,
			MIMEType:    d.MIMEType,
			FileSize:    d.FileSize,
			ContentHash: d.ContentHash,
		},
		Metadata: map[string]any{
			"file_name":   d.FileName,
			"upload_time": d.UploadedAt.UTC().Format(time.RFC3339),
		},
		CreatedAt: d.UploadedAt,
	}
}
