package models

import (
	"encoding/json"
	"time"
)

// Webhook event names.
const (
	EventDocumentProcessed = "document.processed"
	EventDocumentFailed    = "document.failed"
)

// WebhookRegistration is a subscribed endpoint. Registrations never expire.
type WebhookRegistration struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	URL       string     `json:"url"`
	Events    []string   `json:"events"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Subscribed reports whether the registration wants the given event.
func (w WebhookRegistration) Subscribed(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WebhookPayload is the fixed wire shape delivered to endpoints.
type WebhookPayload struct {
	Event      string          `json:"event"`
	Timestamp  time.Time       `json:"timestamp"`
	DocumentID string          `json:"document_id"`
	JobID      string          `json:"job_id"`
	Result     json.RawMessage `json:"result"`
	Error      *string         `json:"error"`
}

// Delivery outcome statuses.
const (
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
	DeliveryError   = "error"
)

// DeliveryOutcome records one endpoint's delivery attempt.
type DeliveryOutcome struct {
	WebhookID  string        `json:"webhook_id"`
	URL        string        `json:"url"`
	Status     string        `json:"status"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// DeliveryReport summarises one dispatch invocation.
type DeliveryReport struct {
	Event       string            `json:"event"`
	JobID       string            `json:"job_id"`
	DocumentID  string            `json:"document_id"`
	Delivered   int               `json:"delivered"`
	Failed      int               `json:"failed"`
	Outcomes    []DeliveryOutcome `json:"outcomes"`
	DeliveredAt time.Time         `json:"delivered_at"`
}
