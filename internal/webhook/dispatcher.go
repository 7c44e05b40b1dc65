// Package webhook delivers pipeline events to registered HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"document-pipeline/internal/audit"
	"document-pipeline/internal/models"
	"document-pipeline/internal/store"
	"document-pipeline/internal/telemetry"
)

// Options tune delivery.
type Options struct {
	Timeout     time.Duration
	Concurrency int
	Client      *http.Client
	Audit       audit.Recorder
	Now         func() time.Time
}

// Dispatcher posts payloads to every active registration subscribed to the event.
type Dispatcher struct {
	store  *store.Store
	client *http.Client
	opts   Options
	logger zerolog.Logger
}

// NewDispatcher builds a dispatcher. Timeout defaults to 10s and Concurrency to 8.
func NewDispatcher(st *store.Store, logger zerolog.Logger, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Client == nil {
		opts.Client = telemetry.HTTPClient(opts.Timeout)
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{store: st, client: opts.Client, opts: opts, logger: logger}
}

// Dispatch delivers payload to each subscribed endpoint independently. Endpoint
// failures are recorded in the report; the only error returned is a failure to
// list registrations, before any delivery was attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, payload models.WebhookPayload) (models.DeliveryReport, error) {
	report := models.DeliveryReport{
		Event:      payload.Event,
		JobID:      payload.JobID,
		DocumentID: payload.DocumentID,
	}
	hooks, err := d.store.ListWebhooks(ctx, true)
	if err != nil {
		return report, fmt.Errorf("list webhooks: %w", err)
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = d.opts.Now().UTC()
	}
	if len(payload.Result) == 0 {
		payload.Result = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return report, fmt.Errorf("encode webhook payload: %w", err)
	}

	var targets []models.WebhookRegistration
	for _, h := range hooks {
		if h.Subscribed(payload.Event) {
			targets = append(targets, h)
		}
	}

	outcomes := make([]models.DeliveryOutcome, len(targets))
	sem := make(chan struct{}, d.opts.Concurrency)
	var wg sync.WaitGroup
	for i, hook := range targets {
		wg.Add(1)
		go func(i int, hook models.WebhookRegistration) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = d.deliver(ctx, hook, payload.Event, body)
		}(i, hook)
	}
	wg.Wait()

	for _, o := range outcomes {
		telemetry.WebhookDeliveries.WithLabelValues(o.Status).Inc()
		if o.Status == models.DeliverySuccess {
			report.Delivered++
		} else {
			report.Failed++
		}
	}
	report.Outcomes = outcomes
	report.DeliveredAt = d.opts.Now().UTC()

	log := d.logger.With().Str("job_id", payload.JobID).Str("event", payload.Event).Logger()
	log.Info().Int("delivered", report.Delivered).Int("failed", report.Failed).Msg("webhook dispatch finished")
	if err := d.store.PutDeliveryReport(ctx, report); err != nil {
		log.Warn().Err(err).Msg("store delivery report")
	}
	if err := d.opts.Audit.Record(ctx, models.AuditEvent{
		JobID:      payload.JobID,
		DocumentID: payload.DocumentID,
		Event:      audit.EventWebhookDelivered,
		Detail:     fmt.Sprintf("%s delivered=%d failed=%d", payload.Event, report.Delivered, report.Failed),
		Recorded:   report.DeliveredAt,
	}); err != nil {
		log.Warn().Err(err).Msg("audit record failed")
	}
	return report, nil
}

func (d *Dispatcher) deliver(ctx context.Context, hook models.WebhookRegistration, event string, body []byte) models.DeliveryOutcome {
	outcome := models.DeliveryOutcome{WebhookID: hook.ID, URL: hook.URL}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		outcome.Status = models.DeliveryError
		outcome.Error = err.Error()
		outcome.Duration = time.Since(start)
		return d.logOutcome(outcome)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-ID", hook.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		outcome.Status = models.DeliveryError
		outcome.Error = err.Error()
		outcome.Duration = time.Since(start)
		return d.logOutcome(outcome)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	outcome.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		outcome.Status = models.DeliverySuccess
	} else {
		outcome.Status = models.DeliveryFailed
		outcome.Error = fmt.Sprintf("endpoint returned %d", resp.StatusCode)
	}
	outcome.Duration = time.Since(start)
	return d.logOutcome(outcome)
}

func (d *Dispatcher) logOutcome(o models.DeliveryOutcome) models.DeliveryOutcome {
	level := zerolog.InfoLevel
	if o.Status != models.DeliverySuccess {
		level = zerolog.WarnLevel
	}
	d.logger.WithLevel(level).Str("error", o.Error).Str("webhook_id", o.WebhookID).Int("status_code", o.StatusCode).Str("status", o.Status).Msg("webhook delivery")
	return o
}
