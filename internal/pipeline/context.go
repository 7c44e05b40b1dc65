package pipeline

import (
	"context"

	"document-pipeline/internal/models"
)

type jobKey struct{}

// WithJob attaches the job being processed to ctx so stage bodies can read its metadata.
func WithJob(ctx context.Context, job models.JobDescriptor) context.Context {
	return context.WithValue(ctx, jobKey{}, job)
}

// JobFromContext returns the job attached by WithJob.
func JobFromContext(ctx context.Context) (models.JobDescriptor, bool) {
	job, ok := ctx.Value(jobKey{}).(models.JobDescriptor)
	return job, ok
}
