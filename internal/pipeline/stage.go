package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"document-pipeline/internal/models"
)

// Stage is one pluggable unit of pipeline work.
type Stage interface {
	Name() models.StageName
	// Validate rejects input the stage can never process. A non-nil error fails
	// the stage without running Execute.
	Validate(input any) error
	Execute(ctx context.Context, input any) (any, error)
}

// Budget bounds how long and how often the envelope runs a stage.
type Budget struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	Timeout        time.Duration
}

// DefaultBudget is three attempts, 1s base backoff and a 30s per-attempt deadline.
func DefaultBudget() Budget {
	return Budget{MaxRetries: 3, RetryBaseDelay: time.Second, Timeout: 30 * time.Second}
}

func (b Budget) withDefaults(fallback Budget) Budget {
	if b.MaxRetries <= 0 {
		b.MaxRetries = fallback.MaxRetries
	}
	if b.RetryBaseDelay <= 0 {
		b.RetryBaseDelay = fallback.RetryBaseDelay
	}
	if b.Timeout <= 0 {
		b.Timeout = fallback.Timeout
	}
	return b
}

// Budgeted is implemented by stages that need a budget other than the envelope default.
type Budgeted interface {
	Budget() Budget
}

// ValidateFunc checks a typed stage input.
type ValidateFunc[In any] func(In) error

// ExecuteFunc is a typed stage body.
type ExecuteFunc[In, Out any] func(ctx context.Context, in In) (Out, error)

// Func builds a Stage from typed functions. Inputs of the wrong type fail validation.
func Func[In, Out any](name models.StageName, validate ValidateFunc[In], execute ExecuteFunc[In, Out]) Stage {
	return &funcStage[In, Out]{name: name, validate: validate, execute: execute}
}

// WithBudget attaches a budget to a stage.
func WithBudget(s Stage, b Budget) Stage {
	return budgetedStage{Stage: s, budget: b}
}

type budgetedStage struct {
	Stage
	budget Budget
}

func (b budgetedStage) Budget() Budget { return b.budget }

type funcStage[In, Out any] struct {
	name     models.StageName
	validate ValidateFunc[In]
	execute  ExecuteFunc[In, Out]
}

func (f *funcStage[In, Out]) Name() models.StageName { return f.name }

func (f *funcStage[In, Out]) Validate(input any) error {
	in, ok := input.(In)
	if !ok {
		var zero In
		return InvalidInput("%s: expected %T, got %T", f.name, zero, input)
	}
	if f.validate == nil {
		return nil
	}
	return f.validate(in)
}

func (f *funcStage[In, Out]) Execute(ctx context.Context, input any) (any, error) {
	in, ok := input.(In)
	if !ok {
		var zero In
		return nil, InvalidInput("%s: expected %T, got %T", f.name, zero, input)
	}
	return f.execute(ctx, in)
}

// InputFunc derives a stage's input from the job and the results recorded so far.
type InputFunc func(job models.JobDescriptor, results map[models.StageName]models.StageResult) any

// Registration binds a stage implementation to its input mapping.
type Registration struct {
	Stage Stage
	Input InputFunc
}

// Registry resolves stage names to implementations. It is immutable once built.
type Registry struct {
	stages map[models.StageName]Registration
}

// NewRegistry validates and indexes registrations. Names outside models.StageOrder
// and duplicate names are rejected.
func NewRegistry(regs ...Registration) (*Registry, error) {
	known := make(map[models.StageName]bool, len(models.StageOrder))
	for _, name := range models.StageOrder {
		known[name] = true
	}
	r := &Registry{stages: make(map[models.StageName]Registration, len(regs))}
	for _, reg := range regs {
		if reg.Stage == nil || reg.Input == nil {
			return nil, fmt.Errorf("registry: stage and input mapping are required")
		}
		name := reg.Stage.Name()
		if !known[name] {
			return nil, fmt.Errorf("registry: unknown stage %q", name)
		}
		if _, dup := r.stages[name]; dup {
			return nil, fmt.Errorf("registry: stage %q registered twice", name)
		}
		r.stages[name] = reg
	}
	return r, nil
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name models.StageName) (Registration, bool) {
	reg, ok := r.stages[name]
	return reg, ok
}

// Names lists registered stages in execution order.
func (r *Registry) Names() []models.StageName {
	names := make([]models.StageName, 0, len(r.stages))
	for _, name := range models.StageOrder {
		if _, ok := r.stages[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// DecodeResult unmarshals a prior stage's payload. Missing, failed or undecodable
// results yield the zero value of T.
func DecodeResult[T any](results map[models.StageName]models.StageResult, name models.StageName) T {
	var out T
	res, ok := results[name]
	if !ok || res.Status != models.StatusCompleted || len(res.Payload) == 0 {
		return out
	}
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		var zero T
		return zero
	}
	return out
}
