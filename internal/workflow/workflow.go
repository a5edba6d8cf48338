package workflow

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Operation is the kind of persistence operation a pipeline runs against
type Operation string

const (
	OperationInsert Operation = "Insert"
	OperationUpdate Operation = "Update"
)

// Context carries the before/after snapshots of an entity through a
// pipeline run. Original is nil on insert. Bag is shared between tasks so
// a validation task can leave results for downstream error reporting.
type Context[T any] struct {
	Operation Operation
	Original  *T
	Target    *T
	Bag       map[string]any

	invalid bool
}

// NewContext builds a pipeline context for one operation
func NewContext[T any](op Operation, original, target *T) *Context[T] {
	return &Context[T]{
		Operation: op,
		Original:  original,
		Target:    target,
		Bag:       make(map[string]any),
	}
}

// Abort marks the target invalid, short-circuiting persistence
func (c *Context[T]) Abort() {
	c.invalid = true
}

// Aborted reports whether a task marked the target invalid
func (c *Context[T]) Aborted() bool {
	return c.invalid
}

// Task is a single named pipeline step. Lower priorities run first.
type Task[T any] interface {
	Name() string
	Priority() int
	ShouldRun(ctx context.Context, wc *Context[T]) (bool, error)
	Run(ctx context.Context, wc *Context[T]) error
}

// Pipeline executes an ordered list of tasks against one context
type Pipeline[T any] struct {
	tasks []Task[T]
}

// NewPipeline builds a pipeline with tasks sorted by ascending priority
func NewPipeline[T any](tasks ...Task[T]) *Pipeline[T] {
	sorted := make([]Task[T], len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Pipeline[T]{tasks: sorted}
}

// Run executes every runnable task in priority order. A task error stops
// the pipeline; a task calling Abort lets the remaining tasks be skipped
// without an error so the caller can surface validation results.
func (p *Pipeline[T]) Run(ctx context.Context, wc *Context[T]) error {
	for _, task := range p.tasks {
		run, err := task.ShouldRun(ctx, wc)
		if err != nil {
			return errors.Wrapf(err, "task %s predicate failed", task.Name())
		}
		if !run {
			continue
		}

		log.Debug().Str("task", task.Name()).Str("operation", string(wc.Operation)).Msg("Running pipeline task")

		if err := task.Run(ctx, wc); err != nil {
			return errors.Wrapf(err, "task %s failed", task.Name())
		}

		if wc.Aborted() {
			return nil
		}
	}

	return nil
}
