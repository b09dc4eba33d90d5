package core

import (
	"context"
	"fmt"
	"slices"
)

// RunFunc processes one batch. With Take == 1 the batch is the bare unit,
// otherwise it is a []any of up to Take units.
type RunFunc func(inst Instance, input any) Result

// ReduceFunc transforms a batch of output units before it reaches the sink.
// A nil result outputs nothing.
type ReduceFunc func(ctx context.Context, batch []any) ([]any, error)

// FailFunc handles a batch that failed permanently. Its result is treated
// like the result of the processing function; returning Fail aborts the job.
type FailFunc func(inst Instance, input any, reason error) Result

// CompleteFunc runs once after all input was processed and may emit final output.
type CompleteFunc func(ctx context.Context, emit func(units ...any)) error

// InitFunc runs when the job is loaded in a process.
type InitFunc func(ctx context.Context, opts Options) error

// Methods is the dispatch table of a job. Nil entries fall back to the
// engine defaults.
type Methods struct {
	Init     InitFunc
	Run      RunFunc
	Reduce   ReduceFunc
	Fail     FailFunc
	Complete CompleteFunc
	Input    Source
	Output   Sink
}

// merge returns m with every non-nil entry of o applied on top.
func (m Methods) merge(o Methods) Methods {
	if o.Init != nil {
		m.Init = o.Init
	}
	if o.Run != nil {
		m.Run = o.Run
	}
	if o.Reduce != nil {
		m.Reduce = o.Reduce
	}
	if o.Fail != nil {
		m.Fail = o.Fail
	}
	if o.Complete != nil {
		m.Complete = o.Complete
	}
	if o.Input != nil {
		m.Input = o.Input
	}
	if o.Output != nil {
		m.Output = o.Output
	}
	return m
}

// Override is one layer of a job definition.
type Override struct {
	Options map[string]any
	Methods Methods
}

// Definition is a base job plus an ordered list of overrides. It is a value
// type; Extend and WithOptions return modified copies.
type Definition struct {
	Name    string
	Options Options
	Methods Methods

	overrides []Override
}

func NewDefinition(name string, methods Methods) Definition {
	return Definition{
		Name:    name,
		Options: DefaultOptions(),
		Methods: methods,
	}
}

func (d Definition) Extend(o Override) Definition {
	d.overrides = append(slices.Clone(d.overrides), o)
	return d
}

func (d Definition) WithOptions(patch map[string]any) Definition {
	return d.Extend(Override{Options: patch})
}

func (d Definition) WithMethods(m Methods) Definition {
	return d.Extend(Override{Methods: m})
}

// Resolve flattens the override chain into a runnable job.
func (d Definition) Resolve() (*Job, error) {
	opts := d.Options
	methods := d.Methods
	for i, o := range d.overrides {
		if err := opts.Apply(o.Options); err != nil {
			return nil, fmt.Errorf("override %d of job %q: %w", i, d.Name, err)
		}
		methods = methods.merge(o.Methods)
	}

	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("job %q: %w", d.Name, err)
	}
	if methods.Run == nil {
		return nil, fmt.Errorf("job %q: %w", d.Name, ErrMissingRun)
	}

	return &Job{Name: d.Name, Options: opts, Methods: methods}, nil
}

// Job is a resolved definition. It is shared read-only by every instance.
type Job struct {
	Name    string
	Options Options
	Methods
}
