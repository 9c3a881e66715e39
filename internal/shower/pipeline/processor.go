// Package pipeline builds the configured reconstructors once and runs them
// over events in dependency order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/banshee-data/shower.reco/internal/monitoring"
	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/coords"
	"github.com/banshee-data/shower.reco/internal/shower/dl2"
)

const tracerName = "github.com/banshee-data/shower.reco/internal/shower/pipeline"

var (
	// ErrUnknownReconstructor is returned for a configured name with no
	// implementation.
	ErrUnknownReconstructor = errors.New("unknown reconstructor")
	// ErrDependency is returned when a reconstructor depends on a result no
	// earlier stage publishes.
	ErrDependency = errors.New("unsatisfied reconstructor dependency")
)

// EventError is a per-event failure. It never describes a configuration
// problem.
type EventError struct {
	EventID int64
	// Stage is the reconstructor name, or "input" for descriptor checks.
	Stage string
	Err   error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("event %d: %s: %v", e.EventID, e.Stage, e.Err)
}

func (e *EventError) Unwrap() error { return e.Err }

// Phase is one scheduling step of the pipeline.
type Phase int

const (
	PhaseGeometry Phase = iota
	PhaseEnergy
	// PhaseRefinement runs geometry reconstructors that consume an energy
	// result.
	PhaseRefinement
	PhaseParticle
	numPhases
)

var phaseNames = [numPhases]string{"geometry", "energy", "refinement", "particle"}

func (p Phase) String() string {
	if p < 0 || p >= numPhases {
		return "unknown"
	}
	return phaseNames[p]
}

// phaseOf places a reconstructor in its scheduling phase.
func phaseOf(r shower.Reconstructor) Phase {
	switch r.Kind() {
	case shower.KindEnergy:
		return PhaseEnergy
	case shower.KindParticle:
		return PhaseParticle
	}
	for _, d := range r.Requires() {
		if d.Kind == shower.KindEnergy {
			return PhaseRefinement
		}
	}
	return PhaseGeometry
}

// ShowerProcessor runs a fixed list of reconstructors over events. It is
// safe for concurrent use: each call to Process touches only its own event.
type ShowerProcessor struct {
	ctx    *shower.Context
	order  []shower.Reconstructor
	tracer trace.Tracer
}

// Option customises a ShowerProcessor.
type Option func(*ShowerProcessor)

// WithTracerProvider sets the provider of the per-stage spans. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *ShowerProcessor) { p.tracer = tp.Tracer(tracerName) }
}

// NewShowerProcessor schedules recos into phases, keeping the given order
// within a phase, and checks that every dependency is published by an
// earlier stage.
func NewShowerProcessor(sub *coords.Subarray, recos []shower.Reconstructor, opts ...Option) (*ShowerProcessor, error) {
	if sub == nil {
		return nil, errors.New("pipeline: no subarray")
	}
	var phases [numPhases][]shower.Reconstructor
	for _, r := range recos {
		phases[phaseOf(r)] = append(phases[phaseOf(r)], r)
	}
	p := &ShowerProcessor{
		ctx:    shower.NewContext(sub),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, ph := range phases {
		p.order = append(p.order, ph...)
	}
	if err := checkDependencies(p.order); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func checkDependencies(order []shower.Reconstructor) error {
	type key struct {
		kind shower.Kind
		name string
	}
	published := make(map[key]bool, len(order))
	names := make(map[string]bool, len(order))
	for _, r := range order {
		if names[r.Name()] {
			return fmt.Errorf("pipeline: reconstructor %q configured twice", r.Name())
		}
		for _, d := range r.Requires() {
			if !published[key{d.Kind, d.Name}] {
				return fmt.Errorf("%w: %s needs %s result %q", ErrDependency, r.Name(), d.Kind, d.Name)
			}
		}
		names[r.Name()] = true
		published[key{r.Kind(), r.Name()}] = true
	}
	return nil
}

// Context returns the shared run context.
func (p *ShowerProcessor) Context() *shower.Context { return p.ctx }

// Stages returns the reconstructor names in execution order.
func (p *ShowerProcessor) Stages() []string {
	names := make([]string, len(p.order))
	for i, r := range p.order {
		names[i] = r.Name()
	}
	return names
}

// normalize checks the descriptors against the subarray and expresses every
// Hillas centroid on the field-of-view plane.
func (p *ShowerProcessor) normalize(ev *shower.ArrayEvent) error {
	if err := ev.Check(p.ctx.Subarray); err != nil {
		return err
	}
	for id, d := range ev.DL1 {
		tel, _ := p.ctx.Subarray.Telescope(id)
		d = d.InFieldOfView(tel.FocalLength)
		d.TelID = id
		ev.DL1[id] = d
	}
	return nil
}

// Process runs every stage on ev and closes its result store, creating an
// empty store first when the event has none. Stage failures and panics come
// back as *EventError; results published before the failure stay in the
// store.
func (p *ShowerProcessor) Process(ctx context.Context, ev *shower.ArrayEvent) error {
	if ev.DL2 == nil {
		ev.DL2 = dl2.NewStore()
	}
	ctx, span := p.tracer.Start(ctx, "shower.process", trace.WithAttributes(
		attribute.Int64("event.id", ev.EventID),
		attribute.Int("event.n_tel", len(ev.DL1)),
	))
	defer span.End()
	defer ev.DL2.Close()

	if err := p.normalize(ev); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &EventError{EventID: ev.EventID, Stage: "input", Err: err}
	}
	for _, r := range p.order {
		if err := ctx.Err(); err != nil {
			return &EventError{EventID: ev.EventID, Stage: r.Name(), Err: err}
		}
		if err := p.runStage(ctx, r, ev); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

func (p *ShowerProcessor) runStage(ctx context.Context, r shower.Reconstructor, ev *shower.ArrayEvent) (err error) {
	_, span := p.tracer.Start(ctx, "shower.reconstruct", trace.WithAttributes(
		attribute.String("reconstructor.name", r.Name()),
		attribute.String("reconstructor.kind", r.Kind().String()),
		attribute.Int64("event.id", ev.EventID),
	))
	defer span.End()
	defer func() {
		if rec := recover(); rec != nil {
			monitoring.Logf("event %d: %s panicked: %v\n%s", ev.EventID, r.Name(), rec, debug.Stack())
			err = &EventError{EventID: ev.EventID, Stage: r.Name(), Err: fmt.Errorf("panic: %v", rec)}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := r.Reconstruct(p.ctx, ev); err != nil {
		return &EventError{EventID: ev.EventID, Stage: r.Name(), Err: err}
	}
	return nil
}
