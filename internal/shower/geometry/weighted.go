package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/banshee-data/shower.reco/internal/monitoring"
	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/dl1"
	"github.com/banshee-data/shower.reco/internal/shower/dl2"
)

const (
	// fitLimitDeg bounds each field-of-view coordinate of the weighted fit.
	fitLimitDeg = 7.0
	// fitTolerance is the gradient threshold of the weighted fit in the
	// degree-scaled objective.
	fitTolerance = 1e-7

	radToDeg = 180 / math.Pi
)

// HillasWeightedReconstructor finds the field-of-view point minimising the
// miss-weighted mean squared perpendicular distance to every image axis.
type HillasWeightedReconstructor struct {
	cuts dl1.ImageCuts
}

// NewHillasWeightedReconstructor returns the weighted axis-fit
// reconstructor.
func NewHillasWeightedReconstructor(cuts dl1.ImageCuts) *HillasWeightedReconstructor {
	return &HillasWeightedReconstructor{cuts: cuts}
}

func (r *HillasWeightedReconstructor) Name() string                  { return NameHillasWeighted }
func (r *HillasWeightedReconstructor) Kind() shower.Kind             { return shower.KindGeometry }
func (r *HillasWeightedReconstructor) Requires() []shower.Dependency { return nil }

// axisLine is a major axis in normal form n·p + c = 0, in degrees.
type axisLine struct {
	nx, ny, c float64
	w2        float64 // squared weight
}

// axisObjective is the weighted mean squared distance to a set of lines.
type axisObjective struct {
	lines []axisLine
	sumW2 float64
}

func newAxisObjective(ev *shower.ArrayEvent, tels []int) *axisObjective {
	o := &axisObjective{lines: make([]axisLine, len(tels))}
	for i, id := range tels {
		img := ev.DL1[id].Image
		nx, ny := math.Sin(img.Hillas.Psi), -math.Cos(img.Hillas.Psi)
		w := 1 / img.Miss
		o.lines[i] = axisLine{
			nx: nx,
			ny: ny,
			c:  -(nx*img.Hillas.X + ny*img.Hillas.Y) * radToDeg,
			w2: w * w,
		}
		o.sumW2 += w * w
	}
	return o
}

func (o *axisObjective) value(p []float64) float64 {
	var s float64
	for _, l := range o.lines {
		d := l.nx*p[0] + l.ny*p[1] + l.c
		s += d * d * l.w2
	}
	return s / o.sumW2
}

func (o *axisObjective) gradient(grad, p []float64) {
	grad[0], grad[1] = 0, 0
	for _, l := range o.lines {
		d := l.nx*p[0] + l.ny*p[1] + l.c
		grad[0] += 2 * d * l.w2 * l.nx
		grad[1] += 2 * d * l.w2 * l.ny
	}
	grad[0] /= o.sumW2
	grad[1] /= o.sumW2
}

// bounded maps the unconstrained optimiser variable u to p = L·sin(u) so
// that every p stays within ±L.
func bounded(u float64) float64 { return fitLimitDeg * math.Sin(u) }

func unbounded(p float64) float64 {
	lim := fitLimitDeg * (1 - 1e-9)
	return math.Asin(math.Max(-lim, math.Min(lim, p)) / fitLimitDeg)
}

// fitResult is the outcome of one weighted fit. The position and residual
// are in degrees, the standard errors in radians.
type fitResult struct {
	x, y     float64
	sx, sy   float64
	residual float64
}

// fit minimises the objective from seed. It returns an error when the
// optimiser produces no location or the curvature at the minimum is not
// positive definite.
func (o *axisObjective) fit(seed [2]float64) (fitResult, error) {
	problem := optimize.Problem{
		Func: func(u []float64) float64 {
			return o.value([]float64{bounded(u[0]), bounded(u[1])})
		},
		Grad: func(grad, u []float64) {
			p := []float64{bounded(u[0]), bounded(u[1])}
			o.gradient(grad, p)
			grad[0] *= fitLimitDeg * math.Cos(u[0])
			grad[1] *= fitLimitDeg * math.Cos(u[1])
		},
	}
	settings := &optimize.Settings{
		GradientThreshold: fitTolerance,
		MajorIterations:   1000,
		Converger:         &optimize.FunctionConverge{Absolute: 1e-16, Iterations: 50},
	}
	res, err := optimize.Minimize(problem, []float64{unbounded(seed[0]), unbounded(seed[1])}, settings, &optimize.BFGS{})
	if res == nil {
		return fitResult{}, fmt.Errorf("weighted fit: %w", err)
	}
	if err != nil {
		monitoring.Logf("weighted fit stopped early (%v): %v", res.Status, err)
	}
	p := []float64{bounded(res.X[0]), bounded(res.X[1])}

	var hess mat.SymDense
	fd.Hessian(&hess, o.value, p, &fd.Settings{Formula: fd.Central})
	var chol mat.Cholesky
	if !chol.Factorize(&hess) {
		return fitResult{}, fmt.Errorf("weighted fit: curvature at minimum is not positive definite")
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return fitResult{}, fmt.Errorf("weighted fit: invert curvature: %w", err)
	}
	// One standard error is a unit rise of the objective measured in
	// radians², so the covariance is twice the inverse Hessian. Rescaling
	// both the objective and the coordinates by the same factor leaves the
	// Hessian unchanged, so the degree-space curvature gives radians here.
	return fitResult{
		x:        p[0],
		y:        p[1],
		sx:       math.Sqrt(2 * inv.At(0, 0)),
		sy:       math.Sqrt(2 * inv.At(1, 1)),
		residual: o.value(p),
	}, nil
}

// allParallel reports whether every axis shares one orientation.
func allParallel(ev *shower.ArrayEvent, tels []int) bool {
	psi0 := ev.DL1[tels[0]].Image.Hillas.Psi
	for _, id := range tels[1:] {
		if math.Abs(math.Sin(ev.DL1[id].Image.Hillas.Psi-psi0)) > 1e-9 {
			return false
		}
	}
	return true
}

// Reconstruct fits the common axis crossing and publishes the direction.
func (r *HillasWeightedReconstructor) Reconstruct(ctx *shower.Context, ev *shower.ArrayEvent) error {
	var tels []int
	for _, id := range ev.Select(r.cuts) {
		if ev.DL1[id].Image.Miss > 0 {
			tels = append(tels, id)
		}
	}
	if len(tels) < 2 || allParallel(ev, tels) {
		return publishInvalid(ev, NameHillasWeighted)
	}

	var seed [2]float64
	for _, id := range tels {
		h := ev.DL1[id].Image.Hillas
		seed[0] += h.X * radToDeg
		seed[1] += h.Y * radToDeg
	}
	seed[0] /= float64(len(tels))
	seed[1] /= float64(len(tels))

	res, err := newAxisObjective(ev, tels).fit(seed)
	if err != nil {
		monitoring.Logf("event %d: %s: %v", ev.EventID, NameHillasWeighted, err)
		return publishInvalid(ev, NameHillasWeighted)
	}

	alt, az := ctx.Frame().ToSky(res.x/radToDeg, res.y/radToDeg)
	g := dl2.Geometry{
		Valid:          true,
		Alt:            alt,
		Az:             az,
		AltUncertainty: res.sx,
		AzUncertainty:  res.sy,
		Telescopes:     tels,
	}
	g.HMax, g.HasHMax = estimateHMax(ev, tels, descriptorImpacts(ev, tels), alt)
	setDirectionError(ev, &g)

	return ev.DL2.PublishGeometry(NameHillasWeighted, dl2.GeometryUpdate{Result: g})
}
