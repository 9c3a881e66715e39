// Package geometry implements the direction reconstructors: the classic
// pairwise Hillas intersection, the weighted least-squares axis fit, the
// disp-based stereo triangulation and the per-image disp average.
//
// All reconstructors work on the nominal field-of-view plane of the array
// pointing, in radians, and publish one dl2.Geometry per event.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/coords"
	"github.com/banshee-data/shower.reco/internal/shower/dl1"
	"github.com/banshee-data/shower.reco/internal/shower/dl2"
)

// Reconstructor names.
const (
	NameHillas         = "HillasReconstructor"
	NameHillasWeighted = "HillasWeightedReconstructor"
	NameDispStereo     = "DispStereoReconstructor"
	NameDisp           = "DispReconstructor"
)

const (
	// ObservationLevel is the array altitude above sea level in metres.
	ObservationLevel = 4400.0
	// MaxHMax caps the height of shower maximum in metres.
	MaxHMax = 100000.0
)

func publishInvalid(ev *shower.ArrayEvent, name string) error {
	return ev.DL2.PublishGeometry(name, dl2.GeometryUpdate{Result: dl2.Geometry{}})
}

// setDirectionError fills the truth diagnostic when the event carries one.
func setDirectionError(ev *shower.ArrayEvent, g *dl2.Geometry) {
	if deg, ok := ev.DirectionErrorDeg(g.Alt, g.Az); ok {
		g.HasDirectionError = true
		g.DirectionError = deg
	}
}

// axis is an undirected 2D line through p along unit direction d.
type axis struct {
	p, d r2.Vec
}

func hillasAxis(h dl1.HillasParameters) axis {
	return axis{
		p: r2.Vec{X: h.X, Y: h.Y},
		d: r2.Vec{X: math.Cos(h.Psi), Y: math.Sin(h.Psi)},
	}
}

// intersect returns the crossing point of two axes. ok is false for
// parallel axes.
func intersect(a, b axis) (r2.Vec, bool) {
	den := r2.Cross(a.d, b.d)
	if math.Abs(den) < 1e-12 {
		return r2.Vec{}, false
	}
	t := r2.Cross(r2.Sub(b.p, a.p), b.d) / den
	return r2.Add(a.p, r2.Scale(t, a.d)), true
}

// konradWeight is the pair weight of the classic intersection: reduced
// intensity times both ellipticities times sin² of the opening angle.
func konradWeight(h1, h2 dl1.HillasParameters) float64 {
	if h1.Intensity+h2.Intensity <= 0 || h1.Length <= 0 || h2.Length <= 0 {
		return 0
	}
	reduced := h1.Intensity * h2.Intensity / (h1.Intensity + h2.Intensity)
	d1 := 1 - h1.Width/h1.Length
	d2 := 1 - h2.Width/h2.Length
	s := math.Sin(h1.Psi - h2.Psi)
	return reduced * d1 * d2 * s * s
}

// impactParameters returns the distance of each telescope to the shower axis
// through the ground core along the reconstructed direction.
func impactParameters(sub *coords.Subarray, tels []int, coreX, coreY, alt, az float64) map[int]float64 {
	core := r3.Vec{X: coreX, Y: coreY}
	dir := coords.Direction(alt, az)
	out := make(map[int]float64, len(tels))
	for _, id := range tels {
		if t, ok := sub.Telescope(id); ok {
			out[id] = coords.PointLineDistance(t.Position, core, dir)
		}
	}
	return out
}

// estimateHMax is the intensity-weighted mean of impact/r scaled by sin(alt)
// plus the observation level, capped at MaxHMax. ok is false when a
// telescope lacks an impact or has zero r, or when all weights vanish.
func estimateHMax(ev *shower.ArrayEvent, tels []int, impacts map[int]float64, alt float64) (float64, bool) {
	var num, den float64
	for _, id := range tels {
		h := ev.DL1[id].Image.Hillas
		impact, ok := impacts[id]
		r := h.R
		if r == 0 {
			r = math.Hypot(h.X, h.Y)
		}
		if !ok || impact <= 0 || r == 0 {
			return 0, false
		}
		num += h.Intensity * impact / r
		den += h.Intensity
	}
	if den <= 0 {
		return 0, false
	}
	hmax := num/den*math.Sin(alt) + ObservationLevel
	return math.Min(hmax, MaxHMax), true
}

// descriptorImpacts collects the upstream impact estimates.
func descriptorImpacts(ev *shower.ArrayEvent, tels []int) map[int]float64 {
	out := make(map[int]float64, len(tels))
	for _, id := range tels {
		out[id] = ev.DL1[id].ImpactParameter
	}
	return out
}
