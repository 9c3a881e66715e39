package shower

import (
	"math"

	"github.com/banshee-data/shower.reco/internal/shower/coords"
	"github.com/banshee-data/shower.reco/internal/shower/dl2"
)

// Kind is the result category a reconstructor publishes.
type Kind int

const (
	KindGeometry Kind = iota
	KindEnergy
	KindParticle
)

func (k Kind) String() string {
	switch k {
	case KindGeometry:
		return "geometry"
	case KindEnergy:
		return "energy"
	case KindParticle:
		return "particle"
	}
	return "unknown"
}

// Dependency names a result another reconstructor must publish earlier in
// the same event.
type Dependency struct {
	Kind Kind
	Name string
}

// Context is the run-wide, read-only state handed to every reconstructor
// call. One Context is shared by all workers.
type Context struct {
	Subarray *coords.Subarray
}

// NewContext builds a context over a validated subarray.
func NewContext(sub *coords.Subarray) *Context {
	return &Context{Subarray: sub}
}

// Frame returns the nominal frame of the array pointing.
func (c *Context) Frame() *coords.NominalFrame { return c.Subarray.Frame() }

// OffsetDeg is the angular distance in degrees between a direction and the
// array pointing.
func (c *Context) OffsetDeg(alt, az float64) float64 {
	p := c.Subarray.Pointing
	return coords.AngularSeparation(alt, az, p.Alt, p.Az) * 180 / math.Pi
}

// Reconstructor consumes an event's descriptors and earlier results and
// publishes exactly one named result into ev.DL2. Implementations keep no
// per-event state between calls and may be called from several goroutines
// at once.
type Reconstructor interface {
	Name() string
	Kind() Kind
	// Requires lists the results that must be published before this
	// reconstructor runs.
	Requires() []Dependency
	Reconstruct(ctx *Context, ev *ArrayEvent) error
}

// Impact returns the impact parameter used as a feature for telID. A
// non-empty source names a geometry reconstructor whose per-telescope
// impact is preferred; the upstream descriptor value is the fallback.
func Impact(ev *ArrayEvent, telID int, source string) float64 {
	if source != "" {
		if v, ok := ev.DL2.TelImpact(telID, source); ok {
			return v
		}
	}
	return ev.DL1[telID].ImpactParameter
}

// PreliminaryGeometry returns the named geometry result when it is valid.
func PreliminaryGeometry(ev *ArrayEvent, name string) (dl2.Geometry, bool) {
	g, ok := ev.DL2.Geometry(name)
	if !ok || !g.Valid {
		return dl2.Geometry{}, false
	}
	return g, true
}
