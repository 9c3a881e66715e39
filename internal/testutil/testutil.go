// Package testutil provides shared test utilities and fixtures.
//
// The fixtures build geometrically consistent events: every Hillas major
// axis passes exactly through a chosen source position on the field-of-view
// plane, and every axis drawn through the telescope on the tilted ground
// plane passes through the chosen core.
package testutil

import (
	"encoding/json"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/shower.reco/internal/fsutil"
	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/coords"
	"github.com/banshee-data/shower.reco/internal/shower/dl1"
)

// Deg converts degrees to radians.
func Deg(d float64) float64 { return d * math.Pi / 180 }

// DefaultPointing is 70 degrees altitude towards north.
var DefaultPointing = coords.Pointing{Alt: Deg(70), Az: 0}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Subarray returns four telescopes on a 200 m square around the origin,
// ids 1 to 4, with 28 m focal length.
func Subarray(t testing.TB) *coords.Subarray {
	t.Helper()
	tels := []coords.TelescopeDescription{
		{TelID: 1, Position: r3.Vec{X: 100, Y: 100}, FocalLength: 28},
		{TelID: 2, Position: r3.Vec{X: -100, Y: 100}, FocalLength: 28},
		{TelID: 3, Position: r3.Vec{X: -100, Y: -100}, FocalLength: 28},
		{TelID: 4, Position: r3.Vec{X: 100, Y: -100}, FocalLength: 28},
	}
	sub, err := coords.NewSubarray(tels, DefaultPointing)
	AssertNoError(t, err)
	return sub
}

// Shower describes a synthetic event.
type Shower struct {
	SourceX, SourceY float64         // field-of-view radians
	CoreX, CoreY     float64         // ground metres
	Intensities      map[int]float64 // triggered telescopes and their intensity
	WithTruth        bool
}

// TrueDisp is the centroid-to-source distance the fixture uses for telID.
func TrueDisp(telID int) float64 { return 0.01 + 0.002*float64(telID) }

// Event builds an event whose image axes all meet at the source position
// and whose tilted axes meet at the core.
func Event(t testing.TB, sub *coords.Subarray, s Shower) *shower.ArrayEvent {
	t.Helper()
	frame := sub.Frame()
	srcAlt, srcAz := frame.ToSky(s.SourceX, s.SourceY)
	core := r3.Vec{X: s.CoreX, Y: s.CoreY}
	ctx, cty := frame.ToTilted(core)
	axis := coords.Direction(srcAlt, srcAz)

	descs := make(map[int]dl1.TelescopeDescriptor, len(s.Intensities))
	for telID, intensity := range s.Intensities {
		tel, ok := sub.Telescope(telID)
		if !ok {
			t.Fatalf("telescope %d not in subarray", telID)
		}
		tx, ty := frame.ToTilted(tel.Position)
		psi := math.Atan2(cty-ty, ctx-tx)
		d := TrueDisp(telID)
		x := s.SourceX + d*math.Cos(psi)
		y := s.SourceY + d*math.Sin(psi)
		descs[telID] = dl1.TelescopeDescriptor{
			TelID: telID,
			Image: dl1.ImageParameters{
				Hillas: dl1.HillasParameters{
					X: x, Y: y,
					Length:    0.005,
					Width:     0.002,
					Psi:       psi,
					Phi:       math.Atan2(y, x),
					R:         math.Hypot(x, y),
					Intensity: intensity,
				},
				Leakage:       dl1.LeakageParameters{IntensityWidth2: 0.01},
				Concentration: dl1.ConcentrationParameters{COG: 0.3, Core: 0.5, Pixel: 0.1},
				Morphology:    dl1.MorphologyParameters{NPixels: 30, NIslands: 1, NLargeIslands: 1},
				Intensity:     dl1.IntensityParameters{Max: intensity / 5, Mean: intensity / 30, Std: intensity / 60},
				Miss:          0.001 * (1 + 0.1*float64(telID)),
			},
			ImpactParameter: coords.PointLineDistance(tel.Position, core, axis),
		}
	}
	ev := shower.NewArrayEvent(1, descs)
	if s.WithTruth {
		ev.Simulation = &shower.SimulatedShower{Alt: srcAlt, Az: srcAz, Energy: 1, CoreX: s.CoreX, CoreY: s.CoreY}
	}
	return ev
}

// WriteJSON marshals v into the in-memory filesystem at path.
func WriteJSON(t testing.TB, mfs *fsutil.MemoryFileSystem, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	AssertNoError(t, err)
	mfs.WriteFile(path, data)
}
