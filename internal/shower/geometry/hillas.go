package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/coords"
	"github.com/banshee-data/shower.reco/internal/shower/dl1"
	"github.com/banshee-data/shower.reco/internal/shower/dl2"
)

// HillasReconstructor intersects the image axes of every telescope pair on
// the field-of-view plane and averages the crossings with Konrad weights.
// The same pairwise intersection on the tilted ground plane gives the core.
type HillasReconstructor struct {
	cuts dl1.ImageCuts
}

// NewHillasReconstructor returns the classic intersection reconstructor.
func NewHillasReconstructor(cuts dl1.ImageCuts) *HillasReconstructor {
	return &HillasReconstructor{cuts: cuts}
}

func (r *HillasReconstructor) Name() string                  { return NameHillas }
func (r *HillasReconstructor) Kind() shower.Kind             { return shower.KindGeometry }
func (r *HillasReconstructor) Requires() []shower.Dependency { return nil }

// weightedCrossings holds the intersection points of all usable pairs.
type weightedCrossings struct {
	x, y, w []float64
}

func (c *weightedCrossings) add(p r2.Vec, w float64) {
	c.x = append(c.x, p.X)
	c.y = append(c.y, p.Y)
	c.w = append(c.w, w)
}

// mean returns the weighted mean and weighted standard deviation per axis.
// ok is false when no pair carries weight.
func (c *weightedCrossings) mean() (mx, my, sx, sy float64, ok bool) {
	var total float64
	for _, w := range c.w {
		total += w
	}
	if len(c.w) == 0 || !(total > 0) {
		return 0, 0, 0, 0, false
	}
	mx, vx := stat.PopMeanVariance(c.x, c.w)
	my, vy := stat.PopMeanVariance(c.y, c.w)
	return mx, my, math.Sqrt(math.Max(vx, 0)), math.Sqrt(math.Max(vy, 0)), true
}

// intersectPairs crosses the axes of every telescope pair. position maps a
// telescope to the anchor point of its axis.
func intersectPairs(ev *shower.ArrayEvent, tels []int, position func(telID int) r2.Vec) weightedCrossings {
	var c weightedCrossings
	for i := 0; i < len(tels); i++ {
		h1 := ev.DL1[tels[i]].Image.Hillas
		a1 := hillasAxis(h1)
		a1.p = position(tels[i])
		for j := i + 1; j < len(tels); j++ {
			h2 := ev.DL1[tels[j]].Image.Hillas
			a2 := hillasAxis(h2)
			a2.p = position(tels[j])
			p, ok := intersect(a1, a2)
			if !ok {
				continue
			}
			if w := konradWeight(h1, h2); w > 0 {
				c.add(p, w)
			}
		}
	}
	return c
}

// Reconstruct publishes direction, core, per-telescope impact and hmax.
func (r *HillasReconstructor) Reconstruct(ctx *shower.Context, ev *shower.ArrayEvent) error {
	tels := ev.Select(r.cuts)
	if len(tels) < 2 {
		return publishInvalid(ev, NameHillas)
	}
	frame := ctx.Frame()

	nominal := intersectPairs(ev, tels, func(id int) r2.Vec {
		h := ev.DL1[id].Image.Hillas
		return r2.Vec{X: h.X, Y: h.Y}
	})
	fx, fy, sx, sy, ok := nominal.mean()
	if !ok {
		return publishInvalid(ev, NameHillas)
	}
	alt, az := frame.ToSky(fx, fy)

	tilted := intersectPairs(ev, tels, func(id int) r2.Vec {
		t, _ := ctx.Subarray.Telescope(id)
		x, y := frame.ToTilted(t.Position)
		return r2.Vec{X: x, Y: y}
	})
	g := dl2.Geometry{
		Valid:          true,
		Alt:            alt,
		Az:             az,
		AltUncertainty: sx,
		AzUncertainty:  sy,
		Telescopes:     tels,
	}
	var impacts map[int]float64
	if tx, ty, tsx, tsy, ok := tilted.mean(); ok {
		g.TiltedCoreX, g.TiltedCoreY = tx, ty
		g.TiltedCoreUncertaintyX, g.TiltedCoreUncertaintyY = tsx, tsy
		g.CoreX, g.CoreY = coords.ProjectToGround(frame.FromTilted(tx, ty), coords.Direction(alt, az))
		g.HasCore = true
		impacts = impactParameters(ctx.Subarray, tels, g.CoreX, g.CoreY, alt, az)
		g.HMax, g.HasHMax = estimateHMax(ev, tels, impacts, alt)
	}
	setDirectionError(ev, &g)

	return ev.DL2.PublishGeometry(NameHillas, dl2.GeometryUpdate{Result: g, Impact: impacts})
}
