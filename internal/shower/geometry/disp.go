package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/shower.reco/internal/monitoring"
	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/dl1"
	"github.com/banshee-data/shower.reco/internal/shower/dl2"
	"github.com/banshee-data/shower.reco/internal/shower/model"
)

// DispFeatureNames is the column order of the disp model input.
var DispFeatureNames = []string{
	"rec_impact_parameter",
	"rec_energy",
	"tel_rec_energy",
	"hillas_length",
	"hillas_width",
	"hillas_x",
	"hillas_y",
	"hillas_phi",
	"hillas_psi",
	"hillas_r",
	"hillas_skewness",
	"hillas_kurtosis",
	"hillas_intensity",
	"leakage_pixels_width_1",
	"leakage_pixels_width_2",
	"leakage_intensity_width_1",
	"leakage_intensity_width_2",
	"concentration_cog",
	"concentration_core",
	"concentration_pixel",
	"morphology_num_pixels",
	"morphology_num_islands",
	"morphology_num_small_islands",
	"morphology_num_medium_islands",
	"morphology_num_large_islands",
	"intensity_max",
	"intensity_mean",
	"intensity_std",
	"n_tel",
}

// DispOptions names the results the disp reconstructor depends on.
type DispOptions struct {
	// GeometrySource is the preliminary direction used for the offset angle.
	GeometrySource string
	// EnergySource provides the array and per-telescope energy features.
	EnergySource string
	// ImpactSource provides per-telescope impacts; empty uses the descriptor.
	ImpactSource string
	Cuts         dl1.ImageCuts
}

// DispStereoReconstructor predicts the centroid-to-source distance of every
// image and resolves the two-fold sign ambiguity pairwise.
type DispStereoReconstructor struct {
	models *model.RegressorSet
	opts   DispOptions
}

// NewDispStereoReconstructor binds the disp models. The models must accept
// exactly len(DispFeatureNames) features.
func NewDispStereoReconstructor(models *model.RegressorSet, opts DispOptions) (*DispStereoReconstructor, error) {
	if models == nil {
		return nil, fmt.Errorf("%s: no disp model", NameDispStereo)
	}
	if n := models.NumFeatures(); n != len(DispFeatureNames) {
		return nil, fmt.Errorf("%s: %w: model expects %d features, reconstructor provides %d",
			NameDispStereo, model.ErrShapeMismatch, n, len(DispFeatureNames))
	}
	if opts.GeometrySource == "" || opts.EnergySource == "" {
		return nil, fmt.Errorf("%s: geometry and energy sources are required", NameDispStereo)
	}
	return &DispStereoReconstructor{models: models, opts: opts}, nil
}

func (r *DispStereoReconstructor) Name() string      { return NameDispStereo }
func (r *DispStereoReconstructor) Kind() shower.Kind { return shower.KindGeometry }

func (r *DispStereoReconstructor) Requires() []shower.Dependency {
	deps := []shower.Dependency{
		{Kind: shower.KindGeometry, Name: r.opts.GeometrySource},
		{Kind: shower.KindEnergy, Name: r.opts.EnergySource},
	}
	if r.opts.ImpactSource != "" && r.opts.ImpactSource != r.opts.GeometrySource {
		deps = append(deps, shower.Dependency{Kind: shower.KindGeometry, Name: r.opts.ImpactSource})
	}
	return deps
}

func (r *DispStereoReconstructor) features(ev *shower.ArrayEvent, tels []int, recEnergy float64) *mat.Dense {
	x := mat.NewDense(len(tels), len(DispFeatureNames), nil)
	nTel := float64(len(tels))
	for i, id := range tels {
		img := ev.DL1[id].Image
		h := img.Hillas
		telEnergy, ok := ev.DL2.TelEnergy(id, r.opts.EnergySource)
		if !ok {
			telEnergy = recEnergy
		}
		x.SetRow(i, []float64{
			shower.Impact(ev, id, r.opts.ImpactSource),
			recEnergy,
			telEnergy,
			h.Length, h.Width, h.X, h.Y, h.Phi, h.Psi, h.R, h.Skewness, h.Kurtosis, h.Intensity,
			img.Leakage.PixelsWidth1, img.Leakage.PixelsWidth2,
			img.Leakage.IntensityWidth1, img.Leakage.IntensityWidth2,
			img.Concentration.COG, img.Concentration.Core, img.Concentration.Pixel,
			float64(img.Morphology.NPixels), float64(img.Morphology.NIslands),
			float64(img.Morphology.NSmallIslands), float64(img.Morphology.NMediumIslands),
			float64(img.Morphology.NLargeIslands),
			img.Intensity.Max, img.Intensity.Mean, img.Intensity.Std,
			nTel,
		})
	}
	return x
}

// predictDisp runs the disp regressor for the selected offset bucket, batch
// first with a per-telescope fallback.
func (r *DispStereoReconstructor) predictDisp(ev *shower.ArrayEvent, x *mat.Dense, offsetDeg float64) ([]float64, error) {
	reg := r.models.Select(offsetDeg)
	disp, usedBatch, err := model.PredictAll(reg, x)
	if err != nil {
		return nil, err
	}
	if _, capable := reg.(model.BatchRegressor); capable && !usedBatch {
		monitoring.Logf("event %d: %s: batch disp prediction failed, used per-telescope path", ev.EventID, NameDispStereo)
	}
	return disp, nil
}

// candidates are the two source positions an image allows: centroid plus
// and minus disp along the major axis.
func candidates(h dl1.HillasParameters, disp float64) (plus, minus r2.Vec) {
	c := r2.Vec{X: h.X, Y: h.Y}
	d := r2.Scale(disp, r2.Vec{X: math.Cos(h.Psi), Y: math.Sin(h.Psi)})
	return r2.Add(c, d), r2.Sub(c, d)
}

// resolvePair picks, among the four sign combinations of two images, the
// pair of candidates closest to each other. Exact ties keep the first
// combination in the order (+,+), (+,-), (-,+), (-,-).
func resolvePair(h1 dl1.HillasParameters, disp1 float64, h2 dl1.HillasParameters, disp2 float64) (p1, p2 r2.Vec) {
	p1Plus, p1Minus := candidates(h1, disp1)
	p2Plus, p2Minus := candidates(h2, disp2)
	combos := [4][2]r2.Vec{
		{p1Plus, p2Plus},
		{p1Plus, p2Minus},
		{p1Minus, p2Plus},
		{p1Minus, p2Minus},
	}
	best := 0
	bestDist := math.Inf(1)
	for i, c := range combos {
		if d := r2.Norm(r2.Sub(c[0], c[1])); d < bestDist {
			best, bestDist = i, d
		}
	}
	return combos[best][0], combos[best][1]
}

// pairEstimate is the intensity-weighted midpoint of the resolved
// candidates of one telescope pair, with the pair weight I1·I2/(I1+I2).
func pairEstimate(h1 dl1.HillasParameters, disp1 float64, h2 dl1.HillasParameters, disp2 float64) (r2.Vec, float64, bool) {
	w1, w2 := h1.Intensity, h2.Intensity
	if !(w1+w2 > 0) {
		return r2.Vec{}, 0, false
	}
	p1, p2 := resolvePair(h1, disp1, h2, disp2)
	mid := r2.Scale(1/(w1+w2), r2.Add(r2.Scale(w1, p1), r2.Scale(w2, p2)))
	return mid, w1 * w2 / (w1 + w2), true
}

// triangulate returns one estimate and weight per unordered image pair.
func triangulate(hs []dl1.HillasParameters, disp []float64) (xs, ys, ws []float64) {
	for i := 0; i < len(hs); i++ {
		for j := i + 1; j < len(hs); j++ {
			p, w, ok := pairEstimate(hs[i], disp[i], hs[j], disp[j])
			if !ok {
				continue
			}
			xs = append(xs, p.X)
			ys = append(ys, p.Y)
			ws = append(ws, w)
		}
	}
	return xs, ys, ws
}

// Reconstruct triangulates the source from every telescope pair.
func (r *DispStereoReconstructor) Reconstruct(ctx *shower.Context, ev *shower.ArrayEvent) error {
	tels := ev.Select(r.opts.Cuts)
	prelim, geomOK := shower.PreliminaryGeometry(ev, r.opts.GeometrySource)
	energy, energyOK := ev.DL2.Energy(r.opts.EnergySource)
	if len(tels) < 2 || !geomOK || !energyOK || !energy.Valid {
		return publishInvalid(ev, NameDispStereo)
	}

	offset := ctx.OffsetDeg(prelim.Alt, prelim.Az)
	disp, err := r.predictDisp(ev, r.features(ev, tels, energy.Estimate), offset)
	if err != nil {
		return fmt.Errorf("%s: predict disp: %w", NameDispStereo, err)
	}

	hs := make([]dl1.HillasParameters, len(tels))
	for i, id := range tels {
		hs[i] = ev.DL1[id].Image.Hillas
	}
	xs, ys, ws := triangulate(hs, disp)
	var total float64
	for _, w := range ws {
		total += w
	}
	if !(total > 0) {
		return publishInvalid(ev, NameDispStereo)
	}

	fx, fy := stat.Mean(xs, ws), stat.Mean(ys, ws)
	alt, az := ctx.Frame().ToSky(fx, fy)
	g := dl2.Geometry{
		Valid:          true,
		Alt:            alt,
		Az:             az,
		AltUncertainty: stat.PopStdDev(xs, nil),
		AzUncertainty:  stat.PopStdDev(ys, nil),
		Telescopes:     tels,
	}
	setDirectionError(ev, &g)

	perTel := make(map[int]float64, len(tels))
	for i, id := range tels {
		perTel[id] = disp[i]
	}
	return ev.DL2.PublishGeometry(NameDispStereo, dl2.GeometryUpdate{Result: g, Disp: perTel})
}
