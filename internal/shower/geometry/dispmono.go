package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/shower.reco/internal/monitoring"
	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/dl1"
	"github.com/banshee-data/shower.reco/internal/shower/dl2"
	"github.com/banshee-data/shower.reco/internal/shower/model"
)

// MonoDispFeatureNames is the column order of the single-telescope disp and
// sign model input.
var MonoDispFeatureNames = []string{
	"rec_energy",
	"hillas_intensity",
	"hillas_r",
	"hillas_length",
	"hillas_width",
	"hillas_psi",
	"leakage_intensity_width_1",
	"leakage_intensity_width_2",
	"leakage_pixels_width_1",
	"leakage_pixels_width_2",
	"concentration_cog",
	"concentration_core",
	"morphology_num_islands",
	"morphology_num_large_islands",
	"morphology_num_medium_islands",
	"morphology_num_pixels",
	"hillas_area",
	"rec_impact_parameter",
}

// MonoDispOptions names the results the single-telescope disp reconstructor
// depends on.
type MonoDispOptions struct {
	// EnergySource provides the array energy feature.
	EnergySource string
	// ImpactSource provides per-telescope impacts; empty uses the descriptor.
	ImpactSource string
	Cuts         dl1.ImageCuts
}

// DispReconstructor predicts each image's source position on its own: a
// regressor gives |disp| and a classifier picks the side of the centroid.
// The event direction is the intensity-weighted mean of those positions.
type DispReconstructor struct {
	disp model.Regressor
	sign model.Classifier
	opts MonoDispOptions
}

// NewDispReconstructor binds the disp regressor and the sign classifier.
// Both must accept len(MonoDispFeatureNames) features and the regressor must
// not be offset binned.
func NewDispReconstructor(disp *model.RegressorSet, sign model.Classifier, opts MonoDispOptions) (*DispReconstructor, error) {
	if disp == nil || sign == nil {
		return nil, fmt.Errorf("%s: disp and sign models are required", NameDisp)
	}
	if disp.Binned() {
		return nil, fmt.Errorf("%s: %w: disp model must not be offset binned", NameDisp, model.ErrMalformedModel)
	}
	want := len(MonoDispFeatureNames)
	if n := disp.NumFeatures(); n != want {
		return nil, fmt.Errorf("%s: %w: disp model expects %d features, reconstructor provides %d",
			NameDisp, model.ErrShapeMismatch, n, want)
	}
	if n := sign.NumFeatures(); n != want {
		return nil, fmt.Errorf("%s: %w: sign model expects %d features, reconstructor provides %d",
			NameDisp, model.ErrShapeMismatch, n, want)
	}
	if opts.EnergySource == "" {
		return nil, fmt.Errorf("%s: energy source is required", NameDisp)
	}
	return &DispReconstructor{disp: disp.Select(0), sign: sign, opts: opts}, nil
}

func (r *DispReconstructor) Name() string      { return NameDisp }
func (r *DispReconstructor) Kind() shower.Kind { return shower.KindGeometry }

func (r *DispReconstructor) Requires() []shower.Dependency {
	deps := []shower.Dependency{{Kind: shower.KindEnergy, Name: r.opts.EnergySource}}
	if r.opts.ImpactSource != "" {
		deps = append(deps, shower.Dependency{Kind: shower.KindGeometry, Name: r.opts.ImpactSource})
	}
	return deps
}

func (r *DispReconstructor) features(ev *shower.ArrayEvent, tels []int, recEnergy float64) *mat.Dense {
	x := mat.NewDense(len(tels), len(MonoDispFeatureNames), nil)
	for i, id := range tels {
		img := ev.DL1[id].Image
		h := img.Hillas
		x.SetRow(i, []float64{
			recEnergy,
			h.Intensity, h.R, h.Length, h.Width, h.Psi,
			img.Leakage.IntensityWidth1, img.Leakage.IntensityWidth2,
			img.Leakage.PixelsWidth1, img.Leakage.PixelsWidth2,
			img.Concentration.COG, img.Concentration.Core,
			float64(img.Morphology.NIslands), float64(img.Morphology.NLargeIslands),
			float64(img.Morphology.NMediumIslands), float64(img.Morphology.NPixels),
			h.Length * h.Width * math.Pi,
			shower.Impact(ev, id, r.opts.ImpactSource),
		})
	}
	return x
}

// signedDisp predicts |disp| and its sign for every row of x. Class 1 of
// the sign classifier is the positive direction along psi.
func (r *DispReconstructor) signedDisp(ev *shower.ArrayEvent, x *mat.Dense) ([]float64, error) {
	disp, usedBatch, err := model.PredictAll(r.disp, x)
	if err != nil {
		return nil, fmt.Errorf("predict disp: %w", err)
	}
	if _, capable := r.disp.(model.BatchRegressor); capable && !usedBatch {
		monitoring.Logf("event %d: %s: batch disp prediction failed, used per-telescope path", ev.EventID, NameDisp)
	}
	proba, err := r.sign.PredictProba(x)
	if err != nil {
		return nil, fmt.Errorf("predict sign: %w", err)
	}
	if rows, cols := proba.Dims(); rows != len(disp) || cols < 2 {
		return nil, fmt.Errorf("predict sign: %w: got %dx%d probabilities for %d telescopes",
			model.ErrShapeMismatch, rows, cols, len(disp))
	}
	for i := range disp {
		disp[i] = math.Abs(disp[i])
		if proba.At(i, 1) < 0.5 {
			disp[i] = -disp[i]
		}
	}
	return disp, nil
}

// Reconstruct places one source estimate per image and averages them.
func (r *DispReconstructor) Reconstruct(ctx *shower.Context, ev *shower.ArrayEvent) error {
	tels := ev.Select(r.opts.Cuts)
	energy, energyOK := ev.DL2.Energy(r.opts.EnergySource)
	if len(tels) < 2 || !energyOK || !energy.Valid {
		return publishInvalid(ev, NameDisp)
	}

	disp, err := r.signedDisp(ev, r.features(ev, tels, energy.Estimate))
	if err != nil {
		return fmt.Errorf("%s: %w", NameDisp, err)
	}

	xs := make([]float64, len(tels))
	ys := make([]float64, len(tels))
	perTel := make(map[int]float64, len(tels))
	for i, id := range tels {
		h := ev.DL1[id].Image.Hillas
		xs[i] = h.X + disp[i]*math.Cos(h.Psi)
		ys[i] = h.Y + disp[i]*math.Sin(h.Psi)
		perTel[id] = disp[i]
	}
	weights := ev.Intensities(tels)
	if !(floats.Sum(weights) > 0) {
		return ev.DL2.PublishGeometry(NameDisp, dl2.GeometryUpdate{Result: dl2.Geometry{}, Disp: perTel})
	}

	fx, fy := stat.Mean(xs, weights), stat.Mean(ys, weights)
	alt, az := ctx.Frame().ToSky(fx, fy)
	g := dl2.Geometry{
		Valid:          true,
		Alt:            alt,
		Az:             az,
		AltUncertainty: stat.PopStdDev(xs, weights),
		AzUncertainty:  stat.PopStdDev(ys, weights),
		Telescopes:     tels,
	}
	setDirectionError(ev, &g)
	return ev.DL2.PublishGeometry(NameDisp, dl2.GeometryUpdate{Result: g, Disp: perTel})
}
