// Package particle scores events as gamma-like or hadron-like with a trained
// binary classifier.
package particle

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/dl1"
	"github.com/banshee-data/shower.reco/internal/shower/dl2"
	"github.com/banshee-data/shower.reco/internal/shower/model"
)

// NameMLParticle is the published result name.
const NameMLParticle = "MLParticleClassifier"

// FeatureNames is the column order of the classifier input.
var FeatureNames = []string{
	"rec_impact_parameter",
	"hillas_length",
	"hillas_width",
	"hillas_r",
	"hillas_psi",
	"hillas_phi",
	"rec_hmax",
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
	"intensity_skewness",
	"intensity_kurtosis",
	"average_intensity",
	"n_tel",
	"rec_energy",
	"tel_rec_energy",
}

// Options configures the classifier.
type Options struct {
	GeometrySource string
	EnergySource   string
	// ImpactSource names the geometry result providing impact parameters;
	// empty uses the descriptor value.
	ImpactSource string
	Cuts         dl1.ImageCuts
}

// MLParticleClassifier publishes the intensity-weighted probability that the
// primary is a hadron.
type MLParticleClassifier struct {
	clf  model.Classifier
	opts Options
}

// NewMLParticleClassifier binds the classifier.
func NewMLParticleClassifier(clf model.Classifier, opts Options) (*MLParticleClassifier, error) {
	if clf == nil {
		return nil, fmt.Errorf("%s: no classifier", NameMLParticle)
	}
	if opts.GeometrySource == "" || opts.EnergySource == "" {
		return nil, fmt.Errorf("%s: geometry and energy sources are required", NameMLParticle)
	}
	if n := clf.NumFeatures(); n != len(FeatureNames) {
		return nil, fmt.Errorf("%s: %w: model expects %d features, classifier provides %d",
			NameMLParticle, model.ErrShapeMismatch, n, len(FeatureNames))
	}
	return &MLParticleClassifier{clf: clf, opts: opts}, nil
}

func (c *MLParticleClassifier) Name() string      { return NameMLParticle }
func (c *MLParticleClassifier) Kind() shower.Kind { return shower.KindParticle }

func (c *MLParticleClassifier) Requires() []shower.Dependency {
	deps := []shower.Dependency{
		{Kind: shower.KindGeometry, Name: c.opts.GeometrySource},
		{Kind: shower.KindEnergy, Name: c.opts.EnergySource},
	}
	if c.opts.ImpactSource != "" && c.opts.ImpactSource != c.opts.GeometrySource {
		deps = append(deps, shower.Dependency{Kind: shower.KindGeometry, Name: c.opts.ImpactSource})
	}
	return deps
}

func (c *MLParticleClassifier) features(ev *shower.ArrayEvent, tels []int, geom dl2.Geometry, recEnergy float64) *mat.Dense {
	x := mat.NewDense(len(tels), len(FeatureNames), nil)
	nTel := float64(len(tels))
	meanIntensity := ev.MeanIntensity(tels)
	var hmax float64
	if geom.HasHMax {
		hmax = geom.HMax
	}
	for i, id := range tels {
		img := ev.DL1[id].Image
		h := img.Hillas
		telEnergy, ok := ev.DL2.TelEnergy(id, c.opts.EnergySource)
		if !ok {
			telEnergy = recEnergy
		}
		x.SetRow(i, []float64{
			shower.Impact(ev, id, c.opts.ImpactSource),
			h.Length, h.Width, h.R, h.Psi, h.Phi,
			hmax,
			h.Skewness, h.Kurtosis, h.Intensity,
			img.Leakage.PixelsWidth1, img.Leakage.PixelsWidth2,
			img.Leakage.IntensityWidth1, img.Leakage.IntensityWidth2,
			img.Concentration.COG, img.Concentration.Core, img.Concentration.Pixel,
			float64(img.Morphology.NPixels), float64(img.Morphology.NIslands),
			float64(img.Morphology.NSmallIslands), float64(img.Morphology.NMediumIslands),
			float64(img.Morphology.NLargeIslands),
			img.Intensity.Max, img.Intensity.Mean, img.Intensity.Std,
			img.Intensity.Skewness, img.Intensity.Kurtosis,
			meanIntensity,
			nTel,
			recEnergy,
			telEnergy,
		})
	}
	return x
}

// Reconstruct runs one batch prediction over every selected telescope.
// There is no per-telescope fallback: a classifier failure fails the stage.
func (c *MLParticleClassifier) Reconstruct(_ *shower.Context, ev *shower.ArrayEvent) error {
	geom, geomOK := shower.PreliminaryGeometry(ev, c.opts.GeometrySource)
	energy, energyOK := ev.DL2.Energy(c.opts.EnergySource)
	tels := ev.Select(c.opts.Cuts)
	if !geomOK || !energyOK || !energy.Valid || len(tels) == 0 {
		return ev.DL2.PublishParticle(NameMLParticle, dl2.InvalidParticle(), nil)
	}

	proba, err := c.clf.PredictProba(c.features(ev, tels, geom, energy.Estimate))
	if err != nil {
		return fmt.Errorf("%s: predict: %w", NameMLParticle, err)
	}
	if rows, cols := proba.Dims(); rows != len(tels) || cols < 2 {
		return fmt.Errorf("%s: %w: got %dx%d probabilities for %d telescopes",
			NameMLParticle, model.ErrShapeMismatch, rows, cols, len(tels))
	}

	hadronness := mat.Col(nil, 1, proba)
	perTel := make(map[int]float64, len(tels))
	for i, id := range tels {
		perTel[id] = hadronness[i]
	}
	weights := ev.Intensities(tels)
	if !(floats.Sum(weights) > 0) {
		return ev.DL2.PublishParticle(NameMLParticle, dl2.InvalidParticle(), perTel)
	}
	return ev.DL2.PublishParticle(NameMLParticle, dl2.Particle{Valid: true, Hadronness: stat.Mean(hadronness, weights)}, perTel)
}
