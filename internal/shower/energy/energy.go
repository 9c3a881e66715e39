// Package energy estimates the primary energy of an event from per-telescope
// image descriptors with a trained log10(E) regressor.
package energy

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

// NameMLEnergy is the published result name.
const NameMLEnergy = "MLEnergyReconstructor"

// FeatureNames is the column order of the regressor input.
var FeatureNames = []string{
	"rec_impact_parameter",
	"hillas_length",
	"hillas_width",
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
	"intensity_max",
	"intensity_mean",
	"intensity_std",
	"n_tel",
}

// BinnedFeatureName is appended to FeatureNames for offset-binned models.
const BinnedFeatureName = "average_intensity"

// NumFeatures returns the input width expected for a model set.
func NumFeatures(binned bool) int {
	if binned {
		return len(FeatureNames) + 1
	}
	return len(FeatureNames)
}

// Options configures the energy reconstructor.
type Options struct {
	// GeometrySource gates the reconstruction and selects the offset bin.
	GeometrySource string
	// ImpactSource names the geometry result providing impact parameters;
	// empty uses the descriptor value.
	ImpactSource string
	Cuts         dl1.ImageCuts
}

// MLEnergyReconstructor predicts log10(E/TeV) per telescope and combines the
// per-telescope energies with intensity weights.
type MLEnergyReconstructor struct {
	models *model.RegressorSet
	opts   Options
}

// NewMLEnergyReconstructor binds the energy regressor.
func NewMLEnergyReconstructor(models *model.RegressorSet, opts Options) (*MLEnergyReconstructor, error) {
	if models == nil {
		return nil, fmt.Errorf("%s: no energy model", NameMLEnergy)
	}
	if opts.GeometrySource == "" {
		return nil, fmt.Errorf("%s: geometry source is required", NameMLEnergy)
	}
	want := NumFeatures(models.Binned())
	if n := models.NumFeatures(); n != want {
		return nil, fmt.Errorf("%s: %w: model expects %d features, reconstructor provides %d",
			NameMLEnergy, model.ErrShapeMismatch, n, want)
	}
	return &MLEnergyReconstructor{models: models, opts: opts}, nil
}

func (r *MLEnergyReconstructor) Name() string      { return NameMLEnergy }
func (r *MLEnergyReconstructor) Kind() shower.Kind { return shower.KindEnergy }

func (r *MLEnergyReconstructor) Requires() []shower.Dependency {
	deps := []shower.Dependency{{Kind: shower.KindGeometry, Name: r.opts.GeometrySource}}
	if r.opts.ImpactSource != "" && r.opts.ImpactSource != r.opts.GeometrySource {
		deps = append(deps, shower.Dependency{Kind: shower.KindGeometry, Name: r.opts.ImpactSource})
	}
	return deps
}

func (r *MLEnergyReconstructor) features(ev *shower.ArrayEvent, tels []int) *mat.Dense {
	cols := NumFeatures(r.models.Binned())
	x := mat.NewDense(len(tels), cols, nil)
	nTel := float64(len(tels))
	meanIntensity := ev.MeanIntensity(tels)
	row := make([]float64, cols)
	for i, id := range tels {
		img := ev.DL1[id].Image
		h := img.Hillas
		row = append(row[:0],
			shower.Impact(ev, id, r.opts.ImpactSource),
			h.Length, h.Width, h.Skewness, h.Kurtosis, h.Intensity,
			img.Leakage.PixelsWidth1, img.Leakage.PixelsWidth2,
			img.Leakage.IntensityWidth1, img.Leakage.IntensityWidth2,
			img.Concentration.COG, img.Concentration.Core, img.Concentration.Pixel,
			float64(img.Morphology.NPixels), float64(img.Morphology.NIslands),
			img.Intensity.Max, img.Intensity.Mean, img.Intensity.Std,
			nTel,
		)
		if r.models.Binned() {
			row = append(row, meanIntensity)
		}
		x.SetRow(i, row)
	}
	return x
}

// Reconstruct publishes the combined energy and one energy per telescope.
func (r *MLEnergyReconstructor) Reconstruct(ctx *shower.Context, ev *shower.ArrayEvent) error {
	geom, ok := shower.PreliminaryGeometry(ev, r.opts.GeometrySource)
	tels := ev.Select(r.opts.Cuts)
	if !ok || len(tels) == 0 {
		return ev.DL2.PublishEnergy(NameMLEnergy, dl2.InvalidEnergy(), nil)
	}

	reg := r.models.Select(ctx.OffsetDeg(geom.Alt, geom.Az))
	logE, usedBatch, err := model.PredictAll(reg, r.features(ev, tels))
	if err != nil {
		return fmt.Errorf("%s: predict energy: %w", NameMLEnergy, err)
	}
	if _, capable := reg.(model.BatchRegressor); capable && !usedBatch {
		monitoring.Logf("event %d: %s: batch energy prediction failed, used per-telescope path", ev.EventID, NameMLEnergy)
	}

	energies := make([]float64, len(logE))
	perTel := make(map[int]float64, len(tels))
	for i, id := range tels {
		energies[i] = math.Pow(10, logE[i])
		perTel[id] = energies[i]
	}
	weights := ev.Intensities(tels)
	if !(floats.Sum(weights) > 0) {
		return ev.DL2.PublishEnergy(NameMLEnergy, dl2.InvalidEnergy(), perTel)
	}
	return ev.DL2.PublishEnergy(NameMLEnergy, dl2.Energy{Valid: true, Estimate: stat.Mean(energies, weights)}, perTel)
}
