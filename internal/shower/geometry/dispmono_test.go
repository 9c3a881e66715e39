package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/dl1"
	"github.com/banshee-data/shower.reco/internal/shower/dl2"
	"github.com/banshee-data/shower.reco/internal/shower/model"
	"github.com/banshee-data/shower.reco/internal/testutil"
)

const monoIntensityColumn = 1 // hillas_intensity

// monoDispModel predicts |testutil.TrueDisp| for intensities of 100 × id.
func monoDispModel(t *testing.T) *model.RegressorSet {
	t.Helper()
	coef := make([]float64, len(MonoDispFeatureNames))
	coef[monoIntensityColumn] = 0.00002
	r, err := model.NewRegressor(model.Document{Kind: model.KindLinear, NFeatures: len(coef), Intercept: 0.01, Coefficients: coef})
	require.NoError(t, err)
	return model.NewRegressorSet(r)
}

// constantSign returns a classifier whose P(class 1) is p for every image.
func constantSign(t *testing.T, p float64) model.Classifier {
	t.Helper()
	clf, err := model.NewClassifier(model.Document{
		Kind: model.KindLinear, NFeatures: len(MonoDispFeatureNames), Intercept: p,
		Coefficients: make([]float64, len(MonoDispFeatureNames)),
	})
	require.NoError(t, err)
	return clf
}

func newMonoDisp(t *testing.T, positive float64) *DispReconstructor {
	t.Helper()
	r, err := NewDispReconstructor(monoDispModel(t), constantSign(t, positive), MonoDispOptions{EnergySource: "MLEnergyReconstructor"})
	require.NoError(t, err)
	return r
}

func TestMonoDispRecoversSource(t *testing.T) {
	t.Parallel()

	sub := testutil.Subarray(t)
	ctx := shower.NewContext(sub)
	s := dispShower(0.6, 1, 2, 4)
	ev := testutil.Event(t, sub, s)
	prepare(t, ctx, ev, true)

	// Fixture centroids sit at source + disp along psi, so the source is on
	// the negative side.
	r := newMonoDisp(t, 0.2)
	require.NoError(t, r.Reconstruct(ctx, ev))

	g, ok := ev.DL2.Geometry(NameDisp)
	require.True(t, ok)
	require.True(t, g.Valid)
	assert.Equal(t, []int{1, 2, 4}, g.Telescopes)
	wantAlt, wantAz := sub.Frame().ToSky(s.SourceX, s.SourceY)
	assert.InDelta(t, wantAlt, g.Alt, 1e-9)
	assert.InDelta(t, 0, math.Remainder(g.Az-wantAz, 2*math.Pi), 1e-9)
	assert.InDelta(t, 0, g.AltUncertainty, 1e-9)
	assert.InDelta(t, 0, g.AzUncertainty, 1e-9)
	require.True(t, g.HasDirectionError)
	assert.InDelta(t, 0, g.DirectionError, 1e-6)

	for _, id := range []int{1, 2, 4} {
		disp, ok := ev.DL2.TelDisp(id, NameDisp)
		require.True(t, ok)
		assert.InDelta(t, -testutil.TrueDisp(id), disp, 1e-12, "signed disp")
	}
}

func TestMonoDispWrongSignSpreadsEstimates(t *testing.T) {
	t.Parallel()

	sub := testutil.Subarray(t)
	ctx := shower.NewContext(sub)
	tels := []int{1, 2, 3}
	ev := testutil.Event(t, sub, dispShower(0.6, tels...))
	prepare(t, ctx, ev, true)

	require.NoError(t, newMonoDisp(t, 0.9).Reconstruct(ctx, ev))
	g, ok := ev.DL2.Geometry(NameDisp)
	require.True(t, ok)
	require.True(t, g.Valid)

	var xs, ys, ws []float64
	for _, id := range tels {
		h := ev.DL1[id].Image.Hillas
		d := testutil.TrueDisp(id)
		xs = append(xs, h.X+d*math.Cos(h.Psi))
		ys = append(ys, h.Y+d*math.Sin(h.Psi))
		ws = append(ws, h.Intensity)

		disp, _ := ev.DL2.TelDisp(id, NameDisp)
		assert.InDelta(t, d, disp, 1e-12)
	}
	wantAlt, _ := sub.Frame().ToSky(stat.Mean(xs, ws), stat.Mean(ys, ws))
	assert.InDelta(t, wantAlt, g.Alt, 1e-9)
	assert.InDelta(t, stat.PopStdDev(xs, ws), g.AltUncertainty, 1e-12)
	assert.InDelta(t, stat.PopStdDev(ys, ws), g.AzUncertainty, 1e-12)
	assert.Greater(t, g.AltUncertainty+g.AzUncertainty, 0.0)
}

func TestMonoDispInvalidCases(t *testing.T) {
	t.Parallel()

	sub := testutil.Subarray(t)
	ctx := shower.NewContext(sub)
	r := newMonoDisp(t, 0.2)

	t.Run("single telescope", func(t *testing.T) {
		ev := testutil.Event(t, sub, dispShower(0.4, 2))
		require.NoError(t, ev.DL2.PublishEnergy("MLEnergyReconstructor", dl2.Energy{Valid: true, Estimate: 1}, nil))
		require.NoError(t, r.Reconstruct(ctx, ev))
		g, ok := ev.DL2.Geometry(NameDisp)
		require.True(t, ok)
		assert.Equal(t, dl2.Geometry{}, g)
	})

	t.Run("invalid energy", func(t *testing.T) {
		ev := testutil.Event(t, sub, dispShower(0.4, 1, 2, 3))
		prepare(t, ctx, ev, false)
		require.NoError(t, r.Reconstruct(ctx, ev))
		assert.False(t, ev.DL2.GeometryValid(NameDisp))
		_, ok := ev.DL2.TelDisp(1, NameDisp)
		assert.False(t, ok)
	})

	t.Run("cut below two images", func(t *testing.T) {
		cut, err := NewDispReconstructor(monoDispModel(t), constantSign(t, 0.2), MonoDispOptions{
			EnergySource: "MLEnergyReconstructor",
			Cuts:         dl1.ImageCuts{MinIntensity: 350},
		})
		require.NoError(t, err)
		ev := testutil.Event(t, sub, dispShower(0.4, 1, 2, 4))
		prepare(t, ctx, ev, true)
		require.NoError(t, cut.Reconstruct(ctx, ev))
		assert.False(t, ev.DL2.GeometryValid(NameDisp))
	})
}

func TestNewDispReconstructorValidates(t *testing.T) {
	t.Parallel()

	opts := MonoDispOptions{EnergySource: "E"}
	_, err := NewDispReconstructor(nil, constantSign(t, 0.5), opts)
	assert.Error(t, err)

	short, err := model.NewRegressor(model.Document{Kind: model.KindLinear, NFeatures: 2, Coefficients: []float64{1, 2}})
	require.NoError(t, err)
	_, err = NewDispReconstructor(model.NewRegressorSet(short), constantSign(t, 0.5), opts)
	assert.ErrorIs(t, err, model.ErrShapeMismatch)

	var bins [model.NumOffsetBins]model.Regressor
	for i := range bins {
		bins[i] = monoDispModel(t).Select(0)
	}
	binned, err := model.NewBinnedRegressorSet(bins)
	require.NoError(t, err)
	_, err = NewDispReconstructor(binned, constantSign(t, 0.5), opts)
	assert.ErrorIs(t, err, model.ErrMalformedModel)

	_, err = NewDispReconstructor(monoDispModel(t), constantSign(t, 0.5), MonoDispOptions{})
	assert.Error(t, err)

	r := newMonoDisp(t, 0.5)
	assert.Equal(t, []shower.Dependency{{Kind: shower.KindEnergy, Name: "MLEnergyReconstructor"}}, r.Requires())
}
