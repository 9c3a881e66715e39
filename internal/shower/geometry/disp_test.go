package geometry

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/dl1"
	"github.com/banshee-data/shower.reco/internal/shower/dl2"
	"github.com/banshee-data/shower.reco/internal/shower/model"
	"github.com/banshee-data/shower.reco/internal/testutil"
)

const intensityColumn = 12 // hillas_intensity

// trueDispModel predicts testutil.TrueDisp for events whose intensities are
// 100 × telescope id.
func trueDispModel(t *testing.T) model.BatchRegressor {
	t.Helper()
	coef := make([]float64, len(DispFeatureNames))
	coef[intensityColumn] = 0.00002
	r, err := model.NewRegressor(model.Document{Kind: model.KindLinear, NFeatures: len(coef), Intercept: 0.01, Coefficients: coef})
	require.NoError(t, err)
	return r
}

// dispModels returns a binned set where only bucket good predicts the true
// disp; every other bucket predicts a constant far from it.
func dispModels(t *testing.T, good int) *model.RegressorSet {
	t.Helper()
	var bins [model.NumOffsetBins]model.Regressor
	for i := range bins {
		if i == good {
			bins[i] = trueDispModel(t)
			continue
		}
		r, err := model.NewRegressor(model.Document{
			Kind: model.KindLinear, NFeatures: len(DispFeatureNames),
			Intercept: 0.5, Coefficients: make([]float64, len(DispFeatureNames)),
		})
		require.NoError(t, err)
		bins[i] = r
	}
	set, err := model.NewBinnedRegressorSet(bins)
	require.NoError(t, err)
	return set
}

func dispShower(sourceXDeg float64, tels ...int) testutil.Shower {
	s := testutil.Shower{
		SourceX: testutil.Deg(sourceXDeg), SourceY: testutil.Deg(0.2),
		CoreX: 30, CoreY: 55,
		Intensities: map[int]float64{},
		WithTruth:   true,
	}
	for _, id := range tels {
		s.Intensities[id] = 100 * float64(id)
	}
	return s
}

// prepare runs the preliminary geometry and publishes an energy result.
func prepare(t *testing.T, ctx *shower.Context, ev *shower.ArrayEvent, energyValid bool) {
	t.Helper()
	require.NoError(t, NewHillasReconstructor(dl1.ImageCuts{}).Reconstruct(ctx, ev))
	e := dl2.Energy{Valid: energyValid}
	if energyValid {
		e.Estimate = 2.5
	}
	require.NoError(t, ev.DL2.PublishEnergy("MLEnergyReconstructor", e, nil))
}

func TestDispStereoRecoversSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		sourceX   float64
		goodBin   int
		telescope []int
	}{
		{"bin 0, two telescopes", 0.4, 0, []int{1, 3}},
		{"bin 1, four telescopes", 1.5, 1, []int{1, 2, 3, 4}},
		{"bin 2, three telescopes", 2.5, 2, []int{2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := testutil.Subarray(t)
			ctx := shower.NewContext(sub)
			s := dispShower(tt.sourceX, tt.telescope...)
			ev := testutil.Event(t, sub, s)
			prepare(t, ctx, ev, true)

			r, err := NewDispStereoReconstructor(dispModels(t, tt.goodBin), DispOptions{
				GeometrySource: NameHillas,
				EnergySource:   "MLEnergyReconstructor",
			})
			require.NoError(t, err)
			require.NoError(t, r.Reconstruct(ctx, ev))

			g, ok := ev.DL2.Geometry(NameDispStereo)
			require.True(t, ok)
			require.True(t, g.Valid)
			wantAlt, wantAz := sub.Frame().ToSky(s.SourceX, s.SourceY)
			assert.InDelta(t, wantAlt, g.Alt, 1e-9)
			assert.InDelta(t, 0, math.Remainder(g.Az-wantAz, 2*math.Pi), 1e-9)
			assert.InDelta(t, 0, g.AltUncertainty, 1e-9)
			require.True(t, g.HasDirectionError)
			assert.InDelta(t, 0, g.DirectionError, 1e-6)

			for _, id := range tt.telescope {
				disp, ok := ev.DL2.TelDisp(id, NameDispStereo)
				require.True(t, ok)
				assert.InDelta(t, testutil.TrueDisp(id), disp, 1e-12)
			}
		})
	}
}

func TestDispStereoNeedsValidDependencies(t *testing.T) {
	t.Parallel()

	sub := testutil.Subarray(t)
	ctx := shower.NewContext(sub)
	r, err := NewDispStereoReconstructor(dispModels(t, 0), DispOptions{
		GeometrySource: NameHillas,
		EnergySource:   "MLEnergyReconstructor",
	})
	require.NoError(t, err)

	t.Run("invalid energy", func(t *testing.T) {
		ev := testutil.Event(t, sub, dispShower(0.4, 1, 2, 3))
		prepare(t, ctx, ev, false)
		require.NoError(t, r.Reconstruct(ctx, ev))
		assert.False(t, ev.DL2.GeometryValid(NameDispStereo))
		_, ok := ev.DL2.TelDisp(1, NameDispStereo)
		assert.False(t, ok)
	})

	t.Run("missing energy", func(t *testing.T) {
		ev := testutil.Event(t, sub, dispShower(0.4, 1, 2, 3))
		require.NoError(t, NewHillasReconstructor(dl1.ImageCuts{}).Reconstruct(ctx, ev))
		require.NoError(t, r.Reconstruct(ctx, ev))
		assert.False(t, ev.DL2.GeometryValid(NameDispStereo))
	})

	t.Run("missing preliminary geometry", func(t *testing.T) {
		ev := testutil.Event(t, sub, dispShower(0.4, 1, 2, 3))
		require.NoError(t, ev.DL2.PublishEnergy("MLEnergyReconstructor", dl2.Energy{Valid: true, Estimate: 1}, nil))
		require.NoError(t, r.Reconstruct(ctx, ev))
		assert.False(t, ev.DL2.GeometryValid(NameDispStereo))
	})
}

func TestNewDispStereoRejectsWrongFeatureCount(t *testing.T) {
	t.Parallel()

	reg, err := model.NewRegressor(model.Document{Kind: model.KindLinear, NFeatures: 3, Coefficients: []float64{1, 2, 3}})
	require.NoError(t, err)
	_, err = NewDispStereoReconstructor(model.NewRegressorSet(reg), DispOptions{GeometrySource: NameHillas, EnergySource: "E"})
	assert.ErrorIs(t, err, model.ErrShapeMismatch)

	_, err = NewDispStereoReconstructor(model.NewRegressorSet(trueDispModel(t)), DispOptions{})
	assert.Error(t, err)
}

func TestResolvePairPicksGlobalMinimum(t *testing.T) {
	t.Parallel()

	h1 := dl1.HillasParameters{X: 0, Y: 0, Psi: 0}
	h2 := dl1.HillasParameters{X: 3, Y: 1, Psi: math.Pi / 2}
	p1, p2 := resolvePair(h1, 1, h2, 1)

	// Candidates: tel 1 at (1,0) or (-1,0); tel 2 at (3,2) or (3,0).
	all := [][2]r2.Vec{
		{{X: 1, Y: 0}, {X: 3, Y: 2}},
		{{X: 1, Y: 0}, {X: 3, Y: 0}},
		{{X: -1, Y: 0}, {X: 3, Y: 2}},
		{{X: -1, Y: 0}, {X: 3, Y: 0}},
	}
	best := all[0]
	for _, c := range all[1:] {
		if r2.Norm(r2.Sub(c[0], c[1])) < r2.Norm(r2.Sub(best[0], best[1])) {
			best = c
		}
	}
	assert.InDelta(t, best[0].X, p1.X, 1e-12)
	assert.InDelta(t, best[0].Y, p1.Y, 1e-12)
	assert.InDelta(t, best[1].X, p2.X, 1e-12)
	assert.InDelta(t, best[1].Y, p2.Y, 1e-12)

	// Deterministic: same inputs, same answer.
	q1, q2 := resolvePair(h1, 1, h2, 1)
	assert.Equal(t, p1, q1)
	assert.Equal(t, p2, q2)
}

func TestResolvePairTieKeepsFirstCombination(t *testing.T) {
	t.Parallel()

	// Parallel axes one unit apart: (+,+) and (-,-) are equally close.
	h1 := dl1.HillasParameters{X: 0, Y: 0, Psi: 0}
	h2 := dl1.HillasParameters{X: 0, Y: 1, Psi: 0}
	p1, p2 := resolvePair(h1, 2, h2, 2)
	assert.Equal(t, r2.Vec{X: 2, Y: 0}, p1)
	assert.Equal(t, r2.Vec{X: 2, Y: 1}, p2)
}

func TestPairEstimateWeights(t *testing.T) {
	t.Parallel()

	h1 := dl1.HillasParameters{X: 0, Y: 0, Psi: 0, Intensity: 300}
	h2 := dl1.HillasParameters{X: 2, Y: 1, Psi: math.Pi / 2, Intensity: 100}
	p, w, ok := pairEstimate(h1, 1, h2, 1)
	require.True(t, ok)
	// Resolved points (1,0) and (2,0).
	assert.InDelta(t, 1.25, p.X, 1e-12)
	assert.InDelta(t, 0, p.Y, 1e-12)
	assert.InDelta(t, 75, w, 1e-12)

	_, _, ok = pairEstimate(dl1.HillasParameters{}, 1, dl1.HillasParameters{Psi: 1}, 1)
	assert.False(t, ok)
}

func TestTriangulatePermutationInvariant(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	hs := make([]dl1.HillasParameters, 5)
	disp := make([]float64, 5)
	for i := range hs {
		hs[i] = dl1.HillasParameters{
			X: rng.Float64() - 0.5, Y: rng.Float64() - 0.5,
			Psi:       rng.Float64() * math.Pi,
			Intensity: 100 + 900*rng.Float64(),
		}
		disp[i] = 0.1 + rng.Float64()
	}
	xs, ys, ws := triangulate(hs, disp)
	wantX, wantY := stat.Mean(xs, ws), stat.Mean(ys, ws)

	perm := rng.Perm(len(hs))
	ph := make([]dl1.HillasParameters, len(hs))
	pd := make([]float64, len(hs))
	for i, j := range perm {
		ph[i], pd[i] = hs[j], disp[j]
	}
	xs, ys, ws = triangulate(ph, pd)
	assert.InDelta(t, wantX, stat.Mean(xs, ws), 1e-12)
	assert.InDelta(t, wantY, stat.Mean(ys, ws), 1e-12)
}

// batchBroken hides a working regressor behind a failing batch path.
type batchBroken struct {
	model.Regressor
}

func (batchBroken) PredictBatch(mat.Matrix) ([]float64, error) {
	return nil, errors.New("batch unavailable")
}

func TestDispBatchAndFallbackAgree(t *testing.T) {
	t.Parallel()

	sub := testutil.Subarray(t)
	ev := testutil.Event(t, sub, dispShower(0.4, 1, 2, 3, 4))

	good := trueDispModel(t)
	batch, err := NewDispStereoReconstructor(model.NewRegressorSet(good), DispOptions{GeometrySource: "G", EnergySource: "E"})
	require.NoError(t, err)
	fallback, err := NewDispStereoReconstructor(model.NewRegressorSet(batchBroken{good}), DispOptions{GeometrySource: "G", EnergySource: "E"})
	require.NoError(t, err)

	x := batch.features(ev, ev.TelIDs(), 1.0)
	a, err := batch.predictDisp(ev, x, 0.5)
	require.NoError(t, err)
	b, err := fallback.predictDisp(ev, x, 0.5)
	require.NoError(t, err)
	assert.InDeltaSlice(t, a, b, 1e-15)
}
