// Package model provides inference against pre-trained regression and
// classification models: decision-tree ensembles and linear models stored
// as JSON documents, optionally split into offset-angle bins.
//
// Models are bound once at reconstructor construction and expose no
// mutation methods, so a single instance may be shared by every worker.
package model

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShapeMismatch is returned when a feature row or matrix does not
	// have the number of columns the model was trained with.
	ErrShapeMismatch = errors.New("model: feature shape mismatch")
	// ErrModelNotFound is returned when a model file does not exist.
	ErrModelNotFound = errors.New("model: model file not found")
	// ErrMalformedModel is returned for documents that cannot be decoded or
	// fail structural validation.
	ErrMalformedModel = errors.New("model: malformed model")
)

// Regressor predicts one value from one feature row.
type Regressor interface {
	NumFeatures() int
	Predict(x []float64) (float64, error)
}

// BatchRegressor is a Regressor that can also predict a whole feature
// matrix in one call. Implementations must return exactly the values
// Predict would return row by row.
type BatchRegressor interface {
	Regressor
	PredictBatch(x mat.Matrix) ([]float64, error)
}

// Classifier predicts class probabilities for a feature matrix. The result
// has one row per input row and one column per class.
type Classifier interface {
	NumFeatures() int
	PredictProba(x mat.Matrix) (*mat.Dense, error)
}

func checkRow(x []float64, n int) error {
	if len(x) != n {
		return fmt.Errorf("%w: got %d features, want %d", ErrShapeMismatch, len(x), n)
	}
	return nil
}

func checkMatrix(x mat.Matrix, n int) error {
	if x == nil {
		return fmt.Errorf("%w: nil matrix", ErrShapeMismatch)
	}
	r, c := x.Dims()
	if r == 0 || c != n {
		return fmt.Errorf("%w: got %dx%d, want Nx%d", ErrShapeMismatch, r, c, n)
	}
	return nil
}

// PredictAll returns one prediction per row of x. Regressors with batch
// capability whose shape matches are asked for the whole matrix first; any
// batch failure falls back to per-row prediction, and only a per-row
// failure is returned. The bool reports whether the batch path was used.
func PredictAll(r Regressor, x mat.Matrix) ([]float64, bool, error) {
	if br, ok := r.(BatchRegressor); ok && checkMatrix(x, r.NumFeatures()) == nil {
		out, err := br.PredictBatch(x)
		if rows, _ := x.Dims(); err == nil && len(out) == rows {
			return out, true, nil
		}
	}
	out, err := PredictEach(r, x)
	return out, false, err
}

// PredictEach predicts every row of x independently.
func PredictEach(r Regressor, x mat.Matrix) ([]float64, error) {
	if x == nil {
		return nil, fmt.Errorf("%w: nil matrix", ErrShapeMismatch)
	}
	rows, _ := x.Dims()
	out := make([]float64, rows)
	for i := 0; i < rows; i++ {
		v, err := r.Predict(mat.Row(nil, i, x))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// rowScorer is the shared single-row scoring primitive of every model kind.
type rowScorer interface {
	NumFeatures() int
	score(x []float64) float64
}

// scorerRegressor adapts a rowScorer to BatchRegressor. The batch path
// walks the same scoring code row by row, which keeps both paths bitwise
// identical.
type scorerRegressor struct {
	s rowScorer
}

func (r scorerRegressor) NumFeatures() int { return r.s.NumFeatures() }

func (r scorerRegressor) Predict(x []float64) (float64, error) {
	if err := checkRow(x, r.s.NumFeatures()); err != nil {
		return 0, err
	}
	return r.s.score(x), nil
}

func (r scorerRegressor) PredictBatch(x mat.Matrix) ([]float64, error) {
	if err := checkMatrix(x, r.s.NumFeatures()); err != nil {
		return nil, err
	}
	rows, _ := x.Dims()
	out := make([]float64, rows)
	row := make([]float64, r.s.NumFeatures())
	for i := range out {
		mat.Row(row, i, x)
		out[i] = r.s.score(row)
	}
	return out, nil
}

// scorerClassifier turns a scorer whose output is P(class 1) into a binary
// Classifier.
type scorerClassifier struct {
	s rowScorer
}

func (c scorerClassifier) NumFeatures() int { return c.s.NumFeatures() }

func (c scorerClassifier) PredictProba(x mat.Matrix) (*mat.Dense, error) {
	if err := checkMatrix(x, c.s.NumFeatures()); err != nil {
		return nil, err
	}
	rows, _ := x.Dims()
	out := mat.NewDense(rows, 2, nil)
	row := make([]float64, c.s.NumFeatures())
	for i := 0; i < rows; i++ {
		mat.Row(row, i, x)
		p := clamp01(c.s.score(row))
		out.Set(i, 0, 1-p)
		out.Set(i, 1, p)
	}
	return out, nil
}

func clamp01(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
