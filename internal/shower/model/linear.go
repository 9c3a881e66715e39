package model

import (
	"fmt"
	"math"
)

// Link functions applied to the raw model score.
const (
	LinkIdentity = "identity"
	LinkLogistic = "logistic"
)

func applyLink(link string, v float64) float64 {
	if link == LinkLogistic {
		return 1 / (1 + math.Exp(-v))
	}
	return v
}

func validLink(link string) bool {
	return link == "" || link == LinkIdentity || link == LinkLogistic
}

// linearModel scores intercept + coefficients·x.
type linearModel struct {
	intercept    float64
	coefficients []float64
	link         string
}

func newLinearModel(intercept float64, coefficients []float64, link string) (*linearModel, error) {
	if len(coefficients) == 0 {
		return nil, fmt.Errorf("%w: linear model has no coefficients", ErrMalformedModel)
	}
	if !validLink(link) {
		return nil, fmt.Errorf("%w: unknown link %q", ErrMalformedModel, link)
	}
	return &linearModel{
		intercept:    intercept,
		coefficients: append([]float64(nil), coefficients...),
		link:         link,
	}, nil
}

func (m *linearModel) NumFeatures() int { return len(m.coefficients) }

func (m *linearModel) score(x []float64) float64 {
	s := m.intercept
	for i, c := range m.coefficients {
		s += c * x[i]
	}
	return applyLink(m.link, s)
}
