package model

import "fmt"

// Tree aggregation modes.
const (
	AggregateMean = "mean" // random forest: average of tree outputs
	AggregateSum  = "sum"  // gradient boosting: base score + sum of tree outputs
)

// tree is one decision tree in flat array form. Node i is a leaf when
// left[i] < 0; otherwise x[feature[i]] <= threshold[i] descends left.
type tree struct {
	feature   []int
	threshold []float64
	left      []int
	right     []int
	value     []float64
}

func (t *tree) validate(nFeatures int) error {
	n := len(t.feature)
	if n == 0 {
		return fmt.Errorf("%w: empty tree", ErrMalformedModel)
	}
	if len(t.threshold) != n || len(t.left) != n || len(t.right) != n || len(t.value) != n {
		return fmt.Errorf("%w: tree arrays differ in length", ErrMalformedModel)
	}
	for i := 0; i < n; i++ {
		if t.left[i] < 0 {
			continue
		}
		if t.left[i] <= i || t.left[i] >= n || t.right[i] <= i || t.right[i] >= n {
			return fmt.Errorf("%w: node %d has out-of-order children", ErrMalformedModel, i)
		}
		if t.feature[i] < 0 || t.feature[i] >= nFeatures {
			return fmt.Errorf("%w: node %d splits on feature %d of %d", ErrMalformedModel, i, t.feature[i], nFeatures)
		}
	}
	return nil
}

// eval walks from the root to a leaf. Children always have larger indices
// than their parent (checked by validate), so the walk terminates.
func (t *tree) eval(x []float64) float64 {
	i := 0
	for t.left[i] >= 0 {
		if x[t.feature[i]] <= t.threshold[i] {
			i = t.left[i]
		} else {
			i = t.right[i]
		}
	}
	return t.value[i]
}

type treeEnsemble struct {
	nFeatures   int
	trees       []tree
	aggregation string
	baseScore   float64
	link        string
}

func (m *treeEnsemble) NumFeatures() int { return m.nFeatures }

func (m *treeEnsemble) score(x []float64) float64 {
	var s float64
	for i := range m.trees {
		s += m.trees[i].eval(x)
	}
	if m.aggregation == AggregateMean {
		s /= float64(len(m.trees))
	}
	return applyLink(m.link, m.baseScore+s)
}
