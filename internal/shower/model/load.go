package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"

	"github.com/banshee-data/shower.reco/internal/fsutil"
)

// Model kinds understood by the loader.
const (
	KindLinear       = "linear"
	KindTreeEnsemble = "tree_ensemble"
)

// NumOffsetBins is the number of offset-angle buckets: [0,1), [1,2), [2,3),
// [3,4) and [4,inf) degrees.
const NumOffsetBins = 5

// maxModelSize caps model documents read from disk.
const maxModelSize = 64 << 20

// OffsetBin returns the bucket index for an offset angle in degrees. Bucket
// lower edges are inclusive, so exactly 1.0 selects bucket 1. Negative and
// NaN offsets select bucket 0.
func OffsetBin(offsetDeg float64) int {
	if !(offsetDeg >= 1) {
		return 0
	}
	if offsetDeg >= NumOffsetBins-1 {
		return NumOffsetBins - 1
	}
	return int(math.Floor(offsetDeg))
}

// Document is the serialized form of one model.
type Document struct {
	Kind      string `json:"kind"`
	NFeatures int    `json:"n_features"`
	Link      string `json:"link,omitempty"`

	// linear
	Intercept    float64   `json:"intercept,omitempty"`
	Coefficients []float64 `json:"coefficients,omitempty"`

	// tree_ensemble
	Trees       []TreeDocument `json:"trees,omitempty"`
	Aggregation string         `json:"aggregation,omitempty"`
	BaseScore   float64        `json:"base_score,omitempty"`
}

// TreeDocument is one decision tree in flat-array form. A node is a leaf
// when its left child index is -1.
type TreeDocument struct {
	Feature   []int     `json:"feature"`
	Threshold []float64 `json:"threshold"`
	Left      []int     `json:"left"`
	Right     []int     `json:"right"`
	Value     []float64 `json:"value"`
}

// OffsetBinDocument binds one model to an offset-angle range. MaxDeg of the
// last bin may be omitted (open ended).
type OffsetBinDocument struct {
	MinDeg float64  `json:"min_deg"`
	MaxDeg float64  `json:"max_deg,omitempty"`
	Model  Document `json:"model"`
}

// fileDocument is the top level of a model file: either a single model or a
// list of offset bins.
type fileDocument struct {
	Document
	OffsetBins []OffsetBinDocument `json:"offset_bins,omitempty"`
}

func (d Document) scorer() (rowScorer, error) {
	if d.NFeatures <= 0 {
		return nil, fmt.Errorf("%w: n_features must be positive", ErrMalformedModel)
	}
	switch d.Kind {
	case KindLinear:
		if len(d.Coefficients) != d.NFeatures {
			return nil, fmt.Errorf("%w: %d coefficients for %d features", ErrMalformedModel, len(d.Coefficients), d.NFeatures)
		}
		return newLinearModel(d.Intercept, d.Coefficients, d.Link)
	case KindTreeEnsemble:
		return d.treeEnsemble()
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedModel, d.Kind)
	}
}

func (d Document) treeEnsemble() (*treeEnsemble, error) {
	if len(d.Trees) == 0 {
		return nil, fmt.Errorf("%w: tree ensemble has no trees", ErrMalformedModel)
	}
	agg := d.Aggregation
	if agg == "" {
		agg = AggregateMean
	}
	if agg != AggregateMean && agg != AggregateSum {
		return nil, fmt.Errorf("%w: unknown aggregation %q", ErrMalformedModel, d.Aggregation)
	}
	if !validLink(d.Link) {
		return nil, fmt.Errorf("%w: unknown link %q", ErrMalformedModel, d.Link)
	}
	m := &treeEnsemble{
		nFeatures:   d.NFeatures,
		trees:       make([]tree, len(d.Trees)),
		aggregation: agg,
		baseScore:   d.BaseScore,
		link:        d.Link,
	}
	for i, td := range d.Trees {
		t := tree{
			feature:   append([]int(nil), td.Feature...),
			threshold: append([]float64(nil), td.Threshold...),
			left:      append([]int(nil), td.Left...),
			right:     append([]int(nil), td.Right...),
			value:     append([]float64(nil), td.Value...),
		}
		if err := t.validate(d.NFeatures); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		m.trees[i] = t
	}
	return m, nil
}

// NewRegressor builds a regressor from a decoded document. The result is
// always batch capable.
func NewRegressor(d Document) (BatchRegressor, error) {
	s, err := d.scorer()
	if err != nil {
		return nil, err
	}
	return scorerRegressor{s: s}, nil
}

// NewClassifier builds a binary classifier from a decoded document. The
// model score is read as the probability of class 1 and clamped to [0,1].
func NewClassifier(d Document) (Classifier, error) {
	s, err := d.scorer()
	if err != nil {
		return nil, err
	}
	return scorerClassifier{s: s}, nil
}

// RegressorSet holds either one regressor shared by every offset angle or
// one regressor per offset bucket.
type RegressorSet struct {
	bins   [NumOffsetBins]Regressor
	binned bool
}

// NewRegressorSet returns a set that serves r for every offset.
func NewRegressorSet(r Regressor) *RegressorSet {
	s := &RegressorSet{}
	for i := range s.bins {
		s.bins[i] = r
	}
	return s
}

// NewBinnedRegressorSet returns a set with one regressor per offset bucket.
// All regressors must accept the same number of features.
func NewBinnedRegressorSet(bins [NumOffsetBins]Regressor) (*RegressorSet, error) {
	for i, r := range bins {
		if r == nil {
			return nil, fmt.Errorf("%w: offset bin %d has no model", ErrMalformedModel, i)
		}
		if r.NumFeatures() != bins[0].NumFeatures() {
			return nil, fmt.Errorf("%w: offset bin %d expects %d features, bin 0 expects %d",
				ErrMalformedModel, i, r.NumFeatures(), bins[0].NumFeatures())
		}
	}
	return &RegressorSet{bins: bins, binned: true}, nil
}

// Binned reports whether the set was trained per offset bucket.
func (s *RegressorSet) Binned() bool { return s.binned }

// NumFeatures returns the feature count shared by every bucket.
func (s *RegressorSet) NumFeatures() int { return s.bins[0].NumFeatures() }

// Select returns the regressor for an offset angle in degrees.
func (s *RegressorSet) Select(offsetDeg float64) Regressor {
	return s.bins[OffsetBin(offsetDeg)]
}

func readDocument(fsys fsutil.FileSystem, path string) (fileDocument, error) {
	var doc fileDocument
	info, err := fsys.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return doc, fmt.Errorf("%s: %w", path, ErrModelNotFound)
		}
		return doc, fmt.Errorf("stat model %s: %w", path, err)
	}
	if info.IsDir() {
		return doc, fmt.Errorf("%s is a directory: %w", path, ErrModelNotFound)
	}
	if info.Size() > maxModelSize {
		return doc, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrMalformedModel, path, info.Size(), maxModelSize)
	}
	data, err := fsys.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read model %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("%w: %s: %v", ErrMalformedModel, path, err)
	}
	return doc, nil
}

func checkBinEdges(bins []OffsetBinDocument) error {
	if len(bins) != NumOffsetBins {
		return fmt.Errorf("%w: %d offset bins, want %d", ErrMalformedModel, len(bins), NumOffsetBins)
	}
	for i, b := range bins {
		if b.MinDeg != float64(i) {
			return fmt.Errorf("%w: offset bin %d starts at %g deg, want %d", ErrMalformedModel, i, b.MinDeg, i)
		}
		last := i == len(bins)-1
		if !last && b.MaxDeg != float64(i+1) {
			return fmt.Errorf("%w: offset bin %d ends at %g deg, want %d", ErrMalformedModel, i, b.MaxDeg, i+1)
		}
	}
	return nil
}

// LoadRegressorSet reads a regressor document from path. Documents with
// offset_bins produce a binned set.
func LoadRegressorSet(fsys fsutil.FileSystem, path string) (*RegressorSet, error) {
	doc, err := readDocument(fsys, path)
	if err != nil {
		return nil, err
	}
	if len(doc.OffsetBins) == 0 {
		r, err := NewRegressor(doc.Document)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return NewRegressorSet(r), nil
	}
	if err := checkBinEdges(doc.OffsetBins); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var bins [NumOffsetBins]Regressor
	for i, b := range doc.OffsetBins {
		r, err := NewRegressor(b.Model)
		if err != nil {
			return nil, fmt.Errorf("%s: offset bin %d: %w", path, i, err)
		}
		bins[i] = r
	}
	set, err := NewBinnedRegressorSet(bins)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// LoadClassifier reads a single classifier document from path.
func LoadClassifier(fsys fsutil.FileSystem, path string) (Classifier, error) {
	doc, err := readDocument(fsys, path)
	if err != nil {
		return nil, err
	}
	if len(doc.OffsetBins) != 0 {
		return nil, fmt.Errorf("%w: %s: classifiers are not offset binned", ErrMalformedModel, path)
	}
	c, err := NewClassifier(doc.Document)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
