package pipeline

import (
	"fmt"
	"sort"

	"github.com/banshee-data/shower.reco/internal/config"
	"github.com/banshee-data/shower.reco/internal/fsutil"
	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/coords"
	"github.com/banshee-data/shower.reco/internal/shower/energy"
	"github.com/banshee-data/shower.reco/internal/shower/geometry"
	"github.com/banshee-data/shower.reco/internal/shower/model"
	"github.com/banshee-data/shower.reco/internal/shower/particle"
)

// Conventional model file names under the model directory.
const (
	DispModelFile          = "disp_model.json"
	MonoDispModelFile      = "disp_mono_regressor.json"
	DispSignModelFile      = "disp_sign_classifier.json"
	EnergyModelFile        = "energy_regressor.json"
	ParticleClassifierFile = "particle_classifier.json"
)

// builder constructs one reconstructor from its options, loading models
// through fsys.
type builder struct {
	kind  shower.Kind
	build func(fsys fsutil.FileSystem, cfg *config.ReconstructionConfig, name string) (shower.Reconstructor, error)
}

var builders = map[string]builder{
	geometry.NameHillas: {shower.KindGeometry, func(_ fsutil.FileSystem, cfg *config.ReconstructionConfig, name string) (shower.Reconstructor, error) {
		return geometry.NewHillasReconstructor(cfg.Reconstructor(name).GetImageCuts()), nil
	}},
	geometry.NameHillasWeighted: {shower.KindGeometry, func(_ fsutil.FileSystem, cfg *config.ReconstructionConfig, name string) (shower.Reconstructor, error) {
		return geometry.NewHillasWeightedReconstructor(cfg.Reconstructor(name).GetImageCuts()), nil
	}},
	geometry.NameDispStereo: {shower.KindGeometry, buildDisp},
	geometry.NameDisp:       {shower.KindGeometry, buildMonoDisp},
	energy.NameMLEnergy:     {shower.KindEnergy, buildEnergy},
	particle.NameMLParticle: {shower.KindParticle, buildParticle},
}

// KnownReconstructors lists every name the pipeline can build, sorted.
func KnownReconstructors() []string {
	names := make([]string, 0, len(builders))
	for n := range builders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func loadRegressors(fsys fsutil.FileSystem, cfg *config.ReconstructionConfig, name, defaultFile string) (*model.RegressorSet, error) {
	path, err := cfg.ModelPath(name, defaultFile)
	if err != nil {
		return nil, err
	}
	set, err := model.LoadRegressorSet(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return set, nil
}

func buildDisp(fsys fsutil.FileSystem, cfg *config.ReconstructionConfig, name string) (shower.Reconstructor, error) {
	set, err := loadRegressors(fsys, cfg, name, DispModelFile)
	if err != nil {
		return nil, err
	}
	rc := cfg.Reconstructor(name)
	return geometry.NewDispStereoReconstructor(set, geometry.DispOptions{
		GeometrySource: rc.GetGeometrySource(),
		EnergySource:   rc.GetEnergySource(),
		ImpactSource:   rc.GetImpactSource(),
		Cuts:           rc.GetImageCuts(),
	})
}

func loadClassifier(fsys fsutil.FileSystem, path, name string) (model.Classifier, error) {
	clf, err := model.LoadClassifier(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return clf, nil
}

func buildMonoDisp(fsys fsutil.FileSystem, cfg *config.ReconstructionConfig, name string) (shower.Reconstructor, error) {
	set, err := loadRegressors(fsys, cfg, name, MonoDispModelFile)
	if err != nil {
		return nil, err
	}
	path, err := cfg.SignModelPath(name, DispSignModelFile)
	if err != nil {
		return nil, err
	}
	sign, err := loadClassifier(fsys, path, name)
	if err != nil {
		return nil, err
	}
	rc := cfg.Reconstructor(name)
	return geometry.NewDispReconstructor(set, sign, geometry.MonoDispOptions{
		EnergySource: rc.GetEnergySource(),
		ImpactSource: rc.GetImpactSource(),
		Cuts:         rc.GetImageCuts(),
	})
}

func buildEnergy(fsys fsutil.FileSystem, cfg *config.ReconstructionConfig, name string) (shower.Reconstructor, error) {
	set, err := loadRegressors(fsys, cfg, name, EnergyModelFile)
	if err != nil {
		return nil, err
	}
	rc := cfg.Reconstructor(name)
	return energy.NewMLEnergyReconstructor(set, energy.Options{
		GeometrySource: rc.GetGeometrySource(),
		ImpactSource:   rc.GetImpactSource(),
		Cuts:           rc.GetImageCuts(),
	})
}

func buildParticle(fsys fsutil.FileSystem, cfg *config.ReconstructionConfig, name string) (shower.Reconstructor, error) {
	path, err := cfg.ModelPath(name, ParticleClassifierFile)
	if err != nil {
		return nil, err
	}
	clf, err := loadClassifier(fsys, path, name)
	if err != nil {
		return nil, err
	}
	rc := cfg.Reconstructor(name)
	return particle.NewMLParticleClassifier(clf, particle.Options{
		GeometrySource: rc.GetGeometrySource(),
		EnergySource:   rc.GetEnergySource(),
		ImpactSource:   rc.GetImpactSource(),
		Cuts:           rc.GetImageCuts(),
	})
}

type kindList struct {
	kind  shower.Kind
	names []string
}

func configuredLists(cfg *config.ReconstructionConfig) []kindList {
	return []kindList{
		{shower.KindGeometry, cfg.GeometryReconstructors},
		{shower.KindEnergy, cfg.EnergyReconstructors},
		{shower.KindParticle, cfg.ParticleReconstructors},
	}
}

// Validate checks cfg structurally and checks that every name is one the
// pipeline can build, listed under its own kind. No model is loaded.
// Name failures match both ErrUnknownReconstructor and
// config.ErrInvalidConfig.
func Validate(cfg *config.ReconstructionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, l := range configuredLists(cfg) {
		for _, name := range l.names {
			b, ok := builders[name]
			if !ok {
				return fmt.Errorf("%w: %w: %q", config.ErrInvalidConfig, ErrUnknownReconstructor, name)
			}
			if b.kind != l.kind {
				return fmt.Errorf("%w: %w: %q is a %s reconstructor, listed as %s",
					config.ErrInvalidConfig, ErrUnknownReconstructor, name, b.kind, l.kind)
			}
		}
	}
	return nil
}

// BuildReconstructors constructs every configured reconstructor, binding
// its model files. Configs failing Validate are rejected before any model
// is read; model problems fail with the loader error.
func BuildReconstructors(fsys fsutil.FileSystem, cfg *config.ReconstructionConfig) ([]shower.Reconstructor, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	var out []shower.Reconstructor
	for _, l := range configuredLists(cfg) {
		for _, name := range l.names {
			r, err := builders[name].build(fsys, cfg, name)
			if err != nil {
				return nil, fmt.Errorf("build %s: %w", name, err)
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// New builds the processor described by cfg.
func New(fsys fsutil.FileSystem, cfg *config.ReconstructionConfig, sub *coords.Subarray, opts ...Option) (*ShowerProcessor, error) {
	recos, err := BuildReconstructors(fsys, cfg)
	if err != nil {
		return nil, err
	}
	return NewShowerProcessor(sub, recos, opts...)
}
