package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/shower.reco/internal/fsutil"
	"github.com/banshee-data/shower.reco/internal/security"
	"github.com/banshee-data/shower.reco/internal/shower/dl1"
)

// Defaults applied by the Get* accessors.
const (
	DefaultModelDir       = "models"
	DefaultWorkers        = 1
	DefaultGeometrySource = "HillasReconstructor"
	DefaultEnergySource   = "MLEnergyReconstructor"

	maxConfigSize = 1 * 1024 * 1024 // 1MB
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ReconstructorConfig holds the per-reconstructor options. Every field is
// optional.
type ReconstructorConfig struct {
	ModelPath      *string        `json:"model_path,omitempty" yaml:"model_path,omitempty"`
	SignModelPath  *string        `json:"sign_model_path,omitempty" yaml:"sign_model_path,omitempty"`
	GeometrySource *string        `json:"geometry_source,omitempty" yaml:"geometry_source,omitempty"`
	EnergySource   *string        `json:"energy_source,omitempty" yaml:"energy_source,omitempty"`
	ImpactSource   *string        `json:"impact_source,omitempty" yaml:"impact_source,omitempty"`
	ImageCuts      *dl1.ImageCuts `json:"image_cuts,omitempty" yaml:"image_cuts,omitempty"`
}

// ReconstructionConfig names the active reconstructors of each kind and
// their options.
type ReconstructionConfig struct {
	GeometryReconstructors []string `json:"geometry_reconstructors" yaml:"geometry_reconstructors"`
	EnergyReconstructors   []string `json:"energy_reconstructors,omitempty" yaml:"energy_reconstructors,omitempty"`
	ParticleReconstructors []string `json:"particle_reconstructors,omitempty" yaml:"particle_reconstructors,omitempty"`

	ModelDir     *string `json:"model_dir,omitempty" yaml:"model_dir,omitempty"`
	Workers      *int    `json:"workers,omitempty" yaml:"workers,omitempty"`
	Database     *string `json:"database,omitempty" yaml:"database,omitempty"`
	OTelEndpoint *string `json:"otel_endpoint,omitempty" yaml:"otel_endpoint,omitempty"`

	Reconstructors map[string]ReconstructorConfig `json:"reconstructors,omitempty" yaml:"reconstructors,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyReconstructionConfig returns a config with nothing set.
func EmptyReconstructionConfig() *ReconstructionConfig {
	return &ReconstructionConfig{}
}

// DefaultReconstructionConfig runs the classic geometry, the energy
// regressor and the particle classifier.
func DefaultReconstructionConfig() *ReconstructionConfig {
	return &ReconstructionConfig{
		GeometryReconstructors: []string{DefaultGeometrySource},
		EnergyReconstructors:   []string{DefaultEnergySource},
		ParticleReconstructors: []string{"MLParticleClassifier"},
		ModelDir:               ptrString(DefaultModelDir),
		Workers:                ptrInt(DefaultWorkers),
	}
}

// Load reads a configuration document from fsys. The extension selects the
// decoder: .json, or .yaml/.yml. The document is validated before return.
func Load(fsys fsutil.FileSystem, path string) (*ReconstructionConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	info, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyReconstructionConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", cleanPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Overrides are the settings the environment may replace.
type Overrides struct {
	ModelDir     string `env:"SHOWER_RECO_MODEL_DIR"`
	Workers      int    `env:"SHOWER_RECO_WORKERS"`
	Database     string `env:"SHOWER_RECO_DB"`
	OTelEndpoint string `env:"SHOWER_RECO_OTEL_ENDPOINT"`
}

// ApplyEnvironment overlays the SHOWER_RECO_* variables found in environ
// (KEY=VALUE pairs, as from os.Environ) and revalidates.
func (c *ReconstructionConfig) ApplyEnvironment(environ []string) error {
	var o Overrides
	if err := env.ParseWithOptions(&o, env.Options{Environment: env.ToMap(environ)}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	if o.ModelDir != "" {
		c.ModelDir = ptrString(o.ModelDir)
	}
	if o.Workers != 0 {
		c.Workers = ptrInt(o.Workers)
	}
	if o.Database != "" {
		c.Database = ptrString(o.Database)
	}
	if o.OTelEndpoint != "" {
		c.OTelEndpoint = ptrString(o.OTelEndpoint)
	}
	return c.Validate()
}

// Validate checks the structure of the document. Whether the names refer to
// known reconstructors is checked by pipeline.Validate.
func (c *ReconstructionConfig) Validate() error {
	if len(c.GeometryReconstructors) == 0 {
		return fmt.Errorf("%w: at least one geometry reconstructor is required", ErrInvalidConfig)
	}
	seen := make(map[string]bool)
	for _, list := range [][]string{c.GeometryReconstructors, c.EnergyReconstructors, c.ParticleReconstructors} {
		for _, name := range list {
			if name == "" {
				return fmt.Errorf("%w: empty reconstructor name", ErrInvalidConfig)
			}
			if seen[name] {
				return fmt.Errorf("%w: reconstructor %q listed twice", ErrInvalidConfig, name)
			}
			seen[name] = true
		}
	}
	for name, rc := range c.Reconstructors {
		if !seen[name] {
			return fmt.Errorf("%w: options given for inactive reconstructor %q", ErrInvalidConfig, name)
		}
		if cuts := rc.ImageCuts; cuts != nil {
			if cuts.MinIntensity < 0 || cuts.MaxLeakageIntensityWidth2 < 0 || cuts.MinNPixels < 0 {
				return fmt.Errorf("%w: %s: image cuts must be non-negative", ErrInvalidConfig, name)
			}
		}
		for key, p := range map[string]*string{"model_path": rc.ModelPath, "sign_model_path": rc.SignModelPath} {
			if p != nil && !filepath.IsAbs(*p) {
				if _, err := security.JoinWithinDirectory(c.GetModelDir(), *p); err != nil {
					return fmt.Errorf("%w: %s: %s: %w", ErrInvalidConfig, name, key, err)
				}
			}
		}
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfig, *c.Workers)
	}
	if c.ModelDir != nil && *c.ModelDir == "" {
		return fmt.Errorf("%w: model_dir must not be empty", ErrInvalidConfig)
	}
	return nil
}

// GetModelDir returns the model directory or DefaultModelDir.
func (c *ReconstructionConfig) GetModelDir() string {
	if c.ModelDir == nil {
		return DefaultModelDir
	}
	return *c.ModelDir
}

// GetWorkers returns the number of concurrent events or DefaultWorkers.
func (c *ReconstructionConfig) GetWorkers() int {
	if c.Workers == nil {
		return DefaultWorkers
	}
	return *c.Workers
}

// GetDatabase returns the result database path, empty when unset.
func (c *ReconstructionConfig) GetDatabase() string {
	if c.Database == nil {
		return ""
	}
	return *c.Database
}

// GetOTelEndpoint returns the OTLP/HTTP endpoint, empty when tracing is off.
func (c *ReconstructionConfig) GetOTelEndpoint() string {
	if c.OTelEndpoint == nil {
		return ""
	}
	return *c.OTelEndpoint
}

// Reconstructor returns the options of name, zero when none were given.
func (c *ReconstructionConfig) Reconstructor(name string) ReconstructorConfig {
	return c.Reconstructors[name]
}

// GetGeometrySource returns the geometry result rc depends on.
func (rc ReconstructorConfig) GetGeometrySource() string {
	if rc.GeometrySource == nil {
		return DefaultGeometrySource
	}
	return *rc.GeometrySource
}

// GetEnergySource returns the energy result rc depends on.
func (rc ReconstructorConfig) GetEnergySource() string {
	if rc.EnergySource == nil {
		return DefaultEnergySource
	}
	return *rc.EnergySource
}

// GetImpactSource returns the geometry result providing impact parameters,
// empty for the descriptor value.
func (rc ReconstructorConfig) GetImpactSource() string {
	if rc.ImpactSource == nil {
		return ""
	}
	return *rc.ImpactSource
}

// GetImageCuts returns the image selection, disabled when unset.
func (rc ReconstructorConfig) GetImageCuts() dl1.ImageCuts {
	if rc.ImageCuts == nil {
		return dl1.ImageCuts{}
	}
	return *rc.ImageCuts
}

// ModelPath resolves the model file of name. Relative paths, and the
// conventional defaultFile, are joined onto the model directory and must
// stay inside it.
func (c *ReconstructionConfig) ModelPath(name, defaultFile string) (string, error) {
	return c.resolveModel(name, c.Reconstructor(name).ModelPath, defaultFile)
}

// SignModelPath resolves the sign classifier of name like ModelPath.
func (c *ReconstructionConfig) SignModelPath(name, defaultFile string) (string, error) {
	return c.resolveModel(name, c.Reconstructor(name).SignModelPath, defaultFile)
}

func (c *ReconstructionConfig) resolveModel(name string, configured *string, defaultFile string) (string, error) {
	if configured != nil && filepath.IsAbs(*configured) {
		return filepath.Clean(*configured), nil
	}
	rel := defaultFile
	if configured != nil {
		rel = *configured
	}
	p, err := security.JoinWithinDirectory(c.GetModelDir(), rel)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return p, nil
}
