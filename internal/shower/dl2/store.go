package dl2

import (
	"errors"
	"fmt"
	"sort"
)

// HadronnessInvalid is the sentinel hadronness of an invalid particle result.
const HadronnessInvalid = -99.0

var (
	// ErrAlreadyPublished is returned when a reconstructor publishes the same
	// result name twice within one event.
	ErrAlreadyPublished = errors.New("dl2: result already published")
	// ErrClosed is returned when publishing into a closed store.
	ErrClosed = errors.New("dl2: store is closed")
)

// Geometry is the published direction estimate of one geometry reconstructor.
// Every numeric field is meaningless when Valid is false.
type Geometry struct {
	Valid          bool
	Alt            float64 // radians
	Az             float64 // radians
	AltUncertainty float64
	AzUncertainty  float64
	Telescopes     []int

	// CoreX, CoreY are the ground impact point in metres. HasCore is false
	// for reconstructors that do not estimate a core.
	HasCore bool
	CoreX   float64
	CoreY   float64

	TiltedCoreX            float64
	TiltedCoreY            float64
	TiltedCoreUncertaintyX float64
	TiltedCoreUncertaintyY float64

	// HMax is the height of shower maximum in metres, when HasHMax.
	HasHMax bool
	HMax    float64

	// DirectionError is the angular separation in degrees between the
	// estimate and the simulated direction, when HasDirectionError.
	HasDirectionError bool
	DirectionError    float64
}

// Energy is the published combined energy estimate (TeV).
type Energy struct {
	Valid    bool
	Estimate float64
}

// Particle is the published combined hadronness score.
type Particle struct {
	Valid      bool
	Hadronness float64
}

// InvalidEnergy returns the result published when a dependency is invalid.
func InvalidEnergy() Energy { return Energy{} }

// InvalidParticle returns the result published when a dependency is invalid.
func InvalidParticle() Particle { return Particle{Hadronness: HadronnessInvalid} }

// TelescopeRecord carries telescope-level quantities derived by the
// reconstructors, keyed by the reconstructor that produced them.
type TelescopeRecord struct {
	Impact     map[string]float64
	Disp       map[string]float64
	Energy     map[string]float64
	Hadronness map[string]float64
}

func newTelescopeRecord() *TelescopeRecord {
	return &TelescopeRecord{
		Impact:     make(map[string]float64),
		Disp:       make(map[string]float64),
		Energy:     make(map[string]float64),
		Hadronness: make(map[string]float64),
	}
}

// Store is the per-event result store. It is filled stage by stage and is
// read-only once Close has been called. A Store is owned by one event and is
// not safe for concurrent use.
type Store struct {
	geometry map[string]Geometry
	energy   map[string]Energy
	particle map[string]Particle
	tels     map[int]*TelescopeRecord
	closed   bool
}

// NewStore returns an empty, open result store.
func NewStore() *Store {
	return &Store{
		geometry: make(map[string]Geometry),
		energy:   make(map[string]Energy),
		particle: make(map[string]Particle),
		tels:     make(map[int]*TelescopeRecord),
	}
}

// Close marks the store read-only.
func (s *Store) Close() { s.closed = true }

// Closed reports whether the store has been closed.
func (s *Store) Closed() bool { return s.closed }

func (s *Store) checkPublish(kind, name string, exists bool) error {
	if s.closed {
		return ErrClosed
	}
	if exists {
		return fmt.Errorf("%s %q: %w", kind, name, ErrAlreadyPublished)
	}
	return nil
}

func (s *Store) tel(telID int) *TelescopeRecord {
	rec, ok := s.tels[telID]
	if !ok {
		rec = newTelescopeRecord()
		s.tels[telID] = rec
	}
	return rec
}

// GeometryUpdate is everything a geometry reconstructor publishes for one
// event in a single call.
type GeometryUpdate struct {
	Result Geometry
	Impact map[int]float64
	Disp   map[int]float64
}

// PublishGeometry stores a geometry result and its telescope-level
// quantities under name.
func (s *Store) PublishGeometry(name string, u GeometryUpdate) error {
	_, exists := s.geometry[name]
	if err := s.checkPublish("geometry", name, exists); err != nil {
		return err
	}
	g := u.Result
	g.Telescopes = append([]int(nil), g.Telescopes...)
	s.geometry[name] = g
	for telID, v := range u.Impact {
		s.tel(telID).Impact[name] = v
	}
	for telID, v := range u.Disp {
		s.tel(telID).Disp[name] = v
	}
	return nil
}

// PublishEnergy stores an energy result and the per-telescope estimates.
func (s *Store) PublishEnergy(name string, e Energy, perTel map[int]float64) error {
	_, exists := s.energy[name]
	if err := s.checkPublish("energy", name, exists); err != nil {
		return err
	}
	s.energy[name] = e
	for telID, v := range perTel {
		s.tel(telID).Energy[name] = v
	}
	return nil
}

// PublishParticle stores a particle result and the per-telescope scores.
func (s *Store) PublishParticle(name string, p Particle, perTel map[int]float64) error {
	_, exists := s.particle[name]
	if err := s.checkPublish("particle", name, exists); err != nil {
		return err
	}
	s.particle[name] = p
	for telID, v := range perTel {
		s.tel(telID).Hadronness[name] = v
	}
	return nil
}

// Geometry returns the named geometry result.
func (s *Store) Geometry(name string) (Geometry, bool) {
	g, ok := s.geometry[name]
	g.Telescopes = append([]int(nil), g.Telescopes...)
	return g, ok
}

// Energy returns the named energy result.
func (s *Store) Energy(name string) (Energy, bool) {
	e, ok := s.energy[name]
	return e, ok
}

// Particle returns the named particle result.
func (s *Store) Particle(name string) (Particle, bool) {
	p, ok := s.particle[name]
	return p, ok
}

// GeometryValid reports whether name was published and is valid.
func (s *Store) GeometryValid(name string) bool {
	g, ok := s.geometry[name]
	return ok && g.Valid
}

// EnergyValid reports whether name was published and is valid.
func (s *Store) EnergyValid(name string) bool {
	e, ok := s.energy[name]
	return ok && e.Valid
}

// TelImpact returns the impact parameter published by source for telID.
func (s *Store) TelImpact(telID int, source string) (float64, bool) {
	rec, ok := s.tels[telID]
	if !ok {
		return 0, false
	}
	v, ok := rec.Impact[source]
	return v, ok
}

// TelDisp returns the disp published by source for telID.
func (s *Store) TelDisp(telID int, source string) (float64, bool) {
	rec, ok := s.tels[telID]
	if !ok {
		return 0, false
	}
	v, ok := rec.Disp[source]
	return v, ok
}

// TelEnergy returns the per-telescope energy published by source for telID.
func (s *Store) TelEnergy(telID int, source string) (float64, bool) {
	rec, ok := s.tels[telID]
	if !ok {
		return 0, false
	}
	v, ok := rec.Energy[source]
	return v, ok
}

// TelHadronness returns the per-telescope hadronness published by source.
func (s *Store) TelHadronness(telID int, source string) (float64, bool) {
	rec, ok := s.tels[telID]
	if !ok {
		return 0, false
	}
	v, ok := rec.Hadronness[source]
	return v, ok
}

// GeometryNames returns the published geometry result names, sorted.
func (s *Store) GeometryNames() []string { return sortedKeys(s.geometry) }

// EnergyNames returns the published energy result names, sorted.
func (s *Store) EnergyNames() []string { return sortedKeys(s.energy) }

// ParticleNames returns the published particle result names, sorted.
func (s *Store) ParticleNames() []string { return sortedKeys(s.particle) }

// TelIDs returns the telescopes with at least one derived quantity, sorted.
func (s *Store) TelIDs() []int {
	ids := make([]int, 0, len(s.tels))
	for id := range s.tels {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
