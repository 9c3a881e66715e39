// Package shower holds the event model shared by every reconstruction
// stage: the array event, the run context and the Reconstructor contract.
//
// This package is imported by the stage packages (geometry, energy,
// particle) and by the pipeline composition root. It imports only the data
// packages dl1, dl2 and coords.
package shower

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/shower.reco/internal/shower/coords"
	"github.com/banshee-data/shower.reco/internal/shower/dl1"
	"github.com/banshee-data/shower.reco/internal/shower/dl2"
)

var (
	// ErrMissingDL1 is returned for events that carry no descriptor map.
	ErrMissingDL1 = errors.New("shower: event has no DL1 descriptors")
	// ErrUnknownTelescope is returned when a descriptor names a telescope
	// that is not part of the subarray.
	ErrUnknownTelescope = errors.New("shower: telescope not in subarray")
)

// SimulatedShower is the optional simulation truth of an event. It is only
// used for diagnostics.
type SimulatedShower struct {
	Alt    float64 `json:"alt"`    // radians
	Az     float64 `json:"az"`     // radians
	Energy float64 `json:"energy"` // TeV
	CoreX  float64 `json:"core_x"` // metres
	CoreY  float64 `json:"core_y"` // metres
}

// ArrayEvent is one array trigger. DL1 holds the descriptor of every
// triggered telescope that survived upstream selection and is never written
// by a reconstructor. DL2 is the event's private result store.
type ArrayEvent struct {
	EventID    int64                           `json:"event_id"`
	DL1        map[int]dl1.TelescopeDescriptor `json:"dl1"`
	Simulation *SimulatedShower                `json:"simulation,omitempty"`
	DL2        *dl2.Store                      `json:"-"`
}

// NewArrayEvent returns an event with an empty result store.
func NewArrayEvent(id int64, tels map[int]dl1.TelescopeDescriptor) *ArrayEvent {
	return &ArrayEvent{EventID: id, DL1: tels, DL2: dl2.NewStore()}
}

// Check verifies that every descriptor belongs to the subarray.
func (ev *ArrayEvent) Check(sub *coords.Subarray) error {
	if ev.DL1 == nil {
		return ErrMissingDL1
	}
	for telID, d := range ev.DL1 {
		if d.TelID != 0 && d.TelID != telID {
			return fmt.Errorf("descriptor keyed %d reports tel_id %d", telID, d.TelID)
		}
		if _, ok := sub.Telescope(telID); !ok {
			return fmt.Errorf("telescope %d: %w", telID, ErrUnknownTelescope)
		}
	}
	return nil
}

// TelIDs returns the triggered telescopes, sorted.
func (ev *ArrayEvent) TelIDs() []int {
	ids := make([]int, 0, len(ev.DL1))
	for id := range ev.DL1 {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Select returns the sorted triggered telescopes whose images pass cuts.
func (ev *ArrayEvent) Select(cuts dl1.ImageCuts) []int {
	ids := ev.TelIDs()
	out := ids[:0]
	for _, id := range ids {
		if cuts.Pass(ev.DL1[id].Image) {
			out = append(out, id)
		}
	}
	return out
}

// Intensities returns the Hillas intensity of each listed telescope.
func (ev *ArrayEvent) Intensities(tels []int) []float64 {
	out := make([]float64, len(tels))
	for i, id := range tels {
		out[i] = ev.DL1[id].Image.Hillas.Intensity
	}
	return out
}

// MeanIntensity is the unweighted mean Hillas intensity of the listed
// telescopes, or 0 for an empty list.
func (ev *ArrayEvent) MeanIntensity(tels []int) float64 {
	if len(tels) == 0 {
		return 0
	}
	return floats.Sum(ev.Intensities(tels)) / float64(len(tels))
}

// DirectionErrorDeg returns the angular distance in degrees between a
// reconstructed direction and the simulated one. ok is false when the event
// carries no simulation truth.
func (ev *ArrayEvent) DirectionErrorDeg(alt, az float64) (deg float64, ok bool) {
	if ev.Simulation == nil {
		return 0, false
	}
	sep := coords.AngularSeparation(alt, az, ev.Simulation.Alt, ev.Simulation.Az)
	return sep * 180 / math.Pi, true
}
