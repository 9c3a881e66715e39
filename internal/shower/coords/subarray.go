package coords

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// TelescopeDescription is the static description of one telescope.
type TelescopeDescription struct {
	TelID int `json:"tel_id"`
	// Position is the ground position in metres (x north, y west, z up).
	Position    r3.Vec  `json:"position"`
	FocalLength float64 `json:"focal_length"` // metres
}

// Subarray is the run-constant array context: telescope layout and pointing.
// All telescopes share the array pointing.
type Subarray struct {
	Telescopes map[int]TelescopeDescription `json:"telescopes"`
	Pointing   Pointing                     `json:"pointing"`

	frame *NominalFrame
}

// NewSubarray validates the telescope list and builds the nominal frame.
func NewSubarray(tels []TelescopeDescription, p Pointing) (*Subarray, error) {
	if len(tels) == 0 {
		return nil, errors.New("subarray has no telescopes")
	}
	s := &Subarray{
		Telescopes: make(map[int]TelescopeDescription, len(tels)),
		Pointing:   p,
	}
	for _, t := range tels {
		if _, dup := s.Telescopes[t.TelID]; dup {
			return nil, fmt.Errorf("duplicate telescope id %d", t.TelID)
		}
		if t.FocalLength <= 0 {
			return nil, fmt.Errorf("telescope %d: focal length must be positive, got %g", t.TelID, t.FocalLength)
		}
		s.Telescopes[t.TelID] = t
	}
	s.frame = NewNominalFrame(p)
	return s, nil
}

// Frame returns the nominal frame of the array pointing.
func (s *Subarray) Frame() *NominalFrame {
	if s.frame == nil {
		return NewNominalFrame(s.Pointing)
	}
	return s.frame
}

// Telescope returns the description of telID.
func (s *Subarray) Telescope(telID int) (TelescopeDescription, bool) {
	t, ok := s.Telescopes[telID]
	return t, ok
}

// TelIDs returns all telescope ids, sorted.
func (s *Subarray) TelIDs() []int {
	ids := make([]int, 0, len(s.Telescopes))
	for id := range s.Telescopes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
