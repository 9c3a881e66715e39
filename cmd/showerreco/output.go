package main

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"sync"

	"github.com/banshee-data/shower.reco/internal/shower"
)

type geometrySummary struct {
	Valid             bool     `json:"valid"`
	AltDeg            float64  `json:"alt_deg,omitempty"`
	AzDeg             float64  `json:"az_deg,omitempty"`
	CoreX             *float64 `json:"core_x,omitempty"`
	CoreY             *float64 `json:"core_y,omitempty"`
	HMax              *float64 `json:"h_max,omitempty"`
	DirectionErrorDeg *float64 `json:"direction_error_deg,omitempty"`
	NTel              int      `json:"n_tel"`
}

type energySummary struct {
	Valid     bool    `json:"valid"`
	EnergyTeV float64 `json:"energy_tev"`
}

type particleSummary struct {
	Valid      bool    `json:"valid"`
	Hadronness float64 `json:"hadronness"`
}

type eventSummary struct {
	EventID  int64                      `json:"event_id"`
	Geometry map[string]geometrySummary `json:"geometry,omitempty"`
	Energy   map[string]energySummary   `json:"energy,omitempty"`
	Particle map[string]particleSummary `json:"particle,omitempty"`
}

func deg(rad float64) float64 { return rad * 180 / math.Pi }

func summarize(ev *shower.ArrayEvent) eventSummary {
	s := eventSummary{EventID: ev.EventID}
	store := ev.DL2
	if names := store.GeometryNames(); len(names) > 0 {
		s.Geometry = make(map[string]geometrySummary, len(names))
		for _, name := range names {
			g, _ := store.Geometry(name)
			gs := geometrySummary{Valid: g.Valid, NTel: len(g.Telescopes)}
			if g.Valid {
				gs.AltDeg, gs.AzDeg = deg(g.Alt), deg(g.Az)
				if g.HasCore {
					gs.CoreX, gs.CoreY = &g.CoreX, &g.CoreY
				}
				if g.HasHMax {
					gs.HMax = &g.HMax
				}
				if g.HasDirectionError {
					gs.DirectionErrorDeg = &g.DirectionError
				}
			}
			s.Geometry[name] = gs
		}
	}
	if names := store.EnergyNames(); len(names) > 0 {
		s.Energy = make(map[string]energySummary, len(names))
		for _, name := range names {
			e, _ := store.Energy(name)
			s.Energy[name] = energySummary{Valid: e.Valid, EnergyTeV: e.Estimate}
		}
	}
	if names := store.ParticleNames(); len(names) > 0 {
		s.Particle = make(map[string]particleSummary, len(names))
		for _, name := range names {
			p, _ := store.Particle(name)
			s.Particle[name] = particleSummary{Valid: p.Valid, Hadronness: p.Hadronness}
		}
	}
	return s
}

// jsonSink writes one summary line per event.
type jsonSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONSink(w io.Writer) *jsonSink {
	return &jsonSink{enc: json.NewEncoder(w)}
}

func (s *jsonSink) WriteEvent(_ context.Context, ev *shower.ArrayEvent) error {
	sum := summarize(ev)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(sum)
}
