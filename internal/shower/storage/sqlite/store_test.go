package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/shower.reco/internal/monitoring"
	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/dl1"
	"github.com/banshee-data/shower.reco/internal/shower/dl2"
)

func init() {
	monitoring.SetLogger(nil)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// resultEvent returns a closed event carrying one valid and one invalid
// geometry, an energy and a particle result.
func resultEvent(t *testing.T, id int64) *shower.ArrayEvent {
	t.Helper()
	ev := shower.NewArrayEvent(id, map[int]dl1.TelescopeDescriptor{1: {TelID: 1}, 2: {TelID: 2}})
	require.NoError(t, ev.DL2.PublishGeometry("HillasReconstructor", dl2.GeometryUpdate{
		Result: dl2.Geometry{
			Valid: true, Alt: 1.2, Az: 0.1, AltUncertainty: 0.01, AzUncertainty: 0.02,
			Telescopes: []int{1, 2},
			HasCore:    true, CoreX: 30, CoreY: -55,
			HasHMax: true, HMax: 9500,
		},
		Impact: map[int]float64{1: 110, 2: 95},
	}))
	require.NoError(t, ev.DL2.PublishGeometry("DispStereoReconstructor", dl2.GeometryUpdate{
		Result: dl2.Geometry{Valid: false},
		Disp:   map[int]float64{1: 0.012},
	}))
	require.NoError(t, ev.DL2.PublishEnergy("MLEnergyReconstructor", dl2.Energy{Valid: true, Estimate: 1.5},
		map[int]float64{1: 1.4, 2: 1.6}))
	require.NoError(t, ev.DL2.PublishParticle("MLParticleClassifier", dl2.InvalidParticle(), nil))
	ev.DL2.Close()
	return ev
}

func count(t *testing.T, s *Store, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(query, args...).Scan(&n))
	return n
}

func TestOpenAppliesMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	s, err := Open(path)
	require.NoError(t, err)
	v, dirty, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.False(t, dirty)
	require.NoError(t, s.Close())

	// Reopening an up-to-date database is a no-op.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	v, _, err = s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.BeginRun(ctx, []byte(`{"workers":2}`))
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)

	rec, err := s.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"workers":2}`, rec.ConfigJSON)
	assert.Nil(t, rec.FinishedAt)

	require.NoError(t, run.Finish(ctx, 7, 3))
	rec, err = s.Run(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.FinishedAt)
	assert.Equal(t, int64(7), rec.Processed)
	assert.Equal(t, int64(3), rec.Failed)
	assert.False(t, rec.FinishedAt.Before(rec.StartedAt))

	_, err = s.Run(ctx, "no-such-run")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, (&Run{store: s, ID: "no-such-run"}).Finish(ctx, 0, 0), ErrRunNotFound)
}

func TestWriteEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, err := s.BeginRun(ctx, []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, run.WriteEvent(ctx, resultEvent(t, 42)))

	assert.Equal(t, 2, count(t, s, `SELECT COUNT(*) FROM geometry_results WHERE run_id = ?`, run.ID))
	assert.Equal(t, 1, count(t, s, `SELECT COUNT(*) FROM energy_results WHERE run_id = ?`, run.ID))
	assert.Equal(t, 1, count(t, s, `SELECT COUNT(*) FROM particle_results WHERE run_id = ?`, run.ID))
	// Two impacts, one disp, two telescope energies.
	assert.Equal(t, 5, count(t, s, `SELECT COUNT(*) FROM telescope_results WHERE run_id = ?`, run.ID))

	var alt, hmax, dirErr sql.NullFloat64
	var nTel int
	require.NoError(t, s.db.QueryRow(
		`SELECT alt, hmax, direction_error, n_tel FROM geometry_results WHERE run_id = ? AND event_id = 42 AND reconstructor = ?`,
		run.ID, "HillasReconstructor",
	).Scan(&alt, &hmax, &dirErr, &nTel))
	assert.InDelta(t, 1.2, alt.Float64, 1e-12)
	assert.InDelta(t, 9500, hmax.Float64, 1e-9)
	assert.False(t, dirErr.Valid)
	assert.Equal(t, 2, nTel)

	var invalidAlt sql.NullFloat64
	var valid bool
	require.NoError(t, s.db.QueryRow(
		`SELECT valid, alt FROM geometry_results WHERE run_id = ? AND reconstructor = ?`,
		run.ID, "DispStereoReconstructor",
	).Scan(&valid, &invalidAlt))
	assert.False(t, valid)
	assert.False(t, invalidAlt.Valid)

	var hadronness float64
	require.NoError(t, s.db.QueryRow(
		`SELECT hadronness FROM particle_results WHERE run_id = ?`, run.ID,
	).Scan(&hadronness))
	assert.Equal(t, dl2.HadronnessInvalid, hadronness)

	var e float64
	require.NoError(t, s.db.QueryRow(
		`SELECT value FROM telescope_results WHERE run_id = ? AND tel_id = 2 AND quantity = ?`,
		run.ID, QuantityEnergy,
	).Scan(&e))
	assert.InDelta(t, 1.6, e, 1e-12)
}

func TestWriteEventRollsBackOnConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, err := s.BeginRun(ctx, []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, run.WriteEvent(ctx, resultEvent(t, 1)))
	err = run.WriteEvent(ctx, resultEvent(t, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event 1")

	assert.Equal(t, 2, count(t, s, `SELECT COUNT(*) FROM geometry_results`))
	assert.Equal(t, 5, count(t, s, `SELECT COUNT(*) FROM telescope_results`))
}

func TestWriteEventConcurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, err := s.BeginRun(ctx, []byte(`{}`))
	require.NoError(t, err)

	events := make([]*shower.ArrayEvent, 12)
	for i := range events {
		events[i] = resultEvent(t, int64(i))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(events))
	for i, ev := range events {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = run.WriteEvent(ctx, ev)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 12, count(t, s, `SELECT COUNT(DISTINCT event_id) FROM energy_results WHERE run_id = ?`, run.ID))
}

func TestRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)

	first, err := s.BeginRun(ctx, []byte(`{"n":1}`))
	require.NoError(t, err)
	second, err := s.BeginRun(ctx, []byte(`{"n":2}`))
	require.NoError(t, err)
	require.NoError(t, first.Finish(ctx, 1, 0))

	runs, err = s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, first.ID, runs[0].ID)
	assert.NotNil(t, runs[0].FinishedAt)
	assert.Equal(t, second.ID, runs[1].ID)
	assert.Nil(t, runs[1].FinishedAt)
}
