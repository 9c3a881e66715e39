// Package sqlite persists reconstruction runs and their per-event results in
// a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/shower.reco/internal/monitoring"
	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/dl2"
	"github.com/banshee-data/shower.reco/internal/version"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Telescope-level quantity names in telescope_results.
const (
	QuantityImpact     = "impact"
	QuantityDisp       = "disp"
	QuantityEnergy     = "energy"
	QuantityHadronness = "hadronness"
)

// ErrRunNotFound is returned when a run id is not in the database.
var ErrRunNotFound = errors.New("run not found")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// Store is a result database. Writes are serialised.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the database at path and applies every
// pending migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrateLogger routes migration progress to the package logger.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateUp applies pending migrations. The migrate instance is not closed
// because that would close the shared connection.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID         string
	Version    string
	GitSHA     string
	ConfigJSON string
	StartedAt  time.Time
	FinishedAt *time.Time
	Processed  int64
	Failed     int64
}

// Run writes the results of one reconstruction run.
type Run struct {
	store *Store
	ID    string
}

// BeginRun records a new run with the configuration it used.
func (s *Store) BeginRun(ctx context.Context, configJSON []byte) (*Run, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, version, git_sha, config_json, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, version.Version, version.GitSHA, string(configJSON), time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &Run{store: s, ID: id}, nil
}

// Finish stamps the run with its end time and counts.
func (r *Run) Finish(ctx context.Context, processed, failed int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	res, err := r.store.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, processed = ?, failed = ? WHERE run_id = ?`,
		time.Now().Unix(), processed, failed, r.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", r.ID, ErrRunNotFound)
	}
	return nil
}

const runColumns = `run_id, version, git_sha, config_json, started_at, finished_at, processed, failed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var startedUnix int64
	var finishedUnix sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.Version, &rec.GitSHA, &rec.ConfigJSON, &startedUnix, &finishedUnix, &rec.Processed, &rec.Failed); err != nil {
		return RunRecord{}, err
	}
	rec.StartedAt = time.Unix(startedUnix, 0)
	if finishedUnix.Valid {
		t := time.Unix(finishedUnix.Int64, 0)
		rec.FinishedAt = &t
	}
	return rec, nil
}

// Run loads one run record.
func (s *Store) Run(ctx context.Context, id string) (RunRecord, error) {
	rec, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("load run %s: %w", id, err)
	}
	return rec, nil
}

// Runs lists every recorded run, oldest first.
func (s *Store) Runs(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullable(v float64, ok bool) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: ok}
}

// WriteEvent stores every result of ev in one transaction.
func (r *Run) WriteEvent(ctx context.Context, ev *shower.ArrayEvent) (err error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("event %d: begin: %w", ev.EventID, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err := r.writeResults(ctx, tx, ev); err != nil {
		return fmt.Errorf("event %d: %w", ev.EventID, err)
	}
	if err := r.writeTelescopes(ctx, tx, ev); err != nil {
		return fmt.Errorf("event %d: %w", ev.EventID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("event %d: commit: %w", ev.EventID, err)
	}
	return nil
}

func (r *Run) writeResults(ctx context.Context, tx *sql.Tx, ev *shower.ArrayEvent) error {
	store := ev.DL2
	for _, name := range store.GeometryNames() {
		g, _ := store.Geometry(name)
		valid := g.Valid
		_, err := tx.ExecContext(ctx,
			`INSERT INTO geometry_results (run_id, event_id, reconstructor, valid, alt, az,
				alt_uncertainty, az_uncertainty, core_x, core_y, hmax, direction_error, n_tel)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, ev.EventID, name, valid,
			nullable(g.Alt, valid), nullable(g.Az, valid),
			nullable(g.AltUncertainty, valid), nullable(g.AzUncertainty, valid),
			nullable(g.CoreX, valid && g.HasCore), nullable(g.CoreY, valid && g.HasCore),
			nullable(g.HMax, valid && g.HasHMax),
			nullable(g.DirectionError, valid && g.HasDirectionError),
			len(g.Telescopes),
		)
		if err != nil {
			return fmt.Errorf("insert geometry %s: %w", name, err)
		}
	}
	for _, name := range store.EnergyNames() {
		e, _ := store.Energy(name)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO energy_results (run_id, event_id, reconstructor, valid, energy_tev) VALUES (?, ?, ?, ?, ?)`,
			r.ID, ev.EventID, name, e.Valid, e.Estimate,
		); err != nil {
			return fmt.Errorf("insert energy %s: %w", name, err)
		}
	}
	for _, name := range store.ParticleNames() {
		p, _ := store.Particle(name)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO particle_results (run_id, event_id, reconstructor, valid, hadronness) VALUES (?, ?, ?, ?, ?)`,
			r.ID, ev.EventID, name, p.Valid, p.Hadronness,
		); err != nil {
			return fmt.Errorf("insert particle %s: %w", name, err)
		}
	}
	return nil
}

// telescopeLookup reads one telescope-level quantity from the result store.
type telescopeLookup struct {
	quantity string
	names    func(*dl2.Store) []string
	get      func(s *dl2.Store, telID int, source string) (float64, bool)
}

var telescopeQuantities = []telescopeLookup{
	{QuantityImpact, (*dl2.Store).GeometryNames, (*dl2.Store).TelImpact},
	{QuantityDisp, (*dl2.Store).GeometryNames, (*dl2.Store).TelDisp},
	{QuantityEnergy, (*dl2.Store).EnergyNames, (*dl2.Store).TelEnergy},
	{QuantityHadronness, (*dl2.Store).ParticleNames, (*dl2.Store).TelHadronness},
}

func (r *Run) writeTelescopes(ctx context.Context, tx *sql.Tx, ev *shower.ArrayEvent) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO telescope_results (run_id, event_id, tel_id, quantity, reconstructor, value) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare telescope insert: %w", err)
	}
	defer stmt.Close()

	for _, telID := range ev.DL2.TelIDs() {
		for _, q := range telescopeQuantities {
			for _, name := range q.names(ev.DL2) {
				v, ok := q.get(ev.DL2, telID, name)
				if !ok {
					continue
				}
				if _, err := stmt.ExecContext(ctx, r.ID, ev.EventID, telID, q.quantity, name, v); err != nil {
					return fmt.Errorf("insert tel %d %s %s: %w", telID, q.quantity, name, err)
				}
			}
		}
	}
	return nil
}
