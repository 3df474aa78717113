package run

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/crucible-build/crucible/cerr"
	"github.com/crucible-build/crucible/id"
)

const component = "run"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Scheduler owns the run table, the fingerprint index, and the
// per-system work queue. It mirrors the teacher's boxer.go shape
// (sqlite + WAL + schema bootstrap at startup) but versions the schema
// through golang-migrate instead of a single embedded schema.sql, since
// the run table's shape is expected to evolve across releases.
type Scheduler struct {
	db *sql.DB

	mu          sync.Mutex
	fingerprint map[id.ID]id.ID // fingerprint -> most recent run id
	queues      map[string][]id.ID
	waiters     map[string][]chan struct{} // per-host wakeups for blocked dequeues

	streamsMu sync.Mutex
	streams   map[id.ID]*runStreams
}

// runStreams holds the live, in-memory broadcast state for one
// non-terminal run: an append-only children list and a watch cell for
// the outcome, each paired with a channel that is closed and replaced on
// every change so blocked readers wake up (the same broadcast idiom the
// teacher's ContainerPool uses for its release channel).
type runStreams struct {
	mu       sync.Mutex
	children []id.ID
	changed  chan struct{}
	outcome  *Outcome
	done     chan struct{}
}

func newRunStreams() *runStreams {
	return &runStreams{changed: make(chan struct{}), done: make(chan struct{})}
}

// Open opens (creating and migrating if necessary) the run table at
// dbPath.
func Open(ctx context.Context, dbPath string) (*Scheduler, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, cerr.IOf(component, fmt.Errorf("open run db: %w", err))
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, cerr.IOf(component, fmt.Errorf("enable WAL: %w", err))
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, cerr.IOf(component, fmt.Errorf("migrate run db: %w", err))
	}

	s := &Scheduler{
		db:          db,
		fingerprint: make(map[id.ID]id.ID),
		queues:      make(map[string][]id.ID),
		waiters:     make(map[string][]chan struct{}),
		streams:     make(map[id.ID]*runStreams),
	}
	if err := s.recover(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// recover reconciles run state after an unclean restart: Queued runs are
// re-enqueued in their original order, and Running runs (whose executing
// worker is presumed lost) are demoted to Queued and re-enqueued too
// (spec.md "leave Running runs in a recovery state that is treated
// equivalently to Queued").
func (s *Scheduler) recover(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fingerprint, target_id, host FROM runs WHERE status IN ('queued','running') ORDER BY rowid ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type pending struct {
		runID, fingerprint, targetID id.ID
		host                         string
	}
	var toEnqueue []pending
	for rows.Next() {
		var runIDStr, fpStr, targetStr, host string
		if err := rows.Scan(&runIDStr, &fpStr, &targetStr, &host); err != nil {
			return err
		}
		runID, err := id.Parse(runIDStr)
		if err != nil {
			return err
		}
		fp, err := id.Parse(fpStr)
		if err != nil {
			return err
		}
		targetID, err := id.Parse(targetStr)
		if err != nil {
			return err
		}
		toEnqueue = append(toEnqueue, pending{runID, fp, targetID, host})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range toEnqueue {
		if _, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, string(StatusQueued), p.runID.String()); err != nil {
			return err
		}
		s.mu.Lock()
		s.fingerprint[p.fingerprint] = p.runID
		s.queues[p.host] = append(s.queues[p.host], p.runID)
		s.mu.Unlock()
		s.ensureStreams(p.runID)
		slog.InfoContext(ctx, "run.Scheduler recovered run", "run", p.runID.String(), "host", p.host)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Scheduler) Close() error {
	return s.db.Close()
}

func (s *Scheduler) ensureStreams(runID id.ID) *runStreams {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	rs, ok := s.streams[runID]
	if !ok {
		rs = newRunStreams()
		s.streams[runID] = rs
	}
	return rs
}
