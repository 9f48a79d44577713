package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Drivers accepted by Open.
const (
	DriverModernc = "sqlite"  // pure Go
	DriverMattn   = "sqlite3" // cgo
)

// Store wraps the SQLite-backed datastore: experiment definition, images,
// transforms, normalization vectors, decoded spots, state flags and jobs.
type Store struct {
	DB       *sql.DB // Export for direct database access
	readOnly bool

	mu    sync.Mutex
	tiles map[int]*sync.Mutex
}

// New opens (or creates) the datastore at path with the pure-Go driver.
func New(path string) (*Store, error) {
	return Open(path, DriverModernc)
}

// Open opens (or creates) the datastore with the named driver and ensures
// the schema.
func Open(path, driver string) (*Store, error) {
	switch driver {
	case "", DriverModernc:
		driver = DriverModernc
	case DriverMattn:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{DB: db, tiles: map[int]*sync.Mutex{}}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens an existing datastore without write access, e.g. a
// reference acquisition whose calibration seeds a new run.
func OpenReadOnly(path string) (*Store, error) {
	db, err := sql.Open(DriverMattn, fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore read-only: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open datastore read-only: %w", err)
	}
	return &Store{DB: db, readOnly: true, tiles: map[int]*sync.Mutex{}}, nil
}

// ReadOnly reports whether writes are rejected.
func (s *Store) ReadOnly() bool { return s != nil && s.readOnly }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS experiment (
            id INTEGER PRIMARY KEY CHECK (id = 1),
            definition_json TEXT NOT NULL,
            codebook_csv TEXT,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS images (
            kind TEXT NOT NULL,
            tile INTEGER NOT NULL,
            round INTEGER NOT NULL,
            bit INTEGER NOT NULL,
            size_z INTEGER NOT NULL,
            size_y INTEGER NOT NULL,
            size_x INTEGER NOT NULL,
            data BLOB NOT NULL,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (kind, tile, round, bit)
        );`,
		`CREATE TABLE IF NOT EXISTS psfs (
            channel TEXT PRIMARY KEY,
            size_z INTEGER NOT NULL,
            size_y INTEGER NOT NULL,
            size_x INTEGER NOT NULL,
            data BLOB NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS local_transforms (
            tile INTEGER NOT NULL,
            round INTEGER NOT NULL,
            transform_json TEXT NOT NULL,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (tile, round)
        );`,
		`CREATE TABLE IF NOT EXISTS global_transforms (
            tile INTEGER PRIMARY KEY,
            transform_json TEXT NOT NULL,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS fused (
            id INTEGER PRIMARY KEY CHECK (id = 1),
            origin_json TEXT NOT NULL,
            spacing_json TEXT NOT NULL,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS normalization (
            kind TEXT PRIMARY KEY,
            vectors_json TEXT NOT NULL,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS spots (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            stage TEXT NOT NULL,
            tile INTEGER NOT NULL,
            round INTEGER NOT NULL,
            gene_index INTEGER NOT NULL,
            gene_id TEXT NOT NULL,
            is_blank BOOLEAN NOT NULL,
            local_z REAL, local_y REAL, local_x REAL,
            global_z REAL, global_y REAL, global_x REAL,
            area INTEGER,
            mean_distance REAL,
            min_distance REAL,
            mean_magnitude REAL,
            score REAL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_spots_stage_tile ON spots(stage, tile);`,
		`CREATE TABLE IF NOT EXISTS state_flags (
            name TEXT PRIMARY KEY,
            done BOOLEAN NOT NULL,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS tile_state (
            tile INTEGER PRIMARY KEY,
            state TEXT NOT NULL,
            incomplete BOOLEAN DEFAULT FALSE,
            reason TEXT,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS sweep_results (
            params TEXT PRIMARY KEY,
            result_json TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// LockTile serializes writers of one tile's state. Callers must invoke
// the returned function to release the lock.
func (s *Store) LockTile(tile int) func() {
	s.mu.Lock()
	m, ok := s.tiles[tile]
	if !ok {
		m = &sync.Mutex{}
		s.tiles[tile] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Store) writable() error {
	if s == nil || s.DB == nil {
		return errors.New("store not initialized")
	}
	if s.readOnly {
		return errors.New("store opened read-only")
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}
