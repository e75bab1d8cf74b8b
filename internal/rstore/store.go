// Package rstore persists save_function bind metadata and accepted
// segment maps across process restarts, backed by sqlite. It is a
// supporting extension, not part of the core VM: a VM that never opens
// a Store behaves identically, just without durability across restarts.
package rstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"relaxvm/internal/rvalue"
)

// Store wraps a sqlite database holding two ledgers: saved closures
// (save_function results) and accepted segment maps.
type Store struct {
	db *sql.DB
}

// Open creates or attaches to a sqlite database at path and ensures its
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("rstore: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS saved_functions (
			save_name      TEXT PRIMARY KEY,
			func_name      TEXT NOT NULL,
			include_return INTEGER NOT NULL,
			bound_args     TEXT NOT NULL,
			created_at     TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS segment_maps (
			id             TEXT PRIMARY KEY,
			entry_func     TEXT NOT NULL,
			map_text       TEXT NOT NULL,
			segment_count  INTEGER NOT NULL,
			created_at     TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("rstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// SavedClosureRecord is a save_function call recorded for later
// inspection or replay after a restart. Bound tensor args are recorded
// by their String() description, not a byte-exact round-trip — the
// ledger is a debugging/audit trail, not a serialization format for
// tensors (that is explicitly out of scope, §1).
type SavedClosureRecord struct {
	SaveName      string
	FuncName      string
	IncludeReturn bool
	BoundArgs     []string
	CreatedAt     time.Time
}

// RecordSavedFunction persists the metadata of one save_function call.
func (s *Store) RecordSavedFunction(saveName, funcName string, includeReturn bool, boundArgs []rvalue.Value) error {
	descs := make([]string, len(boundArgs))
	for i, a := range boundArgs {
		descs[i] = a.String()
	}
	blob, err := json.Marshal(descs)
	if err != nil {
		return fmt.Errorf("rstore: encode bound args: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO saved_functions (save_name, func_name, include_return, bound_args, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(save_name) DO UPDATE SET func_name=excluded.func_name,
			include_return=excluded.include_return, bound_args=excluded.bound_args, created_at=excluded.created_at`,
		saveName, funcName, includeReturn, string(blob), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("rstore: record saved function %q: %w", saveName, err)
	}
	return nil
}

// ListSavedFunctions returns every recorded save_function call.
func (s *Store) ListSavedFunctions() ([]SavedClosureRecord, error) {
	rows, err := s.db.Query(`SELECT save_name, func_name, include_return, bound_args, created_at FROM saved_functions`)
	if err != nil {
		return nil, fmt.Errorf("rstore: list saved functions: %w", err)
	}
	defer rows.Close()

	var out []SavedClosureRecord
	for rows.Next() {
		var rec SavedClosureRecord
		var boundArgsJSON, createdAt string
		if err := rows.Scan(&rec.SaveName, &rec.FuncName, &rec.IncludeReturn, &boundArgsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("rstore: scan saved function row: %w", err)
		}
		if err := json.Unmarshal([]byte(boundArgsJSON), &rec.BoundArgs); err != nil {
			return nil, fmt.Errorf("rstore: decode bound args: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SegmentMapRecord is one accepted segment map, keyed by a uuid session
// id so two independent load() calls never collide.
type SegmentMapRecord struct {
	ID           string
	EntryFunc    string
	Text         string
	SegmentCount int
	CreatedAt    time.Time
}

// RecordSegmentMap persists a segment map that Load accepted (count >= 0).
func (s *Store) RecordSegmentMap(entryFunc, text string, segmentCount int) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO segment_maps (id, entry_func, map_text, segment_count, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, entryFunc, text, segmentCount, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("rstore: record segment map: %w", err)
	}
	return id, nil
}

// LoadSegmentMap retrieves a previously recorded segment map by id.
func (s *Store) LoadSegmentMap(id string) (SegmentMapRecord, error) {
	var rec SegmentMapRecord
	var createdAt string
	err := s.db.QueryRow(
		`SELECT id, entry_func, map_text, segment_count, created_at FROM segment_maps WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.EntryFunc, &rec.Text, &rec.SegmentCount, &createdAt)
	if err != nil {
		return SegmentMapRecord{}, fmt.Errorf("rstore: load segment map %q: %w", id, err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return rec, nil
}
