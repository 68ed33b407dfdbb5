// Package store keeps the client's durable progress per save file: the
// applied-item cursor, reported locations, goal state and one-time setup.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrSeedMismatch = errors.New("save file belongs to another seed")

type Store struct {
	db *sql.DB
}

type AppliedItem struct {
	Seq          int
	ItemID       int64
	ItemName     string
	OriginPlayer string
	Failed       bool
	AppliedAt    time.Time
}

type Goal struct {
	Kind        string
	Completed   bool
	CompletedAt time.Time
}

func OpenSQLite(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS saves (
			save TEXT PRIMARY KEY,
			seed TEXT NOT NULL,
			slot TEXT NOT NULL,
			cursor INTEGER NOT NULL DEFAULT 0,
			setup_at TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS applied_items (
			save TEXT NOT NULL,
			seq INTEGER NOT NULL,
			item_id INTEGER NOT NULL,
			item_name TEXT NOT NULL,
			origin_player TEXT NOT NULL,
			failed INTEGER NOT NULL,
			applied_at TEXT NOT NULL,
			PRIMARY KEY (save, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS reported_locations (
			save TEXT NOT NULL,
			location_id INTEGER NOT NULL,
			reported_at TEXT NOT NULL,
			PRIMARY KEY (save, location_id)
		);`,
		`CREATE TABLE IF NOT EXISTS goals (
			save TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			completed INTEGER NOT NULL,
			completed_at TEXT
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// BindSave ties save to a seed and slot on first use. A save already bound
// to a different seed returns ErrSeedMismatch.
func (s *Store) BindSave(save, seed, slot string) error {
	var cur string
	err := s.db.QueryRow(`SELECT seed FROM saves WHERE save=?`, save).Scan(&cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`INSERT INTO saves(save,seed,slot,cursor,updated_at) VALUES(?,?,?,0,?)`, save, seed, slot, now())
		return err
	case err != nil:
		return err
	case cur != seed:
		return fmt.Errorf("%w: %s is bound to %s, not %s", ErrSeedMismatch, save, cur, seed)
	}
	return nil
}

// Cursor is the sequence of the last applied item (0 when nothing applied).
func (s *Store) Cursor(save string) (int, error) {
	var c int
	err := s.db.QueryRow(`SELECT cursor FROM saves WHERE save=?`, save).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return c, err
}

// RecordApplied logs one item and advances the cursor in one transaction.
// The cursor never moves backwards.
func (s *Store) RecordApplied(save string, it AppliedItem) error {
	at := it.AppliedAt
	if at.IsZero() {
		at = time.Now()
	}
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	failed := 0
	if it.Failed {
		failed = 1
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO applied_items(save,seq,item_id,item_name,origin_player,failed,applied_at) VALUES(?,?,?,?,?,?,?)`,
		save, it.Seq, it.ItemID, it.ItemName, it.OriginPlayer, failed, at.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	res, err := tx.Exec(`UPDATE saves SET cursor=MAX(cursor,?), updated_at=? WHERE save=?`, it.Seq, now(), save)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.Exec(`INSERT INTO saves(save,seed,slot,cursor,updated_at) VALUES(?,'','',?,?)`, save, it.Seq, now()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Applied(save string) ([]AppliedItem, error) {
	rows, err := s.db.Query(`SELECT seq,item_id,item_name,origin_player,failed,applied_at FROM applied_items WHERE save=? ORDER BY seq`, save)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AppliedItem
	for rows.Next() {
		var (
			it     AppliedItem
			failed int
			at     sql.NullString
		)
		if err := rows.Scan(&it.Seq, &it.ItemID, &it.ItemName, &it.OriginPlayer, &failed, &at); err != nil {
			return nil, err
		}
		it.Failed = failed != 0
		it.AppliedAt = parseTime(at)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) MarkReported(save string, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO reported_locations(save,location_id,reported_at) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	ts := now()
	for _, id := range ids {
		if _, err := stmt.Exec(save, id, ts); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Reported(save string) ([]int64, error) {
	rows, err := s.db.Query(`SELECT location_id FROM reported_locations WHERE save=? ORDER BY location_id`, save)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CompleteGoal records completion. Completion is permanent.
func (s *Store) CompleteGoal(save, kind string) error {
	_, err := s.db.Exec(`INSERT INTO goals(save,kind,completed,completed_at) VALUES(?,?,1,?)
		ON CONFLICT(save) DO UPDATE SET completed=1, completed_at=COALESCE(goals.completed_at, excluded.completed_at)`,
		save, kind, now())
	return err
}

func (s *Store) Goal(save string) (Goal, error) {
	var (
		g         Goal
		completed int
		at        sql.NullString
	)
	err := s.db.QueryRow(`SELECT kind,completed,completed_at FROM goals WHERE save=?`, save).Scan(&g.Kind, &completed, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Goal{}, nil
	}
	if err != nil {
		return Goal{}, err
	}
	g.Completed = completed != 0
	g.CompletedAt = parseTime(at)
	return g, nil
}

// MarkSetup records that new-file setup ran for save. It returns false when
// setup had already been recorded.
func (s *Store) MarkSetup(save string) (bool, error) {
	res, err := s.db.Exec(`UPDATE saves SET setup_at=?, updated_at=? WHERE save=? AND setup_at IS NULL`, now(), now(), save)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
