// Package sqlitestore implements a relational storage backend: a
// SQLite-backed storage.Backend built on prepared statements.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"peerstore/internal/storage"
	"peerstore/internal/wire"
)

func init() {
	storage.Register("sqlite", func(filename string) (storage.Backend, error) {
		return Open(filename)
	})
}

// Store is a storage.Backend backed by a single SQLite database file.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes statement re-bind/reset across concurrent callers

	insert                   *sql.Stmt
	selectBySubsystem        *sql.Stmt
	selectBySubsystemPeer    *sql.Stmt
	selectBySubsystemKey     *sql.Stmt
	selectBySubsystemPeerKey *sql.Stmt
	deleteByKey              *sql.Stmt
	deleteByExpiry           *sql.Stmt

	log *logrus.Entry
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	subsystem TEXT NOT NULL,
	peer      BLOB NOT NULL,
	key       TEXT NOT NULL,
	value     BLOB,
	expiry    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_composite ON records(subsystem, peer, key);
`

// pragmas trade durability for speed: in-memory temp store, synchronous
// writes disabled, incremental auto-vacuum, UTF-8 encoding, 4 KiB pages, and
// a 1s busy timeout as the balance between responsiveness and transient-lock
// tolerance.
var pragmas = []string{
	"PRAGMA temp_store = MEMORY",
	"PRAGMA synchronous = OFF",
	"PRAGMA auto_vacuum = INCREMENTAL",
	"PRAGMA encoding = 'UTF-8'",
	"PRAGMA page_size = 4096",
	"PRAGMA busy_timeout = 1000",
}

// Open opens (creating if necessary) the SQLite database at filename,
// applies the tuning PRAGMAs, ensures the schema exists, and pre-compiles
// the seven prepared statements the backend uses for the lifetime of Store.
func Open(filename string) (*Store, error) {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: create parent dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", filename, err)
	}
	// A single physical SQLite connection keeps "re-bound and reset around
	// every use" literally true and lets PRAGMA busy_timeout do its job
	// instead of database/sql silently opening a second connection.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &Store{db: db, log: logrus.WithField("component", "sqlitestore")}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) prepare() error {
	type stmtDef struct {
		dst  **sql.Stmt
		text string
	}
	defs := []stmtDef{
		{&s.insert, `INSERT INTO records (subsystem, peer, key, value, expiry) VALUES (?, ?, ?, ?, ?)`},
		{&s.selectBySubsystem, `SELECT subsystem, peer, key, value, expiry FROM records WHERE subsystem = ?`},
		{&s.selectBySubsystemPeer, `SELECT subsystem, peer, key, value, expiry FROM records WHERE subsystem = ? AND peer = ?`},
		{&s.selectBySubsystemKey, `SELECT subsystem, peer, key, value, expiry FROM records WHERE subsystem = ? AND key = ?`},
		{&s.selectBySubsystemPeerKey, `SELECT subsystem, peer, key, value, expiry FROM records WHERE subsystem = ? AND peer = ? AND key = ?`},
		{&s.deleteByKey, `DELETE FROM records WHERE subsystem = ? AND peer = ? AND key = ?`},
		{&s.deleteByExpiry, `DELETE FROM records WHERE expiry < ?`},
	}
	for _, d := range defs {
		stmt, err := s.db.Prepare(d.text)
		if err != nil {
			return fmt.Errorf("sqlitestore: prepare %q: %w", d.text, err)
		}
		*d.dst = stmt
	}
	return nil
}

// Store accepts a write request and performs it in the background; cont
// receives the definitive result exactly once.
func (s *Store) Store(ctx context.Context, rec storage.Record, opts wire.Options, cont storage.StoreContinuation) error {
	go func() {
		cont(s.storeSync(ctx, rec, opts))
	}()
	return nil
}

func (s *Store) storeSync(ctx context.Context, rec storage.Record, opts wire.Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts == wire.OptionsReplace {
		if _, err := s.deleteByKey.ExecContext(ctx, rec.Subsystem, rec.Peer[:], rec.Key); err != nil {
			return fmt.Errorf("sqlitestore: delete before replace: %w", err)
		}
	}
	if _, err := s.insert.ExecContext(ctx, rec.Subsystem, rec.Peer[:], rec.Key, rec.Value, rec.Expiry.UnixMicro()); err != nil {
		return fmt.Errorf("sqlitestore: insert: %w", err)
	}
	return nil
}

// Iterate accepts a read request and streams matching rows in the
// background, calling row for each and finish exactly once at the end.
func (s *Store) Iterate(ctx context.Context, subsystem string, peer *[32]byte, key *string, row storage.RowCallback, finish storage.FinishCallback) error {
	go func() {
		finish(s.iterateSync(ctx, subsystem, peer, key, row))
	}()
	return nil
}

func (s *Store) iterateSync(ctx context.Context, subsystem string, peer *[32]byte, key *string, row storage.RowCallback) error {
	s.mu.Lock()
	stmt, args := s.selectFor(subsystem, peer, key)
	rows, err := stmt.QueryContext(ctx, args...)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("sqlitestore: query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sub       string
			peerBytes []byte
			k         string
			value     []byte
			expiry    int64
		)
		if err := rows.Scan(&sub, &peerBytes, &k, &value, &expiry); err != nil {
			return fmt.Errorf("sqlitestore: scan: %w", err)
		}
		var p [32]byte
		copy(p[:], peerBytes)
		// rows.Scan already copies into fresh Go values; we still build a
		// brand-new Record per call so row() never sees a reference the
		// next Next() could invalidate.
		rec := storage.Record{
			Subsystem: sub,
			Peer:      p,
			Key:       k,
			Value:     append([]byte(nil), value...),
			Expiry:    time.UnixMicro(expiry),
		}
		if err := row(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) selectFor(subsystem string, peer *[32]byte, key *string) (*sql.Stmt, []any) {
	switch {
	case peer != nil && key != nil:
		return s.selectBySubsystemPeerKey, []any{subsystem, peer[:], *key}
	case peer != nil:
		return s.selectBySubsystemPeer, []any{subsystem, peer[:]}
	case key != nil:
		return s.selectBySubsystemKey, []any{subsystem, *key}
	default:
		return s.selectBySubsystem, []any{subsystem}
	}
}

// Expire deletes every record whose expiry is strictly before now and
// reports the deleted count through cb exactly once.
func (s *Store) Expire(ctx context.Context, now time.Time, cb storage.ExpireCallback) error {
	go func() {
		n, err := s.expireSync(ctx, now)
		if err != nil {
			s.log.WithError(err).Warn("expire sweep failed")
			n = 0
		}
		cb(n)
	}()
	return nil
}

func (s *Store) expireSync(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.deleteByExpiry.ExecContext(ctx, now.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: delete expired: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the prepared statements and closes the database.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.insert, s.selectBySubsystem, s.selectBySubsystemPeer,
		s.selectBySubsystemKey, s.selectBySubsystemPeerKey,
		s.deleteByKey, s.deleteByExpiry,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}
