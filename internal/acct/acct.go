// Package acct implements C7: accounting. It debits the request blamed for
// each completed piece into a (user, tracker, infohash, generation)
// rollup, and tracks a per-infohash generation counter bumped whenever a
// torrent transitions from absent to present in the periodic snapshot C4
// posts.
//
// Grounded on _examples/original_source/tvaf/acct.py's create_schema/
// get_acct (renamed "origin" to "user" per spec.md's vocabulary) and on
// the teacher's internal/library/movie_repo.go repository idiom, adapted
// from database/sql-over-modernc.org/sqlite to database/sql-over-pgx
// (jackc/pgx/v5/stdlib) for the primary store, with a Badger-backed local
// cache of "currently present" + generation so the hot per-piece path
// never blocks on Postgres.
package acct

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/privatevod/tvafengine/internal/infohash"
	"github.com/privatevod/tvafengine/internal/reqengine"
)

// Schema is applied by Open via a plain CREATE TABLE IF NOT EXISTS,
// mirroring acct.py's create_schema.
const schema = `
create table if not exists torrent_meta (
	infohash   text primary key,
	generation integer not null default 0,
	atime      timestamptz not null default now()
);
create table if not exists acct (
	"user"     text not null,
	tracker    text not null,
	infohash   text not null,
	generation integer not null,
	num_bytes  bigint not null default 0,
	atime      timestamptz not null default now(),
	unique ("user", tracker, infohash, generation)
);
`

// Store is C7's entry point.
type Store struct {
	log *slog.Logger
	db  *sql.DB
	gen *generationCache
}

// Open connects to pgURL (a postgres:// DSN consumed via jackc/pgx/v5's
// database/sql driver) and opens the Badger-backed generation cache at
// cacheDir, applying the schema if needed.
func Open(ctx context.Context, pgURL, cacheDir string) (*Store, error) {
	db, err := sql.Open("pgx", pgURL)
	if err != nil {
		return nil, fmt.Errorf("acct: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("acct: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("acct: apply schema: %w", err)
	}

	gen, err := newGenerationCache(cacheDir, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{log: slog.With("component", "acct"), db: db, gen: gen}, nil
}

// Close releases the Postgres pool and the Badger cache.
func (s *Store) Close() error {
	s.gen.Close()
	return s.db.Close()
}

var _ reqengine.AcctSink = (*Store)(nil)

// RecordPieceFinished implements reqengine.AcctSink: it upserts the byte
// count into the current generation's row for (user, tracker, infohash).
func (s *Store) RecordPieceFinished(ev reqengine.AcctEvent) {
	generation := s.gen.current(ev.InfoHash)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		insert into acct ("user", tracker, infohash, generation, num_bytes, atime)
		values ($1, $2, $3, $4, $5, $6)
		on conflict ("user", tracker, infohash, generation)
		do update set num_bytes = acct.num_bytes + excluded.num_bytes,
		              atime = greatest(acct.atime, excluded.atime)
	`, ev.User, ev.Tracker, ev.InfoHash.String(), generation, ev.NumBytes, ev.At)
	if err != nil {
		s.log.Error("failed to record piece completion", "info_hash", ev.InfoHash.String(), "error", err)
	}
}

// Snapshot implements reqengine.AcctSink: C4 calls this once per second
// per live infohash. A transition from absent to present bumps the
// generation, per spec.md §4.7.
func (s *Store) Snapshot(ih infohash.T, present bool) {
	bumped, generation := s.gen.snapshot(ih, present)
	if !bumped {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into torrent_meta (infohash, generation, atime)
		values ($1, $2, now())
		on conflict (infohash) do update set generation = excluded.generation, atime = now()
	`, ih.String(), generation)
	if err != nil {
		s.log.Error("failed to persist generation bump", "info_hash", ih.String(), "error", err)
	}
}

// Record is one rolled-up accounting row returned by Query.
type Record struct {
	User       string
	Tracker    string
	InfoHash   string
	Generation int
	NumBytes   int64
	ATime      time.Time
}

// groupableColumns are the only columns get_acct's SQL-building logic
// accepts for GroupBy/Filters, mirroring acct.py's get_acct allowlist.
var groupableColumns = map[string]struct{}{
	"user": {}, "tracker": {}, "infohash": {}, "generation": {},
}

// Query builds and runs a dynamic rollup query, equivalent to acct.py's
// get_acct(group_by=..., **where).
func (s *Store) Query(ctx context.Context, groupBy []string, filters map[string]string) ([]Record, error) {
	var cols []string
	for _, c := range groupBy {
		if _, ok := groupableColumns[c]; ok {
			cols = append(cols, c)
		}
	}

	selectCols := []string{`coalesce(sum(num_bytes), 0) as num_bytes`, `max(atime) as atime`}
	for _, c := range cols {
		selectCols = append(selectCols, quoteIdent(c))
	}

	var whereParts []string
	var args []any
	n := 1
	for k, v := range filters {
		if _, ok := groupableColumns[k]; !ok {
			continue
		}
		whereParts = append(whereParts, fmt.Sprintf("%s = $%d", quoteIdent(k), n))
		args = append(args, v)
		n++
	}

	query := "select " + strings.Join(selectCols, ", ") + " from acct"
	if len(whereParts) > 0 {
		query += " where " + strings.Join(whereParts, " and ")
	}
	if len(cols) > 0 {
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = quoteIdent(c)
		}
		query += " group by " + strings.Join(quoted, ", ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("acct: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r := Record{}
		dest := []any{&r.NumBytes, &r.ATime}
		extra := make([]sql.NullString, len(cols))
		for i := range cols {
			dest = append(dest, &extra[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("acct: scan: %w", err)
		}
		for i, c := range cols {
			switch c {
			case "user":
				r.User = extra[i].String
			case "tracker":
				r.Tracker = extra[i].String
			case "infohash":
				r.InfoHash = extra[i].String
			case "generation":
				fmt.Sscanf(extra[i].String, "%d", &r.Generation)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func quoteIdent(s string) string { return `"` + s + `"` }

// generationCache is the Badger-backed fast path for Store.Snapshot/
// current, avoiding a Postgres round trip on every piece completion.
type generationCache struct {
	db *badger.DB

	mu      sync.Mutex
	present map[infohash.T]bool
}

func newGenerationCache(dir string, pg *sql.DB) (*generationCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("acct: open generation cache: %w", err)
	}
	g := &generationCache{db: db, present: make(map[infohash.T]bool)}

	// Warm the cache from Postgres so a restart doesn't reset generations
	// to zero and cause spurious re-bumps.
	rows, err := pg.Query(`select infohash, generation from torrent_meta`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var ihHex string
			var gen int
			if err := rows.Scan(&ihHex, &gen); err != nil {
				continue
			}
			if ih, err := infohash.FromHexString(ihHex); err == nil {
				g.setGeneration(ih, gen)
			}
		}
	}
	return g, nil
}

func (g *generationCache) Close() error { return g.db.Close() }

func genKey(ih infohash.T) []byte {
	return append([]byte("gen:"), ih[:]...)
}

func (g *generationCache) setGeneration(ih infohash.T, gen int) {
	_ = g.db.Update(func(txn *badger.Txn) error {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(gen))
		return txn.Set(genKey(ih), buf[:])
	})
}

func (g *generationCache) current(ih infohash.T) int {
	var gen int
	_ = g.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(genKey(ih))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 4 {
				gen = int(binary.BigEndian.Uint32(val))
			}
			return nil
		})
	})
	return gen
}

// snapshot records the latest presence bit for ih and bumps the
// generation on an absent-to-present transition, returning whether a bump
// happened and the (possibly just-bumped) generation.
func (g *generationCache) snapshot(ih infohash.T, present bool) (bumped bool, generation int) {
	g.mu.Lock()
	wasPresent := g.present[ih]
	g.present[ih] = present
	g.mu.Unlock()

	if present && !wasPresent {
		generation = g.current(ih) + 1
		g.setGeneration(ih, generation)
		return true, generation
	}
	return false, g.current(ih)
}
