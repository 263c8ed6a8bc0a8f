package anacrolix

import (
	"bytes"
	"encoding/gob"
	"log/slog"
	"time"

	"github.com/anacrolix/dht/v2/bep44"
	"github.com/dgraph-io/badger/v3"
)

var _ bep44.Store = (*ItemStore)(nil)

// ItemStore implements bep44.Store using Badger for DHT item persistence,
// adapted from the teacher's internal/torrent/store.go with no behavior
// change beyond the package move.
type ItemStore struct {
	ttl time.Duration
	db  *badger.DB
}

// NewItemStore opens (creating if absent) a Badger-backed DHT item store.
func NewItemStore(path string, itemsTTL time.Duration) (*ItemStore, error) {
	log := slog.With("component", "dht-item-store")

	opts := badger.DefaultOptions(path).
		WithLogger(&badgerLogger{log: log}).
		WithValueLogFileSize(1<<26 - 1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		db.Close()
		return nil, err
	}

	return &ItemStore{db: db, ttl: itemsTTL}, nil
}

func (s *ItemStore) Put(i *bep44.Item) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	key := i.Target()
	var value bytes.Buffer
	if err := gob.NewEncoder(&value).Encode(i); err != nil {
		return err
	}

	e := badger.NewEntry(key[:], value.Bytes()).WithTTL(s.ttl)
	if err := tx.SetEntry(e); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *ItemStore) Get(t bep44.Target) (*bep44.Item, error) {
	tx := s.db.NewTransaction(false)
	defer tx.Discard()

	dbi, err := tx.Get(t[:])
	if err == badger.ErrKeyNotFound {
		return nil, bep44.ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}

	valb, err := dbi.ValueCopy(nil)
	if err != nil {
		return nil, err
	}

	var i *bep44.Item
	if err := gob.NewDecoder(bytes.NewBuffer(valb)).Decode(&i); err != nil {
		return nil, err
	}
	return i, nil
}

func (s *ItemStore) Del(t bep44.Target) error { return nil }

func (s *ItemStore) Close() error { return s.db.Close() }
