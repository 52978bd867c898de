package state

import (
	"errors"
	"sort"

	"kusd/storage"
)

// ErrReadOnly is returned when a write reaches a read-only view.
var ErrReadOnly = errors.New("state: read-only view")

// Store is the key/value surface the Manager reads and writes. Get returns
// nil without error for absent keys.
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Journal buffers writes over a database so a unit of work is applied all at
// once on Commit or dropped entirely on Discard. Reads observe the buffered
// writes first.
type Journal struct {
	db    storage.Database
	dirty map[string][]byte
	// deleted keys are tracked separately because a nil value is a valid
	// buffered write.
	deleted map[string]struct{}
}

// NewJournal opens an empty write overlay on db.
func NewJournal(db storage.Database) *Journal {
	return &Journal{
		db:      db,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]struct{}),
	}
}

func (j *Journal) Get(key []byte) ([]byte, error) {
	k := string(key)
	if _, ok := j.deleted[k]; ok {
		return nil, nil
	}
	if value, ok := j.dirty[k]; ok {
		return append([]byte(nil), value...), nil
	}
	return readThrough(j.db, key)
}

func (j *Journal) Put(key, value []byte) error {
	k := string(key)
	delete(j.deleted, k)
	j.dirty[k] = append([]byte(nil), value...)
	return nil
}

func (j *Journal) Delete(key []byte) error {
	k := string(key)
	delete(j.dirty, k)
	j.deleted[k] = struct{}{}
	return nil
}

// Pending reports the number of buffered writes and deletes.
func (j *Journal) Pending() int {
	return len(j.dirty) + len(j.deleted)
}

// Commit flushes the buffered writes as a single atomic batch. The journal is
// empty afterwards and may be reused.
func (j *Journal) Commit() error {
	if j.Pending() == 0 {
		return nil
	}
	keys := make([]string, 0, len(j.dirty))
	for k := range j.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := storage.NewBatch()
	for _, k := range keys {
		batch.Put([]byte(k), j.dirty[k])
	}
	removed := make([]string, 0, len(j.deleted))
	for k := range j.deleted {
		removed = append(removed, k)
	}
	sort.Strings(removed)
	for _, k := range removed {
		batch.Delete([]byte(k))
	}
	if err := j.db.Write(batch); err != nil {
		return err
	}
	j.Discard()
	return nil
}

// Discard drops every buffered write.
func (j *Journal) Discard() {
	j.dirty = make(map[string][]byte)
	j.deleted = make(map[string]struct{})
}

// View is a read-only Store over a database.
type View struct {
	db storage.Database
}

// NewView wraps db for queries that must never write.
func NewView(db storage.Database) *View {
	return &View{db: db}
}

func (v *View) Get(key []byte) ([]byte, error) { return readThrough(v.db, key) }
func (v *View) Put([]byte, []byte) error       { return ErrReadOnly }
func (v *View) Delete([]byte) error            { return ErrReadOnly }

func readThrough(db storage.Database, key []byte) ([]byte, error) {
	value, err := db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}
