package storage

import (
	"errors"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("storage: key not found")

// Database is a generic interface for a key-value store.
// This allows the ledger host to use any database backend (in-memory or persistent).
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Close() // A way to gracefully shut down the database connection.
}

// Batcher is implemented by backends that can apply a set of writes atomically.
type Batcher interface {
	WriteBatch(puts map[string][]byte, deletes []string) error
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.data, string(key))
	return nil
}

// WriteBatch applies all writes under a single lock.
func (db *MemDB) WriteBatch(puts map[string][]byte, deletes []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, key := range deletes {
		delete(db.data, key)
	}
	for key, value := range puts {
		db.data[key] = append([]byte(nil), value...)
	}
	return nil
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {
	// Nothing to close for an in-memory database.
}

// --- Persistent DB ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Delete removes the key.
func (ldb *LevelDB) Delete(key []byte) error {
	return ldb.db.Delete(key, nil)
}

// WriteBatch applies the writes through a single leveldb batch.
func (ldb *LevelDB) WriteBatch(puts map[string][]byte, deletes []string) error {
	batch := new(leveldb.Batch)
	for _, key := range deletes {
		batch.Delete([]byte(key))
	}
	for _, key := range sortedKeys(puts) {
		batch.Put([]byte(key), puts[key])
	}
	return ldb.db.Write(batch, nil)
}

// Close closes the database connection.
func (ldb *LevelDB) Close() {
	ldb.db.Close()
}

// --- Overlay ---

// Overlay buffers writes on top of a parent database until Commit is called.
// Reads observe buffered writes first. Discarding an overlay leaves the parent
// untouched, which is how a reverted transaction is modelled.
type Overlay struct {
	parent  Database
	puts    map[string][]byte
	deleted map[string]struct{}
}

// NewOverlay returns an empty write buffer over parent.
func NewOverlay(parent Database) *Overlay {
	return &Overlay{
		parent:  parent,
		puts:    make(map[string][]byte),
		deleted: make(map[string]struct{}),
	}
}

func (o *Overlay) Put(key []byte, value []byte) error {
	k := string(key)
	delete(o.deleted, k)
	o.puts[k] = append([]byte(nil), value...)
	return nil
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	k := string(key)
	if _, gone := o.deleted[k]; gone {
		return nil, ErrNotFound
	}
	if value, ok := o.puts[k]; ok {
		return append([]byte(nil), value...), nil
	}
	return o.parent.Get(key)
}

func (o *Overlay) Delete(key []byte) error {
	k := string(key)
	delete(o.puts, k)
	o.deleted[k] = struct{}{}
	return nil
}

// Close is a no-op; the parent owns the underlying resources.
func (o *Overlay) Close() {}

// Commit flushes buffered writes into the parent, atomically when the parent
// supports batches.
func (o *Overlay) Commit() error {
	deletes := make([]string, 0, len(o.deleted))
	for key := range o.deleted {
		deletes = append(deletes, key)
	}
	sort.Strings(deletes)
	var err error
	if batcher, ok := o.parent.(Batcher); ok {
		err = batcher.WriteBatch(o.puts, deletes)
	} else {
		for _, key := range deletes {
			if err = o.parent.Delete([]byte(key)); err != nil {
				break
			}
		}
		if err == nil {
			for _, key := range sortedKeys(o.puts) {
				if err = o.parent.Put([]byte(key), o.puts[key]); err != nil {
					break
				}
			}
		}
	}
	if err != nil {
		return err
	}
	o.Discard()
	return nil
}

// Discard drops every buffered write.
func (o *Overlay) Discard() {
	o.puts = make(map[string][]byte)
	o.deleted = make(map[string]struct{})
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
