package metadb

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/mulgadc/shufflefetch/partition"
)

var ErrIndexNotFound = errors.New("partition index not found")

// MetaDB stores worker-local metadata, chiefly the chunk index of every
// committed partition file.
type MetaDB struct {
	Badger *badger.DB
}

// DB functions
func New(dir string) (db *MetaDB, err error) {
	db = &MetaDB{}
	db.Badger, err = badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, err
	}
	return db, nil
}

// NewInMemory opens a badger instance without a backing directory.
func NewInMemory() (*MetaDB, error) {
	bdb, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, err
	}
	return &MetaDB{Badger: bdb}, nil
}

func (db *MetaDB) Close() error {
	return db.Badger.Close()
}

func (db *MetaDB) Exists(key []byte) (bool, error) {
	var exists bool
	err := db.Badger.View(
		func(tx *badger.Txn) error {
			if _, err := tx.Get(key); err != nil {
				return err
			}
			exists = true
			return nil
		})
	if errors.Is(err, badger.ErrKeyNotFound) {
		err = nil
	}
	return exists, err
}

func (db *MetaDB) Get(key []byte) ([]byte, error) {
	var value []byte

	return value, db.Badger.View(
		func(tx *badger.Txn) error {
			item, err := tx.Get(key)
			if err != nil {
				return fmt.Errorf("getting value: %w", err)
			}
			valCopy, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copying value: %w", err)
			}
			value = valCopy
			return nil
		})
}

func (db *MetaDB) Set(key, value []byte) error {
	return db.Badger.Update(
		func(txn *badger.Txn) error {
			return txn.Set(key, value)
		})
}

func (db *MetaDB) Delete(key []byte) error {
	return db.Badger.Update(
		func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
}

// IndexKey returns the key under which a partition file's index is kept.
func IndexKey(shuffleKey, fileName string) []byte {
	return []byte("index/" + shuffleKey + "/" + fileName)
}

// PutIndex stores the chunk index of a committed partition file.
func (db *MetaDB) PutIndex(shuffleKey, fileName string, index []partition.ChunkMeta) error {
	value, err := json.Marshal(index)
	if err != nil {
		return err
	}
	return db.Set(IndexKey(shuffleKey, fileName), value)
}

// GetIndex returns the stored chunk index, or ErrIndexNotFound.
func (db *MetaDB) GetIndex(shuffleKey, fileName string) ([]partition.ChunkMeta, error) {
	value, err := db.Get(IndexKey(shuffleKey, fileName))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrIndexNotFound
	}
	if err != nil {
		return nil, err
	}

	var index []partition.ChunkMeta
	if err := json.Unmarshal(value, &index); err != nil {
		return nil, fmt.Errorf("decoding index for %s/%s: %w", shuffleKey, fileName, err)
	}
	return index, nil
}
