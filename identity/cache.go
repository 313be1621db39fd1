package identity

import (
	"encoding/json"
	"errors"
	"fmt"

	"meshwatch/storage"
)

var peerPrefix = []byte("peer/")

// ErrEmptyCache is returned by Load when no records were ever saved.
var ErrEmptyCache = errors.New("identity: cache is empty")

// Cache persists an identity table in a key/value store so repeated runs can
// skip parsing the source table.
type Cache struct {
	db storage.Database
}

func NewCache(db storage.Database) *Cache {
	return &Cache{db: db}
}

func peerKey(identity string) []byte {
	return append(append([]byte(nil), peerPrefix...), identity...)
}

// Save replaces the cached table with table.
func (c *Cache) Save(table *Table) error {
	var stale [][]byte
	if err := c.db.Iterate(peerPrefix, func(key, _ []byte) bool {
		stale = append(stale, append([]byte(nil), key...))
		return true
	}); err != nil {
		return fmt.Errorf("scan identity cache: %w", err)
	}
	for _, key := range stale {
		if err := c.db.Delete(key); err != nil {
			return fmt.Errorf("clear identity cache: %w", err)
		}
	}
	for _, rec := range table.Records() {
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := c.db.Put(peerKey(rec.Identity), payload); err != nil {
			return fmt.Errorf("persist %s: %w", rec.Identity, err)
		}
	}
	return nil
}

// Load rebuilds the cached table.
func (c *Cache) Load() (*Table, error) {
	var (
		records []PeerRecord
		decErr  error
	)
	err := c.db.Iterate(peerPrefix, func(key, value []byte) bool {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			decErr = fmt.Errorf("decode %s: %w", key, err)
			return false
		}
		records = append(records, rec)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan identity cache: %w", err)
	}
	if decErr != nil {
		return nil, decErr
	}
	if len(records) == 0 {
		return nil, ErrEmptyCache
	}
	return NewTable(records)
}
