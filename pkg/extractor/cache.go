package extractor

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// state is the persisted extractor build: query tokens and doc passages.
type state struct {
	QidToToks       map[string][]string   `json:"qid_to_toks"`
	DocIDToPassages map[string][][]string `json:"docid_to_passages"`
}

// StateCache persists extractor state in a Badger store keyed by the
// content hash of the (query set, doc set) it was built from.
type StateCache struct {
	db *badger.DB
}

// OpenStateCache opens (creating if necessary) the store at dir.
func OpenStateCache(dir string) (*StateCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open extractor state cache: %w", err)
	}
	return &StateCache{db: db}, nil
}

// Load reads the value for key into v. The second return is false when the
// key is absent.
func (c *StateCache) Load(key string, v any) (bool, error) {
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load cached extractor state: %w", err)
	}
	return true, nil
}

// Store writes v under key.
func (c *StateCache) Store(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode extractor state: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store extractor state: %w", err)
	}
	return nil
}

func (c *StateCache) Close() error {
	return c.db.Close()
}
