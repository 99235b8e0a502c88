package devicetoken

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

// ErrStoreBusy means another process, usually a running server, holds the
// token store file lock.
var ErrStoreBusy = errors.New("token store is in use by another process")

// Metadata is the server-side record of an issued token.
type Metadata struct {
	TokenID   string     `json:"token_id"`
	MachineID *int64     `json:"machine_id,omitempty"`
	NodeID    string     `json:"node_id,omitempty"`
	Scopes    []string   `json:"scopes"`
	Created   time.Time  `json:"created"`
	Expires   time.Time  `json:"expires"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// HasScope reports whether the token carries scope.
func (m *Metadata) HasScope(scope string) bool {
	for _, s := range m.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (m *Metadata) clone() *Metadata {
	c := *m
	c.Scopes = append([]string(nil), m.Scopes...)
	if m.LastUsed != nil {
		t := *m.LastUsed
		c.LastUsed = &t
	}
	if m.MachineID != nil {
		id := *m.MachineID
		c.MachineID = &id
	}
	return &c
}

// MetadataStore persists token metadata across restarts.
type MetadataStore interface {
	LoadAll() (map[string]*Metadata, error)
	Put(metas ...*Metadata) error
	Delete(ids ...string) error
	Close() error
}

var tokensBucket = []byte("tokens")

// BoltStore keeps token metadata in a bbolt file, one JSON value per token id.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the metadata file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create token store directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if errors.Is(err, berrors.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s", ErrStoreBusy, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open token store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tokensBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tokens bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) LoadAll() (map[string]*Metadata, error) {
	out := make(map[string]*Metadata)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).ForEach(func(k, v []byte) error {
			var m Metadata
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("corrupt token record %s: %w", k, err)
			}
			out[string(k)] = &m
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Put(metas ...*Metadata) error {
	if len(metas) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)
		for _, m := range metas {
			v, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(m.TokenID), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Delete(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
