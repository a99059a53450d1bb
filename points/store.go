package points

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var pointsBucket = []byte("points")

// Store persists last-known point values so the controller restarts with a
// usable (if uncertain) picture of the plant.
type Store struct {
	db *bolt.DB
}

// storedValue is the persisted form of a point value.
type storedValue struct {
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

// OpenStore opens (or creates) the snapshot database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("points: open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pointsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("points: init store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAll writes every value in one transaction.
func (s *Store) SaveAll(values []Value) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pointsBucket)
		for _, v := range values {
			if v.Value == nil {
				continue
			}
			data, err := json.Marshal(storedValue{Value: v.Value, Timestamp: v.Timestamp})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(v.Name), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll returns every persisted value. Quality is not persisted; restored
// values are stale by definition and callers should mark them uncertain.
func (s *Store) LoadAll() ([]Value, error) {
	var out []Value
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(pointsBucket)
		return b.ForEach(func(k, v []byte) error {
			var sv storedValue
			if err := json.Unmarshal(v, &sv); err != nil {
				return nil // Skip unreadable entries
			}
			out = append(out, Value{
				Name:      string(k),
				Value:     sv.Value,
				Quality:   QualityUncertain,
				Timestamp: sv.Timestamp,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
