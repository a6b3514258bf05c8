package storage

import (
	"encoding/json"

	"go.etcd.io/bbolt"

	"github.com/mzaki/scanward/internal/faults"
	"github.com/mzaki/scanward/internal/models"
)

const systemStateKey = "state"

// UpsertSystemState replaces the single system snapshot row. The
// resilience monitor is the only writer.
func (s *Store) UpsertSystemState(state *models.SystemState) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketSystem)).Put([]byte(systemStateKey), data)
	})
	if err != nil {
		return faults.New(faults.StoreWriteFailure, "storage.UpsertSystemState", err)
	}
	return nil
}

// GetSystemState returns the last written snapshot, nil before the first
func (s *Store) GetSystemState() (*models.SystemState, error) {
	var state *models.SystemState
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketSystem)).Get([]byte(systemStateKey))
		if data == nil {
			return nil
		}
		state = &models.SystemState{}
		return json.Unmarshal(data, state)
	})
	return state, err
}
