package store

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	"github.com/mineguard/mineguard/config"
	"github.com/mineguard/mineguard/models"
)

const (
	definitionPrefix = "def:"
	statePrefix      = "state:"
)

/*
	Store persists instance definitions and last-known lifecycle states so
	the controller can survive a restart. It is a simple key-value contract;
	the registry owns the instances, the store only remembers them.
*/

type Config struct {
	Logger    *slog.Logger
	Directory string
}

type Store struct {
	logger *slog.Logger
	db     *badger.DB
}

// StoredState is the last persisted lifecycle observation for an instance.
// Advisory only: a restored instance always boots stopped.
type StoredState struct {
	State     models.InstanceState `json:"state"`
	Reason    string               `json:"reason,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Directory)
	opts.Logger = nil // badger's logger is chatty; we log at the store level

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open store at %s", cfg.Directory)
	}

	return &Store{
		logger: cfg.Logger.WithGroup("store"),
		db:     db,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveDefinition(id string, inst config.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return errors.Wrap(err, "failed to encode instance definition")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(definitionPrefix+id), data)
	})
	return errors.Wrapf(err, "failed to save definition for %s", id)
}

// LoadDefinitions returns every persisted instance definition keyed by ID.
func (s *Store) LoadDefinitions() (map[string]config.Instance, error) {
	out := make(map[string]config.Instance)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(definitionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := strings.TrimPrefix(string(item.Key()), definitionPrefix)
			err := item.Value(func(val []byte) error {
				var inst config.Instance
				if err := json.Unmarshal(val, &inst); err != nil {
					return &ErrDataCorruption{Key: string(item.Key()), Reason: err.Error()}
				}
				out[id] = inst
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load instance definitions")
	}
	return out, nil
}

// DeleteDefinition removes an instance's definition and its last-known
// state.
func (s *Store) DeleteDefinition(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(definitionPrefix + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(statePrefix + id))
	})
	return errors.Wrapf(err, "failed to delete definition for %s", id)
}

func (s *Store) SaveState(id string, state models.InstanceState, reason string) error {
	record := StoredState{
		State:     state,
		Reason:    reason,
		UpdatedAt: time.Now(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to encode instance state")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(statePrefix+id), data)
	})
	return errors.Wrapf(err, "failed to save state for %s", id)
}

// LoadState returns the last persisted state for one instance.
func (s *Store) LoadState(id string) (StoredState, error) {
	var record StoredState

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(statePrefix + id))
		if err == badger.ErrKeyNotFound {
			return &ErrStateNotFound{ID: id}
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &record); err != nil {
				return &ErrDataCorruption{Key: statePrefix + id, Reason: err.Error()}
			}
			return nil
		})
	})
	return record, err
}

// LoadStates returns the last persisted state for every known instance.
func (s *Store) LoadStates() (map[string]StoredState, error) {
	out := make(map[string]StoredState)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(statePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := strings.TrimPrefix(string(item.Key()), statePrefix)
			err := item.Value(func(val []byte) error {
				var record StoredState
				if err := json.Unmarshal(val, &record); err != nil {
					return &ErrDataCorruption{Key: string(item.Key()), Reason: err.Error()}
				}
				out[id] = record
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load instance states")
	}
	return out, nil
}
