package contentstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"tramando/api/internal/locker"
)

// BadgerStore keeps content in an embedded badger database. The
// compare-and-swap runs inside one read-write transaction.
type BadgerStore struct {
	db    *badger.DB
	locks *locker.Local
}

// OpenBadger opens a badger database at dir, or an in-memory one when dir is
// empty.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, locks: locker.NewLocal()}
}

func contentKey(projectID string) []byte { return []byte("content/" + projectID) }
func hashKey(projectID string) []byte    { return []byte("hash/" + projectID) }

func (s *BadgerStore) Load(ctx context.Context, projectID string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	var content string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(contentKey(projectID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			content = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("load %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load content: %w", err)
	}
	return content, nil
}

func (s *BadgerStore) Save(ctx context.Context, projectID, content string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	unlock, err := s.locks.Lock(ctx, projectID)
	if err != nil {
		return "", err
	}
	defer unlock()

	hash := Hash(content)
	err = s.db.Update(func(txn *badger.Txn) error {
		return setContent(txn, projectID, content, hash)
	})
	if err != nil {
		return "", fmt.Errorf("save content: %w", err)
	}
	return hash, nil
}

func (s *BadgerStore) SaveIfMatches(ctx context.Context, projectID, content, expectedHash string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	unlock, err := s.locks.Lock(ctx, projectID)
	if err != nil {
		return "", err
	}
	defer unlock()

	hash := Hash(content)
	var currentHash string
	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(hashKey(projectID))
		if err != nil {
			return err
		}
		stored, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		currentHash = string(stored)
		if currentHash != expectedHash {
			return ErrConflict
		}
		return setContent(txn, projectID, content, hash)
	})
	switch {
	case err == nil:
		return hash, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return "", fmt.Errorf("load %s: %w", projectID, ErrNotFound)
	case errors.Is(err, ErrConflict), errors.Is(err, badger.ErrConflict):
		return "", conflict(projectID, currentHash)
	default:
		return "", fmt.Errorf("save content: %w", err)
	}
}

func (s *BadgerStore) Exists(ctx context.Context, projectID string) (bool, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return false, nil
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(hashKey(projectID))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check content: %w", err)
	}
	return true, nil
}

func (s *BadgerStore) Delete(ctx context.Context, projectID string) error {
	if err := ValidateProjectID(projectID); err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, projectID)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(hashKey(projectID)); err != nil {
			return err
		}
		if err := txn.Delete(contentKey(projectID)); err != nil {
			return err
		}
		return txn.Delete(hashKey(projectID))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete content: %w", err)
	}
	return nil
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("badger database is closed")
	}
	return nil
}

func setContent(txn *badger.Txn, projectID, content, hash string) error {
	if err := txn.Set(contentKey(projectID), []byte(content)); err != nil {
		return err
	}
	return txn.Set(hashKey(projectID), []byte(hash))
}
