package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/mood-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB stores the chat options each browser session picked, so that mood, character, model and custom
// instruction survive a page reload or a server restart. Conversations are never stored, and neither is
// the credential, which models.Options excludes from its JSON form.
type BoltDB struct {
	db *bolt.DB
}

var optionsBucket = []byte("options")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(optionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create options bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Options retrieves the options saved for sessionID. The boolean is false if nothing was saved yet.
func (b BoltDB) Options(_ context.Context, sessionID string) (models.Options, bool, error) {
	var opts models.Options
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(optionsBucket)
		if bk == nil {
			return nil
		}

		v := bk.Get([]byte(sessionID))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &opts); err != nil {
			return fmt.Errorf("failed to unmarshal options: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return models.Options{}, false, err
	}
	return opts, found, nil
}

// SaveOptions stores opts for sessionID, replacing what was there.
func (b BoltDB) SaveOptions(_ context.Context, sessionID string, opts models.Options) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(optionsBucket)
		if bk == nil {
			return fmt.Errorf("bucket %s not found", optionsBucket)
		}

		v, err := json.Marshal(opts)
		if err != nil {
			return fmt.Errorf("failed to marshal options: %w", err)
		}

		return bk.Put([]byte(sessionID), v)
	})
}
