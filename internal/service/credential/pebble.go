package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"

	"github.com/zhouzirui/roomchat/internal/model/session"
)

// PebbleStore persists the token pair in a PebbleDB directory.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) the store at dir. A nil fs uses the OS filesystem.
func OpenPebbleStore(dir string, fs vfs.FS) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if fs == nil {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	} else {
		opts.FS = fs
	}
	db, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (p *PebbleStore) Load() (session.Tokens, bool, error) {
	access, err := p.get(AccessTokenKey)
	if err != nil {
		return session.Tokens{}, false, err
	}
	if access == "" {
		return session.Tokens{}, false, nil
	}
	refresh, err := p.get(RefreshTokenKey)
	if err != nil {
		return session.Tokens{}, false, err
	}
	return session.Tokens{Access: access, Refresh: refresh}, true, nil
}

func (p *PebbleStore) Save(tokens session.Tokens) error {
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(AccessTokenKey), []byte(tokens.Access), nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(RefreshTokenKey), []byte(tokens.Refresh), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleStore) Clear() error {
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete([]byte(AccessTokenKey), nil); err != nil {
		return err
	}
	if err := batch.Delete([]byte(RefreshTokenKey), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Close releases the database.
func (p *PebbleStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PebbleStore) get(key string) (string, error) {
	value, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	defer closer.Close()
	return string(value), nil
}
