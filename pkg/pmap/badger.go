package pmap

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/marmos91/dittorpc/internal/logger"
)

// keyPrefix namespaces mapping keys. A key is the prefix followed by the
// big-endian program, version and protocol, so iteration order is the
// listing order.
var keyPrefix = []byte("pmap:")

func mappingKey(prog, vers, prot uint32) []byte {
	k := make([]byte, len(keyPrefix)+12)
	n := copy(k, keyPrefix)
	binary.BigEndian.PutUint32(k[n:], prog)
	binary.BigEndian.PutUint32(k[n+4:], vers)
	binary.BigEndian.PutUint32(k[n+8:], prot)
	return k
}

func versionPrefix(prog, vers uint32) []byte {
	return mappingKey(prog, vers, 0)[:len(keyPrefix)+8]
}

func decodeMapping(key, val []byte) (Mapping, error) {
	if len(key) != len(keyPrefix)+12 || len(val) != 4 {
		return Mapping{}, fmt.Errorf("pmap: corrupt entry (key %d bytes, value %d bytes)", len(key), len(val))
	}
	k := key[len(keyPrefix):]
	return Mapping{
		Prog: binary.BigEndian.Uint32(k[0:]),
		Vers: binary.BigEndian.Uint32(k[4:]),
		Prot: binary.BigEndian.Uint32(k[8:]),
		Port: binary.BigEndian.Uint32(val),
	}, nil
}

// BadgerConfig configures a BadgerMapper.
type BadgerConfig struct {
	// DBPath is the database directory. Ignored when InMemory is set.
	DBPath string

	// InMemory keeps the table in memory only.
	InMemory bool
}

// BadgerMapper persists mappings in a BadgerDB.
//
// Thread safety:
// All methods are safe for concurrent use.
type BadgerMapper struct {
	mu     sync.RWMutex
	db     *badger.DB
	closed bool
}

// NewBadgerMapper opens the mapping database.
func NewBadgerMapper(ctx context.Context, cfg BadgerConfig) (*BadgerMapper, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.DBPath)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %q: %w", cfg.DBPath, err)
	}
	logger.Debug("pmap: opened mapping table (in-memory=%t, path=%q)", cfg.InMemory, cfg.DBPath)
	return &BadgerMapper{db: db}, nil
}

func (b *BadgerMapper) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return b.db.View(fn)
}

func (b *BadgerMapper) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return b.db.Update(fn)
}

// Set implements Mapper.
func (b *BadgerMapper) Set(ctx context.Context, m Mapping) (bool, error) {
	added := false
	err := b.update(ctx, func(txn *badger.Txn) error {
		key := mappingKey(m.Prog, m.Vers, m.Prot)
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		val := make([]byte, 4)
		binary.BigEndian.PutUint32(val, m.Port)
		if err := txn.Set(key, val); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("pmap: set %s: %w", m, err)
	}
	return added, nil
}

// Unset implements Mapper.
func (b *BadgerMapper) Unset(ctx context.Context, prog, vers uint32) (bool, error) {
	removed := false
	err := b.update(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = versionPrefix(prog, vers)
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys) > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("pmap: unset %d/%d: %w", prog, vers, err)
	}
	return removed, nil
}

// GetPort implements Mapper.
func (b *BadgerMapper) GetPort(ctx context.Context, prog, vers, prot uint32) (uint32, error) {
	var port uint32
	err := b.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(mappingKey(prog, vers, prot))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 4 {
				return fmt.Errorf("pmap: corrupt port value (%d bytes)", len(val))
			}
			port = binary.BigEndian.Uint32(val)
			return nil
		})
	})
	return port, err
}

// List implements Mapper.
func (b *BadgerMapper) List(ctx context.Context) ([]Mapping, error) {
	var out []Mapping
	err := b.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			m, err := decodeMapping(item.Key(), val)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// Close closes the database. Further calls return ErrClosed.
func (b *BadgerMapper) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
