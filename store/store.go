// Package store keeps the last synced object states of each channel in
// a pebble database, so a client can show them before the next sync.
package store

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/utils"
	"github.com/pkg/errors"
)

var ErrClosed = errors.New("store is closed")

type Options struct {
	// FS defaults to the disk; vfs.NewMem() keeps everything in memory.
	FS     vfs.FS
	Logger utils.Logger
	// Sync makes every save durable before it returns.
	Sync bool
}

func (o *Options) SetDefaults() {
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

// Store implements liveobjects.SnapshotStore. Keys are
// 'O' channel 0 objectId, values are EncodeState records.
type Store struct {
	lock sync.RWMutex
	db   *pebble.DB
	opts Options
	log  utils.Logger
}

func Open(dir string, opts Options) (*Store, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dir, &pebble.Options{FS: opts.FS})
	if err != nil {
		return nil, errors.Wrapf(err, "open snapshot store at %s", dir)
	}
	return &Store{db: db, opts: opts, log: opts.Logger}, nil
}

func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Database exposes the pebble handle, e.g. for a metrics collector.
func (s *Store) Database() *pebble.DB {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.db
}

func (s *Store) writeOptions() *pebble.WriteOptions {
	if s.opts.Sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func channelPrefix(channel string) []byte {
	key := make([]byte, 0, len(channel)+2)
	key = append(key, 'O')
	key = append(key, channel...)
	return append(key, 0)
}

// prefixEnd is the first key after every key with the prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	end[len(end)-1]++
	return end
}

func ObjectKey(channel, objectID string) []byte {
	return append(channelPrefix(channel), objectID...)
}

// SaveSnapshot replaces whatever was saved for the channel.
func (s *Store) SaveSnapshot(channel string, states []*protocol.ObjectState) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	prefix := channelPrefix(channel)
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return err
	}
	for _, st := range states {
		rec, err := EncodeState(st)
		if err != nil {
			return errors.Wrapf(err, "encode %s", st.ObjectID)
		}
		if err := b.Set(ObjectKey(channel, st.ObjectID), rec, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(s.writeOptions()); err != nil {
		return errors.Wrap(err, "commit snapshot")
	}
	s.log.Debug("snapshot saved", "channel", channel, "objects", len(states))
	return nil
}

// LoadSnapshot returns the saved states sorted by object id, none if
// nothing was saved.
func (s *Store) LoadSnapshot(channel string) ([]*protocol.ObjectState, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	prefix := channelPrefix(channel)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var states []*protocol.ObjectState
	for it.First(); it.Valid(); it.Next() {
		st, err := DecodeState(it.Value())
		if err != nil {
			return nil, errors.Wrapf(err, "decode %q", it.Key())
		}
		states = append(states, st)
	}
	return states, it.Error()
}

// Channels lists the channels that have a saved snapshot.
func (s *Store) Channels() ([]string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: []byte{'O'}, UpperBound: []byte{'P'}})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var channels []string
	for it.First(); it.Valid(); {
		key := it.Key()
		end := 1
		for end < len(key) && key[end] != 0 {
			end++
		}
		channel := string(key[1:end])
		channels = append(channels, channel)
		prefix := channelPrefix(channel)
		it.SeekGE(prefixEnd(prefix))
	}
	return channels, it.Error()
}
