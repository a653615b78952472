// Package persistence keeps shared documents on local disk so they survive
// restarts and can be edited offline.
package persistence

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"instdocs/internal/crdt"
	"instdocs/internal/docsync"
)

type origin string

// Origin tags updates loaded from disk. They are not stored again and not
// sent to the branch service.
const Origin origin = "persistence"

// compactAfter is how many stored updates a branch may collect before they
// are replaced with one full-state update.
const compactAfter = 200

var (
	branchesBucket = []byte("branches")
	updatesBucket  = []byte("updates")
	saltKey        = []byte("salt")
)

var (
	ErrEncrypted   = errors.New("stored branch is encrypted; an encryption key is required")
	ErrUnencrypted = errors.New("stored branch is not encrypted")
)

// Store is a bbolt file holding the updates of any number of branches.
type Store struct {
	db  *bolt.DB
	log *logrus.Entry
}

func Open(path string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(branchesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db, log: log.WithField("store", path)}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Opener adapts the store to the document factory.
func (s *Store) Opener() docsync.PersistenceOpener {
	return func(key string, doc *crdt.Doc, encryptionKey string) (docsync.Persistence, error) {
		return s.Bind(key, doc, encryptionKey)
	}
}

// Keys lists the stored branches.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(branchesBucket).ForEachBucket(func(k []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Delete removes everything stored for key.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(branchesBucket).DeleteBucket([]byte(key))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Bind loads what is stored under key into doc in the background and stores
// every later update of doc. With a non-empty encryptionKey the stored
// updates are encrypted.
func (s *Store) Bind(key string, doc *crdt.Doc, encryptionKey string) (*Binding, error) {
	seal, err := s.prepare(key, encryptionKey)
	if err != nil {
		return nil, err
	}
	b := &Binding{
		store: s,
		key:   []byte(key),
		doc:   doc,
		seal:  seal,
		ready: make(chan struct{}),
		log:   s.log.WithField("branch", key),
	}
	b.stop = doc.OnUpdate(b.onUpdate)
	go b.load()
	return b, nil
}

// prepare creates the branch bucket and returns the sealer for it.
func (s *Store) prepare(key, encryptionKey string) (*sealer, error) {
	var seal *sealer
	err := s.db.Update(func(tx *bolt.Tx) error {
		branch, err := tx.Bucket(branchesBucket).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		updates, err := branch.CreateBucketIfNotExists(updatesBucket)
		if err != nil {
			return err
		}

		salt := branch.Get(saltKey)
		switch {
		case salt == nil && encryptionKey == "":
			return nil
		case salt != nil && encryptionKey == "":
			return ErrEncrypted
		case salt == nil && updates.Stats().KeyN > 0:
			return ErrUnencrypted
		case salt == nil:
			if salt, err = newSalt(); err != nil {
				return err
			}
			if err := branch.Put(saltKey, salt); err != nil {
				return err
			}
		}
		seal, err = newSealer(encryptionKey, salt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("prepare %q: %w", key, err)
	}
	return seal, nil
}

// Binding connects one document to its stored branch.
type Binding struct {
	store *Store
	key   []byte
	doc   *crdt.Doc
	seal  *sealer
	log   *logrus.Entry

	ready   chan struct{}
	initErr error
	synced  atomic.Bool
	stored  atomic.Int64

	closeOnce sync.Once
	stop      func()
}

func (b *Binding) load() {
	defer close(b.ready)

	var blobs [][]byte
	err := b.store.db.View(func(tx *bolt.Tx) error {
		updates := b.updates(tx)
		if updates == nil {
			return nil
		}
		return updates.ForEach(func(_, v []byte) error {
			blob, err := b.seal.open(v)
			if err != nil {
				return err
			}
			blobs = append(blobs, blob)
			return nil
		})
	})
	if err != nil {
		b.initErr = fmt.Errorf("load %q: %w", b.key, err)
		return
	}
	b.stored.Store(int64(len(blobs)))
	if len(blobs) > 0 {
		merged, err := crdt.MergeUpdates(blobs...)
		if err == nil {
			err = b.doc.ApplyUpdate(merged, Origin)
		}
		if err != nil {
			b.initErr = fmt.Errorf("apply stored updates: %w", err)
			return
		}
	}
	b.synced.Store(true)
	b.log.WithField("updates", len(blobs)).Debug("loaded stored branch")
}

func (b *Binding) updates(tx *bolt.Tx) *bolt.Bucket {
	branch := tx.Bucket(branchesBucket).Bucket(b.key)
	if branch == nil {
		return nil
	}
	return branch.Bucket(updatesBucket)
}

func (b *Binding) onUpdate(ev crdt.UpdateEvent) {
	if ev.Origin == Origin {
		return
	}
	if err := b.append(ev.Update); err != nil {
		b.log.WithError(err).Error("failed to store update")
		return
	}
	if b.stored.Add(1) >= compactAfter && b.synced.Load() {
		if err := b.compact(); err != nil {
			b.log.WithError(err).Warn("failed to compact stored updates")
		}
	}
}

func (b *Binding) append(update []byte) error {
	data, err := b.seal.seal(update)
	if err != nil {
		return err
	}
	return b.store.db.Update(func(tx *bolt.Tx) error {
		updates := b.updates(tx)
		if updates == nil {
			return bolt.ErrBucketNotFound
		}
		seq, err := updates.NextSequence()
		if err != nil {
			return err
		}
		return updates.Put(sequenceKey(seq), data)
	})
}

// compact replaces the stored updates with the document's full state.
func (b *Binding) compact() error {
	data, err := b.seal.seal(b.doc.EncodeStateAsUpdate())
	if err != nil {
		return err
	}
	err = b.store.db.Update(func(tx *bolt.Tx) error {
		branch := tx.Bucket(branchesBucket).Bucket(b.key)
		if branch == nil {
			return bolt.ErrBucketNotFound
		}
		if err := branch.DeleteBucket(updatesBucket); err != nil {
			return err
		}
		updates, err := branch.CreateBucket(updatesBucket)
		if err != nil {
			return err
		}
		seq, err := updates.NextSequence()
		if err != nil {
			return err
		}
		return updates.Put(sequenceKey(seq), data)
	})
	if err != nil {
		return err
	}
	b.stored.Store(1)
	b.log.Debug("compacted stored updates")
	return nil
}

// WaitForInit blocks until the stored updates have been applied.
func (b *Binding) WaitForInit(ctx context.Context) error {
	select {
	case <-b.ready:
		return b.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Synced reports whether the stored updates have been applied.
func (b *Binding) Synced() bool {
	return b.synced.Load()
}

// Close stops storing updates. The store stays open.
func (b *Binding) Close() error {
	b.closeOnce.Do(b.stop)
	<-b.ready
	return nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
