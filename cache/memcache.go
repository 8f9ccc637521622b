package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/golang/glog"

	e "github.com/microcosm-cc/modelcache/errors"
	h "github.com/microcosm-cc/modelcache/helpers"
)

// Item layout in memcached:
//
//	mc_buckets          gob []string of bucket names, creation order
//	mc_b<sha1(bucket)>  gob []string of request keys held by the bucket
//	mc_e<sha1>          gob envelope of one entry, see helpers.KeyHash
//
// Memcached cannot enumerate keys, so the two index items are the only way
// to find buckets and entries again. Both are updated with compare-and-swap.
const (
	mcBucketsKey   = "mc_buckets"
	mcBucketIndex  = "mc_b%s"
	mcEntryKey     = "mc_e%s"
	mcCASRetries   = 10
	mcNoExpiration = 0

	// Memcached's default -I, items larger than this are refused by the
	// server
	MemcacheDefaultMaxItem = 1024 * 1024
	// Per-item header memcached stores alongside key and value
	mcItemOverhead = 64
)

// memcacheClient is the subset of *memcache.Client used here
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Add(item *memcache.Item) error
	CompareAndSwap(item *memcache.Item) error
	Delete(key string) error
}

// MemcacheStorage keeps buckets in memcached. Items never expire, but
// memcached may still evict them under memory pressure, in which case a
// Match misses and the next fetch refreshes the entry.
type MemcacheStorage struct {
	mc      memcacheClient
	prefix  string
	maxItem int
}

type memcacheBucket struct {
	s    *MemcacheStorage
	name string
}

// NewMemcacheStorage creates the memcached client for host:port. maxItem is
// the server's item size limit (memcached -I), 0 means the default of 1 MiB.
func NewMemcacheStorage(host string, port int64, prefix string, maxItem int64) *MemcacheStorage {
	s := newMemcacheStorage(memcache.New(fmt.Sprintf("%s:%d", host, port)), prefix)
	if maxItem > 0 {
		s.maxItem = int(maxItem)
	}
	return s
}

func newMemcacheStorage(mc memcacheClient, prefix string) *MemcacheStorage {
	return &MemcacheStorage{mc: mc, prefix: prefix, maxItem: MemcacheDefaultMaxItem}
}

func (s *MemcacheStorage) key(format string, args ...interface{}) string {
	return s.prefix + fmt.Sprintf(format, args...)
}

func (s *MemcacheStorage) indexKey(bucket string) string {
	return s.key(mcBucketIndex, h.NameHash(bucket))
}

func (s *MemcacheStorage) entryKey(bucket string, key string) string {
	return s.key(mcEntryKey, h.KeyHash(bucket, key))
}

// registered reports whether name is in the bucket registry
func (s *MemcacheStorage) registered(name string) (bool, error) {
	ss, _, err := s.getList(s.key(mcBucketsKey))
	if err != nil {
		return false, err
	}
	for _, n := range ss {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// getList reads a gob []string item. A missing item is an empty list.
func (s *MemcacheStorage) getList(key string) ([]string, *memcache.Item, error) {
	item, err := s.mc.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("mc.Get(%s): %w", key, err)
	}

	ss, err := decodeStrings(item.Value)
	if err != nil {
		return nil, nil, err
	}
	return ss, item, nil
}

// updateList applies fn to the list stored at key with compare-and-swap,
// retrying when another writer got there first. fn reports whether it
// changed anything; unchanged lists are not written back.
func (s *MemcacheStorage) updateList(key string, fn func([]string) ([]string, bool)) (bool, error) {
	for i := 0; i < mcCASRetries; i++ {
		ss, item, err := s.getList(key)
		if err != nil {
			return false, err
		}

		next, changed := fn(ss)
		if !changed {
			return false, nil
		}

		b, err := encodeStrings(next)
		if err != nil {
			return false, err
		}

		if item == nil {
			err = s.mc.Add(&memcache.Item{Key: key, Value: b, Expiration: mcNoExpiration})
		} else {
			item.Value = b
			err = s.mc.CompareAndSwap(item)
		}

		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, memcache.ErrCASConflict),
			errors.Is(err, memcache.ErrNotStored),
			errors.Is(err, memcache.ErrCacheMiss):
			if glog.V(3) {
				glog.Infof("Retrying update of %s after %v", key, err)
			}
			continue
		default:
			return false, fmt.Errorf("updating %s: %w", key, err)
		}
	}

	return false, fmt.Errorf("updating %s: gave up after %d conflicts", key, mcCASRetries)
}

// Open implements Storage
func (s *MemcacheStorage) Open(_ context.Context, name string) (Bucket, error) {
	_, err := s.updateList(s.key(mcBucketsKey), func(ss []string) ([]string, bool) {
		return appendUnique(ss, name)
	})
	if err != nil {
		return nil, err
	}
	return &memcacheBucket{s: s, name: name}, nil
}

// Keys implements Storage
func (s *MemcacheStorage) Keys(_ context.Context) ([]string, error) {
	ss, _, err := s.getList(s.key(mcBucketsKey))
	if err != nil {
		return nil, err
	}
	if ss == nil {
		ss = []string{}
	}
	return ss, nil
}

// Delete implements Storage
func (s *MemcacheStorage) Delete(_ context.Context, name string) (bool, error) {
	existed, err := s.updateList(s.key(mcBucketsKey), func(ss []string) ([]string, bool) {
		return without(ss, name)
	})
	if err != nil {
		return false, err
	}

	keys, _, err := s.getList(s.indexKey(name))
	if err != nil {
		return existed, err
	}

	for _, k := range keys {
		s.deleteItem(s.entryKey(name, k))
	}
	s.deleteItem(s.indexKey(name))

	return existed, nil
}

func (s *MemcacheStorage) deleteItem(key string) {
	err := s.mc.Delete(key)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		glog.Warningf("mc.Delete(%s) %+v", key, err)
	}
}

func (b *memcacheBucket) Name() string {
	return b.name
}

func (b *memcacheBucket) Match(_ context.Context, key string) (*Snapshot, bool, error) {
	item, err := b.s.mc.Get(b.s.entryKey(b.name, key))
	if err != nil {
		// Cache misses are expected, anything else is reported
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("mc.Get(%s): %w", key, err)
	}

	stored, snap, err := decodeEntry(item.Value)
	if err != nil {
		return nil, false, err
	}

	// Guards against a hash collision returning another request's response
	if stored != key {
		glog.Warningf("Entry for %s in %s holds %s", key, b.name, stored)
		return nil, false, nil
	}

	return snap, true, nil
}

// encode applies the store rules and the item size limit before anything is
// written
func (b *memcacheBucket) encode(key string, snap *Snapshot) (*memcache.Item, error) {
	if err := storable(b.name, key, snap); err != nil {
		return nil, err
	}

	v, err := encodeEntry(key, snap)
	if err != nil {
		return nil, err
	}

	item := &memcache.Item{
		Key:        b.s.entryKey(b.name, key),
		Value:      v,
		Expiration: mcNoExpiration,
	}
	if size := len(item.Key) + len(v) + mcItemOverhead; size > b.s.maxItem {
		return nil, e.New(
			b.name,
			"Put",
			e.EntryTooLarge,
			fmt.Sprintf("%s encodes to %d bytes, memcached items are limited to %d", key, size, b.s.maxItem),
		)
	}
	return item, nil
}

func (b *memcacheBucket) deleted(key string) error {
	return e.New(
		b.name,
		"Put",
		e.BucketDeleted,
		fmt.Sprintf("bucket %s was deleted, not storing %s", b.name, key),
	)
}

// store writes an encoded entry. The registry is checked before and after the
// write: Delete unregisters a bucket before it reads the index, so an entry
// indexed after that read is removed here instead of being left behind.
func (b *memcacheBucket) store(key string, item *memcache.Item) error {
	ok, err := b.s.registered(b.name)
	if err != nil {
		return err
	}
	if !ok {
		return b.deleted(key)
	}

	err = b.s.mc.Set(item)
	if err != nil {
		return fmt.Errorf("mc.Set(%s): %w", key, err)
	}

	_, err = b.s.updateList(b.s.indexKey(b.name), func(ss []string) ([]string, bool) {
		return appendUnique(ss, key)
	})
	if err != nil {
		return err
	}

	ok, err = b.s.registered(b.name)
	if err != nil {
		return err
	}
	if !ok {
		b.s.deleteItem(item.Key)
		b.s.deleteItem(b.s.indexKey(b.name))
		return b.deleted(key)
	}
	return nil
}

func (b *memcacheBucket) Put(_ context.Context, key string, snap *Snapshot) error {
	item, err := b.encode(key, snap)
	if err != nil {
		return err
	}
	return b.store(key, item)
}

// PutAll encodes every entry before writing any, then writes them one at a
// time; memcached has no multi-key transaction
func (b *memcacheBucket) PutAll(_ context.Context, entries []Entry) error {
	items := make([]*memcache.Item, len(entries))
	for i, en := range entries {
		item, err := b.encode(en.Key, en.Snapshot)
		if err != nil {
			return err
		}
		items[i] = item
	}

	for i, en := range entries {
		if err := b.store(en.Key, items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *memcacheBucket) Keys(_ context.Context) ([]string, error) {
	ss, _, err := b.s.getList(b.s.indexKey(b.name))
	if err != nil {
		return nil, err
	}
	if ss == nil {
		ss = []string{}
	}
	return ss, nil
}
