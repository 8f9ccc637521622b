package cache

import (
	"context"
)

// Storage is a set of named buckets
type Storage interface {
	// Open returns the named bucket, creating it if absent
	Open(ctx context.Context, name string) (Bucket, error)

	// Keys lists the names of all existing buckets in creation order
	Keys(ctx context.Context) ([]string, error)

	// Delete removes the named bucket and all of its entries. It reports
	// whether the bucket existed.
	Delete(ctx context.Context, name string) (bool, error)
}

// Bucket is one named set of request key to snapshot entries
type Bucket interface {
	Name() string

	// Match returns the snapshot for key. A miss is (nil, false, nil).
	Match(ctx context.Context, key string) (*Snapshot, bool, error)

	// Put stores a copy of s under key, replacing any previous entry
	Put(ctx context.Context, key string, s *Snapshot) error

	// PutAll stores every entry. Stores that support transactions write all
	// or nothing.
	PutAll(ctx context.Context, entries []Entry) error

	// Keys lists the request keys held in the bucket
	Keys(ctx context.Context) ([]string, error)
}
