package cache

import (
	"errors"
	"time"
)

var (
	// ErrEmptyKey is returned when an entry without a key is written.
	ErrEmptyKey = errors.New("cache entry key is empty")
	// ErrBucketNotFound is returned when writing to a bucket that has been deleted.
	ErrBucketNotFound = errors.New("cache bucket not found")
)

// Entry is a single stored response.
// Bytes hold the HTTP/1.1 wire representation of the response.
type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

// Reader is the read side of a bucket. It is what fetch handling gets.
type Reader interface {
	Name() string
	// Match returns the entry stored under the given key.
	// The boolean is false if there is no such entry.
	Match(key string) (Entry, bool, error)
	// Keys returns all keys in the bucket, in insertion order.
	Keys() ([]string, error)
}

// Writer is the write side of a bucket. It is what install gets.
type Writer interface {
	Name() string
	// PutAll stores all the given entries, or none of them.
	// Existing entries with the same keys are replaced.
	PutAll(entries []Entry) error
}

// Bucket is a named set of stored responses.
type Bucket interface {
	Reader
	Writer
}

// Storage holds named buckets.
// Operating on whole buckets is what makes versioned caches possible:
// a new version gets a new bucket, and old ones are left alone until deleted.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the bucket with the given name, creating it if absent.
	Open(name string) (Bucket, error)
	// Has reports whether a bucket with the given name exists.
	Has(name string) (bool, error)
	// Delete removes the bucket and all its entries.
	// It reports whether the bucket existed.
	// Handles to a deleted bucket see it as empty and cannot be written to.
	Delete(name string) (bool, error)
	// Names returns the names of all buckets, in creation order.
	Names() ([]string, error)
	Close() error
}

func validateEntries(entries []Entry) error {
	for _, e := range entries {
		if e.Key == "" {
			return ErrEmptyKey
		}
	}
	return nil
}
