// Package objectstore wraps the bucket operations the pipeline needs:
// put (optionally conditional), get, head, list, copy and delete.
package objectstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the key does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrPreconditionFailed is returned when a conditional write or copy
	// loses: the key already exists, or the source ETag changed.
	ErrPreconditionFailed = errors.New("object precondition failed")
)

// ObjectInfo describes a stored object. List results leave Metadata nil.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// PutOptions configures Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string

	// IfAbsent makes the write fail with ErrPreconditionFailed when the key
	// already exists.
	IfAbsent bool

	// IfMatch makes the write replace the key only while its ETag equals
	// this value. A changed ETag fails with ErrPreconditionFailed; a missing
	// key fails with ErrNotFound.
	IfMatch string
}

// CopyOptions configures Copy.
type CopyOptions struct {
	// ReplaceMetadata swaps the source metadata for Metadata and ContentType.
	// Otherwise the source metadata is copied as is.
	ReplaceMetadata bool
	Metadata        map[string]string
	ContentType     string

	// IfMatch requires the source ETag to equal this value.
	IfMatch string
}

// Store is a single bucket.
type Store interface {
	Bucket() string
	Put(ctx context.Context, key string, body []byte, opts PutOptions) error
	Get(ctx context.Context, key string) ([]byte, ObjectInfo, error)
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// List returns up to limit objects under prefix in ascending key order.
	// limit <= 0 lists everything.
	List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error)

	Copy(ctx context.Context, src, dst string, opts CopyOptions) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// CloneMetadata returns a copy of m that callers may modify.
func CloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
