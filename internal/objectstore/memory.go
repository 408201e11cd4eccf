package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	body        []byte
	etag        string
	contentType string
	modified    time.Time
	metadata    map[string]string
}

// MemoryStore is an in-process Store with S3 semantics for conditional
// writes and metadata-replacing copies.
type MemoryStore struct {
	bucket string

	mu      sync.Mutex
	objects map[string]*memObject

	// Now stamps LastModified. Defaults to time.Now.
	Now func() time.Time

	// Fail, when set, is consulted before every operation; a non-nil
	// return is passed back to the caller.
	Fail func(op, key string) error
}

// NewMemoryStore returns an empty bucket.
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{
		bucket:  bucket,
		objects: make(map[string]*memObject),
		Now:     time.Now,
	}
}

func (s *MemoryStore) Bucket() string { return s.bucket }

func (s *MemoryStore) check(ctx context.Context, op, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Fail != nil {
		if err := s.Fail(op, key); err != nil {
			return fmt.Errorf("memory %s %s: %w", op, key, err)
		}
	}
	return nil
}

func (s *MemoryStore) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func etagOf(body []byte) string {
	sum := md5.Sum(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (s *MemoryStore) Put(ctx context.Context, key string, body []byte, opts PutOptions) error {
	if err := s.check(ctx, "put", key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.objects[key]
	if exists && opts.IfAbsent {
		return fmt.Errorf("memory put %s: %w", key, ErrPreconditionFailed)
	}
	if opts.IfMatch != "" {
		if !exists {
			return fmt.Errorf("memory put %s: %w", key, ErrNotFound)
		}
		if existing.etag != opts.IfMatch {
			return fmt.Errorf("memory put %s: %w", key, ErrPreconditionFailed)
		}
	}
	s.objects[key] = &memObject{
		body:        append([]byte(nil), body...),
		etag:        etagOf(body),
		contentType: opts.ContentType,
		modified:    s.now(),
		metadata:    CloneMetadata(opts.Metadata),
	}
	return nil
}

func (o *memObject) info(key string) ObjectInfo {
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(o.body)),
		ETag:         o.etag,
		ContentType:  o.contentType,
		LastModified: o.modified,
		Metadata:     CloneMetadata(o.metadata),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	if err := s.check(ctx, "get", key); err != nil {
		return nil, ObjectInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("memory get %s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), obj.body...), obj.info(key), nil
}

func (s *MemoryStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	if err := s.check(ctx, "head", key); err != nil {
		return ObjectInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("memory head %s: %w", key, ErrNotFound)
	}
	return obj.info(key), nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error) {
	if err := s.check(ctx, "list", prefix); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]ObjectInfo, len(keys))
	for i, k := range keys {
		info := s.objects[k].info(k)
		info.Metadata = nil
		out[i] = info
	}
	return out, nil
}

func (s *MemoryStore) Copy(ctx context.Context, src, dst string, opts CopyOptions) error {
	if err := s.check(ctx, "copy", src); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[src]
	if !ok {
		return fmt.Errorf("memory copy %s: %w", src, ErrNotFound)
	}
	if opts.IfMatch != "" && opts.IfMatch != obj.etag {
		return fmt.Errorf("memory copy %s: %w", src, ErrPreconditionFailed)
	}

	cp := &memObject{
		body:        obj.body,
		etag:        obj.etag,
		contentType: obj.contentType,
		modified:    s.now(),
		metadata:    CloneMetadata(obj.metadata),
	}
	if opts.ReplaceMetadata {
		cp.metadata = CloneMetadata(opts.Metadata)
		cp.contentType = opts.ContentType
	}
	s.objects[dst] = cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := s.check(ctx, "delete", key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// Keys returns every key in the bucket, sorted. For assertions.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
