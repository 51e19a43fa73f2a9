/*
 * Spill storage for blob content awaiting emission
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var errNotFound = errors.New("spill: no such key")

// SpillStore is durable key to bytes storage. Get reports a missing key
// with errNotFound. The content store is its only user and calls it from
// the pipeline goroutine.
type SpillStore interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Close() error
}

/*
 * Filesystem backend. Keys are spread over two levels of directories so
 * no single directory gets huge, and content is zstd-compressed.
 */

type dirStore struct {
	root     string
	ownsRoot bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// newDirStore spills under root, or under a fresh temporary directory
// removed on Close when root is empty.
func newDirStore(root string) (*dirStore, error) {
	ds := new(dirStore)
	if root == "" {
		dir, err := os.MkdirTemp("", fmt.Sprintf(".tfsx%d-", os.Getpid()))
		if err != nil {
			return nil, err
		}
		ds.root = dir
		ds.ownsRoot = true
	} else {
		if err := os.MkdirAll(root, userReadWriteSearchMode); err != nil {
			return nil, err
		}
		ds.root = root
	}
	var err error
	ds.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("spill: zstd encoder: %v", err)
	}
	ds.decoder, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("spill: zstd decoder: %v", err)
	}
	logit(logSTORE, "spilling blobs to %s", ds.root)
	return ds, nil
}

func (ds *dirStore) filename(key string) string {
	stem := key
	if len(stem) < 9 {
		stem = strings.Repeat("0", 9-len(stem)) + stem
	}
	return filepath.Join(ds.root, stem[0:3], stem[3:6], stem)
}

func (ds *dirStore) Put(key string, data []byte) error {
	name := ds.filename(key)
	if err := os.MkdirAll(filepath.Dir(name), userReadWriteSearchMode); err != nil {
		return err
	}
	return os.WriteFile(name, ds.encoder.EncodeAll(data, nil), userReadWriteMode)
}

func (ds *dirStore) Get(key string) ([]byte, error) {
	compressed, err := os.ReadFile(ds.filename(key))
	if os.IsNotExist(err) {
		return nil, errNotFound
	} else if err != nil {
		return nil, err
	}
	if len(compressed) == 0 {
		// The encoder writes nothing at all for empty content.
		return []byte{}, nil
	}
	data, err := ds.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("spill: zstd decompress %s: %w", key, err)
	}
	return data, nil
}

func (ds *dirStore) Delete(key string) error {
	err := os.Remove(ds.filename(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (ds *dirStore) Close() error {
	ds.decoder.Close()
	if ds.ownsRoot {
		return os.RemoveAll(ds.root)
	}
	return nil
}

/*
 * S3 backend, for runs whose pending content will not fit on local disk.
 */

// S3Config locates the bucket blobs are spilled to.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"ssl"`
}

type s3Store struct {
	client *minio.Client
	bucket string
	prefix string
	ctx    context.Context
}

func newS3Store(ctx context.Context, cfg S3Config) (*s3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("spill: s3 endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("spill: s3 access key and secret key are required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("spill: s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("spill: init s3 client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("spill: probing bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, fmt.Errorf("spill: creating bucket %s: %w", cfg.Bucket, err)
		}
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = fmt.Sprintf("tfsexport-%d", os.Getpid())
	}
	logit(logSTORE, "spilling blobs to s3://%s/%s", cfg.Bucket, prefix)
	return &s3Store{client: client, bucket: cfg.Bucket, prefix: prefix, ctx: ctx}, nil
}

func (s *s3Store) objectKey(key string) string {
	return s.prefix + "/" + key
}

func (s *s3Store) Put(key string, data []byte) error {
	_, err := s.client.PutObject(s.ctx, s.bucket, s.objectKey(key), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}

func (s *s3Store) Get(key string) ([]byte, error) {
	obj, err := s.client.GetObject(s.ctx, s.bucket, s.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, errNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *s3Store) Delete(key string) error {
	return s.client.RemoveObject(s.ctx, s.bucket, s.objectKey(key), minio.RemoveObjectOptions{})
}

func (s *s3Store) Close() error { return nil }

/*
 * In-memory backend, used by tests and by dry runs.
 */

type memStore struct {
	sync.Mutex
	m map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{m: make(map[string][]byte)}
}

func (ms *memStore) Put(key string, data []byte) error {
	ms.Lock()
	defer ms.Unlock()
	ms.m[key] = append([]byte(nil), data...)
	return nil
}

func (ms *memStore) Get(key string) ([]byte, error) {
	ms.Lock()
	defer ms.Unlock()
	data, ok := ms.m[key]
	if !ok {
		return nil, errNotFound
	}
	return data, nil
}

func (ms *memStore) Delete(key string) error {
	ms.Lock()
	defer ms.Unlock()
	delete(ms.m, key)
	return nil
}

func (ms *memStore) Close() error { return nil }

func (ms *memStore) Len() int {
	ms.Lock()
	defer ms.Unlock()
	return len(ms.m)
}

/*
 * Read cache. Blobs are usually emitted right after they are interned,
 * so a modest LRU in front of the backend saves most round trips.
 */

type cachedStore struct {
	backend SpillStore
	cache   *lru.Cache[string, []byte]
}

func newCachedStore(backend SpillStore, entries int) (SpillStore, error) {
	if entries <= 0 {
		return backend, nil
	}
	cache, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, err
	}
	return &cachedStore{backend: backend, cache: cache}, nil
}

func (cs *cachedStore) Put(key string, data []byte) error {
	if err := cs.backend.Put(key, data); err != nil {
		return err
	}
	cs.cache.Add(key, data)
	return nil
}

func (cs *cachedStore) Get(key string) ([]byte, error) {
	if data, ok := cs.cache.Get(key); ok {
		return data, nil
	}
	data, err := cs.backend.Get(key)
	if err != nil {
		return nil, err
	}
	cs.cache.Add(key, data)
	return data, nil
}

func (cs *cachedStore) Delete(key string) error {
	cs.cache.Remove(key)
	return cs.backend.Delete(key)
}

func (cs *cachedStore) Close() error {
	cs.cache.Purge()
	return cs.backend.Close()
}
