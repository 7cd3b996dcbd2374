package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/dev-dollar/offline-proxy/internal/fetch"
)

// leveldb 键布局：
//
//	p\x00<partition>                 分区存在标记
//	e\x00<partition>\x00<url>        gob 编码的 levelEntry
const (
	partitionPrefix = "p\x00"
	entryPrefix     = "e\x00"
)

type levelEntry struct {
	Record record
	Body   []byte
}

// NewLevelStore 在 path 下打开（或创建）leveldb 数据库作为缓存后端。
func NewLevelStore(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStore{db: db}, nil
}

type levelStore struct {
	db *leveldb.DB
	mu sync.RWMutex
}

type levelPartition struct {
	store *levelStore
	name  string
}

func (s *levelStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.db.Put([]byte(partitionPrefix+name), nil, nil); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &levelPartition{store: s, name: name}, nil
}

func (s *levelStore) Lookup(ctx context.Context, name string) (Partition, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return &levelPartition{store: s, name: name}, nil
}

func (s *levelStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}
	return s.db.Has([]byte(partitionPrefix+name), nil)
}

func (s *levelStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.db.Has([]byte(partitionPrefix+name), nil)
	if err != nil || !exists {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(partitionPrefix + name))
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("remove partition %s: %w", name, err)
	}
	return true, nil
}

func (s *levelStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(partitionPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(partitionPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStore) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	return matchAll(ctx, s, req, func(name string) (Partition, error) {
		return &levelPartition{store: s, name: name}, nil
	})
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

func (p *levelPartition) Name() string {
	return p.name
}

func (p *levelPartition) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !Cacheable(req) {
		return nil, ErrNotFound
	}
	raw, err := p.store.db.Get(p.entryKey(req.CacheKey()), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var ent levelEntry
	if err := decodeGob(raw, &ent); err != nil {
		return nil, fmt.Errorf("corrupt cache entry: %w", err)
	}
	return ent.Record.response(ent.Body), nil
}

func (p *levelPartition) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	if !Cacheable(req) || resp == nil {
		return ErrNotCacheable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key := req.CacheKey()
	raw, err := encodeGob(levelEntry{Record: newRecord(key, resp), Body: resp.Body})
	if err != nil {
		return err
	}

	p.store.mu.RLock()
	defer p.store.mu.RUnlock()

	exists, err := p.store.db.Has([]byte(partitionPrefix+p.name), nil)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("partition %s: %w", p.name, ErrNotFound)
	}
	return p.store.db.Put(p.entryKey(key), raw, nil)
}

func (p *levelPartition) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !Cacheable(req) {
		return false, nil
	}
	k := p.entryKey(req.CacheKey())
	exists, err := p.store.db.Has(k, nil)
	if err != nil || !exists {
		return false, err
	}
	if err := p.store.db.Delete(k, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (p *levelPartition) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := entryKeyPrefix(p.name)
	it := p.store.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (p *levelPartition) entryKey(key string) []byte {
	return append(entryKeyPrefix(p.name), key...)
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + "\x00")
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
