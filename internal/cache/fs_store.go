package cache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	sha256 "github.com/minio/sha256-simd"

	"github.com/dev-dollar/offline-proxy/internal/fetch"
)

const entrySuffix = ".entry"

// NewFileStore 以 basePath 为根目录构建磁盘缓存，每个站点一份实例。
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入；partMu 保证删除分区时
// 不会与进行中的条目读写交错。
type fileStore struct {
	basePath string

	partMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type filePartition struct {
	store *fileStore
	name  string
	dir   string
}

func (s *fileStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.partition(name)
	if err != nil {
		return nil, err
	}

	s.partMu.RLock()
	defer s.partMu.RUnlock()
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return p, nil
}

func (s *fileStore) Lookup(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.partition(name)
	if err != nil {
		return nil, err
	}
	exists, err := dirExists(p.dir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.partition(name)
	if err != nil {
		return false, err
	}
	return dirExists(p.dir)
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.partition(name)
	if err != nil {
		return false, err
	}

	s.partMu.Lock()
	defer s.partMu.Unlock()

	exists, err := dirExists(p.dir)
	if err != nil || !exists {
		return false, err
	}
	if err := os.RemoveAll(p.dir); err != nil {
		return false, fmt.Errorf("remove partition %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	return matchAll(ctx, s, req, func(name string) (Partition, error) {
		return s.partition(name)
	})
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) partition(name string) (*filePartition, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return &filePartition{
		store: s,
		name:  name,
		dir:   filepath.Join(s.basePath, name),
	}, nil
}

func (p *filePartition) Name() string {
	return p.name
}

func (p *filePartition) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !Cacheable(req) {
		return nil, ErrNotFound
	}

	p.store.partMu.RLock()
	defer p.store.partMu.RUnlock()

	f, err := os.Open(p.entryPath(req.CacheKey()))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	rec, body, err := readEntry(f)
	if err != nil {
		return nil, err
	}
	return rec.response(body), nil
}

func (p *filePartition) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	if !Cacheable(req) || resp == nil {
		return ErrNotCacheable
	}
	key := req.CacheKey()

	p.store.partMu.RLock()
	defer p.store.partMu.RUnlock()

	exists, err := dirExists(p.dir)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("partition %s: %w", p.name, ErrNotFound)
	}

	unlock := p.store.lockEntry(p.name, key)
	defer unlock()

	filePath := p.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	err = writeEntry(ctx, tempFile, newRecord(key, resp), resp.Body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (p *filePartition) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !Cacheable(req) {
		return false, nil
	}
	key := req.CacheKey()

	p.store.partMu.RLock()
	defer p.store.partMu.RUnlock()

	unlock := p.store.lockEntry(p.name, key)
	defer unlock()

	if err := os.Remove(p.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *filePartition) Keys(ctx context.Context) ([]string, error) {
	p.store.partMu.RLock()
	defer p.store.partMu.RUnlock()

	var keys []string
	err := filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entrySuffix) {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		rec, err := readRecord(bufio.NewReader(f))
		f.Close()
		if err != nil {
			return nil
		}
		keys = append(keys, rec.Key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// entryPath 以 URL 的 sha256 命名文件，前两位十六进制作为子目录，
// 避免 "/a" 与 "/a/b" 这类路径在文件系统上互相冲突。
func (p *filePartition) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(p.dir, name[:2], name+entrySuffix)
}

func (s *fileStore) lockEntry(partition, key string) func() {
	lockKey := partition + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

// 条目文件格式：第一行是 JSON 编码的 record，其后为原始正文。
func writeEntry(ctx context.Context, dst io.Writer, rec record, body []byte) error {
	meta, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	meta = append(meta, '\n')
	if _, err := dst.Write(meta); err != nil {
		return err
	}
	_, err = copyWithContext(ctx, dst, bytes.NewReader(body))
	return err
}

func readEntry(r io.Reader) (record, []byte, error) {
	br := bufio.NewReader(r)
	rec, err := readRecord(br)
	if err != nil {
		return record{}, nil, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return record{}, nil, err
	}
	return rec, body, nil
}

func readRecord(br *bufio.Reader) (record, error) {
	line, err := br.ReadBytes('\n')
	if err != nil {
		return record{}, fmt.Errorf("corrupt cache entry: %w", err)
	}
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return record{}, fmt.Errorf("corrupt cache entry: %w", err)
	}
	return rec, nil
}

func dirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

// matchAll 按 Keys 顺序逐个分区查找，供两个后端共用。
func matchAll(ctx context.Context, s Store, req *fetch.Request, open func(string) (Partition, error)) (*fetch.Response, error) {
	if !Cacheable(req) {
		return nil, ErrNotFound
	}
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		p, err := open(name)
		if err != nil {
			return nil, err
		}
		resp, err := p.Match(ctx, req)
		switch {
		case err == nil:
			return resp, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}
