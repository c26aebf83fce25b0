package contentstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"tramando/api/internal/locker"
)

const DefaultContentFile = "content.trmd"

// FileStore keeps each project's content in <root>/<projectID>/<file>. Writes
// go through a temp file and rename so readers never observe a partial blob.
type FileStore struct {
	root     string
	fileName string
	locks    *locker.Local
	cache    *lru.Cache[string, cachedContent]
}

// cachedContent is trusted only while the file still has the recorded size
// and modification time.
type cachedContent struct {
	content string
	hash    string
	size    int64
	modTime time.Time
}

type FileOption func(*fileOptions)

type fileOptions struct {
	fileName  string
	cacheSize int
}

// WithContentFile overrides the per-project file name.
func WithContentFile(name string) FileOption {
	return func(o *fileOptions) { o.fileName = name }
}

// WithCacheSize sets how many projects keep their content cached.
func WithCacheSize(n int) FileOption {
	return func(o *fileOptions) { o.cacheSize = n }
}

func NewFileStore(root string, opts ...FileOption) (*FileStore, error) {
	o := fileOptions{fileName: DefaultContentFile, cacheSize: 256}
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create content root: %w", err)
	}
	cache, err := lru.New[string, cachedContent](o.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create content cache: %w", err)
	}
	return &FileStore{
		root:     root,
		fileName: o.fileName,
		locks:    locker.NewLocal(),
		cache:    cache,
	}, nil
}

func (s *FileStore) Load(ctx context.Context, projectID string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	content, _, err := s.read(projectID)
	return content, err
}

func (s *FileStore) Save(ctx context.Context, projectID, content string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	unlock, err := s.locks.Lock(ctx, projectID)
	if err != nil {
		return "", err
	}
	defer unlock()

	return s.write(projectID, content)
}

func (s *FileStore) SaveIfMatches(ctx context.Context, projectID, content, expectedHash string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	unlock, err := s.locks.Lock(ctx, projectID)
	if err != nil {
		return "", err
	}
	defer unlock()

	_, currentHash, err := s.read(projectID)
	if err != nil {
		return "", err
	}
	if currentHash != expectedHash {
		return "", conflict(projectID, currentHash)
	}
	return s.write(projectID, content)
}

func (s *FileStore) Exists(ctx context.Context, projectID string) (bool, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return false, nil
	}
	if _, err := os.Stat(s.path(projectID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat content: %w", err)
	}
	return true, nil
}

// Delete removes the content file only; the project directory may also hold
// the version repository.
func (s *FileStore) Delete(ctx context.Context, projectID string) error {
	if err := ValidateProjectID(projectID); err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, projectID)
	if err != nil {
		return err
	}
	defer unlock()

	s.cache.Remove(projectID)
	err = os.Remove(s.path(projectID))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete content: %w", err)
	}
	return nil
}

func (s *FileStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("stat content root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("content root %s is not a directory", s.root)
	}
	return nil
}

func (s *FileStore) path(projectID string) string {
	return filepath.Join(s.root, projectID, s.fileName)
}

func (s *FileStore) read(projectID string) (string, string, error) {
	path := s.path(projectID)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", fmt.Errorf("load %s: %w", projectID, ErrNotFound)
		}
		return "", "", fmt.Errorf("stat content: %w", err)
	}

	if cached, ok := s.cache.Get(projectID); ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.content, cached.hash, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", fmt.Errorf("load %s: %w", projectID, ErrNotFound)
		}
		return "", "", fmt.Errorf("read content: %w", err)
	}
	content := string(data)
	hash := Hash(content)
	s.cache.Add(projectID, cachedContent{content: content, hash: hash, size: info.Size(), modTime: info.ModTime()})
	return content, hash, nil
}

func (s *FileStore) write(projectID, content string) (string, error) {
	dir := filepath.Join(s.root, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".content-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp content: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync temp content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp content: %w", err)
	}

	path := s.path(projectID)
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("replace content: %w", err)
	}

	hash := Hash(content)
	if info, err := os.Stat(path); err == nil {
		s.cache.Add(projectID, cachedContent{content: content, hash: hash, size: info.Size(), modTime: info.ModTime()})
	} else {
		s.cache.Remove(projectID)
	}
	return hash, nil
}
