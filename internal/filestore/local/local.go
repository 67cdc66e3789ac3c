package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/saashqdev/delightful-sub003/internal/filestore"
	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
)

// StoreConfig is the configuration of the local file store.
type StoreConfig struct {
	// RootDir is the directory where objects are stored.
	RootDir string
	// Bucket is the name reported on issued credentials.
	Bucket string
	Now    func() time.Time
	Logger log.Logger
}

func (c *StoreConfig) defaults() error {
	if c.RootDir == "" {
		return fmt.Errorf("root dir is required")
	}
	if c.Bucket == "" {
		c.Bucket = "local"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "filestore.Local"})
	return nil
}

// Store is a filestore.Service backed by a local directory.
type Store struct {
	root   string
	bucket string
	now    func() time.Time
	logger log.Logger
}

var _ filestore.Service = &Store{}

// NewStore returns a new local file store, creating the root directory if needed.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create root dir: %w", err)
	}

	return &Store{
		root:   cfg.RootDir,
		bucket: cfg.Bucket,
		now:    cfg.Now,
		logger: cfg.Logger,
	}, nil
}

func (s *Store) Stat(ctx context.Context, key string) (*model.ObjectInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("object %q: %w", key, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not stat object: %w", err)
	}

	return &model.ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime().UTC()}, nil
}

// Put writes the object atomically, replacing any previous content.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) (*model.ObjectInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("could not create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return nil, fmt.Errorf("could not create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("could not write object: %w", err)
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		return nil, fmt.Errorf("could not store object: %w", err)
	}

	s.logger.Debugf("Stored object %s (%d bytes)", key, n)
	return &model.ObjectInfo{Key: key, Size: n, ModTime: s.now().UTC()}, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("object %q: %w", key, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not open object: %w", err)
	}

	return f, nil
}

func (s *Store) Copy(ctx context.Context, srcKey, dstKey string) error {
	src, err := s.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	defer src.Close()

	if _, err := s.Put(ctx, dstKey, src); err != nil {
		return fmt.Errorf("could not copy %q to %q: %w", srcKey, dstKey, err)
	}

	return nil
}

// Delete removes the object. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("could not delete object: %w", err)
	}

	return nil
}

func (s *Store) IssueCredential(ctx context.Context, prefix string, ttl time.Duration) (*model.UploadCredential, error) {
	if _, err := s.path(prefix); err != nil {
		return nil, err
	}

	return &model.UploadCredential{
		Bucket:    s.bucket,
		Prefix:    strings.TrimPrefix(path.Clean("/"+prefix), "/"),
		Token:     ulid.Make().String(),
		ExpiresAt: s.now().Add(ttl).UTC(),
	}, nil
}

// path maps an object key to a path under the root, rejecting keys that escape it.
func (s *Store) path(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key is required: %w", model.ErrNotValid)
	}

	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q: %w", key, model.ErrNotValid)
	}

	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}
