package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/trackserver/trackserver/config"
)

// FilesystemClient stores objects as files below a root directory.
type FilesystemClient struct {
	root string
}

// NewFilesystemClient constructs a local-disk backend from config.
func NewFilesystemClient(cfg config.FilesystemConfig) (*FilesystemClient, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("filesystem root is required")
	}
	return &FilesystemClient{root: filepath.Join(cfg.Root, "trackserver")}, nil
}

func (f *FilesystemClient) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", errors.New("empty object key")
	}
	return filepath.Join(f.root, filepath.FromSlash(clean)), nil
}

// EnsureBucket creates the root directory.
func (f *FilesystemClient) EnsureBucket(ctx context.Context) error {
	return os.MkdirAll(f.root, 0o750)
}

// Put writes the object through a temporary file so readers never see a partial object.
func (f *FilesystemClient) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (f *FilesystemClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	return file, err
}

func (f *FilesystemClient) Delete(ctx context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Bucket returns the root directory.
func (f *FilesystemClient) Bucket() string {
	return f.root
}

// ExpireStaging removes files below prefix that were last written more than
// days ago. The filesystem has no lifecycle rules, so this runs at startup.
func (f *FilesystemClient) ExpireStaging(ctx context.Context, prefix string, days int) error {
	dir, err := f.path(prefix)
	if err != nil {
		return err
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return ctx.Err()
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
