package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	logx "livecast/pkg/logx"
)

// FileStore keeps the slot as a single JSON document.
//
// Files:
//   - <path>      (current record)
//   - <path>.tmp  (in-flight write, renamed over <path>)
type FileStore struct {
	fs   afero.Fs
	path string
	log  logx.Logger

	mu     sync.Mutex
	closed bool
}

// NewFileStore opens a file store on fsys. A nil fsys means the OS filesystem.
func NewFileStore(fsys afero.Fs, path string, log logx.Logger) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// A leftover tmp file is an interrupted write; the previous document still stands.
	_ = fsys.Remove(path + ".tmp")

	return &FileStore{fs: fsys, path: path, log: log}, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Save(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeRecord(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tmp := s.path + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return err
	}
	s.log.Debug("schedule document written", logx.String("path", s.path), logx.Int("bytes", len(b)))
	return nil
}

func (s *FileStore) Load(ctx context.Context) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}

	b, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return decodeRecord(b)
}

func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.fs.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
