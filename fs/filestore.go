package fs

import (
	"context"
	"path/filepath"

	"github.com/sharedcode/fabric"
)

// FileStore persists committed uploads as plain files under a base folder.
// No caching is built in because transferred files are huge; caller code can
// apply caching on top of it.
type FileStore struct {
	basePath string
	fileIO   FileIO
}

// NewFileStore creates a folder-backed store rooted at basePath. If fileIO is
// nil a default with transient-error retry is used.
func NewFileStore(basePath string, fileIO FileIO) fabric.FileStore {
	if fileIO == nil {
		fileIO = NewFileIO()
	}
	return &FileStore{
		basePath: basePath,
		fileIO:   fileIO,
	}
}

func (s *FileStore) fullPath(relativePath string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(relativePath))
}

func (s *FileStore) Store(ctx context.Context, relativePath string, data []byte) error {
	return s.fileIO.WriteFile(ctx, s.fullPath(relativePath), data, 0o644)
}

func (s *FileStore) Fetch(ctx context.Context, relativePath string) ([]byte, error) {
	return s.fileIO.ReadFile(ctx, s.fullPath(relativePath))
}

func (s *FileStore) Remove(ctx context.Context, relativePath string) error {
	fp := s.fullPath(relativePath)
	if !s.fileIO.Exists(ctx, fp) {
		return nil
	}
	return s.fileIO.Remove(ctx, fp)
}

func (s *FileStore) Exists(ctx context.Context, relativePath string) bool {
	return s.fileIO.Exists(ctx, s.fullPath(relativePath))
}
