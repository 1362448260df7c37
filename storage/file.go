package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/confidential-executor/interfaces"
)

// FileBackend implements a storage backend using the local file system.
// Fetch only serves files below the base directory.
type FileBackend struct {
	blobLimit

	baseDir string
	log     *slog.Logger
}

// NewFileBackend creates a file backend rooted at baseDir, creating it if needed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("invalid base directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileBackend{baseDir: abs, log: log}, nil
}

func (b *FileBackend) Fetch(_ context.Context, loc interfaces.BlobLocation) ([]byte, error) {
	if loc.Scheme != "file" {
		return nil, fmt.Errorf("%w: %s is not a file locator", interfaces.ErrInvalidLocator, loc)
	}

	filePath := filepath.Clean(loc.Path)
	rel, err := filepath.Rel(b.baseDir, filePath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s is outside %s", interfaces.ErrInvalidLocator, filePath, b.baseDir)
	}

	f, err := os.Open(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, loc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	data, err := b.readAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched content from file", slog.String("path", filePath), slog.Int("size", len(data)))
	return data, nil
}

// Store writes data below the base directory, named by its SHA-256.
func (b *FileBackend) Store(_ context.Context, data []byte) (interfaces.BlobLocation, error) {
	filePath := filepath.Join(b.baseDir, objectKey("", data))
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return interfaces.BlobLocation{}, fmt.Errorf("failed to write file: %w", err)
	}

	b.log.Debug("Stored content in file", slog.String("path", filePath))
	return interfaces.ParseBlobLocation("file://" + filePath)
}

// Available checks if the file backend is accessible by verifying the base directory exists.
func (b *FileBackend) Available(context.Context) bool {
	_, err := os.Stat(b.baseDir)
	return err == nil
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return "file-" + filepath.Base(b.baseDir)
}

func (b *FileBackend) Scheme() string {
	return "file"
}
