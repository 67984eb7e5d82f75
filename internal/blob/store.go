// Package blob stores file message payloads on disk, named by the
// message_id the state repository assigned the transfer (spec.md §3: a
// FileBlob is keyed by its owning message, not by an opaque upload id).
package blob

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Store writes and reads file payloads under a root directory, one file
// per message id.
type Store struct {
	rootDir string
}

// NewStore creates a blob store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	slog.Debug("blob store initialized", "dir", dir)
	return &Store{rootDir: dir}, nil
}

func (s *Store) path(messageID int64) string {
	return filepath.Join(s.rootDir, strconv.FormatInt(messageID, 10))
}

// Put writes the full contents of r to the blob keyed by messageID,
// via a temp-file-then-rename so a reader never observes a partial
// write. Returns the number of bytes written.
func (s *Store) Put(messageID int64, r io.Reader) (int64, error) {
	tempFile, err := os.CreateTemp(s.rootDir, ".blob-write-*")
	if err != nil {
		return 0, fmt.Errorf("create temp blob file: %w", err)
	}
	tempPath := tempFile.Name()

	size, copyErr := io.Copy(tempFile, r)
	closeErr := tempFile.Close()
	if copyErr != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("write blob bytes: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("close blob file: %w", closeErr)
	}

	finalPath := s.path(messageID)
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("move blob into place: %w", err)
	}

	slog.Info("blob stored", "message_id", messageID, "size", size)
	return size, nil
}

// Open opens the blob keyed by messageID for reading. Callers must Close
// the returned file.
func (s *Store) Open(messageID int64) (*os.File, error) {
	f, err := os.Open(s.path(messageID))
	if err != nil {
		return nil, fmt.Errorf("open blob file: %w", err)
	}
	return f, nil
}

// Remove deletes the blob keyed by messageID, if present. A missing file
// is not an error: a message may have never carried a file payload.
func (s *Store) Remove(messageID int64) error {
	err := os.Remove(s.path(messageID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob file: %w", err)
	}
	return nil
}
