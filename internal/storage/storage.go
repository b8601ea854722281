// Package storage stores post media in a durable blob store and hands out
// public URLs the platforms can pull from.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
	"github.com/maheshrc27/postflow/internal/models"
)

// ObjectStore is implemented by R2Store and MemoryStore.
type ObjectStore interface {
	// Upload makes the object visible at the returned URL or fails; no
	// partial object is ever visible.
	Upload(ctx context.Context, r io.Reader, contentType, suggestedName string) (*Object, error)
	Download(ctx context.Context, publicURL string) (io.ReadCloser, error)
	// Delete is idempotent. Deleting a missing object is not an error.
	Delete(ctx context.Context, publicURL string) error
}

type Object struct {
	Key         string
	URL         string
	ContentType string
	Size        int64
}

var allowedTypes = map[string]struct{}{
	"mp4": {}, "mov": {}, "jpg": {}, "png": {},
}

var ErrForeignURL = errors.New("url does not belong to this store")

// staged is a sniffed upload spooled to a local temp file.
type staged struct {
	file *os.File
	kind types.Type
	size int64
}

// stage copies r into a temp file, enforcing maxSize, and sniffs its type.
// The caller must call cleanup on every path.
func stage(r io.Reader, maxSize int64) (*staged, error) {
	file, err := os.CreateTemp("", "postflow-upload-*")
	if err != nil {
		return nil, models.NewInternal(fmt.Errorf("create temp file: %w", err))
	}

	s := &staged{file: file}
	src := r
	if maxSize > 0 {
		src = io.LimitReader(r, maxSize+1)
	}
	n, err := io.Copy(file, src)
	if err != nil {
		s.cleanup()
		return nil, models.NewTransient("", fmt.Errorf("spool upload: %w", err))
	}
	if maxSize > 0 && n > maxSize {
		s.cleanup()
		return nil, models.NewInvalidRequest(fmt.Sprintf("media exceeds %d bytes", maxSize))
	}
	if n == 0 {
		s.cleanup()
		return nil, models.NewInvalidRequest("media file is empty")
	}
	s.size = n

	head := make([]byte, 262)
	m, err := file.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		s.cleanup()
		return nil, models.NewInternal(fmt.Errorf("read temp file: %w", err))
	}
	kind, err := filetype.Match(head[:m])
	if err != nil || kind == types.Unknown {
		s.cleanup()
		return nil, models.NewInvalidRequest("unsupported media type")
	}
	if _, ok := allowedTypes[kind.Extension]; !ok {
		s.cleanup()
		return nil, models.NewInvalidRequest(fmt.Sprintf("media type %s is not allowed", kind.Extension))
	}
	s.kind = kind

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		s.cleanup()
		return nil, models.NewInternal(fmt.Errorf("rewind temp file: %w", err))
	}
	return s, nil
}

func (s *staged) cleanup() {
	name := s.file.Name()
	s.file.Close()
	os.Remove(name)
}
