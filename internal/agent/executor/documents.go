package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// FileDocuments is a DocumentHost backed by the local filesystem. Scripts
// edit documents in place, so saving in place is a no-op and save-as copies
// the file.
type FileDocuments struct {
	logger zerolog.Logger

	mu   sync.Mutex
	open map[string]bool // path -> read-only
}

// NewFileDocuments creates a filesystem document host.
func NewFileDocuments(logger zerolog.Logger) *FileDocuments {
	return &FileDocuments{
		logger: logger.With().Str("component", "documents").Logger(),
		open:   make(map[string]bool),
	}
}

// Open verifies that path is a regular file and marks it open.
func (d *FileDocuments) Open(ctx context.Context, path string, readOnly bool) error {
	if path == "" {
		return fmt.Errorf("document path is required")
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to open document: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("failed to open document: %s is not a regular file", path)
	}

	d.mu.Lock()
	d.open[path] = readOnly
	d.mu.Unlock()

	d.logger.Debug().Str("path", path).Bool("read_only", readOnly).Msg("Document opened")
	return nil
}

// Close marks path closed, copying it to opts.SaveAsPath when requested.
func (d *FileDocuments) Close(ctx context.Context, path string, opts CloseOptions) (string, error) {
	d.mu.Lock()
	readOnly, ok := d.open[path]
	delete(d.open, path)
	d.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDocumentNotOpen, path)
	}

	if !opts.Save {
		return "", nil
	}

	if opts.SaveAsPath == "" || opts.SaveAsPath == path {
		if readOnly {
			return "", fmt.Errorf("document %s is read-only", path)
		}
		return path, nil
	}

	if err := copyFile(path, opts.SaveAsPath); err != nil {
		return "", fmt.Errorf("failed to save document as %s: %w", opts.SaveAsPath, err)
	}

	d.logger.Debug().Str("path", path).Str("saved_path", opts.SaveAsPath).Msg("Document saved")
	return opts.SaveAsPath, nil
}

// IsOpen reports whether path is currently open.
func (d *FileDocuments) IsOpen(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.open[path]
	return ok
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
