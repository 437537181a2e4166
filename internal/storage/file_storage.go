package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ReceiptStorage writes final checkout pages to a directory so an operator
// can follow up on orders the pipeline could not classify.
type ReceiptStorage struct {
	dir string
	now func() time.Time
}

// NewReceiptStorage creates a ReceiptStorage rooted at dir.
func NewReceiptStorage(dir string) *ReceiptStorage {
	return &ReceiptStorage{dir: dir, now: time.Now}
}

// SaveReceipt stores page and returns the path it was written to.
func (s *ReceiptStorage) SaveReceipt(taskID, runnerID string, page []byte) (string, error) {
	name := fmt.Sprintf("%s_%s_%s.html", taskID, runnerID, s.now().UTC().Format("20060102T150405"))
	if err := s.WriteFile(name, page); err != nil {
		return "", fmt.Errorf("write receipt: %w", err)
	}
	return filepath.Join(s.dir, name), nil
}

// WriteFile writes data to filename inside the receipts directory.
func (s *ReceiptStorage) WriteFile(filename string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create receipts dir: %w", err)
	}
	return os.WriteFile(filepath.Join(s.dir, filepath.Base(filename)), data, 0o644)
}

// FileExists reports whether filename exists in the receipts directory.
func (s *ReceiptStorage) FileExists(filename string) bool {
	_, err := os.Stat(filepath.Join(s.dir, filepath.Base(filename)))
	return err == nil
}
