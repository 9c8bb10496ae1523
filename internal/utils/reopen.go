package utils

import (
	"os"
	"sync"
)

// ReopenWriter is an io.Writer backed by a file that can be closed and
// re-opened in place, so an external log rotation can move the file away
// and a SIGHUP makes the daemon pick up a fresh one.
type ReopenWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func NewReopenWriter(path string) (*ReopenWriter, error) {
	w := &ReopenWriter{path: path}
	if err := w.Reopen(); err != nil {
		return nil, err
	}
	return w, nil
}

// Reopen closes the current file (if any) and opens the path again in
// append mode. Safe to call concurrently with Write.
func (w *ReopenWriter) Reopen() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if w.file != nil {
		w.file.Close()
	}
	w.file = file
	return nil
}

func (w *ReopenWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Write(p)
}

func (w *ReopenWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
