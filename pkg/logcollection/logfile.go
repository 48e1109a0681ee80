package logcollection

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// LogFile is an append-only redirect target shared by every process run of one supervisor
type LogFile struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// OpenLogFile creates parent directories as needed and opens path for appending
func OpenLogFile(path string) (*LogFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewIOError("failed to create log directory", err).WithContext("dir", dir)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.NewIOError("failed to open log file", err).WithContext("path", path)
	}

	return &LogFile{path: path, file: file}, nil
}

func (f *LogFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return 0, os.ErrClosed
	}
	return f.file.Write(p)
}

func (f *LogFile) Path() string {
	return f.path
}

func (f *LogFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	if err != nil {
		return errors.NewIOError("failed to close log file", err).WithContext("path", f.path)
	}
	return nil
}
