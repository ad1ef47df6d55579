package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrFileClosed is returned by DailyFile.Write after Close.
var ErrFileClosed = errors.New("log file closed")

// DailyFile is an io.Writer appending to {service}_{date}.log in a directory.
// The first write on a new day switches to that day's file. Safe for
// concurrent use.
type DailyFile struct {
	service string
	dir     string
	now     func() time.Time

	mu     sync.Mutex
	file   *os.File
	date   string
	closed bool
}

// NewDailyFile opens today's log file in dir. The directory must exist.
//
// Parameters:
//   - service: Service name used in log file names
//   - dir: Directory path for log files
//
// Returns:
//   - The DailyFile, or an error if the file could not be opened
func NewDailyFile(service string, dir string) (*DailyFile, error) {
	f := &DailyFile{service: service, dir: dir, now: time.Now}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.openLocked(f.now().Format(time.DateOnly)); err != nil {
		return nil, err
	}

	return f, nil
}

// Write implements io.Writer.
func (f *DailyFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrFileClosed
	}

	if date := f.now().Format(time.DateOnly); date != f.date {
		if err := f.openLocked(date); err != nil {
			return 0, err
		}
	}

	return f.file.Write(p)
}

// Path returns the file currently written to.
func (f *DailyFile) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pathFor(f.date)
}

// Close closes the current file. Later writes fail with ErrFileClosed.
func (f *DailyFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}

	f.closed = true
	if f.file == nil {
		return nil
	}

	err := f.file.Close()
	f.file = nil
	return err
}

// openLocked switches to the file for date; caller must hold f.mu.
func (f *DailyFile) openLocked(date string) error {
	name := f.pathFor(date)
	file, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", name, err)
	}

	if f.file != nil {
		_ = f.file.Close()
	}

	f.file = file
	f.date = date
	return nil
}

func (f *DailyFile) pathFor(date string) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s_%s.log", f.service, date))
}
