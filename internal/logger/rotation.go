package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultLogFile is used when a rotating writer is requested without a path.
const DefaultLogFile = "teraproxy.log"

// RotatingWriter is an io.WriteCloser that rolls its file over by size or age.
// Rolled files get a timestamp suffix and are optionally gzipped; only the
// newest maxBackups are kept.
type RotatingWriter struct {
	filename   string
	maxSize    int64
	maxAge     time.Duration
	maxBackups int
	compress   bool

	mu         sync.Mutex
	file       *os.File
	size       int64
	lastRotate time.Time
	now        func() time.Time
}

// NewRotatingWriter opens (or creates) filename for appending.
func NewRotatingWriter(filename string, maxSize int64, maxAge time.Duration, maxBackups int, compress bool) (*RotatingWriter, error) {
	if filename == "" {
		filename = DefaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	return &RotatingWriter{
		filename:   filename,
		maxSize:    maxSize,
		maxAge:     maxAge,
		maxBackups: maxBackups,
		compress:   compress,
		file:       file,
		size:       stat.Size(),
		lastRotate: time.Now(),
		now:        time.Now,
	}, nil
}

func newRotatingWriterFromConfig(filename string, rc *RotationConfig) (*RotatingWriter, error) {
	maxSize, err := parseSize(rc.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("parse max size: %w", err)
	}
	maxAge, err := parseDuration(rc.MaxAge)
	if err != nil {
		return nil, fmt.Errorf("parse max age: %w", err)
	}
	return NewRotatingWriter(filename, maxSize, maxAge, rc.MaxBackups, rc.Compress)
}

// Write implements io.Writer
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.needsRotation(int64(len(p))) {
		if err := rw.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close implements io.Closer
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

// needsRotation reports whether writing next more bytes would cross a limit.
// An empty file is never rotated for size.
func (rw *RotatingWriter) needsRotation(next int64) bool {
	if rw.maxSize > 0 && rw.size > 0 && rw.size+next > rw.maxSize {
		return true
	}
	return rw.maxAge > 0 && rw.now().Sub(rw.lastRotate) >= rw.maxAge
}

func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("close current file: %w", err)
	}

	rotated := fmt.Sprintf("%s.%s", rw.filename, rw.now().Format("2006-01-02-15-04-05.000"))
	if err := os.Rename(rw.filename, rotated); err != nil {
		return fmt.Errorf("rename log file: %w", err)
	}

	// Compression and cleanup failures must not lose the live log.
	if rw.compress {
		if err := gzipFile(rotated); err != nil {
			fmt.Fprintf(os.Stderr, "logger: compress %s: %v\n", rotated, err)
		}
	}
	if err := rw.pruneBackups(); err != nil {
		fmt.Fprintf(os.Stderr, "logger: prune backups: %v\n", err)
	}

	file, err := os.OpenFile(rw.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create new log file: %w", err)
	}
	rw.file = file
	rw.size = 0
	rw.lastRotate = rw.now()
	return nil
}

// gzipFile replaces name with name.gz.
func gzipFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	_ = src.Close()
	return os.Remove(name)
}

type backupFile struct {
	name    string
	modTime time.Time
}

func (rw *RotatingWriter) pruneBackups() error {
	if rw.maxBackups <= 0 {
		return nil
	}
	dir := filepath.Dir(rw.filename)
	prefix := filepath.Base(rw.filename) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read log directory: %w", err)
	}

	var backups []backupFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backupFile{name: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	if len(backups) <= rw.maxBackups {
		return nil
	}

	// Oldest first; names carry the timestamp so they break mtime ties.
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].modTime.Equal(backups[j].modTime) {
			return backups[i].name < backups[j].name
		}
		return backups[i].modTime.Before(backups[j].modTime)
	})
	for _, b := range backups[:len(backups)-rw.maxBackups] {
		if err := os.Remove(b.name); err != nil {
			fmt.Fprintf(os.Stderr, "logger: remove %s: %v\n", b.name, err)
		}
	}
	return nil
}
