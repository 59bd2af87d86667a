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

const backupTimeFormat = "20060102-150405.000"

// RotatingWriter appends to a log file and moves it aside once it would
// exceed maxSize. Rotated files are optionally gzipped and removed after
// maxAge days.
type RotatingWriter struct {
	mu       sync.Mutex
	filename string
	maxSize  int64 // bytes
	maxAge   int   // days
	compress bool

	file *os.File
	size int64

	// background compressions and cleanups; Close waits for them
	pending sync.WaitGroup
	now     func() time.Time
}

// NewRotatingWriter opens filename for appending, creating its directory
func NewRotatingWriter(filename string, maxSizeMB int, maxAge int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		maxAge:   maxAge,
		compress: compress,
		now:      time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}

	w.background(w.cleanup)
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) background(fn func()) {
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		fn()
	}()
}

// Write appends p, rotating first when p would push the file past maxSize.
// A single write is never split across files.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file and waits for background compression and cleanup
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.pending.Wait()
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	rotated := w.backupName()
	if err := os.Rename(w.filename, rotated); err != nil {
		return err
	}
	if w.compress {
		w.background(func() { _ = compressFile(rotated) })
	}
	w.background(w.cleanup)

	return w.open()
}

// backupName returns an unused name for the file being rotated out
func (w *RotatingWriter) backupName() string {
	base := w.filename + "." + w.now().Format(backupTimeFormat)
	name := base
	for i := 1; ; i++ {
		_, errPlain := os.Stat(name)
		_, errGz := os.Stat(name + ".gz")
		if os.IsNotExist(errPlain) && os.IsNotExist(errGz) {
			return name
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
}

// compressFile gzips filename to filename.gz and removes the original
func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		dst.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(filename)
}

type backup struct {
	path    string
	modTime time.Time
}

// backups lists rotated files, oldest first
func (w *RotatingWriter) backups() []backup {
	matches, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return nil
	}

	var out []backup
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		out = append(out, backup{path: path, modTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].modTime.Before(out[j].modTime)
	})
	return out
}

// cleanup removes backups older than maxAge days
func (w *RotatingWriter) cleanup() {
	if w.maxAge <= 0 {
		return
	}

	cutoff := w.now().AddDate(0, 0, -w.maxAge)
	for _, b := range w.backups() {
		if !b.modTime.Before(cutoff) {
			break
		}
		os.Remove(b.path)
		if !strings.HasSuffix(b.path, ".gz") {
			os.Remove(b.path + ".gz")
		}
	}
}
