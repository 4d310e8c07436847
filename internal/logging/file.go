package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// FileConfig configures a log sink.
type FileConfig struct {
	Path     string    // log file; empty writes to Stdout
	MaxBytes string    // rotate when the file reaches this size, e.g. "50MB"; "0" disables
	Backups  int       // rotated files to keep
	Tail     int       // bytes of recent output kept in memory; default 64KB
	Stdout   io.Writer // used when Path is empty; defaults to os.Stdout
}

// File is a log sink that appends to a file, rotating it by size, and
// keeps the most recent output in memory so it can be served back.
type File struct {
	mu   sync.Mutex
	cfg  FileConfig
	file *os.File
	out  io.Writer
	tail *tail
}

// OpenFile opens the sink described by cfg. An existing file that is
// already over the size limit is rotated first.
func OpenFile(cfg FileConfig) (*File, error) {
	if cfg.MaxBytes == "" {
		cfg.MaxBytes = "50MB"
	}
	if cfg.Tail <= 0 {
		cfg.Tail = 64 * 1024
	}
	f := &File{cfg: cfg, tail: newTail(cfg.Tail)}

	if cfg.Path == "" {
		f.out = cfg.Stdout
		if f.out == nil {
			f.out = os.Stdout
		}
		return f, nil
	}

	if err := RotateIfNeeded(cfg.Path, RotationConfig{Maxbytes: cfg.MaxBytes, Backups: cfg.Backups}); err != nil {
		return nil, fmt.Errorf("cannot rotate log file: %s: %w", cfg.Path, err)
	}
	fh, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file: %s: %w", cfg.Path, err)
	}
	f.file = fh
	f.out = fh
	return f, nil
}

// Write implements io.Writer.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tail.write(p)
	if f.out == nil {
		return len(p), nil
	}
	n, err := f.out.Write(p)
	if err != nil {
		return n, err
	}
	f.rotateIfNeeded()
	return n, nil
}

// Tail returns up to the last n bytes written.
func (f *File) Tail(n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tail.read(n)
}

// Reopen closes and reopens the log file, for external rotation tools.
func (f *File) Reopen() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	f.file.Close()
	fh, err := os.OpenFile(f.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		f.file, f.out = nil, nil
		return fmt.Errorf("cannot reopen log file: %s: %w", f.cfg.Path, err)
	}
	f.file, f.out = fh, fh
	return nil
}

// Close closes the log file if one is open.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file, f.out = nil, nil
	return err
}

// rotateIfNeeded must be called with mu held.
func (f *File) rotateIfNeeded() {
	if f.file == nil {
		return
	}
	max := ParseSize(f.cfg.MaxBytes)
	if max == 0 {
		return
	}
	info, err := f.file.Stat()
	if err != nil || info.Size() < max {
		return
	}
	f.file.Close()
	_ = rotateFile(f.cfg.Path, f.cfg.Backups)
	fh, err := os.OpenFile(f.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		f.file, f.out = nil, nil
		return
	}
	f.file, f.out = fh, fh
}

// tail is a fixed-size circular byte buffer.
type tail struct {
	buf  []byte
	pos  int
	full bool
}

func newTail(size int) *tail { return &tail{buf: make([]byte, size)} }

func (t *tail) write(p []byte) {
	size := len(t.buf)
	if len(p) >= size {
		copy(t.buf, p[len(p)-size:])
		t.pos, t.full = 0, true
		return
	}
	n := copy(t.buf[t.pos:], p)
	if n < len(p) {
		copy(t.buf, p[n:])
		t.full = true
	}
	t.pos = (t.pos + len(p)) % size
	if t.pos == 0 {
		t.full = true
	}
}

func (t *tail) read(n int) []byte {
	avail := t.pos
	if t.full {
		avail = len(t.buf)
	}
	if n <= 0 || n > avail {
		n = avail
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	start := t.pos - n
	if start < 0 {
		start += len(t.buf)
	}
	k := copy(out, t.buf[start:])
	if k < n {
		copy(out[k:], t.buf[:t.pos])
	}
	return out
}
