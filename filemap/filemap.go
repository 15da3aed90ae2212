// Package filemap wraps read-only memory mapping of the header/index/cache
// files and bounded retry writes. Readers mmap the file and
// get a stable (base []byte) view; the mapping is refreshed whenever a lock
// acquisition discovers the file's inode changed underneath it. Writes are
// performed as bounded retry loops over short writes, with a mandatory
// fsync on every commit of index or cache.
package filemap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Map is a read-only view of a memory-mapped file.
type Map struct {
	data []byte
}

// Open maps the full contents of f (which must be open for reading) into
// memory. An empty file yields a zero-length, non-nil Map.
func Open(f *os.File) (*Map, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("filemap: stat: %w", err)
	}
	size := fi.Size()
	if size == 0 {
		return &Map{data: []byte{}}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("filemap: mmap: %w", err)
	}
	return &Map{data: data}, nil
}

// Bytes returns the mapped region. The slice is only valid until Close.
func (m *Map) Bytes() []byte {
	return m.data
}

// Len returns the mapped length.
func (m *Map) Len() int {
	return len(m.data)
}

// Close unmaps the region. Safe to call on a zero-length Map.
func (m *Map) Close() error {
	if len(m.data) == 0 {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// MaxWriteRetries bounds the retry-write loop below.
const MaxWriteRetries = 16

// RetryWrite writes all of buf to f at the file's current offset, retrying
// on short writes up to MaxWriteRetries times rather than treating one as
// fatal.
func RetryWrite(f *os.File, buf []byte) (int, error) {
	total := 0
	for attempt := 0; total < len(buf); attempt++ {
		if attempt >= MaxWriteRetries {
			return total, fmt.Errorf("filemap: retry_write: exceeded %d attempts after writing %d/%d bytes", MaxWriteRetries, total, len(buf))
		}
		n, err := f.Write(buf[total:])
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, fmt.Errorf("filemap: retry_write: %w", err)
		}
	}
	return total, nil
}

// WriteAtRetry writes buf to f at the given offset, retrying short writes.
func WriteAtRetry(f *os.File, buf []byte, offset int64) (int, error) {
	total := 0
	for attempt := 0; total < len(buf); attempt++ {
		if attempt >= MaxWriteRetries {
			return total, fmt.Errorf("filemap: retry_write: exceeded %d attempts after writing %d/%d bytes", MaxWriteRetries, total, len(buf))
		}
		n, err := f.WriteAt(buf[total:], offset+int64(total))
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, fmt.Errorf("filemap: retry_write: %w", err)
		}
	}
	return total, nil
}

// Fsync is a thin, named wrapper so callers document at each call site that
// a commit-critical fsync is happening here: fsync is mandatory on every
// commit of index or cache.
func Fsync(f *os.File) error {
	return f.Sync()
}
