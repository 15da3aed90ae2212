package filemap

import (
	"os"
	"path/filepath"
	"testing"
)

func tempFile(t *testing.T, contents []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("open temp file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestOpenMapsContents(t *testing.T) {
	f := tempFile(t, []byte("hello world"))
	m, err := Open(f)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer m.Close()
	if string(m.Bytes()) != "hello world" {
		t.Fatalf("unexpected mapped bytes: %q", m.Bytes())
	}
	if m.Len() != 11 {
		t.Fatalf("unexpected length: %d", m.Len())
	}
}

func TestOpenEmptyFileYieldsNonNilMap(t *testing.T) {
	f := tempFile(t, nil)
	m, err := Open(f)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if m == nil {
		t.Fatalf("expected non-nil Map for empty file")
	}
	if m.Len() != 0 {
		t.Fatalf("expected zero length, got %d", m.Len())
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRetryWriteWritesEverything(t *testing.T) {
	f := tempFile(t, nil)
	buf := make([]byte, 1024)
	for i := range buf {
		buf[i] = byte(i)
	}
	n, err := RetryWrite(f, buf)
	if err != nil {
		t.Fatalf("retry write: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("expected to write %d bytes, wrote %d", len(buf), n)
	}
	got, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(got) != len(buf) {
		t.Fatalf("unexpected file length: %d", len(got))
	}
}

func TestWriteAtRetryHonorsOffset(t *testing.T) {
	f := tempFile(t, make([]byte, 8))
	if _, err := WriteAtRetry(f, []byte("AB"), 4); err != nil {
		t.Fatalf("write at: %v", err)
	}
	got, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got[4] != 'A' || got[5] != 'B' {
		t.Fatalf("unexpected contents at offset: %v", got)
	}
}

func TestFsyncOnClosedFileErrors(t *testing.T) {
	f := tempFile(t, nil)
	f.Close()
	if err := Fsync(f); err == nil {
		t.Fatalf("expected an error syncing a closed file")
	}
}
