package filechunk

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReaderReadsAllChunksExactly(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, ChunkSize*2+123)
	path := writeTempFile(t, data)

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var got []byte
	for {
		chunk, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, chunk...)
	}

	if !bytes.Equal(got, data) {
		t.Fatalf("read %d bytes, want %d", len(got), len(data))
	}
}

func TestReaderEmptyFile(t *testing.T) {
	path := writeTempFile(t, nil)
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	_, err = r.Next()
	if err != io.EOF {
		t.Fatalf("expected immediate EOF for empty file, got %v", err)
	}
}

func TestReaderDetectsModification(t *testing.T) {
	data := bytes.Repeat([]byte{1}, ChunkSize/2)
	path := writeTempFile(t, data)

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	// Touch the mtime forward to simulate a concurrent edit.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Next(); err != ErrFileModified {
		t.Fatalf("expected ErrFileModified, got %v", err)
	}
}

func TestReaderDetectsShrunkFile(t *testing.T) {
	data := bytes.Repeat([]byte{1}, 100)
	path := writeTempFile(t, data)

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	// Shrink the file without moving mtime detection off its own path:
	// truncate via os.Truncate, which does change mtime on most
	// platforms, so instead rewrite with an identical mtime to isolate
	// the size-mismatch path from the mtime-check path.
	mt := mustModTime(t, path)
	if err := os.Truncate(path, 10); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mt, mt); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Next(); err != ErrMismatchedSize {
		t.Fatalf("expected ErrMismatchedSize, got %v", err)
	}
}

func mustModTime(t *testing.T, path string) time.Time {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return info.ModTime()
}
