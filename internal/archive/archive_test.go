package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, root string) {
	t.Helper()
	dirs := []string{"sub", "sub/deep"}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	files := map[string]string{
		"top.txt":           "hello",
		"sub/data.bin":      "\x00\x01\x02payload",
		"sub/deep/note.txt": "nested content",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Symlink("top.txt", filepath.Join(root, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
}

func TestRoundTripDirectory(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)

	payload, err := PackBytes(src, true)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	dst := t.TempDir()
	if err := Extract(bytes.NewReader(payload), dst, true); err != nil {
		t.Fatalf("extract: %v", err)
	}

	for _, name := range []string{"top.txt", "sub/data.bin", "sub/deep/note.txt"} {
		want, err := os.ReadFile(filepath.Join(src, name))
		if err != nil {
			t.Fatalf("read src %s: %v", name, err)
		}
		got, err := os.ReadFile(filepath.Join(dst, name))
		if err != nil {
			t.Fatalf("read dst %s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s: content mismatch", name)
		}
	}
	target, err := os.Readlink(filepath.Join(dst, "link"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "top.txt" {
		t.Errorf("link target = %q, want top.txt", target)
	}
}

func TestRoundTripSingleFile(t *testing.T) {
	src := t.TempDir()
	path := filepath.Join(src, "only.txt")
	if err := os.WriteFile(path, []byte("solo"), 0o644); err != nil {
		t.Fatal(err)
	}
	payload, err := PackBytes(path, false)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	dst := t.TempDir()
	if err := Extract(bytes.NewReader(payload), dst, false); err != nil {
		t.Fatalf("extract: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "only.txt"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "solo" {
		t.Errorf("content = %q", got)
	}
}

func TestExtractRejectsEscape(t *testing.T) {
	if _, err := securePath("/tmp/dst", "../evil"); err == nil {
		t.Fatal("expected escape rejection")
	}
	if _, err := securePath("/tmp/dst", "./fine/../ok"); err != nil {
		t.Fatalf("clean path rejected: %v", err)
	}
}

func TestCountingReaderReportsProgress(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)
	var last, total int64
	cr := NewCountingReader(bytes.NewReader(data), int64(len(data)), func(sent, tot int64) {
		last, total = sent, tot
	})
	buf := make([]byte, 128)
	for {
		if _, err := cr.Read(buf); err != nil {
			break
		}
	}
	if last != 1000 || total != 1000 {
		t.Errorf("progress = %d/%d, want 1000/1000", last, total)
	}
}
