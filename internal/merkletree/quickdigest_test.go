package merkletree

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"lukechampine.com/blake3"
)

func TestQuickDigestMatchesBlake3Sum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.bin")
	data := randomContent(t, 200_000, 21)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := QuickDigest(path)
	if err != nil {
		t.Fatalf("QuickDigest: %v", err)
	}
	want := blake3.Sum256(data)
	if !bytes.Equal(got, want[:]) {
		t.Error("QuickDigest does not match a direct blake3.Sum256 of the same bytes")
	}
}

func TestQuickDigestChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.bin")
	if err := os.WriteFile(path, []byte("version one"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	first, err := QuickDigest(path)
	if err != nil {
		t.Fatalf("QuickDigest: %v", err)
	}

	if err := os.WriteFile(path, []byte("version two"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	second, err := QuickDigest(path)
	if err != nil {
		t.Fatalf("QuickDigest: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Error("QuickDigest should change when the underlying file content changes")
	}
}

func TestQuickDigestMissingFile(t *testing.T) {
	if _, err := QuickDigest(filepath.Join(t.TempDir(), "nope.bin")); err == nil {
		t.Error("QuickDigest should fail for a missing file")
	}
}
