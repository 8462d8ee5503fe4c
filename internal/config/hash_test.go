package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockAndVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	if err := os.WriteFile(path, []byte("node:\n  name: locked\n"), 0644); err != nil {
		t.Fatal(err)
	}

	manifest, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if len(manifest.Hashes[DefaultFileName]) != 64 {
		t.Errorf("expected 64 hex chars, got %q", manifest.Hashes[DefaultFileName])
	}

	info, err := os.Stat(filepath.Join(dir, ".checksums"))
	if err != nil {
		t.Fatalf("manifest not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("manifest mode = %v, want 0600", info.Mode().Perm())
	}

	if _, err := Load(path); err != nil {
		t.Fatalf("Load of locked config: %v", err)
	}

	// Tamper with the file after locking.
	if err := os.WriteFile(path, []byte("node:\n  name: tampered\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestLoadChecksumsRejectsVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".checksums"), []byte("version: 9\nhashes: {}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadChecksums(dir); err == nil {
		t.Error("expected version error")
	}
	if _, err := LoadChecksums(t.TempDir()); err == nil {
		t.Error("expected missing-file error")
	}
}
