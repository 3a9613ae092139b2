package jsonfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAtomicAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "doc.json")

	in := map[string]any{"a": "b", "n": 3}
	if err := WriteAtomic(path, in); err != nil {
		t.Fatal(err)
	}

	var out map[string]any
	if err := Read(path, &out); err != nil {
		t.Fatal(err)
	}
	if out["a"] != "b" {
		t.Errorf("a = %v, want b", out["a"])
	}

	// No temp file left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestWriteAtomicOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")

	if err := WriteAtomic(path, map[string]string{"v": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := WriteAtomic(path, map[string]string{"v": "2"}); err != nil {
		t.Fatal(err)
	}

	var out map[string]string
	if err := Read(path, &out); err != nil {
		t.Fatal(err)
	}
	if out["v"] != "2" {
		t.Errorf("v = %q, want 2", out["v"])
	}
}

func TestReadMissing(t *testing.T) {
	var out map[string]string
	err := Read(filepath.Join(t.TempDir(), "missing.json"), &out)
	if !os.IsNotExist(err) {
		t.Errorf("err = %v, want not-exist", err)
	}
}

func TestReadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out map[string]string
	if err := Read(path, &out); err == nil {
		t.Error("expected parse error")
	}
}
