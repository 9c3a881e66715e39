package fsutil

import (
	"errors"
	"io/fs"
	"testing"
)

func TestOSFileSystem_Exists(t *testing.T) {
	fsys := OSFileSystem{}

	if !fsys.Exists("filesystem.go") {
		t.Error("expected filesystem.go to exist")
	}

	if fsys.Exists("nonexistent_file_xyz.go") {
		t.Error("expected nonexistent file to not exist")
	}
}

func TestOSFileSystem_ReadFile(t *testing.T) {
	fsys := OSFileSystem{}

	data, err := fsys.ReadFile("filesystem.go")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty file content")
	}

	info, err := fsys.Stat("filesystem.go")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != int64(len(data)) {
		t.Errorf("Stat size = %d, ReadFile returned %d bytes", info.Size(), len(data))
	}
}

func TestMemoryFileSystem_WriteAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()

	testData := []byte(`{"kind":"linear"}`)
	mfs.WriteFile("models/disp_model.json", testData)

	data, err := mfs.ReadFile("models/disp_model.json")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != string(testData) {
		t.Errorf("expected %q, got %q", testData, data)
	}

	// The stored copy must not alias the caller's slice.
	testData[0] = 'X'
	data, _ = mfs.ReadFile("models/disp_model.json")
	if data[0] != '{' {
		t.Error("memory filesystem aliased the written slice")
	}
}

func TestMemoryFileSystem_Stat(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.WriteFile("models/energy_regressor.json", []byte("12345"))

	info, err := mfs.Stat("models/energy_regressor.json")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 5 || info.IsDir() || info.Name() != "energy_regressor.json" {
		t.Errorf("unexpected file info: name=%q size=%d dir=%v", info.Name(), info.Size(), info.IsDir())
	}

	dir, err := mfs.Stat("models")
	if err != nil {
		t.Fatalf("Stat dir failed: %v", err)
	}
	if !dir.IsDir() {
		t.Error("expected implied parent directory")
	}
}

func TestMemoryFileSystem_Missing(t *testing.T) {
	mfs := NewMemoryFileSystem()

	if _, err := mfs.ReadFile("nope.json"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadFile error = %v, want fs.ErrNotExist", err)
	}
	if _, err := mfs.Stat("nope.json"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stat error = %v, want fs.ErrNotExist", err)
	}
	if mfs.Exists("nope.json") {
		t.Error("expected missing file to not exist")
	}
}

func TestMemoryFileSystem_CleansPaths(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.WriteFile("models/./a/../particle_classifier.json", []byte("x"))

	if !mfs.Exists("models/particle_classifier.json") {
		t.Error("expected cleaned path to exist")
	}
}
