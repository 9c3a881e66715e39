package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	safeDir := filepath.Join(tmpDir, "models")
	outside := filepath.Join(tmpDir, "elsewhere")
	for _, d := range []string{safeDir, outside} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", d, err)
		}
	}
	if err := os.WriteFile(filepath.Join(outside, "energy_regressor.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to create model file: %v", err)
	}
	link := filepath.Join(safeDir, "linked")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	tests := []struct {
		name      string
		filePath  string
		wantError bool
	}{
		{"model file in directory", filepath.Join(safeDir, "disp_model.json"), false},
		{"nested model file", filepath.Join(safeDir, "v2", "disp_model.json"), false},
		{"dot-dot escape", filepath.Join(safeDir, "..", "disp_model.json"), true},
		{"relative escape", "../../../etc/passwd", true},
		{"absolute path outside", "/etc/passwd", true},
		{"symlinked file outside", filepath.Join(link, "energy_regressor.json"), true},
		{"symlink itself", link, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.filePath, safeDir)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidatePathWithinDirectory() error = %v, wantError %v", err, tt.wantError)
			}
			if err != nil && !errors.Is(err, ErrPathTraversal) {
				t.Errorf("error %v does not wrap ErrPathTraversal", err)
			}
		})
	}
}

func TestValidatePathWithinMissingDirectory(t *testing.T) {
	err := ValidatePathWithinDirectory("a.json", filepath.Join(t.TempDir(), "absent"))
	if err == nil {
		t.Fatal("expected an error for a missing directory")
	}
}

func TestJoinWithinDirectory(t *testing.T) {
	tests := []struct {
		name    string
		dir     string
		rel     string
		want    string
		wantErr bool
	}{
		{"plain file", "models", "disp_model.json", filepath.Join("models", "disp_model.json"), false},
		{"subdirectory", "models", "v2/energy.json", filepath.Join("models", "v2", "energy.json"), false},
		{"inner dot-dot", "models", "v2/../energy.json", filepath.Join("models", "energy.json"), false},
		{"escape", "models", "../secrets.json", "", true},
		{"deep escape", "models", "v2/../../x.json", "", true},
		{"absolute", "models", "/etc/passwd", "", true},
		{"dot dir", ".", "disp_model.json", "disp_model.json", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JoinWithinDirectory(tt.dir, tt.rel)
			if (err != nil) != tt.wantErr {
				t.Fatalf("JoinWithinDirectory() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrPathTraversal) {
					t.Errorf("error %v does not wrap ErrPathTraversal", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("JoinWithinDirectory() = %q, want %q", got, tt.want)
			}
		})
	}
}
