package main

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/banshee-data/shower.reco/internal/fsutil"
	"github.com/banshee-data/shower.reco/internal/security"
)

// modelFS refuses to read a file under dir whose symlinks lead outside it.
// Paths outside dir were named explicitly as absolute model paths and are
// read as they are.
type modelFS struct {
	base fsutil.FileSystem
	dir  string
}

func (m modelFS) underDir(name string) bool {
	rel, err := filepath.Rel(filepath.Clean(m.dir), filepath.Clean(name))
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func (m modelFS) check(name string) error {
	if !m.underDir(name) {
		return nil
	}
	return security.ValidatePathWithinDirectory(name, m.dir)
}

func (m modelFS) ReadFile(name string) ([]byte, error) {
	if err := m.check(name); err != nil {
		return nil, err
	}
	return m.base.ReadFile(name)
}

func (m modelFS) Stat(name string) (fs.FileInfo, error) {
	if err := m.check(name); err != nil {
		return nil, err
	}
	return m.base.Stat(name)
}

func (m modelFS) Exists(name string) bool {
	return m.check(name) == nil && m.base.Exists(name)
}
