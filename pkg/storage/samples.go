package storage

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// SampleDir holds enrollment sample images, one directory per identity.
type SampleDir struct {
	root string
}

// NewSampleDir creates root if needed.
func NewSampleDir(root string) (*SampleDir, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create samples directory: %w", err)
	}
	return &SampleDir{root: root}, nil
}

// Root returns the samples root directory.
func (s *SampleDir) Root() string { return s.root }

// Path returns the committed sample directory for name.
func (s *SampleDir) Path(name string) string {
	return filepath.Join(s.root, name)
}

// Stage opens a private staging directory for a new session of name.
// Nothing is visible under Path(name) until Commit.
func (s *SampleDir) Stage(name string) (*Staging, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, "."+name+".pending-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Staging{owner: s, name: name, dir: dir}, nil
}

// Remove deletes the committed samples for name. Missing samples are not an error.
func (s *SampleDir) Remove(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return os.RemoveAll(s.Path(name))
}

// Count returns the number of committed samples for name.
func (s *SampleDir) Count(name string) int {
	entries, err := os.ReadDir(s.Path(name))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jpg") {
			n++
		}
	}
	return n
}

// Staging is an uncommitted set of samples.
type Staging struct {
	owner *SampleDir
	name  string
	dir   string
	files []string
}

// Dir returns the staging directory.
func (st *Staging) Dir() string { return st.dir }

// Files returns the sample paths written so far.
func (st *Staging) Files() []string {
	out := make([]string, len(st.files))
	copy(out, st.files)
	return out
}

// Write stores img as the next sample for pose.
func (st *Staging) Write(pose string, img image.Image) (string, error) {
	path := filepath.Join(st.dir, fmt.Sprintf("%03d_%s.jpg", len(st.files)+1, pose))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create sample: %w", err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 92}); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to encode sample: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write sample: %w", err)
	}
	st.files = append(st.files, path)
	return path, nil
}

// Commit replaces the committed samples for the identity with this staging set.
func (st *Staging) Commit() error {
	final := st.owner.Path(st.name)
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("failed to clear previous samples: %w", err)
	}
	if err := os.Rename(st.dir, final); err != nil {
		return fmt.Errorf("failed to commit samples: %w", err)
	}
	for i, f := range st.files {
		st.files[i] = filepath.Join(final, filepath.Base(f))
	}
	st.dir = final
	return nil
}

// Discard removes the staging directory and everything in it.
func (st *Staging) Discard() error {
	st.files = nil
	return os.RemoveAll(st.dir)
}
