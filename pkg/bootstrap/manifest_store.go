package bootstrap

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
)

// ManifestStore writes manifests to a directory, one file per environment.
type ManifestStore struct {
	mu  sync.Mutex
	dir string
}

// NewManifestStore creates a store rooted at dir.
func NewManifestStore(dir string) *ManifestStore {
	return &ManifestStore{dir: dir}
}

// Path returns the manifest path of env.
func (s *ManifestStore) Path(env string) string {
	return filepath.Join(s.dir, env+".json")
}

// Write persists m atomically using a temp file and rename.
func (s *ManifestStore) Write(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal manifest")
	}
	data = append(data, '\n')

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create manifest directory")
	}
	path := s.Path(m.Environment.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write temp manifest")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to rename manifest")
	}
	return nil
}

// Read loads the last written manifest of env. It is informational only; the
// live control plane is always authoritative.
func (s *ManifestStore) Read(env string) (*Manifest, error) {
	data, err := os.ReadFile(s.Path(env))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest of %s", env)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse manifest of %s", env)
	}
	return &m, nil
}
