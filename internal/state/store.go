package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// CorruptError reports a state file that exists but cannot be decoded.
// Callers must not overwrite the file when they see this; a human decides.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("state file %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// IsCorrupt reports whether err is (or wraps) a CorruptError.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}

// Store persists the target map in a single file.
//
// The format follows the file extension: .yaml/.yml is YAML, anything else
// is JSON. Saves go through a temp file + rename so a crash never leaves a
// half-written state file behind.
//
// The store assumes a single active process owns the file.
type Store struct {
	path string
}

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("state path is required")
	}
	return &Store{path: path}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) yamlFormat() bool {
	ext := strings.ToLower(filepath.Ext(s.path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads the state file. A missing or empty file is an empty map, not
// an error. Anything undecodable returns a CorruptError.
func (s *Store) Load(ctx context.Context) (Map, error) {
	_ = ctx
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Map{}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Map{}, nil
	}

	var doc document
	if s.yamlFormat() {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &CorruptError{Path: s.path, Err: err}
		}
	} else {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, &CorruptError{Path: s.path, Err: err}
		}
	}
	if doc.Version > documentVersion {
		return nil, &CorruptError{Path: s.path, Err: fmt.Errorf("unsupported version %d", doc.Version)}
	}
	if doc.Targets == nil {
		doc.Targets = Map{}
	}
	for key, st := range doc.Targets {
		if st == nil {
			return nil, &CorruptError{Path: s.path, Err: fmt.Errorf("target %q: empty record", key)}
		}
		if st.Target == "" {
			st.Target = key
		}
		if st.Plan != nil && !st.Plan.Status.Valid() {
			return nil, &CorruptError{Path: s.path, Err: fmt.Errorf("target %q: unknown plan status %q", key, st.Plan.Status)}
		}
	}
	return doc.Targets, nil
}

// Save writes the full map atomically.
func (s *Store) Save(ctx context.Context, m Map) error {
	_ = ctx
	if m == nil {
		m = Map{}
	}
	doc := document{Version: documentVersion, Targets: m}

	var data []byte
	var err error
	if s.yamlFormat() {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open temp state: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("swap state: %w", err)
	}
	return nil
}
