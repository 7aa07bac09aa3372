// ABOUTME: Diagram repository port and its filesystem implementation.
// ABOUTME: Loads .yaml/.yml/.json diagram files from a base directory, confined against path traversal.
package diagram

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Repository resolves diagram names to compiled diagrams. Sub-diagram nodes
// resolve their children through this port.
type Repository interface {
	// Load resolves a diagram by name and compiles it.
	Load(name string) (*ExecutableDiagram, error)
}

// FSRepository loads diagrams from files under a base directory. A name may
// carry an extension; otherwise .yaml, .yml, and .json are tried in order.
type FSRepository struct {
	baseDir string
}

// NewFSRepository creates a repository rooted at baseDir.
func NewFSRepository(baseDir string) *FSRepository {
	return &FSRepository{baseDir: baseDir}
}

// Load reads, parses, and compiles the named diagram. Compile warnings are
// discarded here; callers that want them should use LoadWithWarnings.
func (r *FSRepository) Load(name string) (*ExecutableDiagram, error) {
	result, err := r.LoadWithWarnings(name)
	if err != nil {
		return nil, err
	}
	return result.Diagram, nil
}

// LoadWithWarnings is Load, but keeps the compile warnings.
func (r *FSRepository) LoadWithWarnings(name string) (*CompileResult, error) {
	path, err := r.resolve(name)
	if err != nil {
		return nil, err
	}
	return CompileFile(path)
}

// resolve maps a diagram name to a file path inside the base directory.
func (r *FSRepository) resolve(name string) (string, error) {
	candidates := []string{name}
	if filepath.Ext(name) == "" {
		candidates = []string{name + ".yaml", name + ".yml", name + ".json"}
	}

	for _, cand := range candidates {
		path := filepath.Join(r.baseDir, cand)
		confined, err := confine(r.baseDir, path)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(confined); err == nil {
			return confined, nil
		}
	}
	return "", fmt.Errorf("diagram %q not found under %s", name, r.baseDir)
}

// confine rejects paths that escape the base directory.
func confine(baseDir, path string) (string, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes diagram directory", path)
	}
	return absPath, nil
}

// CompileFile parses and compiles a diagram file, picking the decoder from
// the file extension.
func CompileFile(path string) (*CompileResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read diagram: %w", err)
	}

	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml diagram %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse json diagram %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported diagram format %q", filepath.Ext(path))
	}

	dd, err := NormalizeDomain(doc)
	if err != nil {
		return nil, fmt.Errorf("diagram %s: %w", path, err)
	}
	if dd.Name == "" {
		dd.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return Compile(dd)
}
