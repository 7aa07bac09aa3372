// ABOUTME: Tests for the filesystem diagram repository: format detection, extension fallback, confinement.
package diagram

import (
	"os"
	"path/filepath"
	"testing"
)

const yamlDiagram = `
name: sample
nodes:
  - id: start
    type: start
  - id: end
    type: endpoint
arrows:
  - source: start:default:output
    target: end:default:input
`

func TestFSRepositoryLoadYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sample.yaml"), []byte(yamlDiagram), 0o644); err != nil {
		t.Fatal(err)
	}

	repo := NewFSRepository(dir)
	d, err := repo.Load("sample")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if d.Name != "sample" || len(d.Nodes) != 2 {
		t.Errorf("wrong diagram: name=%q nodes=%d", d.Name, len(d.Nodes))
	}
}

func TestFSRepositoryLoadJSON(t *testing.T) {
	dir := t.TempDir()
	doc := `{"nodes":[{"id":"s","type":"start"}],"arrows":[]}`
	if err := os.WriteFile(filepath.Join(dir, "j.json"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	repo := NewFSRepository(dir)
	d, err := repo.Load("j")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// Name falls back to the file stem when the document has none.
	if d.Name != "j" {
		t.Errorf("expected name from filename, got %q", d.Name)
	}
}

func TestFSRepositoryMissing(t *testing.T) {
	repo := NewFSRepository(t.TempDir())
	if _, err := repo.Load("ghost"); err == nil {
		t.Error("missing diagram should fail")
	}
}

func TestFSRepositoryConfinement(t *testing.T) {
	dir := t.TempDir()
	repo := NewFSRepository(filepath.Join(dir, "diagrams"))
	if err := os.Mkdir(filepath.Join(dir, "diagrams"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "secret.yaml"), []byte(yamlDiagram), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := repo.Load("../secret.yaml"); err == nil {
		t.Error("path traversal should be rejected")
	}
}
