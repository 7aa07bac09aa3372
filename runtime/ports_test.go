// ABOUTME: Tests for the default ports: file confinement, env key resolution, sandbox env binding.
package runtime

import (
	"context"
	"strings"
	"testing"
)

func TestLocalFilesConfinement(t *testing.T) {
	files := NewLocalFiles(t.TempDir())

	if err := files.Write("ok.txt", []byte("x")); err != nil {
		t.Fatalf("write inside base should work: %v", err)
	}
	if _, err := files.Read("../escape.txt"); err == nil {
		t.Error("read outside base should fail")
	}
	if err := files.Write("../../etc/escape", []byte("x")); err == nil {
		t.Error("write outside base should fail")
	}
	if _, err := files.ReadGlob("../*"); err == nil {
		t.Error("glob outside base should fail")
	}
}

func TestLocalFilesAppend(t *testing.T) {
	files := NewLocalFiles(t.TempDir())
	if err := files.Append("log.txt", []byte("one\n")); err != nil {
		t.Fatal(err)
	}
	if err := files.Append("log.txt", []byte("two\n")); err != nil {
		t.Fatal(err)
	}
	data, err := files.Read("log.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "one\ntwo\n" {
		t.Errorf("append lost data: %q", data)
	}
}

func TestEnvKeys(t *testing.T) {
	t.Setenv("DIPEO_TEST_KEY", "secret")

	keys := EnvKeys{}
	v, err := keys.ResolveKey("DIPEO_TEST_KEY")
	if err != nil || v != "secret" {
		t.Errorf("ResolveKey = %q, %v", v, err)
	}
	if _, err := keys.ResolveKey("DIPEO_TEST_MISSING"); err == nil {
		t.Error("unset variable should fail")
	}
	if _, err := keys.ResolveKey(""); err == nil {
		t.Error("empty key id should fail")
	}
}

func TestLocalSandboxBash(t *testing.T) {
	sb := &LocalSandbox{}
	out, err := sb.Run(context.Background(), "bash", `printf '%s' "$INPUT_NAME"`, map[string]any{"name": "dipeo"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "dipeo" {
		t.Errorf("inputs should bind as env vars, got %q", out)
	}

	_, err = sb.Run(context.Background(), "bash", "exit 3", nil)
	if err == nil || !strings.Contains(err.Error(), "code execution failed") {
		t.Errorf("non-zero exit should fail: %v", err)
	}

	if _, err := sb.Run(context.Background(), "cobol", "x", nil); err == nil {
		t.Error("unknown language should fail")
	}
}
