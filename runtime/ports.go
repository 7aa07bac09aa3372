// ABOUTME: Side-effect ports and their default implementations: files, HTTP, sandbox, interaction, keys.
// ABOUTME: The file port is confined to a base directory; the sandbox shells out with context cancellation.
package runtime

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileService reads and writes files on behalf of db and endpoint nodes.
type FileService interface {
	Read(path string) ([]byte, error)
	// ReadGlob reads every file matching a glob pattern, keyed by path.
	ReadGlob(pattern string) (map[string][]byte, error)
	Write(path string, data []byte) error
	Append(path string, data []byte) error
}

// LocalFiles is a FileService confined to a base directory. Paths that
// escape the base are rejected.
type LocalFiles struct {
	baseDir string
}

// NewLocalFiles creates a file service rooted at baseDir.
func NewLocalFiles(baseDir string) *LocalFiles {
	return &LocalFiles{baseDir: baseDir}
}

// resolve joins and confines a relative path under the base directory.
func (f *LocalFiles) resolve(path string) (string, error) {
	joined := filepath.Join(f.baseDir, path)
	absBase, err := filepath.Abs(f.baseDir)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes base directory", path)
	}
	return absPath, nil
}

func (f *LocalFiles) Read(path string) ([]byte, error) {
	p, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (f *LocalFiles) ReadGlob(pattern string) (map[string][]byte, error) {
	if _, err := f.resolve(pattern); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(f.baseDir, pattern))
	if err != nil {
		return nil, fmt.Errorf("bad glob %q: %w", pattern, err)
	}
	sort.Strings(matches)

	out := make(map[string][]byte, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(f.baseDir, m)
		if err != nil {
			rel = m
		}
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, err
		}
		out[rel] = data
	}
	return out, nil
}

func (f *LocalFiles) Write(path string, data []byte) error {
	p, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (f *LocalFiles) Append(path string, data []byte) error {
	p, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()
	_, err = file.Write(data)
	return err
}

// HTTPRequest is the api_job and webhook request shape.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// HTTPResponse is the flattened response handlers consume.
type HTTPResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// HTTPService performs outbound HTTP requests.
type HTTPService interface {
	Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

// NetHTTP is the default HTTPService over net/http.
type NetHTTP struct {
	Client *http.Client
}

// NewNetHTTP creates an HTTP service with a shared client.
func NewNetHTTP() *NetHTTP {
	return &NetHTTP{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (h *NetHTTP) Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &HTTPResponse{StatusCode: resp.StatusCode, Headers: headers, Body: data}, nil
}

// Sandbox evaluates code for code_job nodes.
type Sandbox interface {
	// Run executes source in the named language with inputs bound as
	// variables, returning the program's output value.
	Run(ctx context.Context, language, source string, inputs map[string]any) (any, error)
}

// LocalSandbox shells out to local interpreters. It supports bash directly;
// python code runs through python3 -c.
type LocalSandbox struct {
	WorkDir string
}

func (s *LocalSandbox) Run(ctx context.Context, language, source string, inputs map[string]any) (any, error) {
	var cmd *exec.Cmd
	switch language {
	case "bash", "shell":
		cmd = exec.CommandContext(ctx, "bash", "-c", source)
	case "python":
		cmd = exec.CommandContext(ctx, "python3", "-c", source)
	default:
		return nil, fmt.Errorf("unsupported code language %q", language)
	}
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	cmd.Env = append(os.Environ(), inputEnv(inputs)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("code execution failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// inputEnv exposes string-valued inputs as INPUT_<KEY> environment variables.
func inputEnv(inputs map[string]any) []string {
	var env []string
	for k, v := range inputs {
		if s, ok := v.(string); ok {
			env = append(env, fmt.Sprintf("INPUT_%s=%s", strings.ToUpper(k), s))
		}
	}
	sort.Strings(env)
	return env
}

// InteractiveHandler collects a human response for user_response nodes.
type InteractiveHandler interface {
	Ask(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

// ConsoleInteractive prompts on stdout and reads one line from stdin.
type ConsoleInteractive struct {
	In  io.Reader
	Out io.Writer
}

func NewConsoleInteractive() *ConsoleInteractive {
	return &ConsoleInteractive{In: os.Stdin, Out: os.Stdout}
}

func (c *ConsoleInteractive) Ask(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	fmt.Fprintf(c.Out, "%s\n> ", prompt)

	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(c.In)
		line, err := reader.ReadString('\n')
		if err != nil {
			errs <- err
			return
		}
		lines <- strings.TrimRight(line, "\r\n")
	}()

	select {
	case line := <-lines:
		return line, nil
	case err := <-errs:
		return "", fmt.Errorf("read response: %w", err)
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for user response: %w", ctx.Err())
	}
}

// IntegrationRequest targets a provider operation for integrated_api nodes.
type IntegrationRequest struct {
	Provider  string
	Operation string
	Config    map[string]any
	Input     map[string]any
}

// IntegrationService executes provider-specific operations.
type IntegrationService interface {
	Invoke(ctx context.Context, req IntegrationRequest) (map[string]any, error)
}

// EnvKeys resolves API key IDs from environment variables of the same name.
type EnvKeys struct{}

func (EnvKeys) ResolveKey(keyID string) (string, error) {
	if keyID == "" {
		return "", fmt.Errorf("empty api key id")
	}
	v := os.Getenv(keyID)
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set", keyID)
	}
	return v, nil
}
