// ABOUTME: CLI entrypoint for the dipeo diagram runner with run, validate, and server modes.
// ABOUTME: Wires together the execution engine, state manager, HTTP server, and signal handling.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dipeo/dipeo/conversation"
	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/llm"
	"github.com/dipeo/dipeo/runtime"
	"github.com/dipeo/dipeo/server"
	"github.com/dipeo/dipeo/state"
)

var version = "dev"

// config holds all CLI configuration parsed from flags and positional arguments.
type config struct {
	serverMode   bool
	port         int
	validateOnly bool
	diagramsDir  string
	stateDir     string
	filesDir     string
	timeout      int
	maxSteps     int
	debug        bool
	showVersion  bool
	vars         varFlags
	diagramFile  string
}

// varFlags collects repeated -var key=value flags.
type varFlags map[string]any

func (v varFlags) String() string { return "" }

func (v varFlags) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	v[key] = value
	return nil
}

func main() {
	loadDotEnv(".env")

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("dipeo %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated config.
func parseFlags() config {
	cfg := config{vars: varFlags{}}

	fs := flag.NewFlagSet("dipeo", flag.ContinueOnError)
	fs.BoolVar(&cfg.serverMode, "server", false, "Start HTTP server mode")
	fs.IntVar(&cfg.port, "port", 8080, "Server port (default: 8080)")
	fs.BoolVar(&cfg.validateOnly, "validate", false, "Compile the diagram without executing")
	fs.StringVar(&cfg.diagramsDir, "diagrams", "diagrams", "Directory the server loads diagrams from")
	fs.StringVar(&cfg.stateDir, "state-dir", "", "Directory for durable event logs and the execution index")
	fs.StringVar(&cfg.filesDir, "files-dir", ".", "Base directory for db and endpoint file access")
	fs.IntVar(&cfg.timeout, "timeout", 0, "Execution timeout in seconds (default: 300)")
	fs.IntVar(&cfg.maxSteps, "max-steps", 0, "Cap on node dispatches (default: 100)")
	fs.BoolVar(&cfg.debug, "debug", false, "Log each node dispatch and completion")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")
	fs.Var(cfg.vars, "var", "Execution variable as key=value (repeatable)")

	fs.Usage = func() {
		printHelp(os.Stderr, version)
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if fs.NArg() > 0 {
		cfg.diagramFile = fs.Arg(0)
	}

	return cfg
}

// run dispatches to the appropriate mode based on the config.
// Returns an exit code: 0 for success, 1 for failure.
func run(cfg config) int {
	if cfg.serverMode {
		return runServer(cfg)
	}

	if cfg.diagramFile == "" {
		printHelp(os.Stderr, version)
		return 0
	}

	if cfg.validateOnly {
		return validateDiagram(cfg)
	}

	return runDiagram(cfg)
}

// buildEngine wires the engine with local service implementations.
func buildEngine(cfg config, repo diagram.Repository) (*runtime.Engine, *state.Manager, *runtime.Bus, error) {
	stateCfg := state.Config{}
	if cfg.stateDir != "" {
		stateCfg.LogDir = filepath.Join(cfg.stateDir, "events")
		stateCfg.IndexPath = filepath.Join(cfg.stateDir, "index.db")
	}
	manager, err := state.NewManager(stateCfg)
	if err != nil {
		return nil, nil, nil, err
	}

	keys := runtime.EnvKeys{}
	services := &runtime.Services{
		LLM:           llm.NewOpenAIService(keys),
		Files:         runtime.NewLocalFiles(cfg.filesDir),
		HTTP:          runtime.NewNetHTTP(),
		Sandbox:       &runtime.LocalSandbox{},
		Interactive:   runtime.NewConsoleInteractive(),
		Conversations: conversation.NewStore(),
		Diagrams:      repo,
		APIKeys:       keys,
	}

	bus := runtime.NewBus()
	engine := runtime.NewEngine(runtime.NewRegistry(), services, manager, bus)
	return engine, manager, bus, nil
}

// runDiagram compiles a diagram file and executes it to completion.
func runDiagram(cfg config) int {
	result, err := diagram.CompileFile(cfg.diagramFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	repo := diagram.NewFSRepository(filepath.Dir(cfg.diagramFile))
	engine, manager, bus, err := buildEngine(cfg, repo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = manager.Close() }()
	defer bus.Close()

	// Signal handling for graceful cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	if cfg.debug {
		defer subscribeDebug(bus)()
	}

	res, runErr := engine.Execute(ctx, result.Diagram, runtime.Options{
		Variables:      cfg.vars,
		TimeoutSeconds: cfg.timeout,
		MaxSteps:       cfg.maxSteps,
		DebugMode:      cfg.debug,
	})
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		return 1
	}

	fmt.Printf("Execution %s: %s\n", res.ExecutionID, res.Status)
	if res.Error != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", res.Error)
	}
	if res.Output != nil {
		fmt.Println(res.Output.AsText())
	}
	if res.TokenUsage.Total > 0 {
		fmt.Fprintf(os.Stderr, "tokens: in=%d out=%d total=%d\n",
			res.TokenUsage.Input, res.TokenUsage.Output, res.TokenUsage.Total)
	}

	if res.Status != state.StatusCompleted {
		return 1
	}
	return 0
}

// subscribeDebug streams execution events to stderr and returns a cleanup func.
func subscribeDebug(bus *runtime.Bus) func() {
	sub := bus.Subscribe("cli-debug", false, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range sub.Events() {
			data, err := json.Marshal(evt.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(os.Stderr, "[%s] %s %s\n", evt.Type, evt.Payload.NodeID, data)
		}
	}()
	return func() {
		sub.Unsubscribe()
		<-done
	}
}

// runServer starts the HTTP execution server.
func runServer(cfg config) int {
	repo := diagram.NewFSRepository(cfg.diagramsDir)
	engine, manager, bus, err := buildEngine(cfg, repo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = manager.Close() }()
	defer bus.Close()

	srv := server.New(engine, manager, bus, repo)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.port)

	// Signal handling for graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	fmt.Fprintf(os.Stderr, "listening on %s\n", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	return 0
}

// validateDiagram compiles a diagram file without executing it.
func validateDiagram(cfg config) int {
	result, err := diagram.CompileFile(cfg.diagramFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	fmt.Printf("Diagram is valid: %d nodes, %d edges.\n",
		len(result.Diagram.Nodes), len(result.Diagram.Edges))
	return 0
}
