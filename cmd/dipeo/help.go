// ABOUTME: Help display for the dipeo CLI with grouped flags, examples, and environment status.
// ABOUTME: Provides printHelp for usage output and envStatus for API key detection.
package main

import (
	"fmt"
	"io"
	"os"
)

// printHelp writes a formatted help message to w, including usage patterns,
// grouped flags, examples, and environment status.
func printHelp(w io.Writer, ver string) {
	fmt.Fprintf(w, "dipeo %s — diagram-driven workflow runner\n", ver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  dipeo <diagram.yaml>                Run a diagram")
	fmt.Fprintln(w, "  dipeo -validate <diagram.yaml>      Compile without executing")
	fmt.Fprintln(w, "  dipeo -server [-port 8080]          Start HTTP API server")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Run Flags:")
	fmt.Fprintln(w, "  -var <key=value>      Execution variable (repeatable)")
	fmt.Fprintln(w, "  -timeout <seconds>    Execution timeout (default: 300)")
	fmt.Fprintln(w, "  -max-steps <n>        Cap on node dispatches (default: 100)")
	fmt.Fprintln(w, "  -files-dir <dir>      Base directory for db and endpoint file access")
	fmt.Fprintln(w, "  -debug                Log each node dispatch and completion")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Server Flags:")
	fmt.Fprintln(w, "  -server               Start HTTP server mode")
	fmt.Fprintln(w, "  -port <port>          Server port (default: 8080)")
	fmt.Fprintln(w, "  -diagrams <dir>       Directory the server loads diagrams from")
	fmt.Fprintln(w, "  -state-dir <dir>      Directory for durable event logs and the index")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Other:")
	fmt.Fprintln(w, "  -validate             Compile the diagram without executing")
	fmt.Fprintln(w, "  -version              Print version and exit")
	fmt.Fprintln(w, "  -help                 Show this help")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  dipeo examples/simple.yaml")
	fmt.Fprintln(w, "  dipeo -var topic=go -var rounds=3 examples/debate.yaml")
	fmt.Fprintln(w, "  dipeo -validate my_diagram.yaml")
	fmt.Fprintln(w, "  dipeo -server -port 8080 -diagrams ./diagrams -state-dir ./data")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  OPENAI_API_KEY        %s\n", envStatus("OPENAI_API_KEY"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  person_job nodes resolve their api_key_id against environment variables.")
}

// envStatus returns "[set]" if the named environment variable is non-empty,
// or "[not set]" otherwise.
func envStatus(key string) string {
	if os.Getenv(key) != "" {
		return "[set]"
	}
	return "[not set]"
}
