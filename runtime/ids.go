// ABOUTME: Execution ID generation and validation.
// ABOUTME: IDs are "exec_" plus 32 lowercase hex characters, derived from a v4 UUID.
package runtime

import (
	"strings"

	"github.com/google/uuid"
)

const execIDPrefix = "exec_"

// NewExecutionID generates a fresh execution ID.
func NewExecutionID() string {
	raw := uuid.NewString()
	return execIDPrefix + strings.ReplaceAll(raw, "-", "")
}

// ValidExecutionID reports whether id has the canonical execution ID shape.
func ValidExecutionID(id string) bool {
	if !strings.HasPrefix(id, execIDPrefix) {
		return false
	}
	hex := id[len(execIDPrefix):]
	if len(hex) != 32 {
		return false
	}
	for _, c := range hex {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
