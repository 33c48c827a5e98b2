// Package executor defines the ports through which the agent runs scripts and
// manipulates documents in the host application, together with the default
// subprocess and filesystem adapters.
package executor

import (
	"context"
	"errors"
	"time"
)

// ErrDocumentNotOpen is returned when closing a document that was never opened.
var ErrDocumentNotOpen = errors.New("document is not open")

// ErrNoCheckArgs is returned by Validate when the engine has no way to check
// a script without running it.
var ErrNoCheckArgs = errors.New("no script check arguments configured")

// ScriptEngine is the Script Execution Port.
type ScriptEngine interface {
	// Validate checks source for syntax errors without running it.
	Validate(ctx context.Context, source string) (*ValidationResult, error)

	// Execute runs a script with no bound document. Exceeding timeout is
	// reported through ScriptResult.TimedOut, not as an error.
	Execute(ctx context.Context, script Script, timeout time.Duration) (*ScriptResult, error)

	// ExecuteOnDocument runs a script against an open document and reports
	// whether the document was mutated.
	ExecuteOnDocument(ctx context.Context, script Script, documentPath string, timeout time.Duration) (*ScriptResult, error)

	// Name returns the engine name for logging.
	Name() string
}

// DocumentHost is the Document Port.
type DocumentHost interface {
	// Open opens the document at path.
	Open(ctx context.Context, path string, readOnly bool) error

	// Close closes the document at path and returns where it was saved, if
	// it was saved.
	Close(ctx context.Context, path string, opts CloseOptions) (string, error)
}

// Script is a parameterized script: the submitted source plus the values
// the engine binds into its execution context.
type Script struct {
	// Source is the script text as submitted by the Orchestrator.
	Source string

	// Parameters are exposed to the script as ordinary values by the engine.
	Parameters map[string]any

	// ExecutionID identifies the run for logging and the script environment.
	ExecutionID string
}

// ScriptResult is the outcome of one script execution.
type ScriptResult struct {
	ExitCode         int
	Stdout           string
	Stderr           string
	TimedOut         bool
	DocumentModified bool
	Duration         time.Duration
}

// ValidationResult reports whether source is syntactically valid.
type ValidationResult struct {
	Valid bool   `json:"valid" yaml:"valid"`
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
	Line  int    `json:"line,omitempty" yaml:"line,omitempty"`
}

// CloseOptions controls how a document is closed.
type CloseOptions struct {
	// Save writes pending changes before closing.
	Save bool

	// SaveAsPath saves a copy to this path instead of in place.
	SaveAsPath string
}
