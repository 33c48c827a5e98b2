package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

// maxOutputBytes caps how much of each output stream is kept per run.
const maxOutputBytes = 1024 * 1024

var lineNumberPattern = regexp.MustCompile(`(?i)line (\d+)|:(\d+):`)

// SubprocessEngine runs scripts through an interpreter as child processes on
// the agent host.
type SubprocessEngine struct {
	interpreter []string
	checkArgs   []string
	workDir     string
	logger      zerolog.Logger
}

// NewSubprocessEngine creates a new subprocess engine. interpreter is the
// command that receives the script file as its last argument; checkArgs are
// inserted before the file for validation (e.g. "-n" for sh).
func NewSubprocessEngine(interpreter, checkArgs []string, workDir string, logger zerolog.Logger) *SubprocessEngine {
	if len(interpreter) == 0 {
		interpreter = []string{"sh"}
	}
	return &SubprocessEngine{
		interpreter: interpreter,
		checkArgs:   checkArgs,
		workDir:     workDir,
		logger:      logger.With().Str("executor", "subprocess").Logger(),
	}
}

// Name returns the engine name.
func (e *SubprocessEngine) Name() string {
	return "subprocess"
}

// Validate runs the interpreter in check mode against source. Without check
// arguments the interpreter would execute the script, so it refuses.
func (e *SubprocessEngine) Validate(ctx context.Context, source string) (*ValidationResult, error) {
	if len(e.checkArgs) == 0 {
		return nil, ErrNoCheckArgs
	}

	dir, err := e.stage(Script{Source: source})
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	args := make([]string, 0, len(e.interpreter)+len(e.checkArgs))
	args = append(args, e.interpreter[1:]...)
	args = append(args, e.checkArgs...)
	args = append(args, filepath.Join(dir, scriptFileName))

	cmd := exec.CommandContext(ctx, e.interpreter[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err == nil {
		return &ValidationResult{Valid: true}, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("failed to run validator: %w", err)
	}

	msg := strings.TrimSpace(stderr.String())
	return &ValidationResult{
		Valid: false,
		Error: msg,
		Line:  parseLineNumber(msg),
	}, nil
}

// Execute runs a script with no bound document.
func (e *SubprocessEngine) Execute(ctx context.Context, script Script, timeout time.Duration) (*ScriptResult, error) {
	return e.run(ctx, script, "", timeout)
}

// ExecuteOnDocument runs a script with SF_DOCUMENT pointing at documentPath
// and compares the document's content digest before and after the run.
func (e *SubprocessEngine) ExecuteOnDocument(ctx context.Context, script Script, documentPath string, timeout time.Duration) (*ScriptResult, error) {
	before, err := digestFile(documentPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	result, err := e.run(ctx, script, documentPath, timeout)
	if result != nil {
		after, digestErr := digestFile(documentPath)
		result.DocumentModified = digestErr != nil || !bytes.Equal(before, after)
	}
	return result, err
}

// run executes the staged script. A timeout yields TimedOut with a nil error;
// cancellation of ctx yields the partial result together with ctx.Err().
func (e *SubprocessEngine) run(ctx context.Context, script Script, documentPath string, timeout time.Duration) (*ScriptResult, error) {
	startTime := time.Now()

	dir, err := e.stage(script)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := make([]string, 0, len(e.interpreter))
	args = append(args, e.interpreter[1:]...)
	args = append(args, filepath.Join(dir, scriptFileName))

	cmd := exec.CommandContext(runCtx, e.interpreter[0], args...)
	cmd.Dir = e.workDir
	cmd.Env = e.environment(script, dir, documentPath)

	// Setup process group for proper cleanup
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.logger.Debug().
		Str("execution_id", script.ExecutionID).
		Str("document", documentPath).
		Dur("timeout", timeout).
		Msg("Running script")

	err = cmd.Run()

	result := &ScriptResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(startTime),
	}

	switch {
	case err == nil:
		result.ExitCode = 0
	case ctx.Err() != nil:
		result.ExitCode = -1
		return result, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		result.TimedOut = true
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to start script: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	return result, nil
}

// environment builds the child environment, binding parameters as variables.
func (e *SubprocessEngine) environment(script Script, dir, documentPath string) []string {
	env := os.Environ()
	env = append(env,
		"SF_EXECUTION_ID="+script.ExecutionID,
		"SF_PARAMS_FILE="+filepath.Join(dir, paramsFileName),
	)
	if documentPath != "" {
		env = append(env, "SF_DOCUMENT="+documentPath)
	}
	return append(env, ParameterEnv(script.Parameters)...)
}

// stage writes the script and its parameter file into a fresh directory.
func (e *SubprocessEngine) stage(script Script) (string, error) {
	dir, err := os.MkdirTemp(e.workDir, "sf-script-")
	if err != nil {
		return "", fmt.Errorf("failed to create script directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, scriptFileName), []byte(script.Source), 0600); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to write script: %w", err)
	}

	params, err := ParametersJSON(script.Parameters)
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, paramsFileName), params, 0600); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to write parameters: %w", err)
	}

	return dir, nil
}

const (
	scriptFileName = "script"
	paramsFileName = "params.json"
)

// digestFile returns the BLAKE3 digest of the file at path.
func digestFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// parseLineNumber extracts the first line number from an interpreter error.
func parseLineNumber(msg string) int {
	m := lineNumberPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	for _, group := range m[1:] {
		if group == "" {
			continue
		}
		if n, err := strconv.Atoi(group); err == nil {
			return n
		}
	}
	return 0
}

// cappedBuffer keeps at most limit bytes and silently discards the rest so
// the child never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
