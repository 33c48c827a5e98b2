package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *SubprocessEngine {
	t.Helper()
	return NewSubprocessEngine([]string{"sh"}, []string{"-n"}, t.TempDir(), zerolog.New(io.Discard))
}

func TestSubprocessEngineName(t *testing.T) {
	engine := newTestEngine(t)
	if engine.Name() != "subprocess" {
		t.Fatalf("expected name subprocess, got %s", engine.Name())
	}
}

func TestSubprocessEngineExecuteSuccess(t *testing.T) {
	engine := newTestEngine(t)

	script := Script{
		Source:      `echo "hello $SF_PARAM_NAME from $SF_EXECUTION_ID"`,
		Parameters:  map[string]any{"name": "world"},
		ExecutionID: "e1",
	}

	result, err := engine.Execute(context.Background(), script, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d (stderr %q)", result.ExitCode, result.Stderr)
	}
	if result.TimedOut {
		t.Fatal("expected no timeout")
	}
	if strings.TrimSpace(result.Stdout) != "hello world from e1" {
		t.Fatalf("unexpected stdout %q", result.Stdout)
	}
}

func TestSubprocessEngineExecuteNonZeroExit(t *testing.T) {
	engine := newTestEngine(t)

	result, err := engine.Execute(context.Background(), Script{Source: "echo oops >&2\nexit 3"}, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "oops") {
		t.Fatalf("expected stderr to contain oops, got %q", result.Stderr)
	}
}

func TestSubprocessEngineExecuteTimeout(t *testing.T) {
	engine := newTestEngine(t)

	start := time.Now()
	result, err := engine.Execute(context.Background(), Script{Source: "sleep 10"}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout must not be an error, got %v", err)
	}
	if !result.TimedOut {
		t.Fatal("expected TimedOut to be set")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("script was not killed promptly: %s", elapsed)
	}
}

func TestSubprocessEngineExecuteCancelled(t *testing.T) {
	engine := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result, err := engine.Execute(ctx, Script{Source: "sleep 10"}, 30*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result == nil || result.TimedOut {
		t.Fatalf("expected a partial, non-timeout result, got %#v", result)
	}
}

func TestSubprocessEngineParamsFile(t *testing.T) {
	engine := newTestEngine(t)

	script := Script{
		Source:     `cat "$SF_PARAMS_FILE"`,
		Parameters: map[string]any{"count": 3},
	}
	result, err := engine.Execute(context.Background(), script, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Stdout, `"count":3`) {
		t.Fatalf("expected params JSON in stdout, got %q", result.Stdout)
	}
}

func TestSubprocessEngineExecuteOnDocument(t *testing.T) {
	engine := newTestEngine(t)
	doc := filepath.Join(t.TempDir(), "report.txt")
	if err := os.WriteFile(doc, []byte("draft\n"), 0644); err != nil {
		t.Fatalf("write document: %v", err)
	}

	t.Run("modified", func(t *testing.T) {
		result, err := engine.ExecuteOnDocument(context.Background(), Script{Source: `echo final >> "$SF_DOCUMENT"`}, doc, 5*time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.DocumentModified {
			t.Fatal("expected document to be reported as modified")
		}
	})

	t.Run("read only", func(t *testing.T) {
		result, err := engine.ExecuteOnDocument(context.Background(), Script{Source: `cat "$SF_DOCUMENT" > /dev/null`}, doc, 5*time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.DocumentModified {
			t.Fatal("expected document to be unchanged")
		}
	})

	t.Run("missing document", func(t *testing.T) {
		_, err := engine.ExecuteOnDocument(context.Background(), Script{Source: "exit 0"}, filepath.Join(t.TempDir(), "missing"), 5*time.Second)
		if err == nil {
			t.Fatal("expected error for missing document")
		}
	})
}

func TestSubprocessEngineValidate(t *testing.T) {
	engine := newTestEngine(t)

	result, err := engine.Validate(context.Background(), "echo ok\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid script, got %#v", result)
	}

	result, err = engine.Validate(context.Background(), "if true; then\n  echo broken\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Valid {
		t.Fatal("expected invalid script")
	}
	if result.Error == "" {
		t.Fatal("expected a validation error message")
	}
}

func TestSubprocessEngineValidateWithoutCheckArgs(t *testing.T) {
	workDir := t.TempDir()
	marker := filepath.Join(workDir, "ran")
	engine := NewSubprocessEngine([]string{"sh"}, nil, workDir, zerolog.New(io.Discard))

	result, err := engine.Validate(context.Background(), "touch "+marker+"\n")
	if !errors.Is(err, ErrNoCheckArgs) {
		t.Fatalf("expected ErrNoCheckArgs, got %v", err)
	}
	if result != nil {
		t.Fatalf("expected no result, got %#v", result)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("script was executed during validation")
	}
}

func TestParseLineNumber(t *testing.T) {
	tests := []struct {
		msg  string
		want int
	}{
		{"script: line 3: syntax error: unexpected end of file", 3},
		{"/tmp/x/script: 7: Syntax error: end of file unexpected", 7},
		{"no number here", 0},
	}

	for _, tt := range tests {
		if got := parseLineNumber(tt.msg); got != tt.want {
			t.Errorf("parseLineNumber(%q) = %d, want %d", tt.msg, got, tt.want)
		}
	}
}

func TestCappedBuffer(t *testing.T) {
	buf := &cappedBuffer{limit: 4}
	n, err := buf.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if !strings.HasPrefix(buf.String(), "abcd") || !strings.Contains(buf.String(), "truncated") {
		t.Fatalf("unexpected buffer content %q", buf.String())
	}
}
