package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptfleet/scriptfleet/internal/agent/executor"
	"github.com/scriptfleet/scriptfleet/internal/protocol"
)

func TestJobRunner_ExecuteCompleted(t *testing.T) {
	f := newRunnerFixture(t, exitWith(0, "hello\n", ""))
	events, unsubscribe := f.events.Subscribe(16)
	defer unsubscribe()

	job := &Job{
		ExecutionID: "e1",
		JobID:       "j1",
		Script:      "echo hello",
		Parameters:  map[string]any{"name": "world"},
		Timeout:     30 * time.Second,
	}
	result := f.jobs.Execute(context.Background(), job)

	assert.Equal(t, JobCompleted, result.Status)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.False(t, f.state.HasJob("e1"))

	assert.Equal(t, []protocol.MessageType{protocol.TypeJobStarted, protocol.TypeJobCompleted}, f.sender.types())

	started := decodePayload[protocol.JobStarted](t, f.sender.ofType(protocol.TypeJobStarted)[0])
	assert.Equal(t, "e1", started.ExecutionID)
	assert.Equal(t, f.state.AgentID(), started.AgentID)

	completed := decodePayload[protocol.JobCompleted](t, f.sender.ofType(protocol.TypeJobCompleted)[0])
	assert.Equal(t, "e1", completed.ExecutionID)
	assert.Equal(t, "completed", completed.Status)
	assert.Equal(t, 0, completed.ExitCode)
	assert.Equal(t, "hello\n", completed.Stdout)

	// Parameters travel with the script, not inside its source.
	require.Len(t, f.engine.calls, 1)
	assert.Equal(t, "echo hello", f.engine.calls[0].Source)
	assert.Equal(t, "world", f.engine.calls[0].Parameters["name"])
	assert.Equal(t, 30*time.Second, f.engine.timeouts[0])

	var jobStatuses []JobStatus
	for len(events) > 0 {
		e := <-events
		if e.Kind == EventJobStatusChanged {
			jobStatuses = append(jobStatuses, e.JobStatus)
		}
	}
	assert.Equal(t, []JobStatus{JobRunning, JobCompleted}, jobStatuses)
}

func TestJobRunner_Outcomes(t *testing.T) {
	tests := []struct {
		name         string
		fn           scriptFunc
		wantStatus   JobStatus
		wantExitCode int
		wantStderr   string
	}{
		{
			name:         "non-zero exit",
			fn:           exitWith(3, "", "oops"),
			wantStatus:   JobFailed,
			wantExitCode: 3,
			wantStderr:   "oops",
		},
		{
			name: "timed out",
			fn: func(context.Context, executor.Script, string, time.Duration) (*executor.ScriptResult, error) {
				return &executor.ScriptResult{ExitCode: -1, TimedOut: true}, nil
			},
			wantStatus:   JobTimeout,
			wantExitCode: -1,
			wantStderr:   "script timed out after",
		},
		{
			name: "engine error",
			fn: func(context.Context, executor.Script, string, time.Duration) (*executor.ScriptResult, error) {
				return nil, errBoom
			},
			wantStatus:   JobFailed,
			wantExitCode: -1,
			wantStderr:   "boom",
		},
		{
			name: "panic",
			fn: func(context.Context, executor.Script, string, time.Duration) (*executor.ScriptResult, error) {
				panic("engine exploded")
			},
			wantStatus:   JobFailed,
			wantExitCode: -1,
			wantStderr:   "panic: engine exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRunnerFixture(t, tt.fn)

			result := f.jobs.Execute(context.Background(), &Job{ExecutionID: "e1", JobID: "j1"})

			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Equal(t, tt.wantExitCode, result.ExitCode)
			assert.Contains(t, result.Stderr, tt.wantStderr)
			assert.False(t, f.state.HasJob("e1"))

			completed := f.sender.ofType(protocol.TypeJobCompleted)
			require.Len(t, completed, 1)
			msg := decodePayload[protocol.JobCompleted](t, completed[0])
			assert.Equal(t, string(tt.wantStatus), msg.Status)
		})
	}
}

func TestJobRunner_DefaultTimeout(t *testing.T) {
	f := newRunnerFixture(t, nil)

	f.jobs.Execute(context.Background(), &Job{ExecutionID: "e1"})

	require.Len(t, f.engine.timeouts, 1)
	assert.Equal(t, time.Minute, f.engine.timeouts[0])
}

func TestJobRunner_Document(t *testing.T) {
	t.Run("open failure skips the script", func(t *testing.T) {
		f := newRunnerFixture(t, nil)
		f.docs.failOpen("/docs/a.txt", errors.New("document not found"))

		result := f.jobs.Execute(context.Background(), &Job{ExecutionID: "e1", DocumentPath: "/docs/a.txt"})

		assert.Equal(t, JobFailed, result.Status)
		assert.Equal(t, "document not found", result.Stderr)
		assert.Empty(t, f.engine.calls)
		assert.Len(t, f.sender.ofType(protocol.TypeJobCompleted), 1)
	})

	t.Run("modified document is saved", func(t *testing.T) {
		f := newRunnerFixture(t, func(context.Context, executor.Script, string, time.Duration) (*executor.ScriptResult, error) {
			return &executor.ScriptResult{DocumentModified: true}, nil
		})

		result := f.jobs.Execute(context.Background(), &Job{ExecutionID: "e1", DocumentPath: "/docs/a.txt"})

		assert.Equal(t, JobCompleted, result.Status)
		assert.True(t, result.DocumentModified)
		assert.Equal(t, []string{"/docs/a.txt"}, f.engine.docs)
		assert.Equal(t, []closeCall{{Path: "/docs/a.txt", Opts: executor.CloseOptions{Save: true}}}, f.docs.closedCalls())
		assert.Empty(t, f.state.Documents())
	})

	t.Run("unmodified document is not saved", func(t *testing.T) {
		f := newRunnerFixture(t, nil)

		f.jobs.Execute(context.Background(), &Job{ExecutionID: "e1", DocumentPath: "/docs/a.txt"})

		assert.Equal(t, []closeCall{{Path: "/docs/a.txt", Opts: executor.CloseOptions{Save: false}}}, f.docs.closedCalls())
	})

	t.Run("document opened beforehand stays open", func(t *testing.T) {
		f := newRunnerFixture(t, nil)
		f.state.AddDocument("/docs/a.txt")

		result := f.jobs.Execute(context.Background(), &Job{ExecutionID: "e1", DocumentPath: "/docs/a.txt"})

		assert.Equal(t, JobCompleted, result.Status)
		assert.Equal(t, []string{"/docs/a.txt"}, f.engine.docs)
		assert.Empty(t, f.docs.opened)
		assert.Empty(t, f.docs.closedCalls())
		assert.Equal(t, []string{"/docs/a.txt"}, f.state.Documents())
	})
}

func TestJobRunner_Cancel(t *testing.T) {
	started := make(chan string, 1)
	f := newRunnerFixture(t, blockUntilCancelled(started))

	done := make(chan JobResult, 1)
	go func() {
		done <- f.jobs.Execute(context.Background(), &Job{ExecutionID: "e1"})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start")
	}

	assert.False(t, f.jobs.Cancel("unknown"))
	assert.True(t, f.jobs.Cancel("e1"))

	select {
	case result := <-done:
		assert.Equal(t, JobCancelled, result.Status)
		assert.Equal(t, -1, result.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after cancel")
	}

	assert.False(t, f.jobs.Cancel("e1"))
}

func TestJobRunner_DuplicateExecution(t *testing.T) {
	f := newRunnerFixture(t, nil)
	require.NoError(t, f.state.AddJob(&Job{ExecutionID: "e1"}))

	result := f.jobs.Execute(context.Background(), &Job{ExecutionID: "e1"})

	assert.Equal(t, JobFailed, result.Status)
	assert.Equal(t, -1, result.ExitCode)
	assert.Empty(t, f.engine.calls)
	assert.Equal(t, []protocol.MessageType{protocol.TypeJobCompleted}, f.sender.types())
	assert.True(t, f.state.HasJob("e1"), "the running job must be left alone")
}

func TestJobRunner_Reject(t *testing.T) {
	f := newRunnerFixture(t, nil)

	result, err := f.jobs.Reject(&Job{ExecutionID: "e2", JobID: "j2"}, "agent at capacity: 1 of 1 jobs running")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, result.Status)

	completed := decodePayload[protocol.JobCompleted](t, f.sender.ofType(protocol.TypeJobCompleted)[0])
	assert.Equal(t, "e2", completed.ExecutionID)
	assert.Equal(t, -1, completed.ExitCode)
	assert.Equal(t, "agent at capacity: 1 of 1 jobs running", completed.Stderr)
	assert.Empty(t, f.sender.ofType(protocol.TypeJobStarted))

	f.sender.err = ErrNotConnected
	_, err = f.jobs.Reject(&Job{ExecutionID: "e3"}, "nope")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestJobRunner_SendFailureDoesNotStopJob(t *testing.T) {
	f := newRunnerFixture(t, nil)
	f.sender.err = ErrNotConnected

	result := f.jobs.Execute(context.Background(), &Job{ExecutionID: "e1"})

	assert.Equal(t, JobCompleted, result.Status)
	assert.False(t, f.state.HasJob("e1"))
}

func TestJobRunner_Journal(t *testing.T) {
	journal, err := OpenJournal(t.TempDir())
	require.NoError(t, err)
	defer journal.Close()

	var pendingDuringRun []JournalEntry
	f := newRunnerFixture(t, func(context.Context, executor.Script, string, time.Duration) (*executor.ScriptResult, error) {
		pendingDuringRun, _ = journal.Pending()
		return &executor.ScriptResult{}, nil
	})
	f.jobs.journal = journal

	f.jobs.Execute(context.Background(), &Job{ExecutionID: "e1", JobID: "j1"})

	require.Len(t, pendingDuringRun, 1)
	assert.Equal(t, "e1", pendingDuringRun[0].ExecutionID)

	pending, err := journal.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAppendLine(t *testing.T) {
	assert.Equal(t, "b", appendLine("", "b"))
	assert.Equal(t, "a\nb", appendLine("a", "b"))
	assert.Equal(t, "a\nb", appendLine("a\n", "b"))
}
