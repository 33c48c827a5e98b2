package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/scriptfleet/scriptfleet/internal/agent/executor"
	"github.com/scriptfleet/scriptfleet/internal/protocol"
)

func quietLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// scriptFunc is the behaviour of a fakeEngine run.
type scriptFunc func(ctx context.Context, script executor.Script, documentPath string, timeout time.Duration) (*executor.ScriptResult, error)

// fakeEngine is a ScriptEngine whose behaviour is set per test.
type fakeEngine struct {
	mu       sync.Mutex
	fn       scriptFunc
	calls    []executor.Script
	docs     []string
	timeouts []time.Duration
}

func newFakeEngine(fn scriptFunc) *fakeEngine {
	if fn == nil {
		fn = exitWith(0, "", "")
	}
	return &fakeEngine{fn: fn}
}

func exitWith(code int, stdout, stderr string) scriptFunc {
	return func(context.Context, executor.Script, string, time.Duration) (*executor.ScriptResult, error) {
		return &executor.ScriptResult{ExitCode: code, Stdout: stdout, Stderr: stderr}, nil
	}
}

// blockUntilCancelled waits for ctx, signalling started first.
func blockUntilCancelled(started chan<- string) scriptFunc {
	return func(ctx context.Context, script executor.Script, _ string, _ time.Duration) (*executor.ScriptResult, error) {
		if started != nil {
			started <- script.ExecutionID
		}
		<-ctx.Done()
		return &executor.ScriptResult{ExitCode: -1}, ctx.Err()
	}
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Validate(context.Context, string) (*executor.ValidationResult, error) {
	return &executor.ValidationResult{Valid: true}, nil
}

func (e *fakeEngine) Execute(ctx context.Context, script executor.Script, timeout time.Duration) (*executor.ScriptResult, error) {
	return e.ExecuteOnDocument(ctx, script, "", timeout)
}

func (e *fakeEngine) ExecuteOnDocument(ctx context.Context, script executor.Script, documentPath string, timeout time.Duration) (*executor.ScriptResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, script)
	e.docs = append(e.docs, documentPath)
	e.timeouts = append(e.timeouts, timeout)
	fn := e.fn
	e.mu.Unlock()
	return fn(ctx, script, documentPath, timeout)
}

func (e *fakeEngine) callIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.calls))
	for _, c := range e.calls {
		ids = append(ids, c.ExecutionID)
	}
	return ids
}

type closeCall struct {
	Path string
	Opts executor.CloseOptions
}

// fakeDocuments is a DocumentHost that records calls.
type fakeDocuments struct {
	mu       sync.Mutex
	openErr  map[string]error
	opened   []string
	closed   []closeCall
	closeErr error
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{openErr: make(map[string]error)}
}

func (d *fakeDocuments) failOpen(path string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr[path] = err
}

func (d *fakeDocuments) Open(_ context.Context, path string, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.openErr[path]; err != nil {
		return err
	}
	d.opened = append(d.opened, path)
	return nil
}

func (d *fakeDocuments) Close(_ context.Context, path string, opts executor.CloseOptions) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = append(d.closed, closeCall{Path: path, Opts: opts})
	if d.closeErr != nil {
		return "", d.closeErr
	}
	if !opts.Save {
		return "", nil
	}
	if opts.SaveAsPath != "" {
		return opts.SaveAsPath, nil
	}
	return path, nil
}

func (d *fakeDocuments) closedCalls() []closeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]closeCall{}, d.closed...)
}

type sentMessage struct {
	Type    protocol.MessageType
	Payload json.RawMessage
}

// recordingSender captures outbound messages.
type recordingSender struct {
	mu   sync.Mutex
	msgs []sentMessage
	err  error
}

func (s *recordingSender) Send(msgType protocol.MessageType, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.msgs = append(s.msgs, sentMessage{Type: msgType, Payload: data})
	return nil
}

func (s *recordingSender) types() []protocol.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]protocol.MessageType, 0, len(s.msgs))
	for _, m := range s.msgs {
		types = append(types, m.Type)
	}
	return types
}

func (s *recordingSender) ofType(msgType protocol.MessageType) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []json.RawMessage
	for _, m := range s.msgs {
		if m.Type == msgType {
			out = append(out, m.Payload)
		}
	}
	return out
}

func decodePayload[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

// runnerFixture wires runners to fakes.
type runnerFixture struct {
	engine    *fakeEngine
	docs      *fakeDocuments
	sender    *recordingSender
	state     *State
	events    *Broadcaster
	jobs      *JobRunner
	workflows *WorkflowRunner
}

func newRunnerFixture(t *testing.T, fn scriptFunc) *runnerFixture {
	t.Helper()

	f := &runnerFixture{
		engine: newFakeEngine(fn),
		docs:   newFakeDocuments(),
		sender: &recordingSender{},
		events: NewBroadcaster(),
	}
	f.state = NewState(f.events)
	f.state.EnsureAgentID()

	deps := RunnerDeps{
		Engine:         f.engine,
		Documents:      f.docs,
		State:          f.state,
		Sender:         f.sender,
		Logger:         quietLogger(),
		DefaultTimeout: time.Minute,
	}
	f.jobs = NewJobRunner(deps)
	f.workflows = NewWorkflowRunner(f.jobs, deps)
	return f
}

var errBoom = errors.New("boom")
