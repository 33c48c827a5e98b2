package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scriptfleet/scriptfleet/internal/agent/executor"
	"github.com/scriptfleet/scriptfleet/internal/protocol"
	"github.com/scriptfleet/scriptfleet/pkg/log"
	"github.com/scriptfleet/scriptfleet/pkg/metrics"
)

// Version is the agent software version.
const Version = "0.1.0"

// restartedReason is reported for jobs left over from a previous process.
const restartedReason = "agent restarted during execution"

// Options configures a new Agent. Config, Engine and Documents are required.
type Options struct {
	Config    *Config
	Engine    executor.ScriptEngine
	Documents executor.DocumentHost
	Logger    zerolog.Logger

	// Optional collaborators; nil disables them.
	Metrics *metrics.AgentMetrics
	Journal *Journal
	Monitor *Monitor

	// Dialer defaults to a gorilla dialer using Config.HandshakeTimeout.
	Dialer Dialer
	// ReconnectDelays defaults to DefaultReconnectDelays.
	ReconnectDelays []time.Duration
}

// ConnectOptions are the arguments of Connect.
type ConnectOptions struct {
	Endpoint    string
	DisplayName string
	Tags        []string
}

// Agent connects the host application to an orchestrator and executes the
// jobs and workflows it dispatches.
type Agent struct {
	config  *Config
	logger  zerolog.Logger
	state   *State
	events  *Broadcaster
	docs    executor.DocumentHost
	metrics *metrics.AgentMetrics
	journal *Journal
	monitor *Monitor
	dialer  Dialer
	delays  []time.Duration

	jobs      *JobRunner
	workflows *WorkflowRunner

	// Root context for sessions and job goroutines. Jobs outlive sessions.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// connectMu serializes Connect and Disconnect.
	connectMu sync.Mutex
	sessionMu sync.RWMutex
	session   *Session

	recoverMu sync.Mutex
	recovered bool
}

// New creates an Offline agent.
func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("script engine is required")
	}
	if opts.Documents == nil {
		return nil, errors.New("document host is required")
	}

	events := NewBroadcaster()
	logger := opts.Logger.Hook(log.NewFeedHook(zerolog.InfoLevel, func(level zerolog.Level, msg string) {
		events.Publish(Event{Kind: EventLog, Level: level.String(), Message: msg})
	}))

	state := NewState(events)
	state.SetStatusObserver(func(status ConnectionStatus) {
		opts.Metrics.SetConnectionState(string(status))
	})
	opts.Metrics.SetConnectionState(string(StatusOffline))

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.Config.HandshakeTimeout,
		}
	}

	delays := opts.ReconnectDelays
	if len(delays) == 0 {
		delays = DefaultReconnectDelays
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		config:  opts.Config,
		logger:  logger.With().Str("component", "agent").Logger(),
		state:   state,
		events:  events,
		docs:    opts.Documents,
		metrics: opts.Metrics,
		journal: opts.Journal,
		monitor: opts.Monitor,
		dialer:  dialer,
		delays:  delays,
		ctx:     ctx,
		cancel:  cancel,
	}

	deps := RunnerDeps{
		Engine:         opts.Engine,
		Documents:      opts.Documents,
		State:          state,
		Sender:         a,
		Journal:        opts.Journal,
		Metrics:        opts.Metrics,
		Logger:         logger,
		DefaultTimeout: opts.Config.DefaultJobTimeout,
	}
	a.jobs = NewJobRunner(deps)
	a.workflows = NewWorkflowRunner(a.jobs, deps)

	return a, nil
}

// Connect opens a session to the orchestrator and returns the agent id.
// Any previous session is torn down first. It returns once the handshake
// has completed; heartbeats and message handling continue in the background.
func (a *Agent) Connect(ctx context.Context, opts ConnectOptions) (string, error) {
	endpoint, err := NormalizeEndpoint(opts.Endpoint)
	if err != nil {
		return "", err
	}

	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	if a.ctx.Err() != nil {
		return "", errors.New("agent is closed")
	}

	a.teardown()

	displayName := opts.DisplayName
	if displayName == "" {
		displayName = a.config.Name
	}
	tags := opts.Tags
	if tags == nil {
		tags = a.config.Tags
	}

	a.state.SetTarget(endpoint, displayName)
	a.state.SetStatus(StatusConnecting)

	a.logger.Info().
		Str("endpoint", endpoint).
		Str("name", displayName).
		Msg("Connecting to orchestrator")

	sess := newSession(a, endpoint, displayName, tags)
	conn, err := sess.dial(ctx)
	if err != nil {
		sess.cancel()
		a.state.SetStatus(StatusOffline)
		a.logger.Error().Err(err).Str("endpoint", endpoint).Msg("Failed to connect to orchestrator")
		return "", err
	}

	agentID := a.state.EnsureAgentID()
	sess.attach(conn)

	a.sessionMu.Lock()
	a.session = sess
	a.sessionMu.Unlock()

	a.state.SetReconnectAttempt(0)
	a.state.SetStatus(StatusOnline)

	a.logger.Info().
		Str("agent_id", agentID).
		Str("endpoint", endpoint).
		Msg("Connected to orchestrator")

	if err := sess.register(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to register with orchestrator")
	}
	a.recoverJournal()

	sess.start(conn)
	return agentID, nil
}

// Disconnect closes the current session and disables reconnection. Calling
// it without a session does nothing.
func (a *Agent) Disconnect() {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()
	a.teardown()
}

// teardown closes the current session. connectMu must be held.
func (a *Agent) teardown() {
	a.sessionMu.Lock()
	sess := a.session
	a.session = nil
	a.sessionMu.Unlock()

	if sess == nil {
		return
	}

	sess.close()
	a.state.SetReconnectAttempt(0)
	a.state.SetStatus(StatusOffline)
	a.logger.Info().Msg("Disconnected from orchestrator")
}

// sessionEnded is called by a session that gave up reconnecting.
func (a *Agent) sessionEnded(sess *Session) {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()

	if a.session != sess {
		return
	}
	a.session = nil
	a.state.SetReconnectAttempt(0)
	a.state.SetStatus(StatusOffline)
}

// Close disconnects and waits for running jobs to finish or ctx to expire.
// Running jobs are cancelled.
func (a *Agent) Close(ctx context.Context) error {
	a.Disconnect()
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for running jobs: %w", ctx.Err())
	}
}

// Send delivers a message through the current session.
func (a *Agent) Send(msgType protocol.MessageType, payload any) error {
	a.sessionMu.RLock()
	sess := a.session
	a.sessionMu.RUnlock()

	if sess == nil {
		a.metrics.RecordSendFailure()
		return ErrNotConnected
	}
	return sess.Send(msgType, payload)
}

// Status returns a snapshot of the agent state.
func (a *Agent) Status() Snapshot {
	return a.state.Snapshot()
}

// Subscribe returns a channel of local events and a func to stop receiving them.
func (a *Agent) Subscribe(buffer int) (<-chan Event, func()) {
	return a.events.Subscribe(buffer)
}

// ConnectionStatus implements health.Session.
func (a *Agent) ConnectionStatus() string {
	return string(a.state.Status())
}

// RunningJobs implements health.Session.
func (a *Agent) RunningJobs() int {
	return len(a.state.RunningJobIDs())
}

// ReconnectAttempt implements health.Session.
func (a *Agent) ReconnectAttempt() int {
	return a.state.Snapshot().ReconnectAttempt
}

func (a *Agent) reconnectDelay(attempt int) time.Duration {
	return reconnectDelay(a.delays, attempt)
}

func (a *Agent) registration(displayName string, tags []string) protocol.Register {
	return protocol.Register{
		AgentID:           a.state.AgentID(),
		Name:              displayName,
		Tags:              tags,
		Version:           Version,
		MaxConcurrentJobs: a.config.MaxConcurrentJobs,
		OS:                runtime.GOOS,
		Arch:              runtime.GOARCH,
	}
}

// handleMessage dispatches one inbound message. A returned error means a
// reply could not be sent and the connection should be dropped.
func (a *Agent) handleMessage(msg protocol.Inbound) error {
	switch m := msg.(type) {
	case *protocol.JobDispatch:
		return a.handleJobDispatch(m)
	case *protocol.WorkflowDispatch:
		return a.handleWorkflowDispatch(m)
	case *protocol.JobCancel:
		a.handleJobCancel(m)
	case *protocol.OpenDocument:
		return a.handleOpenDocument(m)
	case *protocol.CloseDocument:
		return a.handleCloseDocument(m)
	case *protocol.Unknown:
		a.logger.Debug().Str("type", string(m.MessageType)).Msg("Ignoring unknown message type")
	}
	return nil
}

func (a *Agent) handleJobDispatch(m *protocol.JobDispatch) error {
	if m.ExecutionID == "" {
		a.logger.Warn().Str("job_id", m.JobID).Msg("Ignoring job dispatch without execution id")
		return nil
	}

	a.logger.Info().
		Str("execution_id", m.ExecutionID).
		Str("job_id", m.JobID).
		Msg("Received job dispatch")

	job := jobFromDispatch(m)
	if err := a.state.TryAdmit(job, a.config.MaxConcurrentJobs); err != nil {
		a.metrics.RecordRejection("job", rejectionReason(err))
		_, sendErr := a.jobs.Reject(job, err.Error())
		return sendErr
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.jobs.run(a.ctx, job, runOptions{manageDocument: true, report: true})
	}()
	return nil
}

func (a *Agent) handleWorkflowDispatch(m *protocol.WorkflowDispatch) error {
	if m.WorkflowExecutionID == "" {
		a.logger.Warn().Msg("Ignoring workflow dispatch without execution id")
		return nil
	}

	a.logger.Info().
		Str("workflow_id", m.WorkflowExecutionID).
		Int("steps", len(m.Steps)).
		Msg("Received workflow dispatch")

	if err := a.state.TryAdmitWorkflow(m.WorkflowExecutionID, a.config.MaxConcurrentJobs); err != nil {
		a.metrics.RecordRejection("workflow", rejectionReason(err))
		_, sendErr := a.workflows.Reject(m.WorkflowExecutionID, len(m.Steps), err.Error())
		return sendErr
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.workflows.run(a.ctx, m.WorkflowExecutionID, m.Steps)
	}()
	return nil
}

func (a *Agent) handleJobCancel(m *protocol.JobCancel) {
	logger := a.logger.With().
		Str("execution_id", m.ExecutionID).
		Str("reason", m.Reason).
		Logger()

	switch {
	case a.jobs.Cancel(m.ExecutionID):
		logger.Info().Msg("Cancelling job")
	case a.workflows.Cancel(m.ExecutionID):
		logger.Info().Msg("Cancelling workflow")
	default:
		logger.Warn().Msg("Cancel requested for unknown execution")
	}
}

func (a *Agent) handleOpenDocument(m *protocol.OpenDocument) error {
	result := protocol.DocumentResult{
		ExecutionID:  m.ExecutionID,
		Action:       protocol.ActionOpened,
		DocumentPath: m.DocumentPath,
	}

	if err := a.docs.Open(a.ctx, m.DocumentPath, m.ReadOnly); err != nil {
		a.logger.Warn().Err(err).Str("document", m.DocumentPath).Msg("Failed to open document")
		result.Error = err.Error()
	} else {
		a.state.AddDocument(m.DocumentPath)
		result.Success = true
		a.logger.Info().Str("document", m.DocumentPath).Msg("Opened document")
	}

	return a.Send(protocol.TypeDocumentResult, result)
}

func (a *Agent) handleCloseDocument(m *protocol.CloseDocument) error {
	path := m.DocumentPath
	if path == "" {
		path = a.state.LastDocument()
	}

	result := protocol.DocumentResult{
		ExecutionID:  m.ExecutionID,
		Action:       protocol.ActionClosed,
		DocumentPath: path,
	}

	if path == "" {
		result.Error = "no document is open"
	} else {
		saved, err := a.docs.Close(a.ctx, path, executor.CloseOptions{Save: m.Save, SaveAsPath: m.SaveAsPath})
		if err != nil {
			a.logger.Warn().Err(err).Str("document", path).Msg("Failed to close document")
			result.Error = err.Error()
		} else {
			a.state.RemoveDocument(path)
			result.Success = true
			result.SavedPath = saved
			a.logger.Info().Str("document", path).Str("saved_path", saved).Msg("Closed document")
		}
	}

	return a.Send(protocol.TypeDocumentResult, result)
}

// recoverJournal reports jobs left behind by a previous process. It runs
// once per process, after the first connect on which every report was sent.
func (a *Agent) recoverJournal() {
	a.recoverMu.Lock()
	defer a.recoverMu.Unlock()

	if a.recovered || a.journal == nil {
		return
	}

	// Only rows from an earlier process: a job admitted here may finish and
	// leave the running set at any moment without being an interruption.
	entries, err := a.journal.Orphaned()
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to read execution journal")
		return
	}

	for _, entry := range entries {
		if a.state.HasJob(entry.ExecutionID) {
			continue
		}

		a.logger.Info().
			Str("execution_id", entry.ExecutionID).
			Str("job_id", entry.JobID).
			Msg("Reporting job interrupted by restart")

		err := a.Send(protocol.TypeJobCompleted, protocol.JobCompleted{
			ExecutionID: entry.ExecutionID,
			AgentID:     a.state.AgentID(),
			JobID:       entry.JobID,
			Status:      string(JobFailed),
			ExitCode:    -1,
			Stderr:      restartedReason,
			CompletedAt: time.Now().UTC(),
		})
		if err != nil {
			a.logger.Warn().Err(err).Msg("Failed to report interrupted job, will retry on next connect")
			return
		}

		if err := a.journal.Remove(entry.ExecutionID); err != nil {
			a.logger.Warn().Err(err).Str("execution_id", entry.ExecutionID).Msg("Failed to clear journal entry")
		}
	}

	a.recovered = true
}

func rejectionReason(err error) string {
	if errors.Is(err, ErrAtCapacity) {
		return "capacity"
	}
	return "duplicate"
}
