package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/scriptfleet/scriptfleet/internal/agent/executor"
	"github.com/scriptfleet/scriptfleet/internal/protocol"
	"github.com/scriptfleet/scriptfleet/pkg/metrics"
	"github.com/scriptfleet/scriptfleet/pkg/tracing"
)

// Sender delivers outbound messages to the orchestrator.
type Sender interface {
	Send(msgType protocol.MessageType, payload any) error
}

// JobResult is the outcome of one job.
type JobResult struct {
	ExecutionID      string
	JobID            string
	Status           JobStatus
	ExitCode         int
	Stdout           string
	Stderr           string
	DocumentModified bool
	CompletedAt      time.Time
	Duration         time.Duration
}

// RunnerDeps are the collaborators shared by the job and workflow runners.
type RunnerDeps struct {
	Engine         executor.ScriptEngine
	Documents      executor.DocumentHost
	State          *State
	Sender         Sender
	Journal        *Journal
	Metrics        *metrics.AgentMetrics
	Logger         zerolog.Logger
	DefaultTimeout time.Duration
}

// JobRunner executes dispatched jobs end to end and reports every
// lifecycle transition.
type JobRunner struct {
	engine         executor.ScriptEngine
	docs           executor.DocumentHost
	state          *State
	sender         Sender
	journal        *Journal
	metrics        *metrics.AgentMetrics
	logger         zerolog.Logger
	defaultTimeout time.Duration

	// Cancel funcs of running jobs, by execution id
	cancels   map[string]context.CancelFunc
	cancelsMu sync.Mutex
}

// runOptions controls how much of the job lifecycle run owns.
type runOptions struct {
	// manageDocument opens the document before the script and closes it after.
	manageDocument bool
	// report emits job_started and job_completed.
	report bool
}

// NewJobRunner creates a job runner.
func NewJobRunner(deps RunnerDeps) *JobRunner {
	timeout := deps.DefaultTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &JobRunner{
		engine:         deps.Engine,
		docs:           deps.Documents,
		state:          deps.State,
		sender:         deps.Sender,
		journal:        deps.Journal,
		metrics:        deps.Metrics,
		logger:         deps.Logger.With().Str("component", "job_runner").Logger(),
		defaultTimeout: timeout,
		cancels:        make(map[string]context.CancelFunc),
	}
}

// Execute registers job in the running set and runs it. Exactly one
// job_completed is emitted per call.
func (r *JobRunner) Execute(ctx context.Context, job *Job) JobResult {
	if err := r.state.AddJob(job); err != nil {
		result, sendErr := r.Reject(job, err.Error())
		if sendErr != nil {
			r.logger.Error().Err(sendErr).Str("execution_id", job.ExecutionID).Msg("Failed to report rejected job")
		}
		return result
	}
	return r.run(ctx, job, runOptions{manageDocument: true, report: true})
}

// Reject reports a job that never entered the running set. The job gets
// no job_started, only a failed job_completed carrying reason.
func (r *JobRunner) Reject(job *Job, reason string) (JobResult, error) {
	result := JobResult{
		ExecutionID: job.ExecutionID,
		JobID:       job.JobID,
		Status:      JobFailed,
		ExitCode:    -1,
		Stderr:      reason,
		CompletedAt: time.Now(),
	}

	r.logger.Warn().
		Str("execution_id", job.ExecutionID).
		Str("job_id", job.JobID).
		Str("reason", reason).
		Msg("Rejecting job")

	if err := r.sendCompleted(result); err != nil {
		return result, fmt.Errorf("failed to report rejected job: %w", err)
	}
	return result, nil
}

// Cancel stops a running job. It returns false if the execution id is unknown.
func (r *JobRunner) Cancel(executionID string) bool {
	r.cancelsMu.Lock()
	cancel, ok := r.cancels[executionID]
	r.cancelsMu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// run executes an admitted job. The job must already be in the running set;
// it is always removed before run returns.
func (r *JobRunner) run(ctx context.Context, job *Job, opts runOptions) (result JobResult) {
	startTime := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	r.trackCancel(job.ExecutionID, cancel)

	ctx, span := tracing.StartSpan(ctx, "job.execute", tracing.WithAttributes(
		tracing.AttrAgentID.String(r.state.AgentID()),
		tracing.AttrExecutionID.String(job.ExecutionID),
		tracing.AttrJobID.String(job.JobID),
		tracing.AttrWorkflowID.String(job.WorkflowID),
		tracing.AttrDocumentPath.String(job.DocumentPath),
	))

	logCtx := r.logger.With().
		Str("execution_id", job.ExecutionID).
		Str("job_id", job.JobID)
	if traceID := tracing.TraceID(ctx); traceID != "" {
		logCtx = logCtx.Str("trace_id", traceID)
	}
	logger := logCtx.Logger()

	result = JobResult{
		ExecutionID: job.ExecutionID,
		JobID:       job.JobID,
		Status:      JobFailed,
		ExitCode:    -1,
	}

	r.metrics.RecordJobStart()
	if err := r.journal.Record(job, JobRunning); err != nil {
		logger.Warn().Err(err).Msg("Failed to record job in journal")
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("Job panicked")
			result.Status = JobFailed
			result.ExitCode = -1
			result.Stderr = fmt.Sprintf("panic: %v", p)
		}

		cancel()
		r.untrackCancel(job.ExecutionID)

		result.CompletedAt = time.Now()
		result.Duration = result.CompletedAt.Sub(startTime)

		r.state.RemoveJob(job.ExecutionID, result.Status)
		if err := r.journal.Remove(job.ExecutionID); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove job from journal")
		}
		r.metrics.RecordJobComplete(string(result.Status), result.Duration.Seconds())

		span.SetAttributes(
			tracing.AttrJobStatus.String(string(result.Status)),
			attribute.Int("exit_code", result.ExitCode),
		)
		var spanErr error
		if result.Status != JobCompleted {
			spanErr = fmt.Errorf("job %s", result.Status)
		}
		tracing.EndSpan(span, spanErr)

		logger.Info().
			Str("status", string(result.Status)).
			Int("exit_code", result.ExitCode).
			Dur("duration", result.Duration).
			Msg("Job finished")

		if opts.report {
			if err := r.sendCompleted(result); err != nil {
				logger.Error().Err(err).Msg("Failed to report job completion")
			}
		}
	}()

	r.state.SetJobStatus(job.ExecutionID, JobRunning)
	logger.Info().Str("document", job.DocumentPath).Msg("Starting job")

	if opts.report {
		started := protocol.JobStarted{
			ExecutionID: job.ExecutionID,
			AgentID:     r.state.AgentID(),
			JobID:       job.JobID,
			StartedAt:   startTime.UTC(),
		}
		if err := r.sender.Send(protocol.TypeJobStarted, started); err != nil {
			logger.Error().Err(err).Msg("Failed to report job start")
		}
	}

	// A document opened earlier through open_document is left to its owner.
	if job.DocumentPath != "" && opts.manageDocument && !r.state.HasDocument(job.DocumentPath) {
		if err := r.docs.Open(ctx, job.DocumentPath, false); err != nil {
			logger.Warn().Err(err).Msg("Failed to open document")
			tracing.RecordError(ctx, err)
			result.Stderr = err.Error()
			return result
		}
		r.state.AddDocument(job.DocumentPath)
		tracing.AddSpanEvent(ctx, "document.opened", tracing.AttrDocumentPath.String(job.DocumentPath))

		// Runs before the reporting defer above.
		defer r.closeOwnDocument(ctx, job.DocumentPath, &result, logger)
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	script := executor.Script{
		Source:      job.Script,
		Parameters:  job.Parameters,
		ExecutionID: job.ExecutionID,
	}

	var (
		sr  *executor.ScriptResult
		err error
	)
	if job.DocumentPath != "" {
		sr, err = r.engine.ExecuteOnDocument(ctx, script, job.DocumentPath, timeout)
	} else {
		sr, err = r.engine.Execute(ctx, script, timeout)
	}

	if sr != nil {
		result.ExitCode = sr.ExitCode
		result.Stdout = sr.Stdout
		result.Stderr = sr.Stderr
		result.DocumentModified = sr.DocumentModified
	}

	switch {
	case err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled):
		result.Status = JobCancelled
		result.ExitCode = -1
		result.Stderr = appendLine(result.Stderr, "job cancelled")
	case err != nil:
		result.Status = JobFailed
		result.ExitCode = -1
		result.Stderr = appendLine(result.Stderr, err.Error())
	case sr.TimedOut:
		result.Status = JobTimeout
		result.Stderr = appendLine(result.Stderr, fmt.Sprintf("script timed out after %s", timeout))
	case sr.ExitCode == 0:
		result.Status = JobCompleted
	default:
		result.Status = JobFailed
	}

	return result
}

// closeOwnDocument closes a document the job opened itself, saving only when
// the script changed it.
func (r *JobRunner) closeOwnDocument(ctx context.Context, path string, result *JobResult, logger zerolog.Logger) {
	_, err := r.docs.Close(context.WithoutCancel(ctx), path, executor.CloseOptions{Save: result.DocumentModified})
	r.state.RemoveDocument(path)
	if err != nil {
		logger.Warn().Err(err).Str("document", path).Msg("Failed to close document")
		tracing.RecordError(ctx, err)
	}
}

// sendCompleted emits job_completed for result.
func (r *JobRunner) sendCompleted(result JobResult) error {
	return r.sender.Send(protocol.TypeJobCompleted, protocol.JobCompleted{
		ExecutionID:      result.ExecutionID,
		AgentID:          r.state.AgentID(),
		JobID:            result.JobID,
		Status:           string(result.Status),
		ExitCode:         result.ExitCode,
		Stdout:           result.Stdout,
		Stderr:           result.Stderr,
		DocumentModified: result.DocumentModified,
		CompletedAt:      result.CompletedAt.UTC(),
		DurationMs:       result.Duration.Milliseconds(),
	})
}

func (r *JobRunner) trackCancel(executionID string, cancel context.CancelFunc) {
	r.cancelsMu.Lock()
	r.cancels[executionID] = cancel
	r.cancelsMu.Unlock()
}

func (r *JobRunner) untrackCancel(executionID string) {
	r.cancelsMu.Lock()
	delete(r.cancels, executionID)
	r.cancelsMu.Unlock()
}

// jobFromDispatch converts a job_dispatch into a Job.
func jobFromDispatch(m *protocol.JobDispatch) *Job {
	return &Job{
		ExecutionID:  m.ExecutionID,
		JobID:        m.JobID,
		Script:       m.Script,
		Parameters:   m.Parameters,
		Timeout:      time.Duration(m.TimeoutSeconds) * time.Second,
		DocumentPath: m.DocumentPath,
	}
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	if s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s + line
}
