package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/scriptfleet/scriptfleet/internal/agent/executor"
	"github.com/scriptfleet/scriptfleet/internal/protocol"
	"github.com/scriptfleet/scriptfleet/pkg/metrics"
	"github.com/scriptfleet/scriptfleet/pkg/tracing"
)

// ErrorPolicy decides what happens after a workflow step fails.
type ErrorPolicy string

const (
	// PolicyStop aborts the workflow.
	PolicyStop ErrorPolicy = "stop"
	// PolicySkip moves on without affecting the overall status.
	PolicySkip ErrorPolicy = "skip"
	// PolicyContinue moves on and marks the workflow completed_with_errors.
	PolicyContinue ErrorPolicy = "continue"
)

// ParseErrorPolicy maps a wire value to a policy. Empty and unknown values
// mean continue.
func ParseErrorPolicy(s string) ErrorPolicy {
	switch ErrorPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyStop:
		return PolicyStop
	case PolicySkip:
		return PolicySkip
	default:
		return PolicyContinue
	}
}

// Workflow outcomes reported in workflow_completed.
const (
	WorkflowCompleted           = "completed"
	WorkflowFailed              = "failed"
	WorkflowCompletedWithErrors = "completed_with_errors"
)

// WorkflowResult is the outcome of one workflow.
type WorkflowResult struct {
	WorkflowExecutionID string
	Status              string
	CompletedSteps      int
	TotalSteps          int
	Duration            time.Duration
	CompletedAt         time.Time
}

// WorkflowRunner executes multi-step workflows, one step at a time.
type WorkflowRunner struct {
	jobs    *JobRunner
	docs    executor.DocumentHost
	state   *State
	sender  Sender
	metrics *metrics.AgentMetrics
	logger  zerolog.Logger

	cancels   map[string]context.CancelFunc
	cancelsMu sync.Mutex
}

// NewWorkflowRunner creates a workflow runner that executes steps through jobs.
func NewWorkflowRunner(jobs *JobRunner, deps RunnerDeps) *WorkflowRunner {
	return &WorkflowRunner{
		jobs:    jobs,
		docs:    deps.Documents,
		state:   deps.State,
		sender:  deps.Sender,
		metrics: deps.Metrics,
		logger:  deps.Logger.With().Str("component", "workflow_runner").Logger(),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Execute marks the workflow active and runs it. Exactly one
// workflow_completed is emitted per call.
func (r *WorkflowRunner) Execute(ctx context.Context, workflowID string, steps []protocol.WorkflowStep) WorkflowResult {
	if err := r.state.AddWorkflow(workflowID); err != nil {
		result, sendErr := r.Reject(workflowID, len(steps), err.Error())
		if sendErr != nil {
			r.logger.Error().Err(sendErr).Str("workflow_id", workflowID).Msg("Failed to report rejected workflow")
		}
		return result
	}
	return r.run(ctx, workflowID, steps)
}

// Reject reports a workflow that was never started.
func (r *WorkflowRunner) Reject(workflowID string, totalSteps int, reason string) (WorkflowResult, error) {
	result := WorkflowResult{
		WorkflowExecutionID: workflowID,
		Status:              WorkflowFailed,
		TotalSteps:          totalSteps,
		CompletedAt:         time.Now(),
	}

	r.logger.Warn().
		Str("workflow_id", workflowID).
		Str("reason", reason).
		Msg("Rejecting workflow")

	if err := r.sendCompleted(result); err != nil {
		return result, fmt.Errorf("failed to report rejected workflow: %w", err)
	}
	return result, nil
}

// Cancel stops a running workflow after its current step. It returns false
// if the workflow is unknown.
func (r *WorkflowRunner) Cancel(workflowID string) bool {
	r.cancelsMu.Lock()
	cancel, ok := r.cancels[workflowID]
	r.cancelsMu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// run executes an active workflow and releases its slot before returning.
func (r *WorkflowRunner) run(ctx context.Context, workflowID string, steps []protocol.WorkflowStep) (result WorkflowResult) {
	startTime := time.Now()

	ordered := make([]protocol.WorkflowStep, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].StepIndex < ordered[j].StepIndex
	})

	ctx, cancel := context.WithCancel(ctx)
	r.cancelsMu.Lock()
	r.cancels[workflowID] = cancel
	r.cancelsMu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "workflow.execute", tracing.WithAttributes(
		tracing.AttrAgentID.String(r.state.AgentID()),
		tracing.AttrWorkflowID.String(workflowID),
		attribute.Int("total_steps", len(ordered)),
	))

	logger := r.logger.With().Str("workflow_id", workflowID).Logger()

	result = WorkflowResult{
		WorkflowExecutionID: workflowID,
		Status:              WorkflowCompleted,
		TotalSteps:          len(ordered),
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("Workflow panicked")
			result.Status = WorkflowFailed
		}

		cancel()
		r.cancelsMu.Lock()
		delete(r.cancels, workflowID)
		r.cancelsMu.Unlock()

		result.CompletedAt = time.Now()
		result.Duration = result.CompletedAt.Sub(startTime)

		r.state.RemoveWorkflow(workflowID)
		r.metrics.RecordWorkflowComplete(result.Status, result.Duration.Seconds())

		span.SetAttributes(
			attribute.String("status", result.Status),
			attribute.Int("completed_steps", result.CompletedSteps),
		)
		var spanErr error
		if result.Status == WorkflowFailed {
			spanErr = fmt.Errorf("workflow failed after %d of %d steps", result.CompletedSteps, result.TotalSteps)
		}
		tracing.EndSpan(span, spanErr)

		logger.Info().
			Str("status", result.Status).
			Int("completed_steps", result.CompletedSteps).
			Int("total_steps", result.TotalSteps).
			Dur("duration", result.Duration).
			Msg("Workflow finished")

		if err := r.sendCompleted(result); err != nil {
			logger.Error().Err(err).Msg("Failed to report workflow completion")
		}
	}()

	logger.Info().Int("total_steps", len(ordered)).Msg("Starting workflow")

	for _, step := range ordered {
		if ctx.Err() != nil {
			logger.Warn().Int("step_index", step.StepIndex).Msg("Workflow cancelled, skipping remaining steps")
			result.Status = WorkflowFailed
			return result
		}

		status := r.runStep(ctx, workflowID, step, logger)
		if status == JobCompleted {
			result.CompletedSteps++
			continue
		}
		if ctx.Err() != nil {
			logger.Warn().Int("step_index", step.StepIndex).Msg("Workflow cancelled during step")
			result.Status = WorkflowFailed
			return result
		}

		switch ParseErrorPolicy(step.OnError) {
		case PolicyStop:
			logger.Warn().Int("step_index", step.StepIndex).Msg("Step failed, stopping workflow")
			result.Status = WorkflowFailed
			return result
		case PolicySkip:
			logger.Info().Int("step_index", step.StepIndex).Msg("Step failed, skipping")
		default:
			// continue: the step was attempted and counts, the workflow
			// still records that something failed.
			result.CompletedSteps++
			result.Status = WorkflowCompletedWithErrors
		}
	}

	return result
}

// runStep runs one step against its document and reports it. A document the
// orchestrator already opened stays open after the step.
func (r *WorkflowRunner) runStep(ctx context.Context, workflowID string, step protocol.WorkflowStep, logger zerolog.Logger) JobStatus {
	executionID := fmt.Sprintf("%s-step%d", workflowID, step.StepIndex)
	logger = logger.With().
		Int("step_index", step.StepIndex).
		Str("execution_id", executionID).
		Logger()

	ctx, span := tracing.StartSpan(ctx, "workflow.step", tracing.WithAttributes(
		tracing.AttrWorkflowID.String(workflowID),
		tracing.AttrStepIndex.Int(step.StepIndex),
		tracing.AttrExecutionID.String(executionID),
		tracing.AttrDocumentPath.String(step.DocumentPath),
	))

	report := protocol.WorkflowStepCompleted{
		WorkflowExecutionID: workflowID,
		StepIndex:           step.StepIndex,
		Name:                step.Name,
		ExecutionID:         executionID,
		Status:              string(JobFailed),
		ExitCode:            -1,
		DocumentPath:        step.DocumentPath,
	}

	defer func() {
		span.SetAttributes(tracing.AttrJobStatus.String(report.Status))
		var spanErr error
		if report.Status != string(JobCompleted) {
			spanErr = fmt.Errorf("step %d %s", step.StepIndex, report.Status)
		}
		tracing.EndSpan(span, spanErr)
	}()

	preOpened := r.state.HasDocument(step.DocumentPath)
	if !preOpened {
		if err := r.docs.Open(ctx, step.DocumentPath, false); err != nil {
			logger.Warn().Err(err).Str("document", step.DocumentPath).Msg("Failed to open step document")
			tracing.RecordError(ctx, err)
			r.sendStep(report, logger)
			return JobFailed
		}
		r.state.AddDocument(step.DocumentPath)
	}

	job := &Job{
		ExecutionID:  executionID,
		JobID:        step.JobID,
		WorkflowID:   workflowID,
		Script:       step.Script,
		Parameters:   step.Parameters,
		Timeout:      time.Duration(step.TimeoutSeconds) * time.Second,
		DocumentPath: step.DocumentPath,
	}

	var jr JobResult
	if err := r.state.AddJob(job); err != nil {
		logger.Warn().Err(err).Msg("Step is already running")
	} else {
		jr = r.jobs.run(ctx, job, runOptions{})
		report.Status = string(jr.Status)
		report.ExitCode = jr.ExitCode
		report.DocumentModified = jr.DocumentModified
		report.DurationMs = jr.Duration.Milliseconds()
	}

	if !preOpened {
		if _, err := r.docs.Close(context.WithoutCancel(ctx), step.DocumentPath, executor.CloseOptions{Save: true}); err != nil {
			logger.Warn().Err(err).Str("document", step.DocumentPath).Msg("Failed to close step document")
			tracing.RecordError(ctx, err)
		}
		r.state.RemoveDocument(step.DocumentPath)
	}

	r.sendStep(report, logger)
	return JobStatus(report.Status)
}

func (r *WorkflowRunner) sendStep(report protocol.WorkflowStepCompleted, logger zerolog.Logger) {
	r.metrics.RecordWorkflowStep(report.Status)
	if err := r.sender.Send(protocol.TypeWorkflowStepCompleted, report); err != nil {
		logger.Error().Err(err).Msg("Failed to report workflow step")
	}
}

func (r *WorkflowRunner) sendCompleted(result WorkflowResult) error {
	return r.sender.Send(protocol.TypeWorkflowCompleted, protocol.WorkflowCompleted{
		WorkflowExecutionID: result.WorkflowExecutionID,
		Status:              result.Status,
		CompletedSteps:      result.CompletedSteps,
		TotalSteps:          result.TotalSteps,
		TotalDurationMs:     result.Duration.Milliseconds(),
		CompletedAt:         result.CompletedAt.UTC(),
	})
}
