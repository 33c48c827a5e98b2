package agent

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionStatus is the agent's connection state.
type ConnectionStatus string

const (
	StatusOffline      ConnectionStatus = "offline"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusOnline       ConnectionStatus = "online"
	StatusBusy         ConnectionStatus = "busy"
	StatusReconnecting ConnectionStatus = "reconnecting"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimeout   JobStatus = "timeout"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether s is a final job status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimeout, JobCancelled:
		return true
	}
	return false
}

var (
	// ErrAlreadyRunning is returned when an execution id is already in the running set.
	ErrAlreadyRunning = errors.New("execution is already running")

	// ErrAtCapacity is returned when the concurrency limit has been reached.
	ErrAtCapacity = errors.New("agent at capacity")
)

// Job is one dispatched unit of work.
type Job struct {
	ExecutionID  string
	JobID        string
	WorkflowID   string
	Script       string
	Parameters   map[string]any
	Timeout      time.Duration
	DocumentPath string
	Status       JobStatus
	StartedAt    time.Time
	Duration     time.Duration
}

// JobSummary describes a running job in a Snapshot.
type JobSummary struct {
	ExecutionID string        `json:"executionId" yaml:"execution_id"`
	JobID       string        `json:"jobId,omitempty" yaml:"job_id,omitempty"`
	WorkflowID  string        `json:"workflowId,omitempty" yaml:"workflow_id,omitempty"`
	Status      JobStatus     `json:"status" yaml:"status"`
	StartedAt   time.Time     `json:"startedAt" yaml:"started_at"`
	Elapsed     time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Snapshot is a point-in-time copy of the agent state.
type Snapshot struct {
	Status           ConnectionStatus `json:"status" yaml:"status"`
	AgentID          string           `json:"agentId" yaml:"agent_id"`
	Endpoint         string           `json:"endpoint" yaml:"endpoint"`
	DisplayName      string           `json:"displayName" yaml:"display_name"`
	RunningJobs      []JobSummary     `json:"runningJobs" yaml:"running_jobs"`
	ActiveWorkflows  []string         `json:"activeWorkflows" yaml:"active_workflows"`
	OpenDocuments    []string         `json:"openDocuments" yaml:"open_documents"`
	ReconnectAttempt int              `json:"reconnectAttempt" yaml:"reconnect_attempt"`
}

// State is the authoritative in-memory record of what the agent is doing.
// Every mutation and read goes through mu, so Busy/Online is always
// consistent with the running set.
type State struct {
	mu sync.RWMutex

	status           ConnectionStatus
	agentID          string
	endpoint         string
	displayName      string
	reconnectAttempt int

	jobs      map[string]*Job
	workflows map[string]time.Time
	documents []string

	events   *Broadcaster
	observer func(ConnectionStatus)
}

// NewState creates an Offline state publishing changes to events.
func NewState(events *Broadcaster) *State {
	if events == nil {
		events = NewBroadcaster()
	}
	return &State{
		status:    StatusOffline,
		jobs:      make(map[string]*Job),
		workflows: make(map[string]time.Time),
		events:    events,
	}
}

// SetStatusObserver registers fn to be called, under the state lock, on
// every connection status change. fn must not call back into State.
func (s *State) SetStatusObserver(fn func(ConnectionStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// Status returns the current connection status.
func (s *State) Status() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus changes the connection status. Online and Busy are treated as
// one request and resolved against the running set.
func (s *State) SetStatus(status ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status == StatusOnline || status == StatusBusy {
		status = s.activityStatusLocked()
	}
	s.setStatusLocked(status)
}

// EnsureAgentID returns the agent id, generating it on first use.
func (s *State) EnsureAgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentID == "" {
		s.agentID = uuid.New().String()
	}
	return s.agentID
}

// AgentID returns the agent id, or "" before the first connection.
func (s *State) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentID
}

// SetTarget records the endpoint and display name of the current session.
func (s *State) SetTarget(endpoint, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = endpoint
	s.displayName = displayName
}

// SetReconnectAttempt records the current reconnect attempt (0 when connected).
func (s *State) SetReconnectAttempt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempt = n
}

// TryAdmit inserts job into the running set if the concurrency limit allows.
func (s *State) TryAdmit(job *Job, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ExecutionID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, job.ExecutionID)
	}
	if n := s.activeLocked(); n >= limit {
		return fmt.Errorf("%w: %d of %d jobs running", ErrAtCapacity, n, limit)
	}

	s.insertJobLocked(job)
	return nil
}

// AddJob inserts job into the running set without a capacity check.
func (s *State) AddJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ExecutionID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, job.ExecutionID)
	}

	s.insertJobLocked(job)
	return nil
}

func (s *State) insertJobLocked(job *Job) {
	if job.Status == "" {
		job.Status = JobQueued
	}
	s.jobs[job.ExecutionID] = job
	s.deriveLocked()
}

// SetJobStatus updates a running job's status and publishes the change.
func (s *State) SetJobStatus(executionID string, status JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[executionID]
	if !ok {
		return
	}
	job.Status = status
	if status == JobRunning && job.StartedAt.IsZero() {
		job.StartedAt = time.Now()
	}
	s.events.Publish(Event{Kind: EventJobStatusChanged, ExecutionID: executionID, JobStatus: status})
}

// RemoveJob removes a job from the running set, publishing its terminal status.
func (s *State) RemoveJob(executionID string, final JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[executionID]
	if !ok {
		return
	}
	delete(s.jobs, executionID)
	job.Status = final
	if !job.StartedAt.IsZero() {
		job.Duration = time.Since(job.StartedAt)
	}
	s.events.Publish(Event{Kind: EventJobStatusChanged, ExecutionID: executionID, JobStatus: final})
	s.deriveLocked()
}

// HasJob reports whether executionID is in the running set.
func (s *State) HasJob(executionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[executionID]
	return ok
}

// RunningJobIDs returns the sorted execution ids of running jobs.
func (s *State) RunningJobIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TryAdmitWorkflow reserves one concurrency slot for a workflow.
func (s *State) TryAdmitWorkflow(workflowID string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[workflowID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, workflowID)
	}
	if n := s.activeLocked(); n >= limit {
		return fmt.Errorf("%w: %d of %d jobs running", ErrAtCapacity, n, limit)
	}

	s.workflows[workflowID] = time.Now()
	s.deriveLocked()
	return nil
}

// AddWorkflow marks a workflow active without a capacity check.
func (s *State) AddWorkflow(workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[workflowID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, workflowID)
	}
	s.workflows[workflowID] = time.Now()
	s.deriveLocked()
	return nil
}

// RemoveWorkflow releases a workflow's slot.
func (s *State) RemoveWorkflow(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[workflowID]; !ok {
		return
	}
	delete(s.workflows, workflowID)
	s.deriveLocked()
}

// AddDocument appends path to the open-document list.
func (s *State) AddDocument(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.documents {
		if p == path {
			return
		}
	}
	s.documents = append(s.documents, path)
}

// RemoveDocument removes path from the open-document list.
func (s *State) RemoveDocument(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.documents {
		if p == path {
			s.documents = append(s.documents[:i], s.documents[i+1:]...)
			return
		}
	}
}

// HasDocument reports whether path is in the open-document list.
func (s *State) HasDocument(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.documents, path)
}

// LastDocument returns the most recently opened document, or "".
func (s *State) LastDocument() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.documents) == 0 {
		return ""
	}
	return s.documents[len(s.documents)-1]
}

// Documents returns a copy of the open-document list.
func (s *State) Documents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.documents...)
}

// Snapshot returns a copy of the whole state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	snap := Snapshot{
		Status:           s.status,
		AgentID:          s.agentID,
		Endpoint:         s.endpoint,
		DisplayName:      s.displayName,
		RunningJobs:      make([]JobSummary, 0, len(s.jobs)),
		ActiveWorkflows:  make([]string, 0, len(s.workflows)),
		OpenDocuments:    append([]string{}, s.documents...),
		ReconnectAttempt: s.reconnectAttempt,
	}

	for _, job := range s.jobs {
		summary := JobSummary{
			ExecutionID: job.ExecutionID,
			JobID:       job.JobID,
			WorkflowID:  job.WorkflowID,
			Status:      job.Status,
			StartedAt:   job.StartedAt,
		}
		if !job.StartedAt.IsZero() {
			summary.Elapsed = now.Sub(job.StartedAt)
		}
		snap.RunningJobs = append(snap.RunningJobs, summary)
	}
	sort.Slice(snap.RunningJobs, func(i, j int) bool {
		return snap.RunningJobs[i].ExecutionID < snap.RunningJobs[j].ExecutionID
	})

	for id := range s.workflows {
		snap.ActiveWorkflows = append(snap.ActiveWorkflows, id)
	}
	sort.Strings(snap.ActiveWorkflows)

	return snap
}

// activeLocked counts occupied concurrency slots: each workflow takes one
// slot, and its steps do not take another.
func (s *State) activeLocked() int {
	n := len(s.workflows)
	for _, job := range s.jobs {
		if job.WorkflowID == "" {
			n++
		}
	}
	return n
}

func (s *State) activityStatusLocked() ConnectionStatus {
	if len(s.jobs) > 0 || len(s.workflows) > 0 {
		return StatusBusy
	}
	return StatusOnline
}

// deriveLocked recomputes Busy/Online, only while connected.
func (s *State) deriveLocked() {
	if s.status != StatusOnline && s.status != StatusBusy {
		return
	}
	s.setStatusLocked(s.activityStatusLocked())
}

func (s *State) setStatusLocked(status ConnectionStatus) {
	if s.status == status {
		return
	}
	s.status = status
	if s.observer != nil {
		s.observer(status)
	}
	s.events.Publish(Event{Kind: EventStatusChanged, Status: status})
}
