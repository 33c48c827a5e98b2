package protocol

import (
	"encoding/json"
	"time"
)

// Inbound is implemented by every Orchestrator -> Agent message. The set is
// closed: only types in this package satisfy it.
type Inbound interface {
	Type() MessageType
	inbound()
}

// JobDispatch asks the agent to run one script.
type JobDispatch struct {
	ExecutionID    string         `json:"executionId"`
	JobID          string         `json:"jobId"`
	Script         string         `json:"script"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
	DocumentPath   string         `json:"documentPath,omitempty"`
}

// JobCancel asks the agent to stop a running job.
type JobCancel struct {
	ExecutionID string `json:"executionId"`
	Reason      string `json:"reason,omitempty"`
}

// WorkflowStep is one document-bound step of a workflow dispatch.
type WorkflowStep struct {
	StepIndex      int            `json:"stepIndex"`
	Name           string         `json:"name"`
	JobID          string         `json:"jobId"`
	Script         string         `json:"script"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	DocumentPath   string         `json:"documentPath"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
	OnError        string         `json:"onError"`
}

// WorkflowDispatch asks the agent to run an ordered list of steps.
type WorkflowDispatch struct {
	WorkflowExecutionID string         `json:"workflowExecutionId"`
	Steps               []WorkflowStep `json:"steps"`
}

// OpenDocument asks the agent to open a document in the host application.
type OpenDocument struct {
	ExecutionID  string `json:"executionId"`
	DocumentPath string `json:"documentPath"`
	ReadOnly     bool   `json:"readOnly,omitempty"`
}

// CloseDocument asks the agent to close a document. An empty DocumentPath
// closes the most recently opened document.
type CloseDocument struct {
	ExecutionID  string `json:"executionId"`
	DocumentPath string `json:"documentPath,omitempty"`
	Save         bool   `json:"save"`
	SaveAsPath   string `json:"saveAsPath,omitempty"`
}

// Unknown carries a frame whose type this agent does not understand.
type Unknown struct {
	MessageType MessageType
	Payload     json.RawMessage
}

func (*JobDispatch) Type() MessageType      { return TypeJobDispatch }
func (*JobCancel) Type() MessageType        { return TypeJobCancel }
func (*WorkflowDispatch) Type() MessageType { return TypeWorkflowDispatch }
func (*OpenDocument) Type() MessageType     { return TypeOpenDocument }
func (*CloseDocument) Type() MessageType    { return TypeCloseDocument }
func (u *Unknown) Type() MessageType        { return u.MessageType }

func (*JobDispatch) inbound()      {}
func (*JobCancel) inbound()        {}
func (*WorkflowDispatch) inbound() {}
func (*OpenDocument) inbound()     {}
func (*CloseDocument) inbound()    {}
func (*Unknown) inbound()          {}

// Register announces the agent right after the connection is established.
type Register struct {
	AgentID           string   `json:"agentId"`
	Name              string   `json:"name"`
	Tags              []string `json:"tags,omitempty"`
	Version           string   `json:"version"`
	MaxConcurrentJobs int      `json:"maxConcurrentJobs"`
	OS                string   `json:"os"`
	Arch              string   `json:"arch"`
}

// ResourceUsage is the coarse host usage reported with heartbeats.
type ResourceUsage struct {
	CPUPercent       float64 `json:"cpuPercent"`
	MemoryUsedBytes  uint64  `json:"memoryUsedBytes"`
	MemoryTotalBytes uint64  `json:"memoryTotalBytes"`
}

// Heartbeat is sent on a fixed interval while connected.
type Heartbeat struct {
	AgentID       string         `json:"agentId"`
	Status        string         `json:"status"`
	RunningJobs   int            `json:"runningJobs"`
	RunningJobIDs []string       `json:"runningJobIds,omitempty"`
	OpenDocuments []string       `json:"openDocuments"`
	Resources     *ResourceUsage `json:"resources,omitempty"`
}

// JobStarted is emitted once when a job begins.
type JobStarted struct {
	ExecutionID string    `json:"executionId"`
	AgentID     string    `json:"agentId"`
	JobID       string    `json:"jobId,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
}

// JobCompleted is emitted exactly once per job, including rejected ones.
type JobCompleted struct {
	ExecutionID      string    `json:"executionId"`
	AgentID          string    `json:"agentId"`
	JobID            string    `json:"jobId,omitempty"`
	Status           string    `json:"status"`
	ExitCode         int       `json:"exitCode"`
	Stdout           string    `json:"stdout"`
	Stderr           string    `json:"stderr"`
	DocumentModified bool      `json:"documentModified"`
	CompletedAt      time.Time `json:"completedAt"`
	DurationMs       int64     `json:"durationMs"`
}

// WorkflowStepCompleted is emitted for every attempted workflow step.
type WorkflowStepCompleted struct {
	WorkflowExecutionID string `json:"workflowExecutionId"`
	StepIndex           int    `json:"stepIndex"`
	Name                string `json:"name,omitempty"`
	ExecutionID         string `json:"executionId"`
	Status              string `json:"status"`
	ExitCode            int    `json:"exitCode"`
	DocumentPath        string `json:"documentPath"`
	DocumentModified    bool   `json:"documentModified"`
	DurationMs          int64  `json:"durationMs"`
}

// WorkflowCompleted is emitted exactly once per workflow dispatch.
type WorkflowCompleted struct {
	WorkflowExecutionID string    `json:"workflowExecutionId"`
	Status              string    `json:"status"`
	CompletedSteps      int       `json:"completedSteps"`
	TotalSteps          int       `json:"totalSteps"`
	TotalDurationMs     int64     `json:"totalDurationMs"`
	CompletedAt         time.Time `json:"completedAt"`
}

// Document actions reported in DocumentResult.
const (
	ActionOpened = "opened"
	ActionClosed = "closed"
)

// DocumentResult answers an open_document or close_document request.
type DocumentResult struct {
	ExecutionID  string `json:"executionId"`
	Action       string `json:"action"`
	DocumentPath string `json:"documentPath"`
	Success      bool   `json:"success"`
	SavedPath    string `json:"savedPath,omitempty"`
	Error        string `json:"error,omitempty"`
}
