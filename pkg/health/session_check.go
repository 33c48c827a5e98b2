// Package health provides health checks for the agent's local /healthz endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Check represents a health check.
type Check interface {
	// Name returns the name of the health check.
	Name() string
	// Check performs the health check and returns an error if unhealthy.
	Check(ctx context.Context) error
	// CheckDetailed performs the health check and returns a Result.
	CheckDetailed(ctx context.Context) Result
}

// Status represents the status of a health check.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the component is working but degraded.
	StatusDegraded Status = "degraded"
)

// Result represents the result of a health check.
type Result struct {
	Name    string            `json:"name"`
	Status  Status            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Session exposes the connection facts the session check needs.
type Session interface {
	// ConnectionStatus returns the connection status name (offline, connecting,
	// online, busy, reconnecting).
	ConnectionStatus() string
	// RunningJobs returns the number of jobs in the running set.
	RunningJobs() int
	// ReconnectAttempt returns the current reconnect attempt, 0 when connected.
	ReconnectAttempt() int
}

// SessionCheck reports the orchestrator connection as a health check.
// Online and busy are healthy, connecting and reconnecting are degraded,
// offline is unhealthy.
type SessionCheck struct {
	session Session
}

// NewSessionCheck creates a new session health check.
func NewSessionCheck(session Session) *SessionCheck {
	return &SessionCheck{session: session}
}

// Name returns the name of the health check.
func (c *SessionCheck) Name() string {
	return "session"
}

// Check returns an error only when the agent is offline.
func (c *SessionCheck) Check(ctx context.Context) error {
	if c.CheckDetailed(ctx).Status == StatusUnhealthy {
		return fmt.Errorf("agent is offline")
	}
	return nil
}

// CheckDetailed performs a detailed health check and returns a Result.
func (c *SessionCheck) CheckDetailed(ctx context.Context) Result {
	status := c.session.ConnectionStatus()
	details := map[string]string{
		"connection":   status,
		"running_jobs": fmt.Sprintf("%d", c.session.RunningJobs()),
	}

	switch status {
	case "online", "busy":
		return Result{
			Name:    c.Name(),
			Status:  StatusHealthy,
			Message: "connected to orchestrator",
			Details: details,
		}
	case "connecting", "reconnecting":
		details["reconnect_attempt"] = fmt.Sprintf("%d", c.session.ReconnectAttempt())
		return Result{
			Name:    c.Name(),
			Status:  StatusDegraded,
			Message: "connection in progress",
			Details: details,
		}
	default:
		return Result{
			Name:    c.Name(),
			Status:  StatusUnhealthy,
			Message: "not connected to orchestrator",
			Details: details,
		}
	}
}

// Report is the body served by Handler.
type Report struct {
	Status Status   `json:"status"`
	Checks []Result `json:"checks"`
}

// Handler serves the combined result of checks as JSON. The response is 503
// when any check is unhealthy.
func Handler(checks ...Check) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := Report{Status: StatusHealthy, Checks: make([]Result, 0, len(checks))}
		for _, check := range checks {
			result := check.CheckDetailed(r.Context())
			report.Checks = append(report.Checks, result)
			switch {
			case result.Status == StatusUnhealthy:
				report.Status = StatusUnhealthy
			case result.Status == StatusDegraded && report.Status == StatusHealthy:
				report.Status = StatusDegraded
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}
