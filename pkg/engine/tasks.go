package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TopologyTask is one provisioning step emitted for a matched host.
type TopologyTask struct {
	mu sync.RWMutex

	// ID is the unique identifier for this task.
	ID string

	// Type is the task type.
	Type TaskType

	// Component is the component for INSTALL and START tasks.
	Component string

	// HostRequestID is the host request that emitted the task.
	HostRequestID int64

	// LogicalRequestID is the owning logical request.
	LogicalRequestID int64

	// Cluster, HostGroup and Host locate the task.
	Cluster   string
	HostGroup string
	Host      string

	// Sequence is the position in the host's task chain.
	Sequence int

	status      TaskStatus
	errMsg      string
	startedAt   *time.Time
	completedAt *time.Time
}

func newTask(hr *HostRequest, host string, taskType TaskType, component string, seq int) *TopologyTask {
	return &TopologyTask{
		ID:               uuid.New().String(),
		Type:             taskType,
		Component:        component,
		HostRequestID:    hr.id,
		LogicalRequestID: hr.logicalRequestID,
		Cluster:          hr.topology.ClusterName(),
		HostGroup:        hr.groupName,
		Host:             host,
		Sequence:         seq,
		status:           TaskStatusPending,
	}
}

// Status returns the current status.
func (t *TopologyTask) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Error returns the failure message, if any.
func (t *TopologyTask) Error() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errMsg
}

// setStatus records a transition and reports false if the task was already terminal.
func (t *TopologyTask) setStatus(status TaskStatus, errMsg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	now := time.Now()
	if status == TaskStatusInProgress && t.startedAt == nil {
		t.startedAt = &now
	}
	if status.IsTerminal() {
		t.completedAt = &now
	}
	t.status = status
	t.errMsg = errMsg
	return true
}

// Info returns a snapshot of the task.
func (t *TopologyTask) Info() TaskInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TaskInfo{
		ID:               t.ID,
		Type:             t.Type,
		Component:        t.Component,
		HostRequestID:    t.HostRequestID,
		LogicalRequestID: t.LogicalRequestID,
		Cluster:          t.Cluster,
		HostGroup:        t.HostGroup,
		Host:             t.Host,
		Sequence:         t.Sequence,
		Status:           t.status,
		Error:            t.errMsg,
		StartedAt:        t.startedAt,
		CompletedAt:      t.completedAt,
	}
}

// TaskInfo is a read-only view of a TopologyTask.
type TaskInfo struct {
	ID               string     `json:"id"`
	Type             TaskType   `json:"type"`
	Component        string     `json:"component,omitempty"`
	HostRequestID    int64      `json:"host_request_id"`
	LogicalRequestID int64      `json:"logical_request_id"`
	Cluster          string     `json:"cluster"`
	HostGroup        string     `json:"host_group"`
	Host             string     `json:"host"`
	Sequence         int        `json:"sequence"`
	Status           TaskStatus `json:"status"`
	Error            string     `json:"error,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}
