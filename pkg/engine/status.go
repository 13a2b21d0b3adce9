package engine

import (
	"encoding/json"
	"fmt"
)

// HostRequestStatus is the state of a single host slot.
type HostRequestStatus string

const (
	// HostRequestPending indicates the slot has not been bound to a host yet.
	HostRequestPending HostRequestStatus = "PENDING"

	// HostRequestMatched indicates a host was accepted. It is terminal.
	HostRequestMatched HostRequestStatus = "MATCHED"
)

// IsTerminal returns true if no further transition is possible.
func (s HostRequestStatus) IsTerminal() bool {
	return s == HostRequestMatched
}

// Validate checks if the host request status is valid.
func (s HostRequestStatus) Validate() error {
	switch s {
	case HostRequestPending, HostRequestMatched:
		return nil
	default:
		return fmt.Errorf("invalid host request status: %s", s)
	}
}

// OfferAnswer is the reply to offering a host to a request.
type OfferAnswer string

const (
	// OfferAccepted indicates the host was bound and tasks were emitted.
	OfferAccepted OfferAnswer = "ACCEPTED"

	// OfferDeclinedPredicate indicates the host did not satisfy the request;
	// the caller should keep offering the host elsewhere.
	OfferDeclinedPredicate OfferAnswer = "DECLINED_PREDICATE"

	// OfferDeclinedDone indicates the request needs no more hosts.
	OfferDeclinedDone OfferAnswer = "DECLINED_DONE"
)

// TaskType is the kind of provisioning step a TopologyTask performs.
type TaskType string

const (
	// TaskResourceCreation registers the host and its components with the backend.
	TaskResourceCreation TaskType = "RESOURCE_CREATION"

	// TaskConfigure adds the host to its host group's configuration group.
	TaskConfigure TaskType = "CONFIGURE"

	// TaskInstall installs one component on the host.
	TaskInstall TaskType = "INSTALL"

	// TaskStart starts one component on the host.
	TaskStart TaskType = "START"
)

// Rank returns the position of the task type in the per-host ordering.
func (t TaskType) Rank() int {
	switch t {
	case TaskResourceCreation:
		return 0
	case TaskConfigure:
		return 1
	case TaskInstall:
		return 2
	case TaskStart:
		return 3
	default:
		return -1
	}
}

// RequiresResolvedConfiguration returns true for tasks gated by the cluster
// configuration barrier.
func (t TaskType) RequiresResolvedConfiguration() bool {
	return t == TaskInstall || t == TaskStart
}

// Validate checks if the task type is valid.
func (t TaskType) Validate() error {
	if t.Rank() < 0 {
		return fmt.Errorf("invalid task type: %s", t)
	}
	return nil
}

// TaskStatus is the execution status of a TopologyTask.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is queued.
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusInProgress indicates the task is executing.
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"

	// TaskStatusCompleted indicates the task succeeded.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusFailed indicates the backend reported a failure.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusAborted indicates the task was not run because an earlier
	// step for the same host, or the configuration barrier, failed.
	TaskStatusAborted TaskStatus = "ABORTED"

	// TaskStatusTimedOut indicates the task exceeded its deadline.
	TaskStatusTimedOut TaskStatus = "TIMEDOUT"
)

// IsTerminal returns true if the task status represents a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed ||
		s == TaskStatusAborted || s == TaskStatusTimedOut
}

// IsFailure returns true for terminal states other than completed.
func (s TaskStatus) IsFailure() bool {
	return s == TaskStatusFailed || s == TaskStatusAborted || s == TaskStatusTimedOut
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusAborted, TaskStatusTimedOut:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// RequestType distinguishes cluster creation from scaling.
type RequestType string

const (
	// RequestTypeProvision creates a new cluster.
	RequestTypeProvision RequestType = "PROVISION"

	// RequestTypeScale adds hosts to an existing cluster.
	RequestTypeScale RequestType = "SCALE"
)

// Validate checks if the request type is valid.
func (t RequestType) Validate() error {
	switch t {
	case RequestTypeProvision, RequestTypeScale:
		return nil
	default:
		return fmt.Errorf("invalid request type: %s", t)
	}
}

// RequestStatus is the aggregated status of a LogicalRequest.
type RequestStatus string

const (
	// RequestStatusPending indicates no task of the request has started.
	RequestStatusPending RequestStatus = "PENDING"

	// RequestStatusInProgress indicates tasks are running or slots remain.
	RequestStatusInProgress RequestStatus = "IN_PROGRESS"

	// RequestStatusCompleted indicates every slot is matched and every task completed.
	RequestStatusCompleted RequestStatus = "COMPLETED"

	// RequestStatusFailed indicates every slot is matched, every task is
	// terminal and at least one did not complete.
	RequestStatusFailed RequestStatus = "FAILED"
)

// IsTerminal returns true if the request status represents a final state.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusFailed
}

// ProvisionAction controls which lifecycle steps run for components.
type ProvisionAction string

const (
	// ProvisionInstallAndStart installs and then starts components.
	ProvisionInstallAndStart ProvisionAction = "INSTALL_AND_START"

	// ProvisionInstallOnly installs components without starting them.
	ProvisionInstallOnly ProvisionAction = "INSTALL_ONLY"

	// ProvisionStartOnly starts components that are already installed.
	ProvisionStartOnly ProvisionAction = "START_ONLY"
)

// Validate checks if the provision action is valid. The empty action is
// accepted and means "inherit".
func (a ProvisionAction) Validate() error {
	switch a {
	case "", ProvisionInstallAndStart, ProvisionInstallOnly, ProvisionStartOnly:
		return nil
	default:
		return fmt.Errorf("invalid provision action: %s", a)
	}
}

// ConfigRecommendationStrategy controls how advisor recommendations are applied.
type ConfigRecommendationStrategy string

const (
	// RecommendNeverApply ignores recommendations.
	RecommendNeverApply ConfigRecommendationStrategy = "NEVER_APPLY"

	// RecommendOnlyStackDefaults applies recommendations to properties the
	// operator did not set.
	RecommendOnlyStackDefaults ConfigRecommendationStrategy = "ONLY_STACK_DEFAULTS_APPLY"

	// RecommendAlwaysApply applies every recommendation.
	RecommendAlwaysApply ConfigRecommendationStrategy = "ALWAYS_APPLY"

	// RecommendAlwaysApplyKeepCustom applies recommendations unless the
	// operator set a value that differs from the stack default.
	RecommendAlwaysApplyKeepCustom ConfigRecommendationStrategy = "ALWAYS_APPLY_DONT_OVERRIDE_CUSTOM_VALUES"
)

// Validate checks if the strategy is valid. The empty strategy means NEVER_APPLY.
func (s ConfigRecommendationStrategy) Validate() error {
	switch s {
	case "", RecommendNeverApply, RecommendOnlyStackDefaults, RecommendAlwaysApply, RecommendAlwaysApplyKeepCustom:
		return nil
	default:
		return fmt.Errorf("invalid config recommendation strategy: %s", s)
	}
}

// SecurityType is the cluster security mode carried by a blueprint.
type SecurityType string

const (
	// SecurityNone means no cluster security.
	SecurityNone SecurityType = "NONE"

	// SecurityKerberos means the cluster is kerberized.
	SecurityKerberos SecurityType = "KERBEROS"
)

// MarshalJSON implements json.Marshaler for TaskStatus.
func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for TaskStatus.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := TaskStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}
