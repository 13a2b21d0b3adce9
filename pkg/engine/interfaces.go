package engine

import (
	"context"
	"time"

	"github.com/openfroyo/topology/pkg/stores"
)

// StackCatalog exposes the platform metadata the engine consumes. The
// engine never computes these rules itself.
type StackCatalog interface {
	// Name returns the stack name.
	Name() string

	// Version returns the stack version.
	Version() string

	// Services returns every service the stack defines.
	Services() []string

	// ServiceForComponent returns the owning service, or "" if unknown.
	ServiceForComponent(component string) string

	// ComponentsForService returns the components of a service.
	ComponentsForService(service string) []string

	// Cardinality returns the cardinality expression of a component ("" = any).
	Cardinality(component string) string

	// AutoDeploy returns the auto-deploy settings of a component, or nil.
	AutoDeploy(component string) *AutoDeployInfo

	// Dependencies returns the declared dependencies of a component.
	Dependencies(component string) []DependencyInfo

	// IsMasterComponent reports whether the component is a master.
	IsMasterComponent(component string) bool

	// IsClientComponent reports whether the component is client only.
	IsClientComponent(component string) bool

	// IsManagementComponent reports whether the component is the management
	// server itself, which host tasks never install or start.
	IsManagementComponent(component string) bool

	// ExternalComponentConfig returns "type/property" naming the property that
	// marks the component as externally managed, or "".
	ExternalComponentConfig(component string) string

	// RequiredProperties returns the required properties of a service.
	RequiredProperties(service string) []ConfigProperty

	// IsPasswordProperty reports whether a property holds a secret.
	IsPasswordProperty(service, configType, property string) bool

	// ServiceForConfigType returns the service owning a config type, or "".
	ServiceForConfigType(configType string) string

	// DefaultConfiguration returns the stack default layer for the given services.
	DefaultConfiguration(services []string) *Configuration
}

// StackResolver resolves a stack reference into its catalog.
type StackResolver interface {
	Stack(name, version string) (StackCatalog, error)
}

// AutoDeployInfo describes whether a missing component may be added automatically.
type AutoDeployInfo struct {
	// Enabled allows the validator to add the component.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// CoLocate is "SERVICE/COMPONENT"; the component is added to the first
	// host group holding that component.
	CoLocate string `json:"co_locate,omitempty" yaml:"co_locate,omitempty"`
}

// DependencyCondition is satisfied when a cluster property has a given value.
type DependencyCondition struct {
	ConfigType string `json:"config_type" yaml:"config_type"`
	Property   string `json:"property" yaml:"property"`
	Value      string `json:"value" yaml:"value"`
}

// DependencyInfo is one declared dependency of a component.
type DependencyInfo struct {
	// Name is "SERVICE/COMPONENT".
	Name string `json:"name" yaml:"name"`

	// Scope is "host" or "cluster".
	Scope string `json:"scope" yaml:"scope"`

	// AutoDeploy optionally allows auto-adding the dependency.
	AutoDeploy *AutoDeployInfo `json:"auto_deploy,omitempty" yaml:"auto_deploy,omitempty"`

	// ConditionalService names an optional service the dependency applies to.
	ConditionalService string `json:"conditional_service,omitempty" yaml:"conditional_service,omitempty"`

	// Conditions must all hold for the dependency to apply.
	Conditions []DependencyCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// ServiceName returns the service part of Name.
func (d DependencyInfo) ServiceName() string {
	service, _ := splitQualified(d.Name)
	return service
}

// ComponentName returns the component part of Name.
func (d DependencyInfo) ComponentName() string {
	_, component := splitQualified(d.Name)
	return component
}

// ConfigProperty identifies a property in a config type.
type ConfigProperty struct {
	Type     string `json:"type" yaml:"type"`
	Name     string `json:"name" yaml:"name"`
	Password bool   `json:"password,omitempty" yaml:"password,omitempty"`
}

// Predicate decides whether a host may fill a counted slot.
type Predicate interface {
	// Matches evaluates the predicate against the host's name and attributes.
	Matches(host *Host) (bool, error)

	// String returns the source expression.
	String() string
}

// PredicateCompiler compiles predicate expressions.
type PredicateCompiler interface {
	Compile(expression string) (Predicate, error)
}

// HostCommand is one unit of work sent to the command backend.
type HostCommand struct {
	// TaskID is the topology task identifier.
	TaskID string `json:"task_id"`

	// Type is the task type.
	Type TaskType `json:"type"`

	// Cluster, Blueprint and HostGroup locate the host in the topology.
	Cluster   string `json:"cluster"`
	Blueprint string `json:"blueprint"`
	HostGroup string `json:"host_group"`

	// Stack is the blueprint's stack.
	Stack StackRef `json:"stack"`

	// Host is the target host name.
	Host string `json:"host"`

	// Component is set for INSTALL and START.
	Component string `json:"component,omitempty"`

	// ServiceComponents maps service to its components on the host; set for
	// RESOURCE_CREATION.
	ServiceComponents map[string][]string `json:"service_components,omitempty"`

	// Configuration is the host's effective configuration; set for CONFIGURE.
	Configuration map[string]map[string]string `json:"configuration,omitempty"`
}

// CommandBackend executes provisioning actions against the managed hosts.
type CommandBackend interface {
	// CreateClusterResources registers the cluster, its services and components.
	CreateClusterResources(ctx context.Context, cluster string, stack StackRef, serviceComponents map[string][]string) error

	// SetClusterConfiguration publishes a tagged cluster configuration.
	SetClusterConfiguration(ctx context.Context, cluster, tag string, configuration map[string]map[string]string) error

	// Execute runs a single host command to completion.
	Execute(ctx context.Context, cmd *HostCommand) error
}

// ConfigAdvisor computes configuration recommendations for a resolved topology.
type ConfigAdvisor interface {
	Recommend(ctx context.Context, snapshot *TopologySnapshot, userConfig map[string]map[string]string) (map[string]map[string]string, error)
}

// PolicyChecker evaluates operator policies against a topology.
type PolicyChecker interface {
	EvaluateTopology(ctx context.Context, snapshot *TopologySnapshot) (*PolicyResult, error)
}

// EventPublisher publishes topology events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives manager metrics.
type MetricsRecorder interface {
	RecordRequestAccepted(requestType string)
	RecordOffer(answer string)
	RecordTask(taskType, status string, duration time.Duration)
	SetAvailableHosts(count int)
	SetOutstandingRequests(count int)
}

// RequestStore is the durable storage the manager needs for replay.
type RequestStore interface {
	// CreateRequest persists a topology request with its logical request
	// and host requests in one transaction.
	CreateRequest(ctx context.Context, topology *stores.TopologyRequestRecord, req *stores.LogicalRequestRecord, hostRequests []*stores.HostRequestRecord) error
	ListTopologyRequests(ctx context.Context) ([]*stores.TopologyRequestRecord, error)

	ListLogicalRequests(ctx context.Context) ([]*stores.LogicalRequestRecord, error)
	DeleteLogicalRequest(ctx context.Context, id int64) error
	ListHostRequests(ctx context.Context, logicalRequestID int64) ([]*stores.HostRequestRecord, error)
	MatchHostRequest(ctx context.Context, id int64, hostName string, matchedAt time.Time) error

	CreateTasks(ctx context.Context, tasks []*stores.TaskRecord) error
	UpdateTaskStatus(ctx context.Context, id string, status string, errMsg *string) error
	ListTasksByHostRequest(ctx context.Context, hostRequestID int64) ([]*stores.TaskRecord, error)

	UpsertClusterConfig(ctx context.Context, cfg *stores.ClusterConfigRecord) error
	GetClusterConfig(ctx context.Context, cluster, tag string) (*stores.ClusterConfigRecord, error)

	UpsertHost(ctx context.Context, host *stores.HostRecord) error
	ListHosts(ctx context.Context, status *stores.HostStatus) ([]*stores.HostRecord, error)
}
