package engine

import (
	"time"
)

// BlueprintSchemaVersion is the only blueprint document version accepted.
const BlueprintSchemaVersion = "2"

// ConfigurationSpec is one config type of a configuration document.
type ConfigurationSpec struct {
	// Properties maps property name to value.
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`

	// Attributes maps attribute name (e.g. "final") to property name to value.
	Attributes map[string]map[string]string `json:"properties_attributes,omitempty" yaml:"properties_attributes,omitempty"`
}

// ConfigurationsSpec maps config type (e.g. "hdfs-site") to its content.
type ConfigurationsSpec map[string]ConfigurationSpec

// ToConfiguration builds a Configuration layer on top of parent.
func (cs ConfigurationsSpec) ToConfiguration(parent *Configuration) *Configuration {
	props := make(map[string]map[string]string, len(cs))
	attrs := make(map[string]map[string]map[string]string)
	for t, spec := range cs {
		props[t] = spec.Properties
		if len(spec.Attributes) > 0 {
			attrs[t] = spec.Attributes
		}
	}
	return NewConfiguration(props, attrs, parent)
}

// ConfigurationsFromLayer converts the local layer of a Configuration back
// into its document form.
func ConfigurationsFromLayer(c *Configuration) ConfigurationsSpec {
	out := make(ConfigurationsSpec)
	if c == nil {
		return out
	}
	for t, props := range c.Properties() {
		out[t] = ConfigurationSpec{Properties: props}
	}
	for t, attrs := range c.Attributes() {
		spec := out[t]
		spec.Attributes = attrs
		out[t] = spec
	}
	return out
}

// StackRef names the platform stack a blueprint targets.
type StackRef struct {
	// Name is the stack name (e.g. "HDP").
	Name string `json:"name" yaml:"name" validate:"required"`

	// Version is the stack version (e.g. "3.1").
	Version string `json:"version" yaml:"version" validate:"required"`
}

// SecuritySpec is the security descriptor of a blueprint.
type SecuritySpec struct {
	// Type is NONE or KERBEROS.
	Type SecurityType `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=NONE KERBEROS"`
}

// ComponentSpec declares a component inside a host group.
type ComponentSpec struct {
	// Name is the component name (e.g. "NAMENODE").
	Name string `json:"name" yaml:"name" validate:"required"`

	// MpackInstance optionally qualifies the owning management pack.
	MpackInstance string `json:"mpack_instance,omitempty" yaml:"mpack_instance,omitempty"`

	// ServiceInstance optionally qualifies the owning service instance.
	ServiceInstance string `json:"service_instance,omitempty" yaml:"service_instance,omitempty"`

	// ProvisionAction overrides the request's provision action for this component.
	ProvisionAction ProvisionAction `json:"provision_action,omitempty" yaml:"provision_action,omitempty" validate:"omitempty,oneof=INSTALL_AND_START INSTALL_ONLY START_ONLY"`
}

// HostGroupSpec declares a host group of a blueprint.
type HostGroupSpec struct {
	// Name is the host group name, unique within the blueprint.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Cardinality is the expected number of hosts ("1", "1+", "ALL").
	Cardinality string `json:"cardinality,omitempty" yaml:"cardinality,omitempty"`

	// Components are the components installed on every host of the group.
	Components []ComponentSpec `json:"components" yaml:"components" validate:"required,min=1,dive"`

	// Configurations are host group scoped configuration overrides.
	Configurations ConfigurationsSpec `json:"configurations,omitempty" yaml:"configurations,omitempty"`
}

// BlueprintSpec is the versioned blueprint document.
type BlueprintSpec struct {
	// SchemaVersion must equal BlueprintSchemaVersion.
	SchemaVersion string `json:"schema_version" yaml:"schema_version" validate:"required"`

	// Name is the blueprint name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Stack is the platform stack reference.
	Stack StackRef `json:"stack" yaml:"stack" validate:"required"`

	// Security is the security descriptor.
	Security SecuritySpec `json:"security,omitempty" yaml:"security,omitempty"`

	// Configurations are the blueprint cluster configuration defaults.
	Configurations ConfigurationsSpec `json:"configurations,omitempty" yaml:"configurations,omitempty"`

	// HostGroups are the logical roles of the blueprint.
	HostGroups []HostGroupSpec `json:"host_groups" yaml:"host_groups" validate:"required,min=1,dive"`
}

// HostSpec names an explicit host in a topology request.
type HostSpec struct {
	// FQDN is the fully qualified host name.
	FQDN string `json:"fqdn" yaml:"fqdn" validate:"required"`
}

// HostGroupInfoSpec binds a blueprint host group to concrete hosts.
type HostGroupInfoSpec struct {
	// Name is the blueprint host group name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// HostCount requests that many hosts chosen at registration time.
	HostCount int `json:"host_count,omitempty" yaml:"host_count,omitempty" validate:"gte=0"`

	// HostPredicate optionally restricts which hosts can fill counted slots.
	HostPredicate string `json:"host_predicate,omitempty" yaml:"host_predicate,omitempty"`

	// Hosts are explicit host names reserved for the group.
	Hosts []HostSpec `json:"hosts,omitempty" yaml:"hosts,omitempty" validate:"dive"`

	// Configurations are request scoped host group overrides.
	Configurations ConfigurationsSpec `json:"configurations,omitempty" yaml:"configurations,omitempty"`
}

// TopologyRequestSpec is the provision or scale request document.
type TopologyRequestSpec struct {
	// Type is PROVISION or SCALE.
	Type RequestType `json:"type" yaml:"type" validate:"required,oneof=PROVISION SCALE"`

	// ClusterName identifies the cluster.
	ClusterName string `json:"cluster_name" yaml:"cluster_name" validate:"required"`

	// Blueprint is the name of the blueprint the request uses.
	Blueprint string `json:"blueprint" yaml:"blueprint" validate:"required"`

	// Description is free text shown in status output.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// ProvisionAction is the default action for components.
	ProvisionAction ProvisionAction `json:"provision_action,omitempty" yaml:"provision_action,omitempty" validate:"omitempty,oneof=INSTALL_AND_START INSTALL_ONLY START_ONLY"`

	// ConfigRecommendationStrategy controls advisor recommendations.
	ConfigRecommendationStrategy ConfigRecommendationStrategy `json:"config_recommendation_strategy,omitempty" yaml:"config_recommendation_strategy,omitempty" validate:"omitempty,oneof=NEVER_APPLY ONLY_STACK_DEFAULTS_APPLY ALWAYS_APPLY ALWAYS_APPLY_DONT_OVERRIDE_CUSTOM_VALUES"`

	// Configurations are request scoped cluster configuration overrides.
	Configurations ConfigurationsSpec `json:"configurations,omitempty" yaml:"configurations,omitempty"`

	// HostGroups bind blueprint host groups to hosts.
	HostGroups []HostGroupInfoSpec `json:"host_groups" yaml:"host_groups" validate:"required,min=1,dive"`
}

// TopologyRequest is a request together with the blueprint it references.
type TopologyRequest struct {
	// ID is assigned by the manager when the request is accepted.
	ID int64 `json:"id"`

	// Spec is the request document.
	Spec TopologyRequestSpec `json:"spec"`

	// Blueprint is the referenced blueprint document. It is required for
	// provisioning and ignored when scaling.
	Blueprint *BlueprintSpec `json:"blueprint,omitempty"`

	// CreatedAt is when the request was accepted.
	CreatedAt time.Time `json:"created_at"`
}

// Host is a registered host as reported by its agent.
type Host struct {
	// Name is the host name used for matching explicit reservations.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Attributes are facts evaluated by host predicates (cpu_count, os_type, rack...).
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// RegisteredAt is when the host registered.
	RegisteredAt time.Time `json:"registered_at" yaml:"registered_at,omitempty"`
}

// EventType is the type of a topology event.
type EventType string

const (
	EventTypeRequestAccepted   EventType = "request.accepted"
	EventTypeRequestCompleted  EventType = "request.completed"
	EventTypeHostRegistered    EventType = "host.registered"
	EventTypeHostMatched       EventType = "host.matched"
	EventTypeHostRemoved       EventType = "host.removed"
	EventTypeTaskStarted       EventType = "task.started"
	EventTypeTaskCompleted     EventType = "task.completed"
	EventTypeTaskFailed        EventType = "task.failed"
	EventTypeTopologyResolved  EventType = "topology.resolved"
	EventTypeConfigureFailed   EventType = "topology.configure_failed"
)

// Event is published for every observable state change of the manager.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Cluster is the cluster name, if applicable.
	Cluster string `json:"cluster,omitempty"`

	// RequestID is the logical request ID, if applicable.
	RequestID int64 `json:"request_id,omitempty"`

	// HostRequestID is the host request ID, if applicable.
	HostRequestID int64 `json:"host_request_id,omitempty"`

	// Host is the host name, if applicable.
	Host string `json:"host,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the severity (info, warning, error).
	Level string `json:"level"`

	// Data contains event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// TopologySnapshot is a read-only view of a cluster topology, used as
// policy input and for status output.
type TopologySnapshot struct {
	Cluster         string                       `json:"cluster"`
	Blueprint       string                       `json:"blueprint"`
	Stack           StackRef                     `json:"stack"`
	Security        SecurityType                 `json:"security"`
	ProvisionAction ProvisionAction              `json:"provision_action"`
	HostGroups      []HostGroupSnapshot          `json:"host_groups"`
	Configuration   map[string]map[string]string `json:"configuration"`
}

// HostGroupSnapshot is the runtime view of one host group.
type HostGroupSnapshot struct {
	Name           string   `json:"name"`
	Cardinality    string   `json:"cardinality,omitempty"`
	Components     []string `json:"components"`
	ContainsMaster bool     `json:"contains_master"`
	Hosts          []string `json:"hosts"`
	RequestedCount int      `json:"requested_count"`
	Predicate      string   `json:"predicate,omitempty"`
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed indicates if the topology is allowed.
	Allowed bool `json:"allowed"`

	// Violations lists policy violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists policy warnings.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the policy name that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity (error, warning).
	Severity string `json:"severity"`

	// ResourceID is the host group or host that violated the policy, if applicable.
	ResourceID string `json:"resource_id,omitempty"`
}
