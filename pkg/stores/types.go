package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is wrapped by every lookup that matches no row.
var ErrNotFound = errors.New("not found")

// HostRequestStatus mirrors the engine's host request states.
type HostRequestStatus string

const (
	HostRequestStatusPending HostRequestStatus = "PENDING"
	HostRequestStatusMatched HostRequestStatus = "MATCHED"
)

// HostStatus is the registration state of a host
type HostStatus string

const (
	HostStatusRegistered HostStatus = "registered"
	HostStatusRemoved    HostStatus = "removed"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// ConfigTagInitial and ConfigTagResolved are the cluster configuration tags.
const (
	ConfigTagInitial  = "INITIAL"
	ConfigTagResolved = "TOPOLOGY_RESOLVED"
)

// BlueprintRecord is a stored blueprint document
type BlueprintRecord struct {
	Name          string    `json:"name"`
	SchemaVersion string    `json:"schema_version"`
	StackName     string    `json:"stack_name"`
	StackVersion  string    `json:"stack_version"`
	Document      string    `json:"document"` // JSON blob
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TopologyRequestRecord is an accepted provision or scale request
type TopologyRequestRecord struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"` // PROVISION, SCALE
	ClusterName string    `json:"cluster_name"`
	Blueprint   string    `json:"blueprint"`
	Description string    `json:"description"`
	Document    string    `json:"document"` // JSON blob of the request and its blueprint
	CreatedAt   time.Time `json:"created_at"`
}

// LogicalRequestRecord is the work tracker created for a topology request
type LogicalRequestRecord struct {
	ID                int64     `json:"id"`
	TopologyRequestID int64     `json:"topology_request_id"`
	ClusterName       string    `json:"cluster_name"`
	Type              string    `json:"type"`
	Description       string    `json:"description"`
	CreatedAt         time.Time `json:"created_at"`
}

// HostRequestRecord is one host slot of a logical request
type HostRequestRecord struct {
	ID               int64             `json:"id"`
	LogicalRequestID int64             `json:"logical_request_id"`
	ClusterName      string            `json:"cluster_name"`
	HostGroup        string            `json:"host_group"`
	ReservedHost     string            `json:"reserved_host,omitempty"` // explicit host name, empty for counted slots
	Predicate        string            `json:"predicate,omitempty"`
	Status           HostRequestStatus `json:"status"`
	HostName         *string           `json:"host_name,omitempty"` // bound host once matched
	MatchedAt        *time.Time        `json:"matched_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// TaskRecord is one provisioning step of a matched host request
type TaskRecord struct {
	ID               string     `json:"id"`
	HostRequestID    int64      `json:"host_request_id"`
	LogicalRequestID int64      `json:"logical_request_id"`
	ClusterName      string     `json:"cluster_name"`
	HostGroup        string     `json:"host_group"`
	HostName         string     `json:"host_name"`
	Type             string     `json:"type"` // RESOURCE_CREATION, CONFIGURE, INSTALL, START
	Component        string     `json:"component,omitempty"`
	Sequence         int        `json:"sequence"` // position in the host's chain
	Status           string     `json:"status"`
	Error            *string    `json:"error,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ClusterConfigRecord is a tagged cluster configuration
type ClusterConfigRecord struct {
	ClusterName string    `json:"cluster_name"`
	Tag         string    `json:"tag"`        // INITIAL, TOPOLOGY_RESOLVED
	Properties  string    `json:"properties"` // JSON blob: type -> key -> value
	Attributes  string    `json:"attributes"` // JSON blob: type -> attribute -> key -> value
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HostRecord is a host known to the manager
type HostRecord struct {
	Name         string     `json:"name"`
	Attributes   string     `json:"attributes"` // JSON object of string facts
	Status       HostStatus `json:"status"`
	ClusterName  *string    `json:"cluster_name,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	Type      string     `json:"type"`
	Cluster   *string    `json:"cluster,omitempty"`
	RequestID *int64     `json:"request_id,omitempty"`
	Host      *string    `json:"host,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "request.provision", "blueprint.added"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // cluster/request/host ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Blueprint operations
	UpsertBlueprint(ctx context.Context, bp *BlueprintRecord) error
	GetBlueprint(ctx context.Context, name string) (*BlueprintRecord, error)
	ListBlueprints(ctx context.Context) ([]*BlueprintRecord, error)
	DeleteBlueprint(ctx context.Context, name string) error

	// Topology request operations
	CreateTopologyRequest(ctx context.Context, req *TopologyRequestRecord) error
	GetTopologyRequest(ctx context.Context, id int64) (*TopologyRequestRecord, error)
	ListTopologyRequests(ctx context.Context) ([]*TopologyRequestRecord, error)

	// Logical and host request operations
	CreateLogicalRequest(ctx context.Context, req *LogicalRequestRecord, hostRequests []*HostRequestRecord) error
	CreateRequest(ctx context.Context, topology *TopologyRequestRecord, req *LogicalRequestRecord, hostRequests []*HostRequestRecord) error
	GetLogicalRequest(ctx context.Context, id int64) (*LogicalRequestRecord, error)
	ListLogicalRequests(ctx context.Context) ([]*LogicalRequestRecord, error)
	DeleteLogicalRequest(ctx context.Context, id int64) error
	ListHostRequests(ctx context.Context, logicalRequestID int64) ([]*HostRequestRecord, error)
	MatchHostRequest(ctx context.Context, id int64, hostName string, matchedAt time.Time) error

	// Task operations
	CreateTasks(ctx context.Context, tasks []*TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	UpdateTaskStatus(ctx context.Context, id string, status string, errMsg *string) error
	ListTasksByHostRequest(ctx context.Context, hostRequestID int64) ([]*TaskRecord, error)
	ListTasksByLogicalRequest(ctx context.Context, logicalRequestID int64) ([]*TaskRecord, error)

	// Cluster configuration operations
	UpsertClusterConfig(ctx context.Context, cfg *ClusterConfigRecord) error
	GetClusterConfig(ctx context.Context, cluster, tag string) (*ClusterConfigRecord, error)

	// Host operations
	UpsertHost(ctx context.Context, host *HostRecord) error
	GetHost(ctx context.Context, name string) (*HostRecord, error)
	ListHosts(ctx context.Context, status *HostStatus) ([]*HostRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, cluster *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
