package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HostRequest is one host slot of a LogicalRequest. It moves from PENDING
// to MATCHED exactly once.
type HostRequest struct {
	mu               sync.RWMutex
	id               int64
	logicalRequestID int64
	topology         *ClusterTopology
	group            *HostGroup
	groupName        string
	reservedHost     string
	predicateExpr    string
	predicate        Predicate
	containsMaster   bool
	status           HostRequestStatus
	hostName         string
	matchedAt        time.Time
	tasks            []*TopologyTask
	logger           zerolog.Logger
}

// NewHostRequest creates a pending host slot. reservedHost binds the slot to
// a named host; otherwise predicateExpr optionally constrains which hosts
// can fill it. A predicate that fails to compile is logged and ignored.
func NewHostRequest(
	id, logicalRequestID int64,
	topology *ClusterTopology,
	groupName, reservedHost, predicateExpr string,
	compiler PredicateCompiler,
	logger zerolog.Logger,
) (*HostRequest, error) {
	group, ok := topology.Blueprint().HostGroup(groupName)
	if !ok {
		return nil, validationFailure(fmt.Sprintf("host group %q is not defined in the blueprint", groupName), nil).
			WithCode(ErrCodeNotFound).WithResource(groupName)
	}

	hr := &HostRequest{
		id:               id,
		logicalRequestID: logicalRequestID,
		topology:         topology,
		group:            group,
		groupName:        groupName,
		reservedHost:     reservedHost,
		predicateExpr:    predicateExpr,
		containsMaster:   group.ContainsMasterComponent(),
		status:           HostRequestPending,
		logger: logger.With().
			Int64("host_request_id", id).
			Str("host_group", groupName).
			Logger(),
	}

	if predicateExpr != "" && reservedHost == "" {
		switch {
		case compiler == nil:
			hr.logger.Warn().Str("predicate", predicateExpr).Msg("No predicate compiler configured, ignoring host predicate")
		default:
			p, err := compiler.Compile(predicateExpr)
			if err != nil {
				hr.logger.Error().Err(err).Str("predicate", predicateExpr).Msg("Failed to compile host predicate, proceeding without it")
			} else {
				hr.predicate = p
			}
		}
	}

	return hr, nil
}

// ID returns the host request ID.
func (hr *HostRequest) ID() int64 { return hr.id }

// LogicalRequestID returns the owning logical request ID.
func (hr *HostRequest) LogicalRequestID() int64 { return hr.logicalRequestID }

// HostGroupName returns the host group the slot belongs to.
func (hr *HostRequest) HostGroupName() string { return hr.groupName }

// ReservedHost returns the explicit host name, or "" for counted slots.
func (hr *HostRequest) ReservedHost() string { return hr.reservedHost }

// PredicateExpression returns the predicate source, or "".
func (hr *HostRequest) PredicateExpression() string { return hr.predicateExpr }

// ContainsMaster reports whether the host group runs a master component.
func (hr *HostRequest) ContainsMaster() bool { return hr.containsMaster }

// Status returns the slot state.
func (hr *HostRequest) Status() HostRequestStatus {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.status
}

// HostName returns the bound host, or "" while pending.
func (hr *HostRequest) HostName() string {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.hostName
}

// MatchedAt returns when the slot was matched, or the zero time.
func (hr *HostRequest) MatchedAt() time.Time {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.matchedAt
}

// Tasks returns the emitted tasks in chain order.
func (hr *HostRequest) Tasks() []*TopologyTask {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return append([]*TopologyTask(nil), hr.tasks...)
}

// Offer tests a host against the slot. On a match the host is bound into
// the topology and the task chain is returned with OfferAccepted.
func (hr *HostRequest) Offer(host *Host) (OfferAnswer, []*TopologyTask, error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	if hr.status == HostRequestMatched {
		return OfferDeclinedDone, nil, nil
	}
	if !hr.matches(host) {
		return OfferDeclinedPredicate, nil, nil
	}

	if err := hr.topology.AddHostToTopology(hr.groupName, host.Name); err != nil {
		return OfferDeclinedPredicate, nil, err
	}

	hr.status = HostRequestMatched
	hr.hostName = host.Name
	hr.matchedAt = time.Now()
	hr.tasks = hr.buildTasks(host.Name)

	hr.logger.Info().Str("host", host.Name).Int("tasks", len(hr.tasks)).Msg("Host matched")
	return OfferAccepted, append([]*TopologyTask(nil), hr.tasks...), nil
}

func (hr *HostRequest) matches(host *Host) bool {
	if hr.reservedHost != "" {
		return hr.reservedHost == host.Name
	}
	if hr.predicate != nil {
		ok, err := hr.predicate.Matches(host)
		if err != nil {
			hr.logger.Warn().Err(err).Str("host", host.Name).Str("predicate", hr.predicateExpr).Msg("Host predicate evaluation failed")
			return false
		}
		return ok
	}
	return true
}

// buildTasks emits RESOURCE_CREATION, CONFIGURE, then INSTALL and START
// for each component in declaration order.
func (hr *HostRequest) buildTasks(host string) []*TopologyTask {
	stack := hr.topology.Blueprint().Stack()
	defaultAction := hr.topology.ProvisionAction()

	tasks := []*TopologyTask{
		newTask(hr, host, TaskResourceCreation, "", 0),
		newTask(hr, host, TaskConfigure, "", 1),
	}

	components := hr.group.Components()
	var starts []*TopologyTask
	seq := 2
	for _, c := range components {
		if stack.IsManagementComponent(c.Name) {
			continue
		}
		action := c.ProvisionAction
		if action == "" {
			action = defaultAction
		}
		if action != ProvisionStartOnly {
			tasks = append(tasks, newTask(hr, host, TaskInstall, c.Name, seq))
			seq++
		}
	}
	for _, c := range components {
		if stack.IsManagementComponent(c.Name) || stack.IsClientComponent(c.Name) {
			continue
		}
		action := c.ProvisionAction
		if action == "" {
			action = defaultAction
		}
		if action != ProvisionInstallOnly {
			starts = append(starts, newTask(hr, host, TaskStart, c.Name, seq))
			seq++
		}
	}
	return append(tasks, starts...)
}

// restoreMatch rebuilds a matched slot from storage without emitting tasks.
func (hr *HostRequest) restoreMatch(host string, matchedAt time.Time, tasks []*TopologyTask) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.status = HostRequestMatched
	hr.hostName = host
	hr.matchedAt = matchedAt
	hr.tasks = tasks
}

// Info returns a snapshot of the slot.
func (hr *HostRequest) Info() HostRequestInfo {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	info := HostRequestInfo{
		ID:           hr.id,
		HostGroup:    hr.groupName,
		ReservedHost: hr.reservedHost,
		Predicate:    hr.predicateExpr,
		Status:       hr.status,
		HostName:     hr.hostName,
	}
	for _, t := range hr.tasks {
		info.TaskIDs = append(info.TaskIDs, t.ID)
	}
	return info
}

// HostRequestInfo is a read-only view of a HostRequest.
type HostRequestInfo struct {
	ID           int64             `json:"id"`
	HostGroup    string            `json:"host_group"`
	ReservedHost string            `json:"reserved_host,omitempty"`
	Predicate    string            `json:"predicate,omitempty"`
	Status       HostRequestStatus `json:"status"`
	HostName     string            `json:"host_name,omitempty"`
	TaskIDs      []string          `json:"task_ids,omitempty"`
}
