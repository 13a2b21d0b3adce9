package engine

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogicalRequest decomposes a topology request into host slots. Slots bound
// to a named host are kept by name; counted slots are kept in priority order.
type LogicalRequest struct {
	mu          sync.RWMutex
	id          int64
	requestType RequestType
	description string
	topology    *ClusterTopology
	createdAt   time.Time

	hostRequests []*HostRequest
	reserved     map[string]*HostRequest
	outstanding  []*HostRequest

	nextHostRequestID func() int64
	predicates        PredicateCompiler
	logger            zerolog.Logger
}

// NewLogicalRequest eagerly creates one HostRequest per explicit host and
// per counted slot of every host group info, in the given order.
func NewLogicalRequest(
	id int64,
	requestType RequestType,
	description string,
	topology *ClusterTopology,
	infos []HostGroupInfoSpec,
	nextHostRequestID func() int64,
	predicates PredicateCompiler,
	logger zerolog.Logger,
) (*LogicalRequest, error) {
	lr := &LogicalRequest{
		id:                id,
		requestType:       requestType,
		description:       description,
		topology:          topology,
		createdAt:         time.Now(),
		reserved:          make(map[string]*HostRequest),
		nextHostRequestID: nextHostRequestID,
		predicates:        predicates,
		logger: logger.With().
			Int64("request_id", id).
			Str("cluster", topology.ClusterName()).
			Logger(),
	}
	for _, info := range infos {
		if err := lr.addSlots(info); err != nil {
			return nil, err
		}
	}
	return lr, nil
}

// restoreLogicalRequest rebuilds a request from persisted host requests.
// Matched slots must already carry their host and tasks.
func restoreLogicalRequest(
	id int64,
	requestType RequestType,
	description string,
	topology *ClusterTopology,
	createdAt time.Time,
	hostRequests []*HostRequest,
	nextHostRequestID func() int64,
	predicates PredicateCompiler,
	logger zerolog.Logger,
) *LogicalRequest {
	lr := &LogicalRequest{
		id:                id,
		requestType:       requestType,
		description:       description,
		topology:          topology,
		createdAt:         createdAt,
		hostRequests:      hostRequests,
		nextHostRequestID: nextHostRequestID,
		predicates:        predicates,
		logger: logger.With().
			Int64("request_id", id).
			Str("cluster", topology.ClusterName()).
			Logger(),
	}
	slices.SortStableFunc(lr.hostRequests, func(a, b *HostRequest) int { return cmp.Compare(a.id, b.id) })
	lr.restore()
	return lr
}

// Description returns the request description.
func (lr *LogicalRequest) Description() string { return lr.description }

func (lr *LogicalRequest) addSlots(info HostGroupInfoSpec) error {
	for _, h := range info.Hosts {
		if _, dup := lr.reserved[h.FQDN]; dup {
			return NewConflictError(fmt.Sprintf("host %q is reserved twice", h.FQDN), nil).
				WithCode(ErrCodeAlreadyExists).WithResource(h.FQDN)
		}
		hr, err := NewHostRequest(lr.nextHostRequestID(), lr.id, lr.topology, info.Name, h.FQDN, "", lr.predicates, lr.logger)
		if err != nil {
			return err
		}
		lr.hostRequests = append(lr.hostRequests, hr)
		lr.reserved[h.FQDN] = hr
	}
	for i := 0; i < info.HostCount; i++ {
		hr, err := NewHostRequest(lr.nextHostRequestID(), lr.id, lr.topology, info.Name, "", info.HostPredicate, lr.predicates, lr.logger)
		if err != nil {
			return err
		}
		lr.hostRequests = append(lr.hostRequests, hr)
		lr.outstanding = append(lr.outstanding, hr)
	}
	slices.SortStableFunc(lr.outstanding, HostRequestPriority)
	return nil
}

// ID returns the request ID.
func (lr *LogicalRequest) ID() int64 { return lr.id }

// Type returns PROVISION or SCALE.
func (lr *LogicalRequest) Type() RequestType { return lr.requestType }

// ClusterName returns the target cluster.
func (lr *LogicalRequest) ClusterName() string { return lr.topology.ClusterName() }

// Topology returns the cluster topology.
func (lr *LogicalRequest) Topology() *ClusterTopology { return lr.topology }

// CreatedAt returns when the request was created.
func (lr *LogicalRequest) CreatedAt() time.Time { return lr.createdAt }

// HostRequests returns every slot in ID order.
func (lr *LogicalRequest) HostRequests() []*HostRequest {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	return append([]*HostRequest(nil), lr.hostRequests...)
}

// ReservedHosts returns the names of hosts with unmatched reservations.
func (lr *LogicalRequest) ReservedHosts() []string {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	out := make([]string, 0, len(lr.reserved))
	for h := range lr.reserved {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Outstanding returns the unmatched counted slots in priority order.
func (lr *LogicalRequest) Outstanding() []*HostRequest {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	return append([]*HostRequest(nil), lr.outstanding...)
}

// Completed reports whether every slot has been matched.
func (lr *LogicalRequest) Completed() bool {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	return len(lr.reserved) == 0 && len(lr.outstanding) == 0
}

// Offer tests a host against the request. A reservation for the host's
// name is tried first; then counted slots in priority order.
func (lr *LogicalRequest) Offer(host *Host) (OfferAnswer, *HostRequest, []*TopologyTask, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if hr, ok := lr.reserved[host.Name]; ok {
		answer, tasks, err := hr.Offer(host)
		if err != nil {
			return answer, nil, nil, err
		}
		delete(lr.reserved, host.Name)
		if answer != OfferAccepted {
			return answer, nil, nil, NewPermanentError(
				fmt.Sprintf("host request %d declined its reserved host %q", hr.ID(), host.Name), nil).
				WithCode(ErrCodeInternal).WithResource(host.Name)
		}
		return OfferAccepted, hr, tasks, nil
	}

	predicateRejected := false
	kept := lr.outstanding[:0]
	var accepted *HostRequest
	var acceptedTasks []*TopologyTask
	var offerErr error
	for i, hr := range lr.outstanding {
		if accepted != nil || offerErr != nil {
			kept = append(kept, lr.outstanding[i:]...)
			break
		}
		answer, tasks, err := hr.Offer(host)
		switch {
		case err != nil:
			offerErr = err
			kept = append(kept, hr)
		case answer == OfferAccepted:
			accepted, acceptedTasks = hr, tasks
		case answer == OfferDeclinedDone:
			// drop
		default:
			predicateRejected = true
			kept = append(kept, hr)
		}
	}
	lr.outstanding = kept

	if offerErr != nil {
		return OfferDeclinedPredicate, nil, nil, offerErr
	}
	if accepted != nil {
		return OfferAccepted, accepted, acceptedTasks, nil
	}
	if predicateRejected || len(lr.reserved) > 0 {
		return OfferDeclinedPredicate, nil, nil, nil
	}
	return OfferDeclinedDone, nil, nil, nil
}

// restore rebuilds slot bookkeeping after replay: matched slots are dropped
// from the reservation map and outstanding list.
func (lr *LogicalRequest) restore() {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.reserved = make(map[string]*HostRequest)
	lr.outstanding = nil
	for _, hr := range lr.hostRequests {
		if hr.Status() == HostRequestMatched {
			continue
		}
		if hr.ReservedHost() != "" {
			lr.reserved[hr.ReservedHost()] = hr
		} else {
			lr.outstanding = append(lr.outstanding, hr)
		}
	}
	slices.SortStableFunc(lr.outstanding, HostRequestPriority)
}

// Tasks returns every emitted task ordered by host request and chain position.
func (lr *LogicalRequest) Tasks() []*TopologyTask {
	var out []*TopologyTask
	for _, hr := range lr.HostRequests() {
		out = append(out, hr.Tasks()...)
	}
	return out
}

// Status aggregates slot and task state.
func (lr *LogicalRequest) Status() RequestStatus {
	tasks := lr.Tasks()
	statuses := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		statuses = append(statuses, t.Status())
	}
	return AggregateStatus(lr.Completed(), statuses)
}

// AggregateStatus derives a request status from whether every host slot
// is matched and the statuses of the tasks created so far.
func AggregateStatus(matched bool, tasks []TaskStatus) RequestStatus {
	if len(tasks) == 0 {
		return RequestStatusPending
	}

	started, terminal, failed := false, 0, false
	for _, s := range tasks {
		if s != TaskStatusPending {
			started = true
		}
		if s.IsTerminal() {
			terminal++
		}
		if s.IsFailure() {
			failed = true
		}
	}

	switch {
	case matched && terminal == len(tasks) && failed:
		return RequestStatusFailed
	case matched && terminal == len(tasks):
		return RequestStatusCompleted
	case started:
		return RequestStatusInProgress
	default:
		return RequestStatusPending
	}
}

// PendingHostComponents maps known hosts to the components not yet installed
// on them. Reserved hosts that have not registered list every component.
func (lr *LogicalRequest) PendingHostComponents() map[string][]string {
	stack := lr.topology.Blueprint().Stack()
	out := make(map[string][]string)
	for _, hr := range lr.HostRequests() {
		host := hr.HostName()
		if host == "" {
			host = hr.ReservedHost()
		}
		if host == "" {
			continue
		}

		done := make(map[string]bool)
		for _, t := range hr.Tasks() {
			if (t.Type == TaskInstall || t.Type == TaskStart) && t.Status() == TaskStatusCompleted {
				done[t.Component] = true
			}
		}
		for _, c := range hr.group.ComponentNames() {
			if stack.IsManagementComponent(c) || done[c] {
				continue
			}
			out[host] = appendUnique(out[host], c)
		}
	}
	return out
}

// Info returns a snapshot of the request.
func (lr *LogicalRequest) Info() RequestInfo {
	info := RequestInfo{
		ID:          lr.id,
		Type:        lr.requestType,
		Cluster:     lr.ClusterName(),
		Description: lr.description,
		Status:      lr.Status(),
		Completed:   lr.Completed(),
		CreatedAt:   lr.createdAt,
	}
	for _, hr := range lr.HostRequests() {
		hi := hr.Info()
		if hi.Status == HostRequestMatched {
			info.MatchedCount++
		}
		info.HostRequests = append(info.HostRequests, hi)
	}
	return info
}

// RequestInfo is a read-only view of a LogicalRequest.
type RequestInfo struct {
	ID           int64             `json:"id"`
	Type         RequestType       `json:"type"`
	Cluster      string            `json:"cluster"`
	Description  string            `json:"description,omitempty"`
	Status       RequestStatus     `json:"status"`
	Completed    bool              `json:"completed"`
	MatchedCount int               `json:"matched_count"`
	HostRequests []HostRequestInfo `json:"host_requests"`
	CreatedAt    time.Time         `json:"created_at"`
}
