package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/topology/pkg/stores"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrManagerNotRunning is returned by manager calls before Start or after Stop.
var ErrManagerNotRunning = errors.New("topology manager is not running")

// clusterState is the per-cluster state owned by the manager.
type clusterState struct {
	topology *ClusterTopology
	barrier  *ConfigBarrier
	ready    bool
}

// managerState is only touched by the actor goroutine.
type managerState struct {
	pool         *HostRegistry
	reservations map[string]*LogicalRequest
	outstanding  []*LogicalRequest
	requests     map[int64]*LogicalRequest
	clusters     map[string]*clusterState
	ignore       map[string]bool
	notified     map[int64]bool
}

type command struct {
	fn    func(*managerState) error
	reply chan error
}

// hostMatch is an accepted offer waiting to be persisted and executed.
type hostMatch struct {
	request     *LogicalRequest
	hostRequest *HostRequest
	host        *Host
	tasks       []*TopologyTask
	cluster     *clusterState
}

// Manager is the topology manager. A single actor goroutine owns the
// unassigned host pool, host reservations, outstanding requests and the
// cluster registry; public methods send it commands and wait for the reply.
type Manager struct {
	rt     *Runtime
	cfg    ManagerConfig
	logger zerolog.Logger
	runner *TaskRunner
	state  *managerState

	commands chan command
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once

	nextRequestID     atomic.Int64
	nextHostRequestID atomic.Int64
}

// NewManager creates a topology manager.
func NewManager(rt *Runtime, cfg ManagerConfig) (*Manager, error) {
	if rt == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if err := rt.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manager config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		rt:     rt,
		cfg:    cfg,
		logger: rt.Logger.With().Str("component", "topology_manager").Logger(),
		state: &managerState{
			pool:         NewHostRegistry(),
			reservations: make(map[string]*LogicalRequest),
			requests:     make(map[int64]*LogicalRequest),
			clusters:     make(map[string]*clusterState),
			ignore:       make(map[string]bool),
			notified:     make(map[int64]bool),
		},
		commands: make(chan command, cfg.QueueSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.runner = NewTaskRunner(rt, cfg)
	m.runner.onChainFinished = m.chainFinished
	return m, nil
}

// Start replays persisted state and starts serving commands.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("topology manager already started")
	}

	m.runner.Start(m.ctx)

	matches, err := m.replay(ctx)
	if err != nil {
		m.cancel()
		m.runner.Stop()
		close(m.done)
		return fmt.Errorf("failed to replay persisted requests: %w", err)
	}

	m.wg.Add(1)
	go m.loop()

	m.handleMatches(ctx, matches)
	m.logger.Info().Int("workers", m.cfg.Workers).Msg("Topology manager started")
	return nil
}

// Stop stops the actor, the configure tasks and the task runner. Tasks
// that have not finished stay non-terminal and are resumed by the next Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if !m.started.Load() {
			return
		}
		select {
		case <-m.done:
		default:
			close(m.done)
		}
		m.cancel()
		m.runner.Stop()
		m.wg.Wait()
		m.logger.Info().Msg("Topology manager stopped")
	})
}

// WaitForTasks blocks until every queued host task chain has finished.
func (m *Manager) WaitForTasks(ctx context.Context) error {
	return m.runner.Wait(ctx)
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case cmd := <-m.commands:
			cmd.reply <- cmd.fn(m.state)
		case <-m.done:
			return
		}
	}
}

// do runs fn on the actor goroutine and returns its error.
func (m *Manager) do(ctx context.Context, fn func(*managerState) error) error {
	if !m.started.Load() {
		return ErrManagerNotRunning
	}
	reply := make(chan error, 1)
	select {
	case m.commands <- command{fn: fn, reply: reply}:
	case <-m.done:
		return ErrManagerNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrManagerNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Provision validates a provision request, creates the cluster and starts
// matching hosts. Validation failures are returned before any cluster
// resource is created.
func (m *Manager) Provision(ctx context.Context, req *TopologyRequest) (int64, error) {
	if req == nil {
		return 0, validationFailure("topology request is required", nil)
	}
	ctx, span := m.rt.startSpan(ctx, "provision", attribute.String("cluster", req.Spec.ClusterName))
	defer span.End()

	switch {
	case req.Spec.Type != RequestTypeProvision:
		return 0, validationFailure(fmt.Sprintf("expected a %s request, got %q", RequestTypeProvision, req.Spec.Type), nil)
	case req.Spec.ClusterName == "":
		return 0, validationFailure("cluster name is required", nil)
	case req.Blueprint == nil:
		return 0, validationFailure("provision request requires a blueprint", nil).WithResource(req.Spec.ClusterName)
	}

	topology, err := m.buildTopology(req, true)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if err := m.checkPolicy(ctx, topology); err != nil {
		span.RecordError(err)
		return 0, err
	}

	name := req.Spec.ClusterName
	cluster := &clusterState{topology: topology, barrier: NewConfigBarrier()}
	err = m.do(ctx, func(s *managerState) error {
		if _, exists := s.clusters[name]; exists {
			return NewConflictError(fmt.Sprintf("cluster %q already exists", name), nil).
				WithCode(ErrCodeAlreadyExists).WithResource(name)
		}
		s.clusters[name] = cluster
		return nil
	})
	if err != nil {
		return 0, err
	}
	release := func() {
		_ = m.do(context.WithoutCancel(ctx), func(s *managerState) error {
			delete(s.clusters, name)
			return nil
		})
	}

	bp := topology.Blueprint()
	if err := m.rt.Backend.CreateClusterResources(ctx, name, bp.StackRef(), clusterServiceComponents(bp)); err != nil {
		release()
		span.RecordError(err)
		return 0, NewTransientError("failed to create cluster resources", err).
			WithCode(ErrCodeBackendFailed).WithResource(name).WithOperation("provision")
	}
	if err := m.pushInitialConfiguration(ctx, topology); err != nil {
		release()
		span.RecordError(err)
		return 0, err
	}

	lr, err := m.acceptRequest(ctx, req, topology)
	if err != nil {
		release()
		span.RecordError(err)
		return 0, err
	}

	m.startConfigureTask(cluster)

	var matches []hostMatch
	err = m.do(ctx, func(s *managerState) error {
		cluster.ready = true
		matches = m.registerRequest(s, lr, cluster)
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.handleMatches(ctx, matches)
	m.requestAccepted(ctx, lr)
	return lr.ID(), nil
}

// Scale adds host group bindings to an existing cluster.
func (m *Manager) Scale(ctx context.Context, req *TopologyRequest) (int64, error) {
	if req == nil {
		return 0, validationFailure("topology request is required", nil)
	}
	ctx, span := m.rt.startSpan(ctx, "scale", attribute.String("cluster", req.Spec.ClusterName))
	defer span.End()

	if req.Spec.Type != RequestTypeScale {
		return 0, validationFailure(fmt.Sprintf("expected a %s request, got %q", RequestTypeScale, req.Spec.Type), nil)
	}
	if len(req.Spec.HostGroups) == 0 {
		return 0, validationFailure("scale request binds no host groups", nil).WithResource(req.Spec.ClusterName)
	}

	name := req.Spec.ClusterName
	var cluster *clusterState
	err := m.do(ctx, func(s *managerState) error {
		c, ok := s.clusters[name]
		if !ok || !c.ready {
			return validationFailure(fmt.Sprintf("cluster %q does not exist", name), nil).
				WithCode(ErrCodeNotFound).WithResource(name)
		}
		cluster = c
		return nil
	})
	if err != nil {
		return 0, err
	}

	topology := cluster.topology
	if bpName := req.Spec.Blueprint; bpName != "" && bpName != topology.Blueprint().Name() {
		return 0, validationFailure(fmt.Sprintf("cluster %q uses blueprint %q, not %q", name, topology.Blueprint().Name(), bpName), nil).
			WithResource(name)
	}
	undo, err := topology.merge(req.Spec.HostGroups)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	// the merge only stands once the request is persisted
	lr, err := m.acceptRequest(ctx, req, topology)
	if err != nil {
		undo()
		span.RecordError(err)
		return 0, err
	}

	var matches []hostMatch
	err = m.do(ctx, func(s *managerState) error {
		matches = m.registerRequest(s, lr, cluster)
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.handleMatches(ctx, matches)
	m.requestAccepted(ctx, lr)
	return lr.ID(), nil
}

// BuildTopology resolves the stack of req's blueprint, builds and validates
// the cluster topology and seals the blueprint. It does what Provision does
// before a request is accepted, without a manager.
func BuildTopology(req *TopologyRequest, stacks StackResolver, logger zerolog.Logger) (*ClusterTopology, error) {
	if req.Blueprint == nil {
		return nil, validationFailure("a blueprint is required", nil).WithResource(req.Spec.ClusterName)
	}
	return buildTopology(req, stacks, true, logger)
}

func (m *Manager) buildTopology(req *TopologyRequest, strict bool) (*ClusterTopology, error) {
	return buildTopology(req, m.rt.Stacks, strict, m.logger)
}

// buildTopology builds and seals a topology. With strict unset, validation
// failures are logged; replay uses it to rebuild topologies accepted earlier.
func buildTopology(req *TopologyRequest, stacks StackResolver, strict bool, logger zerolog.Logger) (*ClusterTopology, error) {
	ref := req.Blueprint.Stack
	stack, err := stacks.Stack(ref.Name, ref.Version)
	if err != nil {
		return nil, validationFailure(fmt.Sprintf("unknown stack %s-%s", ref.Name, ref.Version), err).
			WithCode(ErrCodeNotFound).WithResource(req.Blueprint.Name)
	}
	bp, err := NewBlueprint(req.Blueprint, stack)
	if err != nil {
		return nil, err
	}
	topology, err := NewClusterTopology(&req.Spec, bp)
	if err != nil {
		return nil, err
	}

	if removed := topology.RemoveOrphanConfigTypes(); len(removed) > 0 {
		logger.Info().
			Str("cluster", topology.ClusterName()).
			Strs("config_types", removed).
			Msg("Removed config types of services not in the blueprint")
	}

	validator := NewBlueprintValidator(stack)
	if err := validator.ValidateTopology(topology); err != nil {
		if strict {
			return nil, err
		}
		logger.Warn().Err(err).Str("cluster", topology.ClusterName()).Msg("Replayed topology no longer validates")
	}
	if strict {
		if err := validator.ValidateRequiredProperties(topology); err != nil {
			return nil, err
		}
	}
	bp.Seal()
	return topology, nil
}

func (m *Manager) checkPolicy(ctx context.Context, topology *ClusterTopology) error {
	if m.rt.Policy == nil {
		return nil
	}
	result, err := m.rt.Policy.EvaluateTopology(ctx, topology.Snapshot())
	if err != nil {
		return NewPermanentError("policy evaluation failed", err).
			WithCode(ErrCodeInternal).WithResource(topology.ClusterName())
	}
	for _, w := range result.Warnings {
		m.logger.Warn().Str("cluster", topology.ClusterName()).Str("warning", w).Msg("Policy warning")
	}
	if result.Allowed {
		return nil
	}
	msgs := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return NewPermanentError(fmt.Sprintf("topology denied by policy: %s", strings.Join(msgs, "; ")), nil).
		WithCode(ErrCodePolicyDenied).
		WithResource(topology.ClusterName()).
		WithDetail("violations", result.Violations)
}

// pushInitialConfiguration persists and publishes the configuration the
// request was accepted with, tagged INITIAL.
func (m *Manager) pushInitialConfiguration(ctx context.Context, topology *ClusterTopology) error {
	config := topology.Configuration().MergedView(-1)
	name := topology.ClusterName()

	if m.rt.Store != nil {
		props, err := json.Marshal(config)
		if err != nil {
			return NewPermanentError("failed to marshal cluster configuration", err).WithCode(ErrCodeInternal)
		}
		attrs, err := json.Marshal(topology.Configuration().MergedAttributes(-1))
		if err != nil {
			return NewPermanentError("failed to marshal configuration attributes", err).WithCode(ErrCodeInternal)
		}
		record := &stores.ClusterConfigRecord{
			ClusterName: name,
			Tag:         stores.ConfigTagInitial,
			Properties:  string(props),
			Attributes:  string(attrs),
		}
		if err := m.rt.Store.UpsertClusterConfig(ctx, record); err != nil {
			return NewTransientError("failed to persist initial configuration", err).WithResource(name)
		}
	}
	if err := m.rt.Backend.SetClusterConfiguration(ctx, name, stores.ConfigTagInitial, config); err != nil {
		return NewTransientError("failed to push initial configuration", err).
			WithCode(ErrCodeBackendFailed).WithResource(name)
	}
	return nil
}

// acceptRequest assigns the request ID, creates the logical request and
// persists both.
func (m *Manager) acceptRequest(ctx context.Context, req *TopologyRequest, topology *ClusterTopology) (*LogicalRequest, error) {
	req.ID = m.nextRequestID.Add(1)
	req.CreatedAt = time.Now()

	lr, err := NewLogicalRequest(req.ID, req.Spec.Type, req.Spec.Description, topology,
		req.Spec.HostGroups, m.newHostRequestID, m.rt.Predicates, m.logger)
	if err != nil {
		return nil, err
	}
	lr.createdAt = req.CreatedAt

	if m.rt.Store == nil {
		return lr, nil
	}
	doc, err := json.Marshal(req)
	if err != nil {
		return nil, NewPermanentError("failed to marshal topology request", err).WithCode(ErrCodeInternal)
	}
	record := &stores.TopologyRequestRecord{
		ID:          req.ID,
		Type:        string(req.Spec.Type),
		ClusterName: req.Spec.ClusterName,
		Blueprint:   topology.Blueprint().Name(),
		Description: req.Spec.Description,
		Document:    string(doc),
		CreatedAt:   req.CreatedAt,
	}

	lrRecord := &stores.LogicalRequestRecord{
		ID:                lr.ID(),
		TopologyRequestID: req.ID,
		ClusterName:       lr.ClusterName(),
		Type:              string(lr.Type()),
		Description:       lr.Description(),
		CreatedAt:         lr.CreatedAt(),
	}
	var hostRecords []*stores.HostRequestRecord
	for _, hr := range lr.HostRequests() {
		hostRecords = append(hostRecords, &stores.HostRequestRecord{
			ID:               hr.ID(),
			LogicalRequestID: lr.ID(),
			ClusterName:      lr.ClusterName(),
			HostGroup:        hr.HostGroupName(),
			ReservedHost:     hr.ReservedHost(),
			Predicate:        hr.PredicateExpression(),
			Status:           stores.HostRequestStatusPending,
			CreatedAt:        lr.CreatedAt(),
		})
	}
	if err := m.rt.Store.CreateRequest(ctx, record, lrRecord, hostRecords); err != nil {
		return nil, NewTransientError("failed to persist topology request", err).WithResource(req.Spec.ClusterName)
	}
	return lr, nil
}

func (m *Manager) newHostRequestID() int64 {
	return m.nextHostRequestID.Add(1)
}

func (m *Manager) startConfigureTask(cluster *clusterState) {
	task := NewConfigureClusterTask(m.rt, cluster.topology, cluster.barrier, m.cfg.ConfigureTimeout)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = task.Run(m.ctx)
	}()
}

func (m *Manager) requestAccepted(ctx context.Context, lr *LogicalRequest) {
	if m.rt.Metrics != nil {
		m.rt.Metrics.RecordRequestAccepted(string(lr.Type()))
	}
	m.logger.Info().
		Int64("request_id", lr.ID()).
		Str("type", string(lr.Type())).
		Str("cluster", lr.ClusterName()).
		Int("host_requests", len(lr.HostRequests())).
		Msg("Topology request accepted")
	m.rt.publish(ctx, &Event{
		ID:        uuid.New().String(),
		Type:      EventTypeRequestAccepted,
		Cluster:   lr.ClusterName(),
		RequestID: lr.ID(),
		Message:   fmt.Sprintf("%s request accepted", lr.Type()),
	})
}

// registerRequest offers the unassigned pool to a new request, then records
// its reservations and outstanding state. Runs on the actor.
func (m *Manager) registerRequest(s *managerState, lr *LogicalRequest, cluster *clusterState) []hostMatch {
	s.requests[lr.ID()] = lr

	var matches []hostMatch
	for _, host := range s.pool.ListHosts() {
		if lr.Completed() {
			break
		}
		answer, hr, tasks, err := lr.Offer(host)
		m.recordOffer(answer)
		if err != nil {
			m.logger.Error().Err(err).Str("host", host.Name).Int64("request_id", lr.ID()).Msg("Offer failed")
			continue
		}
		if answer == OfferAccepted {
			s.pool.RemoveHost(host.Name)
			matches = append(matches, hostMatch{request: lr, hostRequest: hr, host: host, tasks: tasks, cluster: cluster})
		}
	}

	for _, name := range lr.ReservedHosts() {
		s.reservations[name] = lr
	}
	if !lr.Completed() {
		s.outstanding = append(s.outstanding, lr)
		slices.SortStableFunc(s.outstanding, LogicalRequestPriority)
	}
	m.updateGauges(s)
	return matches
}

// offerHost offers a newly available host: first to the request holding
// its reservation, then to outstanding requests oldest first. An unwanted
// host joins the pool. Runs on the actor.
func (m *Manager) offerHost(s *managerState, host *Host) ([]hostMatch, error) {
	defer m.updateGauges(s)

	if lr, ok := s.reservations[host.Name]; ok {
		delete(s.reservations, host.Name)
		answer, hr, tasks, err := lr.Offer(host)
		m.recordOffer(answer)
		if err != nil {
			return nil, err
		}
		s.outstanding = slices.DeleteFunc(s.outstanding, (*LogicalRequest).Completed)
		return []hostMatch{{request: lr, hostRequest: hr, host: host, tasks: tasks, cluster: s.clusters[lr.ClusterName()]}}, nil
	}

	for _, lr := range s.outstanding {
		answer, hr, tasks, err := lr.Offer(host)
		m.recordOffer(answer)
		if err != nil {
			m.logger.Error().Err(err).Str("host", host.Name).Int64("request_id", lr.ID()).Msg("Offer failed")
			continue
		}
		if answer == OfferAccepted {
			s.outstanding = slices.DeleteFunc(s.outstanding, (*LogicalRequest).Completed)
			return []hostMatch{{request: lr, hostRequest: hr, host: host, tasks: tasks, cluster: s.clusters[lr.ClusterName()]}}, nil
		}
	}

	s.pool.AddHost(host)
	return nil, nil
}

// handleMatches persists accepted offers and queues their task chains.
func (m *Manager) handleMatches(ctx context.Context, matches []hostMatch) {
	for _, mt := range matches {
		m.persistMatch(ctx, mt)
		m.logger.Info().
			Str("host", mt.host.Name).
			Str("host_group", mt.hostRequest.HostGroupName()).
			Int64("request_id", mt.request.ID()).
			Int64("host_request_id", mt.hostRequest.ID()).
			Msg("Host assigned to host group")
		m.rt.publish(ctx, &Event{
			ID:            uuid.New().String(),
			Type:          EventTypeHostMatched,
			Cluster:       mt.request.ClusterName(),
			RequestID:     mt.request.ID(),
			HostRequestID: mt.hostRequest.ID(),
			Host:          mt.host.Name,
			Message:       fmt.Sprintf("Host %s assigned to host group %s", mt.host.Name, mt.hostRequest.HostGroupName()),
		})
		m.runner.Submit(mt.cluster.topology, mt.cluster.barrier, mt.tasks)
	}
}

func (m *Manager) persistMatch(ctx context.Context, mt hostMatch) {
	if m.rt.Store == nil {
		return
	}
	hr := mt.hostRequest
	if err := m.rt.Store.MatchHostRequest(ctx, hr.ID(), mt.host.Name, hr.MatchedAt()); err != nil {
		m.logger.Error().Err(err).Int64("host_request_id", hr.ID()).Msg("Failed to persist host match")
	}

	now := time.Now()
	records := make([]*stores.TaskRecord, 0, len(mt.tasks))
	for _, t := range mt.tasks {
		records = append(records, &stores.TaskRecord{
			ID:               t.ID,
			HostRequestID:    t.HostRequestID,
			LogicalRequestID: t.LogicalRequestID,
			ClusterName:      t.Cluster,
			HostGroup:        t.HostGroup,
			HostName:         t.Host,
			Type:             string(t.Type),
			Component:        t.Component,
			Sequence:         t.Sequence,
			Status:           string(t.Status()),
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	if err := m.rt.Store.CreateTasks(ctx, records); err != nil {
		m.logger.Error().Err(err).Int64("host_request_id", hr.ID()).Msg("Failed to persist host tasks")
	}

	cluster := mt.request.ClusterName()
	if err := m.rt.Store.UpsertHost(ctx, hostRecord(mt.host, stores.HostStatusRegistered, &cluster)); err != nil {
		m.logger.Error().Err(err).Str("host", mt.host.Name).Msg("Failed to persist host assignment")
	}
}

// OnHostRegistered offers a registered host to the pending requests.
// Hosts already bound to a cluster are ignored.
func (m *Manager) OnHostRegistered(ctx context.Context, host Host) error {
	if host.Name == "" {
		return validationFailure("host name is required", nil)
	}
	if host.RegisteredAt.IsZero() {
		host.RegisteredAt = time.Now()
	}
	h := &host

	var matches []hostMatch
	ignored := false
	err := m.do(ctx, func(s *managerState) error {
		if s.ignore[h.Name] {
			delete(s.ignore, h.Name)
			ignored = true
			return nil
		}
		for _, c := range s.clusters {
			if _, bound := c.topology.HostGroupForHost(h.Name); bound {
				ignored = true
				return nil
			}
		}
		var err error
		matches, err = m.offerHost(s, h)
		return err
	})
	if err != nil {
		return err
	}

	if ignored {
		m.logger.Debug().Str("host", h.Name).Msg("Ignoring registration of a host already bound to a cluster")
		return nil
	}

	if m.rt.Store != nil {
		if err := m.rt.Store.UpsertHost(ctx, hostRecord(h, stores.HostStatusRegistered, nil)); err != nil {
			m.logger.Error().Err(err).Str("host", h.Name).Msg("Failed to persist host registration")
		}
	}
	m.rt.publish(ctx, &Event{
		ID:      uuid.New().String(),
		Type:    EventTypeHostRegistered,
		Host:    h.Name,
		Message: fmt.Sprintf("Host %s registered", h.Name),
	})
	m.handleMatches(ctx, matches)
	return nil
}

// OnHostRemoved removes a host that was deleted or lost its heartbeat from
// the unassigned pool.
func (m *Manager) OnHostRemoved(ctx context.Context, name string) error {
	var host *Host
	removed := false
	err := m.do(ctx, func(s *managerState) error {
		host, _ = s.pool.GetHost(name)
		removed = s.pool.RemoveHost(name)
		delete(s.ignore, name)
		m.updateGauges(s)
		return nil
	})
	if err != nil {
		return err
	}
	if host == nil {
		host = &Host{Name: name}
	}

	if m.rt.Store != nil {
		if err := m.rt.Store.UpsertHost(ctx, hostRecord(host, stores.HostStatusRemoved, nil)); err != nil {
			m.logger.Error().Err(err).Str("host", name).Msg("Failed to persist host removal")
		}
	}
	m.logger.Info().Str("host", name).Bool("was_available", removed).Msg("Host removed")
	m.rt.publish(ctx, &Event{
		ID:      uuid.New().String(),
		Type:    EventTypeHostRemoved,
		Host:    name,
		Message: fmt.Sprintf("Host %s removed", name),
	})
	return nil
}

// RequestStatus returns the status of a logical request.
func (m *Manager) RequestStatus(ctx context.Context, id int64) (*RequestInfo, error) {
	var info RequestInfo
	err := m.do(ctx, func(s *managerState) error {
		lr, ok := s.requests[id]
		if !ok {
			return requestNotFound(id)
		}
		info = lr.Info()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Tasks returns every task emitted for a logical request.
func (m *Manager) Tasks(ctx context.Context, id int64) ([]TaskInfo, error) {
	var out []TaskInfo
	err := m.do(ctx, func(s *managerState) error {
		lr, ok := s.requests[id]
		if !ok {
			return requestNotFound(id)
		}
		for _, t := range lr.Tasks() {
			out = append(out, t.Info())
		}
		return nil
	})
	return out, err
}

// Requests returns every known logical request ordered by ID.
func (m *Manager) Requests(ctx context.Context) ([]RequestInfo, error) {
	var out []RequestInfo
	err := m.do(ctx, func(s *managerState) error {
		for _, lr := range s.requests {
			out = append(out, lr.Info())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// PendingHostComponents maps the hosts of a cluster to the components not
// yet installed on them, across every request of the cluster.
func (m *Manager) PendingHostComponents(ctx context.Context, cluster string) (map[string][]string, error) {
	out := make(map[string][]string)
	err := m.do(ctx, func(s *managerState) error {
		if _, ok := s.clusters[cluster]; !ok {
			return clusterNotFound(cluster)
		}
		for _, lr := range s.requests {
			if lr.ClusterName() != cluster {
				continue
			}
			for host, components := range lr.PendingHostComponents() {
				for _, c := range components {
					out[host] = appendUnique(out[host], c)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Topology returns a snapshot of a cluster topology.
func (m *Manager) Topology(ctx context.Context, cluster string) (*TopologySnapshot, error) {
	var snap *TopologySnapshot
	err := m.do(ctx, func(s *managerState) error {
		c, ok := s.clusters[cluster]
		if !ok {
			return clusterNotFound(cluster)
		}
		snap = c.topology.Snapshot()
		return nil
	})
	return snap, err
}

// Clusters returns the names of known clusters, sorted.
func (m *Manager) Clusters(ctx context.Context) ([]string, error) {
	var out []string
	err := m.do(ctx, func(s *managerState) error {
		for name, c := range s.clusters {
			if c.ready {
				out = append(out, name)
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// AvailableHosts returns unassigned hosts matching a "key=value,..."
// attribute selector, in registration order.
func (m *Manager) AvailableHosts(ctx context.Context, selector string) ([]Host, error) {
	var out []Host
	err := m.do(ctx, func(s *managerState) error {
		for _, h := range s.pool.SelectHosts(selector) {
			out = append(out, *h)
		}
		return nil
	})
	return out, err
}

// RemoveRequest deletes a logical request: its unmatched slots stop
// receiving hosts. Hosts already matched stay bound and their tasks run on.
func (m *Manager) RemoveRequest(ctx context.Context, id int64) error {
	err := m.do(ctx, func(s *managerState) error {
		lr, ok := s.requests[id]
		if !ok {
			return requestNotFound(id)
		}
		delete(s.requests, id)
		delete(s.notified, id)
		s.outstanding = slices.DeleteFunc(s.outstanding, func(o *LogicalRequest) bool { return o == lr })
		for host, owner := range s.reservations {
			if owner == lr {
				delete(s.reservations, host)
			}
		}
		m.updateGauges(s)
		return nil
	})
	if err != nil {
		return err
	}
	if m.rt.Store != nil {
		if err := m.rt.Store.DeleteLogicalRequest(ctx, id); err != nil && !errors.Is(err, stores.ErrNotFound) {
			return fmt.Errorf("failed to delete request %d: %w", id, err)
		}
	}
	m.logger.Info().Int64("request_id", id).Msg("Request removed")
	return nil
}

// chainFinished publishes a completion event the first time a request
// reaches a terminal status.
func (m *Manager) chainFinished(requestID int64) {
	var info *RequestInfo
	_ = m.do(m.ctx, func(s *managerState) error {
		lr, ok := s.requests[requestID]
		if !ok || s.notified[requestID] {
			return nil
		}
		if lr.Status().IsTerminal() {
			s.notified[requestID] = true
			i := lr.Info()
			info = &i
		}
		return nil
	})
	if info == nil {
		return
	}
	level := "info"
	if info.Status == RequestStatusFailed {
		level = "error"
	}
	m.logger.Info().Int64("request_id", info.ID).Str("status", string(info.Status)).Msg("Request finished")
	m.rt.publish(m.ctx, &Event{
		ID:        uuid.New().String(),
		Type:      EventTypeRequestCompleted,
		Cluster:   info.Cluster,
		RequestID: info.ID,
		Message:   fmt.Sprintf("Request %d finished with status %s", info.ID, info.Status),
		Level:     level,
		Data:      map[string]interface{}{"status": string(info.Status)},
	})
}

func (m *Manager) recordOffer(answer OfferAnswer) {
	if m.rt.Metrics != nil {
		m.rt.Metrics.RecordOffer(string(answer))
	}
}

func (m *Manager) updateGauges(s *managerState) {
	if m.rt.Metrics == nil {
		return
	}
	m.rt.Metrics.SetAvailableHosts(s.pool.Len())
	m.rt.Metrics.SetOutstandingRequests(len(s.outstanding))
}

// clusterServiceComponents maps every service of the blueprint to its
// components, excluding management components.
func clusterServiceComponents(bp *Blueprint) map[string][]string {
	stack := bp.Stack()
	out := make(map[string][]string)
	for _, g := range bp.HostGroups() {
		for _, c := range g.ComponentNames() {
			if stack.IsManagementComponent(c) {
				continue
			}
			service := stack.ServiceForComponent(c)
			out[service] = appendUnique(out[service], c)
		}
	}
	for _, components := range out {
		sort.Strings(components)
	}
	return out
}

func hostRecord(h *Host, status stores.HostStatus, cluster *string) *stores.HostRecord {
	attrs := "{}"
	if len(h.Attributes) > 0 {
		if data, err := json.Marshal(h.Attributes); err == nil {
			attrs = string(data)
		}
	}
	return &stores.HostRecord{
		Name:         h.Name,
		Attributes:   attrs,
		Status:       status,
		ClusterName:  cluster,
		RegisteredAt: h.RegisteredAt,
	}
}

func requestNotFound(id int64) error {
	return NewPermanentError(fmt.Sprintf("request %d not found", id), nil).
		WithCode(ErrCodeNotFound).WithResource(fmt.Sprint(id))
}

func clusterNotFound(name string) error {
	return NewPermanentError(fmt.Sprintf("cluster %q not found", name), nil).
		WithCode(ErrCodeNotFound).WithResource(name)
}
