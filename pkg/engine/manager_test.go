package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/topology/pkg/stores"
)

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (p *recordingPublisher) Publish(_ context.Context, event *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count(eventType EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// countingMetrics counts metric calls.
type countingMetrics struct {
	mu        sync.Mutex
	accepted  map[string]int
	offers    map[string]int
	tasks     map[string]int
	available int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{accepted: map[string]int{}, offers: map[string]int{}, tasks: map[string]int{}}
}

func (m *countingMetrics) RecordRequestAccepted(requestType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted[requestType]++
}

func (m *countingMetrics) RecordOffer(answer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[answer]++
}

func (m *countingMetrics) RecordTask(taskType, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[status]++
}

func (m *countingMetrics) SetAvailableHosts(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = count
}

func (m *countingMetrics) SetOutstandingRequests(int) {}

// denyPolicy rejects topologies without a dedicated master group.
type denyPolicy struct{}

func (denyPolicy) EvaluateTopology(_ context.Context, _ *TopologySnapshot) (*PolicyResult, error) {
	return &PolicyResult{
		Allowed: false,
		Violations: []PolicyViolation{{
			Policy:   "capacity",
			Message:  "cluster too small",
			Severity: "error",
		}},
	}, nil
}

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.Workers = 4
	cfg.ConfigureTimeout = 5 * time.Second
	cfg.QueueSize = 16
	return cfg
}

func startManager(t *testing.T, rt *Runtime) *Manager {
	t.Helper()
	m, err := NewManager(rt, testManagerConfig())
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func provisionRequest(cluster string, workers int) *TopologyRequest {
	return &TopologyRequest{Spec: testRequestSpec(cluster, workers), Blueprint: testBlueprintSpec()}
}

func registerHosts(t *testing.T, m *Manager, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := m.OnHostRegistered(context.Background(), Host{Name: name}); err != nil {
			t.Fatalf("OnHostRegistered(%s) error: %v", name, err)
		}
	}
}

func waitForTasks(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.WaitForTasks(ctx); err != nil {
		t.Fatalf("tasks did not finish: %v", err)
	}
}

// indexOf returns the position of label in list, or -1.
func indexOf(list []string, label string) int {
	for i, s := range list {
		if s == label {
			return i
		}
	}
	return -1
}

// TestManagerProvisionEndToEnd tests a master and three workers being
// matched, configured, installed and started.
func TestManagerProvisionEndToEnd(t *testing.T) {
	stack := newTestStack()
	backend := newMockBackend()
	events := &recordingPublisher{}
	metrics := newCountingMetrics()
	rt := newTestRuntime(stack, backend)
	rt.Events = events
	rt.Metrics = metrics
	m := startManager(t, rt)
	ctx := context.Background()

	id, err := m.Provision(ctx, provisionRequest("c1", 3))
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if id != 1 {
		t.Errorf("first request ID = %d", id)
	}
	if _, ok := backend.clusters["c1"]; !ok {
		t.Error("cluster resources should be created")
	}
	if _, ok := backend.config("c1", stores.ConfigTagInitial); !ok {
		t.Error("initial configuration should be pushed")
	}

	registerHosts(t, m, "h1", "h2", "h3", "h4")
	waitForTasks(t, m)

	info, err := m.RequestStatus(ctx, id)
	if err != nil {
		t.Fatalf("RequestStatus() error: %v", err)
	}
	if info.Status != RequestStatusCompleted || info.MatchedCount != 4 || !info.Completed {
		t.Errorf("unexpected request state: status=%s matched=%d", info.Status, info.MatchedCount)
	}
	for _, hr := range info.HostRequests {
		if hr.Status != HostRequestMatched {
			t.Errorf("host request %d is %s", hr.ID, hr.Status)
		}
	}

	snap, err := m.Topology(ctx, "c1")
	if err != nil {
		t.Fatalf("Topology() error: %v", err)
	}
	if hosts := snap.HostGroups[0].Hosts; len(hosts) != 1 || hosts[0] != "h1" {
		t.Errorf("master hosts = %v, want [h1]", hosts)
	}
	if hosts := snap.HostGroups[1].Hosts; len(hosts) != 3 {
		t.Errorf("workers hosts = %v", hosts)
	}

	resolved, ok := backend.config("c1", stores.ConfigTagResolved)
	if !ok || resolved["core-site"]["fs.defaultFS"] != "hdfs://h1:8020" {
		t.Errorf("resolved configuration = %v", resolved)
	}

	for _, host := range []string{"h1", "h2", "h3", "h4"} {
		cmds := backend.commandsFor(host)
		install, start := -1, -1
		for i, c := range cmds {
			switch {
			case len(c) >= 7 && c[:7] == "INSTALL":
				install = i
			case len(c) >= 5 && c[:5] == "START" && start < 0:
				start = i
			}
		}
		if start >= 0 && install > start {
			t.Errorf("%s: INSTALL after START in %v", host, cmds)
		}
		if indexOf(cmds, "RESOURCE_CREATION") != 0 || indexOf(cmds, "CONFIGURE") != 1 {
			t.Errorf("%s: unexpected command order %v", host, cmds)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return events.count(EventTypeRequestCompleted) == 1 })
	if events.count(EventTypeHostMatched) != 4 || events.count(EventTypeTopologyResolved) != 1 {
		t.Errorf("unexpected events: matched=%d resolved=%d",
			events.count(EventTypeHostMatched), events.count(EventTypeTopologyResolved))
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.accepted["PROVISION"] != 1 || metrics.offers["ACCEPTED"] != 4 {
		t.Errorf("unexpected metrics: %+v %+v", metrics.accepted, metrics.offers)
	}
}

// TestManagerMatchesPooledHosts tests that hosts registered before the
// request are matched when it arrives.
func TestManagerMatchesPooledHosts(t *testing.T) {
	stack := newTestStack()
	backend := newMockBackend()
	m := startManager(t, newTestRuntime(stack, backend))
	ctx := context.Background()

	registerHosts(t, m, "h1", "h2", "h3")
	hosts, _ := m.AvailableHosts(ctx, "")
	if len(hosts) != 3 {
		t.Fatalf("expected 3 available hosts, got %d", len(hosts))
	}

	id, err := m.Provision(ctx, provisionRequest("c1", 1))
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	waitForTasks(t, m)

	hosts, _ = m.AvailableHosts(ctx, "")
	if len(hosts) != 1 || hosts[0].Name != "h3" {
		t.Errorf("h3 should remain available, got %v", hosts)
	}
	info, _ := m.RequestStatus(ctx, id)
	if info.Status != RequestStatusCompleted {
		t.Errorf("request status = %s", info.Status)
	}
}

// TestManagerReservedHosts tests explicit host reservations.
func TestManagerReservedHosts(t *testing.T) {
	stack := newTestStack()
	backend := newMockBackend()
	m := startManager(t, newTestRuntime(stack, backend))
	ctx := context.Background()

	req := provisionRequest("c1", 0)
	req.Spec.HostGroups = []HostGroupInfoSpec{
		{Name: "master", Hosts: []HostSpec{{FQDN: "nn.example.com"}}},
		{Name: "workers", Hosts: []HostSpec{{FQDN: "dn1.example.com"}}},
	}
	id, err := m.Provision(ctx, req)
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}

	pending, err := m.PendingHostComponents(ctx, "c1")
	if err != nil {
		t.Fatalf("PendingHostComponents() error: %v", err)
	}
	if len(pending["nn.example.com"]) != 2 || len(pending["dn1.example.com"]) != 2 {
		t.Errorf("reserved hosts should list every component, got %v", pending)
	}

	registerHosts(t, m, "other.example.com", "dn1.example.com", "nn.example.com")
	waitForTasks(t, m)

	hosts, _ := m.AvailableHosts(ctx, "")
	if len(hosts) != 1 || hosts[0].Name != "other.example.com" {
		t.Errorf("unreserved host should stay available, got %v", hosts)
	}
	info, _ := m.RequestStatus(ctx, id)
	if info.Status != RequestStatusCompleted {
		t.Errorf("request status = %s", info.Status)
	}
	pending, _ = m.PendingHostComponents(ctx, "c1")
	if len(pending) != 0 {
		t.Errorf("nothing should be pending, got %v", pending)
	}
}

// TestManagerProvisionErrors tests rejected provision requests.
func TestManagerProvisionErrors(t *testing.T) {
	stack := newTestStack()
	backend := newMockBackend()
	m := startManager(t, newTestRuntime(stack, backend))
	ctx := context.Background()

	if _, err := m.Provision(ctx, provisionRequest("c1", 1)); err != nil {
		t.Fatalf("Provision() error: %v", err)
	}

	invalid := provisionRequest("c2", 1)
	invalid.Blueprint.HostGroups[1].Components = append(invalid.Blueprint.HostGroups[1].Components, ComponentSpec{Name: "NAMENODE"})

	unknownStack := provisionRequest("c3", 1)
	unknownStack.Blueprint.Stack.Version = "9.9"

	scale := provisionRequest("c4", 1)
	scale.Spec.Type = RequestTypeScale

	tests := []struct {
		name string
		req  *TopologyRequest
		code string
	}{
		{"duplicate cluster", provisionRequest("c1", 1), ErrCodeAlreadyExists},
		{"invalid topology", invalid, ErrCodeValidation},
		{"unknown stack", unknownStack, ErrCodeNotFound},
		{"wrong type", scale, ErrCodeValidation},
		{"missing blueprint", &TopologyRequest{Spec: testRequestSpec("c5", 1)}, ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Provision(ctx, tt.req); ErrorCode(err) != tt.code {
				t.Errorf("Provision() error = %v, want code %s", err, tt.code)
			}
		})
	}

	clusters, _ := m.Clusters(ctx)
	if len(clusters) != 1 || clusters[0] != "c1" {
		t.Errorf("Clusters() = %v", clusters)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.clusters) != 1 {
		t.Errorf("rejected requests must not create cluster resources, got %v", backend.clusters)
	}
}

// TestManagerBackendFailure tests that a failed cluster creation frees the name.
func TestManagerBackendFailure(t *testing.T) {
	stack := newTestStack()
	backend := newMockBackend()
	backend.createErr = errors.New("connection refused")
	m := startManager(t, newTestRuntime(stack, backend))
	ctx := context.Background()

	_, err := m.Provision(ctx, provisionRequest("c1", 1))
	if ErrorCode(err) != ErrCodeBackendFailed || !IsRetryable(err) {
		t.Fatalf("Provision() error = %v, want a retryable backend failure", err)
	}

	backend.mu.Lock()
	backend.createErr = nil
	backend.mu.Unlock()
	if _, err := m.Provision(ctx, provisionRequest("c1", 1)); err != nil {
		t.Errorf("retrying after a backend failure should succeed: %v", err)
	}
}

// TestManagerPolicyDenied tests that policy violations reject a request.
func TestManagerPolicyDenied(t *testing.T) {
	stack := newTestStack()
	backend := newMockBackend()
	rt := newTestRuntime(stack, backend)
	rt.Policy = denyPolicy{}
	m := startManager(t, rt)

	_, err := m.Provision(context.Background(), provisionRequest("c1", 1))
	if ErrorCode(err) != ErrCodePolicyDenied {
		t.Fatalf("Provision() error = %v, want POLICY_DENIED", err)
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) && engineErr.Details["violations"] == nil {
		t.Error("violations should be attached to the error")
	}
}

// TestManagerScale tests adding hosts to an existing cluster.
func TestManagerScale(t *testing.T) {
	stack := newTestStack()
	backend := newMockBackend()
	m := startManager(t, newTestRuntime(stack, backend))
	ctx := context.Background()

	if _, err := m.Provision(ctx, provisionRequest("c1", 1)); err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	registerHosts(t, m, "h1", "h2")
	waitForTasks(t, m)

	scale := &TopologyRequest{Spec: TopologyRequestSpec{
		Type:        RequestTypeScale,
		ClusterName: "c1",
		Blueprint:   "hdfs-small",
		HostGroups:  []HostGroupInfoSpec{{Name: "workers", HostCount: 2}},
	}}
	id, err := m.Scale(ctx, scale)
	if err != nil {
		t.Fatalf("Scale() error: %v", err)
	}
	if id != 2 {
		t.Errorf("scale request ID = %d", id)
	}
	info, _ := m.RequestStatus(ctx, id)
	if info.Completed || info.Type != RequestTypeScale {
		t.Errorf("scale request should be pending, got %+v", info)
	}

	registerHosts(t, m, "h3", "h4")
	waitForTasks(t, m)

	info, _ = m.RequestStatus(ctx, id)
	if info.Status != RequestStatusCompleted || info.MatchedCount != 2 {
		t.Errorf("scale request status=%s matched=%d", info.Status, info.MatchedCount)
	}
	snap, _ := m.Topology(ctx, "c1")
	if len(snap.HostGroups[1].Hosts) != 3 {
		t.Errorf("workers should have 3 hosts, got %v", snap.HostGroups[1].Hosts)
	}
	// scaled hosts run behind the already released barrier
	if cmds := backend.commandsFor("h4"); indexOf(cmds, "START DATANODE") < 0 {
		t.Errorf("h4 should be started, got %v", cmds)
	}

	requests, _ := m.Requests(ctx)
	if len(requests) != 2 || requests[0].ID != 1 || requests[1].ID != 2 {
		t.Errorf("Requests() = %+v", requests)
	}
}

// TestManagerScaleErrors tests rejected scale requests.
func TestManagerScaleErrors(t *testing.T) {
	stack := newTestStack()
	m := startManager(t, newTestRuntime(stack, newMockBackend()))
	ctx := context.Background()
	if _, err := m.Provision(ctx, provisionRequest("c1", 1)); err != nil {
		t.Fatalf("Provision() error: %v", err)
	}

	scale := func(cluster, blueprint string, groups ...HostGroupInfoSpec) *TopologyRequest {
		return &TopologyRequest{Spec: TopologyRequestSpec{
			Type:        RequestTypeScale,
			ClusterName: cluster,
			Blueprint:   blueprint,
			HostGroups:  groups,
		}}
	}
	workers := HostGroupInfoSpec{Name: "workers", HostCount: 1}

	tests := []struct {
		name string
		req  *TopologyRequest
		code string
	}{
		{"unknown cluster", scale("c9", "hdfs-small", workers), ErrCodeNotFound},
		{"other blueprint", scale("c1", "other", workers), ErrCodeValidation},
		{"no host groups", scale("c1", "hdfs-small"), ErrCodeValidation},
		{"unknown host group", scale("c1", "hdfs-small", HostGroupInfoSpec{Name: "edge", HostCount: 1}), ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Scale(ctx, tt.req); ErrorCode(err) != tt.code {
				t.Errorf("Scale() error = %v, want code %s", err, tt.code)
			}
		})
	}
}

// failingCreateStore fails the first failures calls to CreateRequest.
type failingCreateStore struct {
	RequestStore

	mu       sync.Mutex
	failures int
}

func (s *failingCreateStore) CreateRequest(ctx context.Context, topology *stores.TopologyRequestRecord, req *stores.LogicalRequestRecord, hostRequests []*stores.HostRequestRecord) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("disk I/O error")
	}
	s.mu.Unlock()
	return s.RequestStore.CreateRequest(ctx, topology, req, hostRequests)
}

// TestManagerScalePersistFailure tests that a scale request that cannot be
// persisted leaves the topology as it was and can be resubmitted.
func TestManagerScalePersistFailure(t *testing.T) {
	tests := []struct {
		name  string
		group HostGroupInfoSpec
	}{
		{"explicit host", HostGroupInfoSpec{Name: "workers", Hosts: []HostSpec{{FQDN: "h9"}}}},
		{"host count", HostGroupInfoSpec{Name: "workers", HostCount: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &failingCreateStore{RequestStore: newTestStore(t)}
			rt := newTestRuntime(newTestStack(), newMockBackend())
			rt.Store = store
			m := startManager(t, rt)
			ctx := context.Background()

			if _, err := m.Provision(ctx, provisionRequest("c1", 1)); err != nil {
				t.Fatalf("Provision() error: %v", err)
			}
			before := workersRequested(t, m)

			store.mu.Lock()
			store.failures = 1
			store.mu.Unlock()

			scale := &TopologyRequest{Spec: TopologyRequestSpec{
				Type:        RequestTypeScale,
				ClusterName: "c1",
				HostGroups:  []HostGroupInfoSpec{tt.group},
			}}
			if _, err := m.Scale(ctx, scale); !IsRetryable(err) {
				t.Fatalf("Scale() error = %v, want a retryable error", err)
			}
			if got := workersRequested(t, m); got != before {
				t.Errorf("requested count after failed scale = %d, want %d", got, before)
			}
			if requests, _ := m.Requests(ctx); len(requests) != 1 {
				t.Errorf("failed scale should not be listed, got %d requests", len(requests))
			}

			retry := &TopologyRequest{Spec: scale.Spec}
			if _, err := m.Scale(ctx, retry); err != nil {
				t.Fatalf("resubmitted Scale() error: %v", err)
			}
			want := before + len(tt.group.Hosts) + tt.group.HostCount
			if got := workersRequested(t, m); got != want {
				t.Errorf("requested count after scale = %d, want %d", got, want)
			}
		})
	}
}

func workersRequested(t *testing.T, m *Manager) int {
	t.Helper()
	snap, err := m.Topology(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Topology() error: %v", err)
	}
	for _, g := range snap.HostGroups {
		if g.Name == "workers" {
			return g.RequestedCount
		}
	}
	t.Fatalf("no workers group in %+v", snap.HostGroups)
	return 0
}

// TestManagerUnsatisfiableRequestStaysPending tests that a request whose
// predicate matches no host waits indefinitely.
func TestManagerUnsatisfiableRequestStaysPending(t *testing.T) {
	stack := newTestStack()
	m := startManager(t, newTestRuntime(stack, newMockBackend()))
	ctx := context.Background()

	req := provisionRequest("c1", 1)
	req.Spec.HostGroups[0].HostPredicate = "rack=r9"
	id, err := m.Provision(ctx, req)
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}

	if err := m.OnHostRegistered(ctx, Host{Name: "h1", Attributes: map[string]string{"rack": "r1"}}); err != nil {
		t.Fatal(err)
	}
	if err := m.OnHostRegistered(ctx, Host{Name: "h2", Attributes: map[string]string{"rack": "r1"}}); err != nil {
		t.Fatal(err)
	}

	info, _ := m.RequestStatus(ctx, id)
	if info.Completed || info.MatchedCount != 1 {
		t.Errorf("only the worker slot should be matched, got %+v", info)
	}
	hosts, _ := m.AvailableHosts(ctx, "rack=r1")
	if len(hosts) != 1 || hosts[0].Name != "h2" {
		t.Errorf("h2 should wait in the pool, got %v", hosts)
	}
}

// TestManagerRemoveRequest tests that a removed request stops receiving hosts.
func TestManagerRemoveRequest(t *testing.T) {
	stack := newTestStack()
	m := startManager(t, newTestRuntime(stack, newMockBackend()))
	ctx := context.Background()

	id, err := m.Provision(ctx, provisionRequest("c1", 2))
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	registerHosts(t, m, "h1", "h2")

	if err := m.RemoveRequest(ctx, id); err != nil {
		t.Fatalf("RemoveRequest() error: %v", err)
	}
	if _, err := m.RequestStatus(ctx, id); ErrorCode(err) != ErrCodeNotFound {
		t.Errorf("removed request should be NOT_FOUND, got %v", err)
	}
	if err := m.RemoveRequest(ctx, id); ErrorCode(err) != ErrCodeNotFound {
		t.Errorf("second removal should be NOT_FOUND, got %v", err)
	}

	registerHosts(t, m, "h3")
	hosts, _ := m.AvailableHosts(ctx, "")
	if len(hosts) != 1 || hosts[0].Name != "h3" {
		t.Errorf("h3 should go to the pool, got %v", hosts)
	}

	// matched hosts stay bound
	snap, _ := m.Topology(ctx, "c1")
	if len(snap.HostGroups[0].Hosts) != 1 || len(snap.HostGroups[1].Hosts) != 1 {
		t.Errorf("bound hosts should survive request removal: %+v", snap.HostGroups)
	}
	waitForTasks(t, m)
}

// TestManagerHostLifecycle tests host removal and re-registration.
func TestManagerHostLifecycle(t *testing.T) {
	stack := newTestStack()
	m := startManager(t, newTestRuntime(stack, newMockBackend()))
	ctx := context.Background()

	if err := m.OnHostRegistered(ctx, Host{}); ErrorCode(err) != ErrCodeValidation {
		t.Errorf("nameless host should be rejected, got %v", err)
	}

	registerHosts(t, m, "h1", "h2", "h3")
	if err := m.OnHostRemoved(ctx, "h2"); err != nil {
		t.Fatalf("OnHostRemoved() error: %v", err)
	}
	hosts, _ := m.AvailableHosts(ctx, "")
	if len(hosts) != 2 || hosts[0].Name != "h1" || hosts[1].Name != "h3" {
		t.Errorf("AvailableHosts() = %v", hosts)
	}

	if _, err := m.Provision(ctx, provisionRequest("c1", 1)); err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	waitForTasks(t, m)

	// a bound host registering again is ignored
	registerHosts(t, m, "h1")
	hosts, _ = m.AvailableHosts(ctx, "")
	if len(hosts) != 0 {
		t.Errorf("bound host must not rejoin the pool, got %v", hosts)
	}

	if _, err := m.PendingHostComponents(ctx, "missing"); ErrorCode(err) != ErrCodeNotFound {
		t.Errorf("unknown cluster should be NOT_FOUND, got %v", err)
	}
}

// TestManagerNotRunning tests calls outside Start and Stop.
func TestManagerNotRunning(t *testing.T) {
	stack := newTestStack()
	m, err := NewManager(newTestRuntime(stack, newMockBackend()), testManagerConfig())
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	ctx := context.Background()

	if err := m.OnHostRegistered(ctx, Host{Name: "h1"}); !errors.Is(err, ErrManagerNotRunning) {
		t.Errorf("before Start: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}
	m.Stop()
	m.Stop()
	if _, err := m.Clusters(ctx); !errors.Is(err, ErrManagerNotRunning) {
		t.Errorf("after Stop: %v", err)
	}
}

// TestNewManagerValidation tests construction checks.
func TestNewManagerValidation(t *testing.T) {
	stack := newTestStack()

	if _, err := NewManager(nil, testManagerConfig()); err == nil {
		t.Error("nil runtime should be rejected")
	}
	if _, err := NewManager(&Runtime{Backend: newMockBackend()}, testManagerConfig()); err == nil {
		t.Error("missing stack resolver should be rejected")
	}
	cfg := testManagerConfig()
	cfg.Workers = 0
	if _, err := NewManager(newTestRuntime(stack, newMockBackend()), cfg); err == nil {
		t.Error("zero workers should be rejected")
	}
}

// TestBuildTopology tests offline topology construction.
func TestBuildTopology(t *testing.T) {
	stacks := &testResolver{stack: newTestStack()}

	topology, err := BuildTopology(provisionRequest("c1", 2), stacks, zerolog.Nop())
	if err != nil {
		t.Fatalf("BuildTopology() error: %v", err)
	}
	snap := topology.Snapshot()
	if snap.Cluster != "c1" || len(snap.HostGroups) != 2 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	noBlueprint := &TopologyRequest{Spec: testRequestSpec("c1", 1)}
	if _, err := BuildTopology(noBlueprint, stacks, zerolog.Nop()); ErrorCode(err) != ErrCodeValidation {
		t.Errorf("missing blueprint should be a validation error, got %v", err)
	}

	unknownStack := provisionRequest("c1", 1)
	unknownStack.Blueprint.Stack.Version = "9.9"
	if _, err := BuildTopology(unknownStack, stacks, zerolog.Nop()); ErrorCode(err) != ErrCodeNotFound {
		t.Errorf("unknown stack should be not found, got %v", err)
	}

	unknownGroup := provisionRequest("c1", 1)
	unknownGroup.Spec.HostGroups = append(unknownGroup.Spec.HostGroups, HostGroupInfoSpec{Name: "edge", HostCount: 1})
	if _, err := BuildTopology(unknownGroup, stacks, zerolog.Nop()); err == nil {
		t.Error("a host group missing from the blueprint should fail")
	}
}
