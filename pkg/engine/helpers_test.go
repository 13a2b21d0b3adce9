package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// testComponent describes a component of the test stack.
type testComponent struct {
	service     string
	cardinality string
	master      bool
	client      bool
	management  bool
	autoDeploy  *AutoDeployInfo
	deps        []DependencyInfo
	external    string
}

// testStack is an in-memory StackCatalog.
type testStack struct {
	components  map[string]*testComponent
	services    []string
	required    map[string][]ConfigProperty
	configTypes map[string]string
	defaults    map[string]map[string]string
}

// newTestStack returns a small HDFS + ZOOKEEPER stack with a management server.
func newTestStack() *testStack {
	return &testStack{
		components: map[string]*testComponent{
			"NAMENODE":         {service: "HDFS", cardinality: "1", master: true},
			"DATANODE":         {service: "HDFS", cardinality: "1+"},
			"HDFS_CLIENT":      {service: "HDFS", client: true},
			"ZOOKEEPER_SERVER": {service: "ZOOKEEPER", cardinality: "1+", master: true},
			"ZOOKEEPER_CLIENT": {service: "ZOOKEEPER", client: true},
			"AMBARI_SERVER":    {management: true},
		},
		services: []string{"HDFS", "ZOOKEEPER"},
		required: map[string][]ConfigProperty{},
		configTypes: map[string]string{
			"hdfs-site": "HDFS",
			"core-site": "HDFS",
			"zoo.cfg":   "ZOOKEEPER",
		},
		defaults: map[string]map[string]string{
			"hdfs-site": {"dfs.replication": "3"},
			"core-site": {"fs.defaultFS": "hdfs://%HOSTGROUP::master%:8020"},
			"zoo.cfg":   {"clientPort": "2181"},
		},
	}
}

func (s *testStack) Name() string       { return "TEST" }
func (s *testStack) Version() string    { return "1.0" }
func (s *testStack) Services() []string { return append([]string(nil), s.services...) }

func (s *testStack) ServiceForComponent(component string) string {
	if c, ok := s.components[component]; ok {
		return c.service
	}
	return ""
}

func (s *testStack) ComponentsForService(service string) []string {
	var out []string
	for name, c := range s.components {
		if c.service == service {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *testStack) Cardinality(component string) string {
	if c, ok := s.components[component]; ok {
		return c.cardinality
	}
	return ""
}

func (s *testStack) AutoDeploy(component string) *AutoDeployInfo {
	if c, ok := s.components[component]; ok {
		return c.autoDeploy
	}
	return nil
}

func (s *testStack) Dependencies(component string) []DependencyInfo {
	if c, ok := s.components[component]; ok {
		return c.deps
	}
	return nil
}

func (s *testStack) IsMasterComponent(component string) bool {
	c, ok := s.components[component]
	return ok && c.master
}

func (s *testStack) IsClientComponent(component string) bool {
	c, ok := s.components[component]
	return ok && c.client
}

func (s *testStack) IsManagementComponent(component string) bool {
	c, ok := s.components[component]
	return ok && c.management
}

func (s *testStack) ExternalComponentConfig(component string) string {
	if c, ok := s.components[component]; ok {
		return c.external
	}
	return ""
}

func (s *testStack) RequiredProperties(service string) []ConfigProperty {
	return s.required[service]
}

func (s *testStack) IsPasswordProperty(_, _, property string) bool {
	return strings.Contains(property, "password")
}

func (s *testStack) ServiceForConfigType(configType string) string {
	return s.configTypes[configType]
}

func (s *testStack) DefaultConfiguration(services []string) *Configuration {
	wanted := make(map[string]bool)
	for _, svc := range services {
		wanted[svc] = true
	}
	props := make(map[string]map[string]string)
	for t, p := range s.defaults {
		if wanted[s.configTypes[t]] {
			props[t] = p
		}
	}
	return NewConfiguration(props, nil, nil)
}

// testResolver resolves the single test stack.
type testResolver struct {
	stack *testStack
}

func (r *testResolver) Stack(name, version string) (StackCatalog, error) {
	if name != r.stack.Name() || version != r.stack.Version() {
		return nil, fmt.Errorf("stack %s-%s not found", name, version)
	}
	return r.stack, nil
}

// mockBackend records every command it receives.
type mockBackend struct {
	mu        sync.Mutex
	delay     time.Duration
	commands  []*HostCommand
	configs   map[string]map[string]map[string]string
	clusters  map[string]map[string][]string
	failTasks map[string]error
	createErr error

	// configErrs are returned by successive SetClusterConfiguration calls
	configErrs  []error
	configCalls int
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		configs:   make(map[string]map[string]map[string]string),
		clusters:  make(map[string]map[string][]string),
		failTasks: make(map[string]error),
	}
}

func (b *mockBackend) CreateClusterResources(_ context.Context, cluster string, _ StackRef, serviceComponents map[string][]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return b.createErr
	}
	b.clusters[cluster] = serviceComponents
	return nil
}

func (b *mockBackend) SetClusterConfiguration(_ context.Context, cluster, tag string, configuration map[string]map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configCalls++
	if len(b.configErrs) > 0 {
		err := b.configErrs[0]
		b.configErrs = b.configErrs[1:]
		if err != nil {
			return err
		}
	}
	b.configs[cluster+"/"+tag] = configuration
	return nil
}

func (b *mockBackend) Execute(ctx context.Context, cmd *HostCommand) error {
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, cmd)
	key := fmt.Sprintf("%s/%s/%s", cmd.Host, cmd.Type, cmd.Component)
	return b.failTasks[key]
}

// commandsFor returns "TYPE COMPONENT" for each command run on host, in order.
func (b *mockBackend) commandsFor(host string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.commands {
		if c.Host == host {
			out = append(out, strings.TrimSpace(string(c.Type)+" "+c.Component))
		}
	}
	return out
}

func (b *mockBackend) config(cluster, tag string) (map[string]map[string]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.configs[cluster+"/"+tag]
	return c, ok
}

// attrPredicate matches hosts whose attribute equals a value ("key=value").
type attrPredicate struct {
	expr, key, value string
}

func (p *attrPredicate) Matches(host *Host) (bool, error) {
	return host.Attributes[p.key] == p.value, nil
}

func (p *attrPredicate) String() string { return p.expr }

type attrCompiler struct{}

func (attrCompiler) Compile(expr string) (Predicate, error) {
	key, value, ok := strings.Cut(expr, "=")
	if !ok {
		return nil, fmt.Errorf("invalid predicate %q", expr)
	}
	return &attrPredicate{expr: expr, key: key, value: value}, nil
}

// testBlueprintSpec returns a master/workers blueprint for the test stack.
func testBlueprintSpec() *BlueprintSpec {
	return &BlueprintSpec{
		SchemaVersion: BlueprintSchemaVersion,
		Name:          "hdfs-small",
		Stack:         StackRef{Name: "TEST", Version: "1.0"},
		HostGroups: []HostGroupSpec{
			{
				Name:        "master",
				Cardinality: "1",
				Components: []ComponentSpec{
					{Name: "NAMENODE"},
					{Name: "ZOOKEEPER_SERVER"},
					{Name: "AMBARI_SERVER"},
				},
			},
			{
				Name:        "workers",
				Cardinality: "1+",
				Components: []ComponentSpec{
					{Name: "DATANODE"},
					{Name: "HDFS_CLIENT"},
				},
			},
		},
	}
}

// testRequestSpec returns a provision request binding one master and n workers.
func testRequestSpec(cluster string, workers int) TopologyRequestSpec {
	return TopologyRequestSpec{
		Type:        RequestTypeProvision,
		ClusterName: cluster,
		Blueprint:   "hdfs-small",
		HostGroups: []HostGroupInfoSpec{
			{Name: "master", HostCount: 1},
			{Name: "workers", HostCount: workers},
		},
	}
}

// newTestTopology builds a validated, sealed topology for the given request.
func newTestTopology(t *testing.T, stack *testStack, bpSpec *BlueprintSpec, spec TopologyRequestSpec) *ClusterTopology {
	t.Helper()

	bp, err := NewBlueprint(bpSpec, stack)
	if err != nil {
		t.Fatalf("failed to create blueprint: %v", err)
	}
	topology, err := NewClusterTopology(&spec, bp)
	if err != nil {
		t.Fatalf("failed to create topology: %v", err)
	}
	if err := NewBlueprintValidator(stack).ValidateTopology(topology); err != nil {
		t.Fatalf("topology should validate: %v", err)
	}
	bp.Seal()
	return topology
}

// newTestRuntime returns a runtime with the test stack and a mock backend.
func newTestRuntime(stack *testStack, backend *mockBackend) *Runtime {
	return &Runtime{
		Stacks:     &testResolver{stack: stack},
		Backend:    backend,
		Predicates: attrCompiler{},
		Logger:     zerolog.Nop(),
	}
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func counter() func() int64 {
	var n int64
	return func() int64 {
		n++
		return n
	}
}
