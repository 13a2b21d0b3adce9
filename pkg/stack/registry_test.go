package stack

import (
	"reflect"
	"testing"

	"github.com/openfroyo/topology/pkg/engine"
)

// TestRegistry tests registration and resolution of stack versions.
func TestRegistry(t *testing.T) {
	r := NewRegistry()
	def := loadTestDefinition(t)

	if _, err := r.Register(def); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if _, err := r.Register(def); err == nil {
		t.Error("registering the same version twice should fail")
	}
	if _, err := r.Register(&Definition{Name: "HDP", Version: "3.0", Services: []ServiceDefinition{{Name: "HDFS"}}}); err != nil {
		t.Fatalf("Register(3.0) error: %v", err)
	}

	s, err := r.Stack("HDP", "2.6")
	if err != nil {
		t.Fatalf("Stack() error: %v", err)
	}
	if s.ServiceForComponent("NAMENODE") != "HDFS" {
		t.Error("resolved catalog should index the definition")
	}
	if _, err := r.Stack("HDP", "9.9"); err == nil {
		t.Error("unknown version should not resolve")
	}

	want := []engine.StackRef{{Name: "HDP", Version: "2.6"}, {Name: "HDP", Version: "3.0"}}
	if got := r.List(); !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v", got)
	}

	r.Unregister("HDP", "3.0")
	if _, err := r.Catalog("HDP", "3.0"); err == nil {
		t.Error("unregistered stack should not resolve")
	}
}

// TestRegistryValidatesTopology tests the registry as the engine's stack resolver.
func TestRegistryValidatesTopology(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(loadTestDefinition(t)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	catalog, _ := r.Stack("HDP", "2.6")

	bp, err := engine.NewBlueprint(&engine.BlueprintSpec{
		SchemaVersion: engine.BlueprintSchemaVersion,
		Name:          "hdfs",
		Stack:         engine.StackRef{Name: "HDP", Version: "2.6"},
		HostGroups: []engine.HostGroupSpec{
			{Name: "master", Components: []engine.ComponentSpec{
				{Name: "NAMENODE"}, {Name: "SECONDARY_NAMENODE"}, {Name: "ZOOKEEPER_SERVER"},
			}},
			{Name: "workers", Components: []engine.ComponentSpec{{Name: "DATANODE"}}},
		},
	}, catalog)
	if err != nil {
		t.Fatalf("NewBlueprint() error: %v", err)
	}
	topology, err := engine.NewClusterTopology(&engine.TopologyRequestSpec{
		Type:        engine.RequestTypeProvision,
		ClusterName: "c1",
		Blueprint:   "hdfs",
		HostGroups: []engine.HostGroupInfoSpec{
			{Name: "master", HostCount: 1},
			{Name: "workers", HostCount: 3},
		},
	}, bp)
	if err != nil {
		t.Fatalf("NewClusterTopology() error: %v", err)
	}

	if err := engine.NewBlueprintValidator(catalog).ValidateTopology(topology); err != nil {
		t.Fatalf("ValidateTopology() error: %v", err)
	}
	// the host scoped HDFS_CLIENT dependency of DATANODE is auto-deployed
	if g, ok := bp.HostGroup("workers"); !ok || !g.ContainsComponent("HDFS_CLIENT") {
		t.Error("HDFS_CLIENT should be added to workers")
	}
}
