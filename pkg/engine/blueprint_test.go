package engine

import (
	"errors"
	"testing"
)

// TestNewBlueprint tests building a blueprint from its document.
func TestNewBlueprint(t *testing.T) {
	stack := newTestStack()
	bp, err := NewBlueprint(testBlueprintSpec(), stack)
	if err != nil {
		t.Fatalf("NewBlueprint() error: %v", err)
	}

	if bp.Name() != "hdfs-small" || bp.SchemaVersion() != BlueprintSchemaVersion {
		t.Errorf("unexpected identity %s/%s", bp.Name(), bp.SchemaVersion())
	}
	if bp.Security() != SecurityNone {
		t.Errorf("security should default to NONE, got %s", bp.Security())
	}

	groups := bp.HostGroups()
	if len(groups) != 2 || groups[0].Name() != "master" || groups[1].Name() != "workers" {
		t.Fatalf("unexpected host groups: %v", groups)
	}

	services := bp.Services()
	if len(services) != 2 || services[0] != "HDFS" || services[1] != "ZOOKEEPER" {
		t.Errorf("Services() = %v", services)
	}

	master, _ := bp.HostGroup("master")
	if !master.ContainsMasterComponent() {
		t.Error("master group should contain a master component")
	}
	workers, _ := bp.HostGroup("workers")
	if workers.ContainsMasterComponent() {
		t.Error("workers group should not contain a master component")
	}
	if got := bp.HostGroupsForComponent("DATANODE"); len(got) != 1 || got[0].Name() != "workers" {
		t.Errorf("HostGroupsForComponent(DATANODE) = %v", got)
	}
}

// TestBlueprintConfigurationChain tests that stack defaults sit under the
// blueprint and host group layers.
func TestBlueprintConfigurationChain(t *testing.T) {
	spec := testBlueprintSpec()
	spec.Configurations = ConfigurationsSpec{
		"hdfs-site": {Properties: map[string]string{"dfs.replication": "2"}},
	}
	spec.HostGroups[1].Configurations = ConfigurationsSpec{
		"hdfs-site": {Properties: map[string]string{"dfs.datanode.dir": "/data"}},
	}

	bp, err := NewBlueprint(spec, newTestStack())
	if err != nil {
		t.Fatalf("NewBlueprint() error: %v", err)
	}
	workers, _ := bp.HostGroup("workers")

	if v, _ := workers.Configuration().Resolve("hdfs-site", "dfs.replication"); v != "2" {
		t.Errorf("blueprint value should override stack default, got %q", v)
	}
	if v, _ := workers.Configuration().Resolve("zoo.cfg", "clientPort"); v != "2181" {
		t.Errorf("stack default should be inherited, got %q", v)
	}
	if workers.Configuration().Parent() != bp.Configuration() {
		t.Error("host group layer should be chained to the blueprint layer")
	}
}

// TestNewBlueprintErrors tests rejection of invalid documents.
func TestNewBlueprintErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BlueprintSpec)
	}{
		{"schema version", func(s *BlueprintSpec) { s.SchemaVersion = "1" }},
		{"no host groups", func(s *BlueprintSpec) { s.HostGroups = nil }},
		{"unknown component", func(s *BlueprintSpec) {
			s.HostGroups[0].Components = append(s.HostGroups[0].Components, ComponentSpec{Name: "FLUX_CAPACITOR"})
		}},
		{"duplicate group", func(s *BlueprintSpec) { s.HostGroups[1].Name = "master" }},
		{"bad cardinality", func(s *BlueprintSpec) { s.HostGroups[0].Cardinality = "many" }},
		{"bad provision action", func(s *BlueprintSpec) { s.HostGroups[0].Components[0].ProvisionAction = "REBOOT" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := testBlueprintSpec()
			tt.mutate(spec)
			_, err := NewBlueprint(spec, newTestStack())
			if err == nil {
				t.Fatal("expected an error")
			}
			if ErrorCode(err) != ErrCodeValidation {
				t.Errorf("error code = %q, want %q", ErrorCode(err), ErrCodeValidation)
			}
			if !IsPermanent(err) {
				t.Error("validation errors should be permanent")
			}
		})
	}
}

// TestBlueprintSeal tests that sealing freezes component sets.
func TestBlueprintSeal(t *testing.T) {
	bp, err := NewBlueprint(testBlueprintSpec(), newTestStack())
	if err != nil {
		t.Fatalf("NewBlueprint() error: %v", err)
	}
	workers, _ := bp.HostGroup("workers")

	added, err := workers.AddComponent(Component{Name: "ZOOKEEPER_CLIENT"})
	if err != nil || !added {
		t.Fatalf("AddComponent before seal = %v, %v", added, err)
	}
	added, err = workers.AddComponent(Component{Name: "ZOOKEEPER_CLIENT"})
	if err != nil || added {
		t.Errorf("adding a duplicate should be a no-op, got %v, %v", added, err)
	}

	bp.Seal()
	if !bp.IsSealed() {
		t.Fatal("blueprint should be sealed")
	}
	_, err = workers.AddComponent(Component{Name: "NAMENODE"})
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeConflict {
		t.Errorf("AddComponent after seal should fail with a conflict, got %v", err)
	}
}
