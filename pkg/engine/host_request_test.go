package engine

import (
	"reflect"
	"testing"

	"github.com/rs/zerolog"
)

func taskLabels(tasks []*TopologyTask) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = string(t.Type)
		if t.Component != "" {
			out[i] += " " + t.Component
		}
	}
	return out
}

// TestHostRequestOffer tests that a slot is matched exactly once.
func TestHostRequestOffer(t *testing.T) {
	topology := newTestTopology(t, newTestStack(), testBlueprintSpec(), testRequestSpec("c1", 2))
	hr, err := NewHostRequest(1, 1, topology, "workers", "", "", nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHostRequest() error: %v", err)
	}
	if hr.Status() != HostRequestPending || hr.ContainsMaster() {
		t.Fatalf("unexpected initial state %s master=%v", hr.Status(), hr.ContainsMaster())
	}

	answer, tasks, err := hr.Offer(&Host{Name: "w1"})
	if err != nil || answer != OfferAccepted {
		t.Fatalf("Offer(w1) = %s, %v", answer, err)
	}
	if len(tasks) == 0 {
		t.Fatal("an accepted offer should emit tasks")
	}
	if hr.Status() != HostRequestMatched || hr.HostName() != "w1" || hr.MatchedAt().IsZero() {
		t.Errorf("slot should be matched to w1, got %s/%s", hr.Status(), hr.HostName())
	}
	if g, _ := topology.HostGroupForHost("w1"); g != "workers" {
		t.Errorf("w1 should be bound to workers, got %q", g)
	}

	answer, tasks, err = hr.Offer(&Host{Name: "w2"})
	if err != nil || answer != OfferDeclinedDone || tasks != nil {
		t.Errorf("second offer = %s, %v, %v; want DECLINED_DONE", answer, tasks, err)
	}
	if hr.HostName() != "w1" {
		t.Error("a matched slot must keep its host")
	}
}

// TestHostRequestTaskOrder tests the per host task chain.
func TestHostRequestTaskOrder(t *testing.T) {
	stack := newTestStack()
	bpSpec := testBlueprintSpec()
	bpSpec.HostGroups[1].Components = []ComponentSpec{
		{Name: "DATANODE"},
		{Name: "HDFS_CLIENT"},
		{Name: "ZOOKEEPER_SERVER", ProvisionAction: ProvisionInstallOnly},
	}

	tests := []struct {
		name   string
		group  string
		action ProvisionAction
		want   []string
	}{
		{
			name:  "master skips the management server",
			group: "master",
			want: []string{
				"RESOURCE_CREATION", "CONFIGURE",
				"INSTALL NAMENODE", "INSTALL ZOOKEEPER_SERVER",
				"START NAMENODE", "START ZOOKEEPER_SERVER",
			},
		},
		{
			name:  "clients are installed but never started",
			group: "workers",
			want: []string{
				"RESOURCE_CREATION", "CONFIGURE",
				"INSTALL DATANODE", "INSTALL HDFS_CLIENT", "INSTALL ZOOKEEPER_SERVER",
				"START DATANODE",
			},
		},
		{
			name:   "start only skips installs",
			group:  "workers",
			action: ProvisionStartOnly,
			want: []string{
				"RESOURCE_CREATION", "CONFIGURE",
				"INSTALL ZOOKEEPER_SERVER",
				"START DATANODE",
			},
		},
		{
			name:   "install only skips starts",
			group:  "master",
			action: ProvisionInstallOnly,
			want: []string{
				"RESOURCE_CREATION", "CONFIGURE",
				"INSTALL NAMENODE", "INSTALL ZOOKEEPER_SERVER",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequestSpec("c1", 1)
			req.ProvisionAction = tt.action
			topology := newTestTopology(t, stack, bpSpec, req)

			hr, err := NewHostRequest(7, 3, topology, tt.group, "", "", nil, zerolog.Nop())
			if err != nil {
				t.Fatalf("NewHostRequest() error: %v", err)
			}
			_, tasks, err := hr.Offer(&Host{Name: "h1"})
			if err != nil {
				t.Fatalf("Offer() error: %v", err)
			}

			if got := taskLabels(tasks); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("tasks = %v\nwant %v", got, tt.want)
			}
			for i, task := range tasks {
				if task.Sequence != i {
					t.Errorf("task %d has sequence %d", i, task.Sequence)
				}
				if task.HostRequestID != 7 || task.LogicalRequestID != 3 || task.Host != "h1" || task.Cluster != "c1" {
					t.Errorf("task %d is mislabelled: %+v", i, task.Info())
				}
				if task.Status() != TaskStatusPending {
					t.Errorf("task %d should start PENDING", i)
				}
			}
		})
	}
}

// TestHostRequestReservation tests slots bound to a named host.
func TestHostRequestReservation(t *testing.T) {
	topology := newTestTopology(t, newTestStack(), testBlueprintSpec(), testRequestSpec("c1", 1))
	hr, err := NewHostRequest(1, 1, topology, "master", "m1", "rack=r1", attrCompiler{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHostRequest() error: %v", err)
	}
	if !hr.ContainsMaster() {
		t.Error("master slot should report a master component")
	}

	if answer, _, _ := hr.Offer(&Host{Name: "m2"}); answer != OfferDeclinedPredicate {
		t.Errorf("other host should be declined, got %s", answer)
	}
	// the predicate is ignored for reserved slots
	if answer, _, _ := hr.Offer(&Host{Name: "m1", Attributes: map[string]string{"rack": "r9"}}); answer != OfferAccepted {
		t.Errorf("reserved host should be accepted, got %s", answer)
	}
}

// TestHostRequestPredicate tests predicate constrained slots.
func TestHostRequestPredicate(t *testing.T) {
	topology := newTestTopology(t, newTestStack(), testBlueprintSpec(), testRequestSpec("c1", 2))
	hr, err := NewHostRequest(1, 1, topology, "workers", "", "rack=r1", attrCompiler{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHostRequest() error: %v", err)
	}

	if answer, _, _ := hr.Offer(&Host{Name: "w1", Attributes: map[string]string{"rack": "r2"}}); answer != OfferDeclinedPredicate {
		t.Errorf("non-matching host should be declined, got %s", answer)
	}
	if _, ok := topology.HostGroupForHost("w1"); ok {
		t.Error("a declined host must not be bound")
	}
	if answer, _, _ := hr.Offer(&Host{Name: "w2", Attributes: map[string]string{"rack": "r1"}}); answer != OfferAccepted {
		t.Errorf("matching host should be accepted, got %s", answer)
	}
}

// TestHostRequestBadPredicate tests that an uncompilable predicate is ignored.
func TestHostRequestBadPredicate(t *testing.T) {
	topology := newTestTopology(t, newTestStack(), testBlueprintSpec(), testRequestSpec("c1", 2))
	hr, err := NewHostRequest(1, 1, topology, "workers", "", "not a predicate", attrCompiler{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHostRequest() error: %v", err)
	}
	if answer, _, _ := hr.Offer(&Host{Name: "w1"}); answer != OfferAccepted {
		t.Errorf("slot should accept any host, got %s", answer)
	}
}

// TestHostRequestUnknownGroup tests construction against an unknown group.
func TestHostRequestUnknownGroup(t *testing.T) {
	topology := newTestTopology(t, newTestStack(), testBlueprintSpec(), testRequestSpec("c1", 1))
	if _, err := NewHostRequest(1, 1, topology, "edge", "", "", nil, zerolog.Nop()); ErrorCode(err) != ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

// TestHostRequestPriority tests the ordering of outstanding slots.
func TestHostRequestPriority(t *testing.T) {
	topology := newTestTopology(t, newTestStack(), testBlueprintSpec(), testRequestSpec("c1", 1))
	worker1, _ := NewHostRequest(1, 1, topology, "workers", "", "", nil, zerolog.Nop())
	master5, _ := NewHostRequest(5, 1, topology, "master", "", "", nil, zerolog.Nop())
	worker3, _ := NewHostRequest(3, 1, topology, "workers", "", "", nil, zerolog.Nop())

	tests := []struct {
		name string
		a, b *HostRequest
		want int
	}{
		{"master first", master5, worker1, -1},
		{"worker after master", worker1, master5, 1},
		{"lower id first", worker1, worker3, -1},
		{"same request", worker3, worker3, 0},
	}
	for _, tt := range tests {
		if got := HostRequestPriority(tt.a, tt.b); got != tt.want {
			t.Errorf("%s: HostRequestPriority = %d, want %d", tt.name, got, tt.want)
		}
	}
}
