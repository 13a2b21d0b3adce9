package engine

import "testing"

func hostNames(hosts []*Host) []string {
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h.Name
	}
	return out
}

// TestHostRegistry tests registration order and removal.
func TestHostRegistry(t *testing.T) {
	r := NewHostRegistry()
	for _, name := range []string{"c", "a", "b"} {
		if !r.AddHost(&Host{Name: name}) {
			t.Errorf("AddHost(%s) should report a new host", name)
		}
	}
	if r.AddHost(&Host{Name: "a", Attributes: map[string]string{"rack": "r2"}}) {
		t.Error("re-adding a host should not report it as new")
	}

	if got := hostNames(r.ListHosts()); len(got) != 3 || got[0] != "c" || got[1] != "a" || got[2] != "b" {
		t.Errorf("ListHosts() = %v, want registration order", got)
	}
	if h, _ := r.GetHost("a"); h.Attributes["rack"] != "r2" {
		t.Error("re-adding a host should refresh its attributes")
	}

	if !r.RemoveHost("a") || r.RemoveHost("a") {
		t.Error("RemoveHost should report presence once")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d", r.Len())
	}
}

// TestHostRegistrySelectHosts tests attribute selectors.
func TestHostRegistrySelectHosts(t *testing.T) {
	r := NewHostRegistry()
	r.AddHost(&Host{Name: "h1", Attributes: map[string]string{"rack": "r1", "os": "el8"}})
	r.AddHost(&Host{Name: "h2", Attributes: map[string]string{"rack": "r2", "os": "el8"}})
	r.AddHost(&Host{Name: "h3"})

	tests := []struct {
		selector string
		want     int
	}{
		{"", 3},
		{"all", 3},
		{"os=el8", 2},
		{"rack=r1, os=el8", 1},
		{"rack=r9", 0},
	}
	for _, tt := range tests {
		if got := r.SelectHosts(tt.selector); len(got) != tt.want {
			t.Errorf("SelectHosts(%q) = %v, want %d hosts", tt.selector, hostNames(got), tt.want)
		}
	}
}

// TestMatchesSelector tests matching raw attribute maps.
func TestMatchesSelector(t *testing.T) {
	attrs := map[string]string{"rack": "r1", "os": "el8"}
	tests := []struct {
		selector string
		want     bool
	}{
		{"", true},
		{"all", true},
		{"rack=r1", true},
		{" rack = r1 ,os=el8", true},
		{"rack=r2", false},
		{"cpu_count=8", false},
	}
	for _, tt := range tests {
		if got := MatchesSelector(attrs, tt.selector); got != tt.want {
			t.Errorf("MatchesSelector(%q) = %v, want %v", tt.selector, got, tt.want)
		}
	}
	if MatchesSelector(nil, "rack=r1") {
		t.Error("a host without attributes should not match a selector")
	}
}
