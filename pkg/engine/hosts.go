package engine

import (
	"slices"
	"strings"
)

// HostRegistry keeps registered hosts that are not bound to any cluster, in
// registration order. It is owned by the manager's actor goroutine and is
// not safe for concurrent use.
type HostRegistry struct {
	order []string
	hosts map[string]*Host
}

// NewHostRegistry creates an empty registry.
func NewHostRegistry() *HostRegistry {
	return &HostRegistry{
		hosts: make(map[string]*Host),
	}
}

// AddHost adds a host, or refreshes its attributes if already present.
// It reports whether the host was new.
func (r *HostRegistry) AddHost(host *Host) bool {
	if _, ok := r.hosts[host.Name]; ok {
		r.hosts[host.Name] = host
		return false
	}
	r.hosts[host.Name] = host
	r.order = append(r.order, host.Name)
	return true
}

// GetHost returns a host by name.
func (r *HostRegistry) GetHost(name string) (*Host, bool) {
	h, ok := r.hosts[name]
	return h, ok
}

// RemoveHost removes a host and reports whether it was present.
func (r *HostRegistry) RemoveHost(name string) bool {
	if _, ok := r.hosts[name]; !ok {
		return false
	}
	delete(r.hosts, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	return true
}

// ListHosts returns every host in registration order.
func (r *HostRegistry) ListHosts() []*Host {
	out := make([]*Host, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.hosts[name])
	}
	return out
}

// Len returns the number of hosts.
func (r *HostRegistry) Len() int {
	return len(r.order)
}

// SelectHosts returns the hosts matching selector, see MatchesSelector.
func (r *HostRegistry) SelectHosts(selector string) []*Host {
	labels := parseSelector(selector)
	selected := make([]*Host, 0)
	for _, host := range r.ListHosts() {
		if matchesLabels(host.Attributes, labels) {
			selected = append(selected, host)
		}
	}
	return selected
}

// MatchesSelector reports whether attributes satisfy a selector of the form
// "key1=value1,key2=value2". An empty selector or "all" matches every host.
func MatchesSelector(attributes map[string]string, selector string) bool {
	return matchesLabels(attributes, parseSelector(selector))
}

func parseSelector(selector string) map[string]string {
	labels := make(map[string]string)
	if selector == "" || selector == "all" {
		return labels
	}
	for _, pair := range strings.Split(selector, ",") {
		if key, value, ok := strings.Cut(pair, "="); ok {
			labels[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return labels
}

func matchesLabels(attributes, labels map[string]string) bool {
	for key, value := range labels {
		if v, ok := attributes[key]; !ok || v != value {
			return false
		}
	}
	return true
}
