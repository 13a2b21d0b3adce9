package engine

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

// ClusterEnvConfigType is the config type that is valid for every cluster.
const ClusterEnvConfigType = "cluster-env"

// HostGroupInfo is the request-time binding of a blueprint host group to hosts.
type HostGroupInfo struct {
	name          string
	hostCount     int
	explicitHosts []string
	predicate     string
	configuration *Configuration
	hosts         map[string]bool
}

// Name returns the host group name.
func (i *HostGroupInfo) Name() string { return i.name }

// RequestedCount returns how many hosts the group needs in total.
func (i *HostGroupInfo) RequestedCount() int { return i.hostCount + len(i.explicitHosts) }

// HostCount returns the number of counted (not named) slots.
func (i *HostGroupInfo) HostCount() int { return i.hostCount }

// ExplicitHosts returns the reserved host names.
func (i *HostGroupInfo) ExplicitHosts() []string { return append([]string(nil), i.explicitHosts...) }

// Predicate returns the predicate expression for counted slots.
func (i *HostGroupInfo) Predicate() string { return i.predicate }

// Configuration returns the most specific configuration layer of the group.
func (i *HostGroupInfo) Configuration() *Configuration { return i.configuration }

func (i *HostGroupInfo) boundHosts() []string {
	out := make([]string, 0, len(i.hosts))
	for h := range i.hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ClusterTopology is the runtime binding of a sealed blueprint to hosts.
type ClusterTopology struct {
	mu              sync.RWMutex
	clusterName     string
	blueprint       *Blueprint
	configuration   *Configuration
	infos           map[string]*HostGroupInfo
	hostToGroup     map[string]string
	provisionAction ProvisionAction
	strategy        ConfigRecommendationStrategy
	changed         chan struct{}
}

// NewClusterTopology binds a provision request to its blueprint. The
// request's cluster configuration is layered over the blueprint's and every
// host group info layer is chained to its blueprint host group layer.
func NewClusterTopology(spec *TopologyRequestSpec, bp *Blueprint) (*ClusterTopology, error) {
	if spec == nil || bp == nil {
		return nil, validationFailure("topology request and blueprint are required", nil)
	}
	action := spec.ProvisionAction
	if action == "" {
		action = ProvisionInstallAndStart
	}
	strategy := spec.ConfigRecommendationStrategy
	if strategy == "" {
		strategy = RecommendNeverApply
	}

	t := &ClusterTopology{
		clusterName:     spec.ClusterName,
		blueprint:       bp,
		configuration:   spec.Configurations.ToConfiguration(bp.Configuration()),
		infos:           make(map[string]*HostGroupInfo),
		hostToGroup:     make(map[string]string),
		provisionAction: action,
		strategy:        strategy,
		changed:         make(chan struct{}),
	}
	if err := t.Merge(spec.HostGroups); err != nil {
		return nil, err
	}
	return t, nil
}

// ClusterName returns the cluster name.
func (t *ClusterTopology) ClusterName() string { return t.clusterName }

// Blueprint returns the sealed blueprint.
func (t *ClusterTopology) Blueprint() *Blueprint { return t.blueprint }

// Configuration returns the request cluster configuration layer.
func (t *ClusterTopology) Configuration() *Configuration { return t.configuration }

// ProvisionAction returns the request default provision action.
func (t *ClusterTopology) ProvisionAction() ProvisionAction { return t.provisionAction }

// RecommendationStrategy returns the configuration recommendation strategy.
func (t *ClusterTopology) RecommendationStrategy() ConfigRecommendationStrategy {
	return t.strategy
}

// HostGroupInfo returns the binding of a host group.
func (t *ClusterTopology) HostGroupInfo(name string) (*HostGroupInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.infos[name]
	return info, ok
}

// HostGroupInfos returns every binding sorted by host group name.
func (t *ClusterTopology) HostGroupInfos() []*HostGroupInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.infos))
	for n := range t.infos {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*HostGroupInfo, len(names))
	for i, n := range names {
		out[i] = t.infos[n]
	}
	return out
}

// Merge folds host group bindings into the topology. Known groups gain
// explicit hosts or counted slots; unseen groups are registered.
func (t *ClusterTopology) Merge(specs []HostGroupInfoSpec) error {
	_, err := t.merge(specs)
	return err
}

// merge is Merge returning a function that takes the merged bindings back
// out again. Host bindings made in between are kept.
func (t *ClusterTopology) merge(specs []HostGroupInfoSpec) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// validate everything before mutating
	seen := make(map[string]string)
	for _, s := range specs {
		if _, ok := t.blueprint.HostGroup(s.Name); !ok {
			return nil, validationFailure(
				fmt.Sprintf("host group %q is not defined in blueprint %q", s.Name, t.blueprint.Name()), nil).
				WithCode(ErrCodeNotFound).WithResource(t.clusterName + "/" + s.Name)
		}
		if len(s.Hosts) > 0 && s.HostCount > 0 {
			return nil, validationFailure("host group info may specify hosts or host_count, not both", nil).
				WithResource(t.clusterName + "/" + s.Name)
		}
		if len(s.Hosts) == 0 && s.HostCount <= 0 {
			return nil, validationFailure("host group info must specify hosts or a positive host_count", nil).
				WithResource(t.clusterName + "/" + s.Name)
		}
		if len(s.Hosts) > 0 && s.HostPredicate != "" {
			return nil, validationFailure("a host predicate requires host_count", nil).
				WithResource(t.clusterName + "/" + s.Name)
		}
		for _, h := range s.Hosts {
			if other, dup := seen[h.FQDN]; dup {
				return nil, NewConflictError(
					fmt.Sprintf("host %q is listed in host groups %q and %q", h.FQDN, other, s.Name), nil).
					WithCode(ErrCodeAlreadyExists).WithResource(h.FQDN)
			}
			seen[h.FQDN] = s.Name
			if t.reservedLocked(h.FQDN) {
				return nil, NewConflictError(fmt.Sprintf("host %q is already part of cluster %q", h.FQDN, t.clusterName), nil).
					WithCode(ErrCodeAlreadyExists).WithResource(h.FQDN)
			}
		}
	}

	var undo []func()
	for _, s := range specs {
		info, ok := t.infos[s.Name]
		if !ok {
			group, _ := t.blueprint.HostGroup(s.Name)
			info = &HostGroupInfo{
				name:          s.Name,
				configuration: s.Configurations.ToConfiguration(group.Configuration().WithParent(t.configuration)),
				hosts:         make(map[string]bool),
			}
			t.infos[s.Name] = info
			undo = append(undo, func() {
				if info.RequestedCount() == 0 && len(info.hosts) == 0 {
					delete(t.infos, info.name)
				}
			})
		} else {
			undo = append(undo, mergeConfiguration(info.configuration, s.Configurations))
		}

		added := make([]string, 0, len(s.Hosts))
		for _, h := range s.Hosts {
			info.explicitHosts = append(info.explicitHosts, h.FQDN)
			added = append(added, h.FQDN)
		}
		info.hostCount += s.HostCount
		prevPredicate := info.predicate
		if s.HostPredicate != "" {
			info.predicate = s.HostPredicate
		}

		count, predicate := s.HostCount, s.HostPredicate
		undo = append(undo, func() {
			info.explicitHosts = slices.DeleteFunc(info.explicitHosts, func(h string) bool {
				return slices.Contains(added, h)
			})
			info.hostCount -= count
			if predicate != "" && info.predicate == predicate {
				info.predicate = prevPredicate
			}
		})
	}

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		t.notifyLocked()
	}, nil
}

// mergeConfiguration writes the spec's values into the local layer of c and
// returns a function restoring the values it replaced.
func mergeConfiguration(c *Configuration, specs ConfigurationsSpec) func() {
	var restore []func()
	for configType, cs := range specs {
		for k, v := range cs.Properties {
			if old, ok := c.localProperty(configType, k); ok {
				restore = append(restore, func() { c.SetProperty(configType, k, old) })
			} else {
				restore = append(restore, func() { c.RemoveProperty(configType, k) })
			}
			c.SetProperty(configType, k, v)
		}
		for attr, props := range cs.Attributes {
			for k, v := range props {
				if old, ok := c.localAttribute(configType, attr, k); ok {
					restore = append(restore, func() { c.SetAttribute(configType, attr, k, old) })
				} else {
					restore = append(restore, func() { c.RemoveAttribute(configType, attr, k) })
				}
				c.SetAttribute(configType, attr, k, v)
			}
		}
	}
	return func() {
		for i := len(restore) - 1; i >= 0; i-- {
			restore[i]()
		}
	}
}

// reservedLocked reports whether a host is already bound or reserved anywhere.
func (t *ClusterTopology) reservedLocked(host string) bool {
	if _, ok := t.hostToGroup[host]; ok {
		return true
	}
	for _, info := range t.infos {
		for _, h := range info.explicitHosts {
			if h == host {
				return true
			}
		}
	}
	return false
}

// ContainsHost reports whether a host is bound to or reserved in the cluster.
func (t *ClusterTopology) ContainsHost(host string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reservedLocked(host)
}

// AddHostToTopology binds a host to a host group. Binding the same host to
// the same group again is a no-op.
func (t *ClusterTopology) AddHostToTopology(group, host string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.infos[group]
	if !ok {
		return validationFailure(fmt.Sprintf("host group %q is not part of cluster %q", group, t.clusterName), nil).
			WithCode(ErrCodeNotFound).WithResource(group)
	}
	if existing, bound := t.hostToGroup[host]; bound {
		if existing == group {
			return nil
		}
		return NewConflictError(
			fmt.Sprintf("host %q is already bound to host group %q", host, existing), nil).
			WithCode(ErrCodeAlreadyExists).WithResource(host)
	}

	info.hosts[host] = true
	t.hostToGroup[host] = group

	t.notifyLocked()
	return nil
}

func (t *ClusterTopology) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Changed returns a channel closed on the next host binding or on a merge
// being taken back.
func (t *ClusterTopology) Changed() <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.changed
}

// HostGroupForHost returns the host group a host is bound to.
func (t *ClusterTopology) HostGroupForHost(host string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.hostToGroup[host]
	return g, ok
}

// HostsForGroup returns the hosts bound to a group, sorted.
func (t *ClusterTopology) HostsForGroup(group string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.infos[group]
	if !ok {
		return nil
	}
	return info.boundHosts()
}

// AllHosts returns every bound host, sorted.
func (t *ClusterTopology) AllHosts() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.hostToGroup))
	for h := range t.hostToGroup {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// HostGroupsForComponent returns the host groups of the topology whose
// blueprint group contains the component.
func (t *ClusterTopology) HostGroupsForComponent(component string) []string {
	var out []string
	for _, g := range t.blueprint.HostGroupsForComponent(component) {
		out = append(out, g.Name())
	}
	return out
}

// HostAssignmentsForComponent returns the bound hosts that run the component.
func (t *ClusterTopology) HostAssignmentsForComponent(component string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for _, g := range t.blueprint.HostGroupsForComponent(component) {
		if info, ok := t.infos[g.Name()]; ok {
			out = append(out, info.boundHosts()...)
		}
	}
	sort.Strings(out)
	return out
}

// RequiredHostGroupsResolved reports whether every named group has at least
// its requested number of hosts. Groups the request never bound require none.
func (t *ClusterTopology) RequiredHostGroupsResolved(groups []string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, g := range groups {
		info, ok := t.infos[g]
		if !ok {
			continue
		}
		if len(info.hosts) < info.RequestedCount() {
			return false
		}
	}
	return true
}

// IsValidConfigType reports whether a config type belongs to a service of
// the blueprint. cluster-env is always valid.
func (t *ClusterTopology) IsValidConfigType(configType string) bool {
	if configType == ClusterEnvConfigType {
		return true
	}
	service := t.blueprint.Stack().ServiceForConfigType(configType)
	if service == "" {
		return false
	}
	for _, s := range t.blueprint.Services() {
		if s == service {
			return true
		}
	}
	return false
}

// RemoveOrphanConfigTypes drops config types whose service is not part of
// the blueprint from the request and blueprint cluster layers and returns them.
func (t *ClusterTopology) RemoveOrphanConfigTypes() []string {
	var removed []string
	for _, layer := range []*Configuration{t.configuration, t.blueprint.Configuration()} {
		for configType := range layer.MergedView(0) {
			if !t.IsValidConfigType(configType) {
				layer.RemoveConfigType(configType)
				removed = append(removed, configType)
			}
		}
	}
	sort.Strings(removed)
	return removed
}

// Snapshot returns a read-only view of the topology.
func (t *ClusterTopology) Snapshot() *TopologySnapshot {
	bp := t.blueprint
	snap := &TopologySnapshot{
		Cluster:         t.clusterName,
		Blueprint:       bp.Name(),
		Stack:           bp.StackRef(),
		Security:        bp.Security(),
		ProvisionAction: t.provisionAction,
		Configuration:   t.configuration.MergedView(-1),
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, g := range bp.HostGroups() {
		hs := HostGroupSnapshot{
			Name:           g.Name(),
			Cardinality:    g.Cardinality(),
			Components:     g.ComponentNames(),
			ContainsMaster: g.ContainsMasterComponent(),
			Hosts:          []string{},
		}
		if info, ok := t.infos[g.Name()]; ok {
			hs.Hosts = info.boundHosts()
			hs.RequestedCount = info.RequestedCount()
			hs.Predicate = info.predicate
		}
		snap.HostGroups = append(snap.HostGroups, hs)
	}
	return snap
}
