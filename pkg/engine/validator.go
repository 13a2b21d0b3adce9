package engine

import (
	"fmt"
	"sort"
	"strings"
)

// SecretReferencePrefix marks a property value that refers to a stored secret.
const SecretReferencePrefix = "SECRET:"

const (
	dependencyScopeHost    = "host"
	dependencyScopeCluster = "cluster"
)

// BlueprintValidator checks a topology against the rules of its stack.
// ValidateTopology may add auto-deployed components to the blueprint, so it
// must run before the blueprint is sealed.
type BlueprintValidator struct {
	stack StackCatalog
}

// NewBlueprintValidator creates a validator for the given stack.
func NewBlueprintValidator(stack StackCatalog) *BlueprintValidator {
	return &BlueprintValidator{stack: stack}
}

// ValidateTopology checks component dependencies and cardinalities,
// auto-deploying components where the stack allows it. Every violation is
// reported in a single *TopologyValidationError.
func (v *BlueprintValidator) ValidateTopology(topology *ClusterTopology) error {
	bp := topology.Blueprint()
	clusterConfig := topology.Configuration().MergedView(-1)

	failures := &failureSet{}
	unresolved := make(map[string][]string)

	services := make(map[string]bool)
	for _, s := range bp.Services() {
		services[s] = true
	}

	for _, group := range bp.HostGroups() {
		var missing []string
		for _, component := range group.ComponentNames() {
			for _, dep := range v.stack.Dependencies(component) {
				depComponent := dep.ComponentName()
				depService := dep.ServiceName()
				if depService == "" {
					depService = v.stack.ServiceForComponent(depComponent)
				}

				if dep.ConditionalService != "" && !services[dep.ConditionalService] {
					continue
				}
				if v.stack.IsClientComponent(depComponent) && !services[depService] {
					continue
				}
				if !conditionsSatisfied(dep.Conditions, clusterConfig) {
					continue
				}
				if !v.isDependencyManaged(depComponent, clusterConfig) {
					continue
				}

				resolved := false
				switch dep.Scope {
				case dependencyScopeCluster:
					resolved = v.verifyCount(bp, depComponent, MustParseCardinality("1+"), dep.AutoDeploy, clusterConfig, failures)
				default:
					if group.ContainsComponent(depComponent) {
						resolved = true
					} else if dep.AutoDeploy != nil && dep.AutoDeploy.Enabled {
						if _, err := group.AddComponent(Component{Name: depComponent}); err != nil {
							return err
						}
						resolved = true
					}
				}
				if !resolved {
					missing = appendUnique(missing, depComponent)
				}
			}
		}
		if len(missing) > 0 {
			unresolved[group.Name()] = missing
		}
	}

	for _, service := range bp.Services() {
		for _, component := range v.stack.ComponentsForService(service) {
			cardinality, err := ParseCardinality(v.stack.Cardinality(component))
			if err != nil {
				failures.add(fmt.Sprintf("%s(invalid cardinality %q)", component, v.stack.Cardinality(component)))
				continue
			}
			autoDeploy := v.stack.AutoDeploy(component)
			if cardinality.IsAll() {
				if err := v.verifyInAllHostGroups(bp, component, autoDeploy, failures); err != nil {
					return err
				}
				continue
			}
			v.verifyCount(bp, component, cardinality, autoDeploy, clusterConfig, failures)
		}
	}

	if failures.len() == 0 && len(unresolved) == 0 {
		return nil
	}
	detail := &TopologyValidationError{
		CardinalityFailures:    failures.items,
		UnresolvedDependencies: unresolved,
	}
	return validationFailure("cluster topology is invalid", detail).
		WithResource(topology.ClusterName()).
		WithOperation("validate_topology")
}

// verifyInAllHostGroups checks an ALL-cardinality component.
func (v *BlueprintValidator) verifyInAllHostGroups(bp *Blueprint, component string, autoDeploy *AutoDeployInfo, failures *failureSet) error {
	groups := bp.HostGroups()
	actual := len(bp.HostGroupsForComponent(component))
	if actual == len(groups) {
		return nil
	}
	if autoDeploy != nil && autoDeploy.Enabled {
		for _, g := range groups {
			if _, err := g.AddComponent(Component{Name: component}); err != nil {
				return err
			}
		}
		return nil
	}
	failures.add(fmt.Sprintf("%s(actual=%d, required=ALL)", component, actual))
	return nil
}

// verifyCount checks the number of host groups containing a component and
// auto-deploys a missing component when allowed. It reports whether the
// component ended up valid.
func (v *BlueprintValidator) verifyCount(
	bp *Blueprint,
	component string,
	cardinality Cardinality,
	autoDeploy *AutoDeployInfo,
	clusterConfig map[string]map[string]string,
	failures *failureSet,
) bool {
	actual := len(bp.HostGroupsForComponent(component))
	if cardinality.IsValidCount(actual) {
		return true
	}
	if !v.isDependencyManaged(component, clusterConfig) {
		return true
	}
	if actual == 0 && autoDeploy != nil && autoDeploy.Enabled && cardinality.SupportsAutoDeploy() {
		if target := v.autoDeployTarget(bp, autoDeploy); target != nil {
			if added, err := target.AddComponent(Component{Name: component}); err == nil && added {
				return true
			}
		}
	}
	failures.add(fmt.Sprintf("%s(actual=%d, required=%s)", component, actual, cardinality))
	return false
}

// autoDeployTarget returns the first group holding the co-located component,
// or the first host group when no co-location is requested.
func (v *BlueprintValidator) autoDeployTarget(bp *Blueprint, autoDeploy *AutoDeployInfo) *HostGroup {
	if autoDeploy.CoLocate == "" {
		groups := bp.HostGroups()
		if len(groups) == 0 {
			return nil
		}
		return groups[0]
	}
	_, coLocate := splitQualified(autoDeploy.CoLocate)
	groups := bp.HostGroupsForComponent(coLocate)
	if len(groups) == 0 {
		return nil
	}
	return groups[0]
}

// isDependencyManaged reports false when the stack marks the component as
// provided by an existing external installation.
func (v *BlueprintValidator) isDependencyManaged(component string, clusterConfig map[string]map[string]string) bool {
	ref := v.stack.ExternalComponentConfig(component)
	if ref == "" {
		return true
	}
	configType, property := splitQualified(ref)
	value, ok := clusterConfig[configType][property]
	return !ok || !strings.HasPrefix(value, "Existing")
}

// ValidateRequiredProperties rejects secret references in user supplied
// configuration and checks that every required, non-password property of
// every represented service has a value in each host group.
func (v *BlueprintValidator) ValidateRequiredProperties(topology *ClusterTopology) error {
	bp := topology.Blueprint()

	layers := []*Configuration{bp.Configuration(), topology.Configuration()}
	for _, g := range bp.HostGroups() {
		layers = append(layers, g.Configuration())
	}
	for _, info := range topology.HostGroupInfos() {
		layers = append(layers, info.Configuration())
	}
	var secrets []string
	for _, layer := range layers {
		for configType, props := range layer.MergedView(0) {
			for name, value := range props {
				if strings.HasPrefix(value, SecretReferencePrefix) {
					secrets = appendUnique(secrets, fmt.Sprintf("Config:%s Property:%s", configType, name))
				}
			}
		}
	}
	if len(secrets) > 0 {
		sort.Strings(secrets)
		return validationFailure("secret references found", &SecretReferenceError{Properties: secrets}).
			WithResource(topology.ClusterName())
	}

	missing := make(map[string]map[string][]string)
	for _, group := range bp.HostGroups() {
		// user supplied layers only; stack defaults never satisfy a requirement
		var view map[string]map[string]string
		if info, ok := topology.HostGroupInfo(group.Name()); ok {
			view = info.Configuration().MergedView(3)
		} else {
			view = group.Configuration().WithParent(topology.Configuration()).MergedView(2)
		}

		for _, service := range group.Services() {
			for _, prop := range v.stack.RequiredProperties(service) {
				if prop.Password || v.stack.IsPasswordProperty(service, prop.Type, prop.Name) {
					continue
				}
				if _, ok := view[prop.Type][prop.Name]; ok {
					continue
				}
				if missing[group.Name()] == nil {
					missing[group.Name()] = make(map[string][]string)
				}
				missing[group.Name()][prop.Type] = appendUnique(missing[group.Name()][prop.Type], prop.Name)
			}
		}
	}
	if len(missing) > 0 {
		for _, types := range missing {
			for _, names := range types {
				sort.Strings(names)
			}
		}
		return validationFailure("required properties are missing", &MissingPropertiesError{Missing: missing}).
			WithResource(topology.ClusterName())
	}
	return nil
}

func conditionsSatisfied(conditions []DependencyCondition, clusterConfig map[string]map[string]string) bool {
	for _, c := range conditions {
		if clusterConfig[c.ConfigType][c.Property] != c.Value {
			return false
		}
	}
	return true
}

// failureSet keeps cardinality failures unique and in discovery order.
type failureSet struct {
	items []string
}

func (f *failureSet) add(item string) {
	f.items = appendUnique(f.items, item)
}

func (f *failureSet) len() int {
	return len(f.items)
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}
