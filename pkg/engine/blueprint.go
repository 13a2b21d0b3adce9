package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Component is a component declared in a host group.
type Component struct {
	Name            string
	MpackInstance   string
	ServiceInstance string
	ProvisionAction ProvisionAction
}

// HostGroup is a named logical role of a blueprint.
type HostGroup struct {
	mu            sync.RWMutex
	name          string
	blueprintName string
	cardinality   string
	components    []Component
	configuration *Configuration
	stack         StackCatalog
	sealed        *bool
}

// Name returns the host group name.
func (g *HostGroup) Name() string {
	return g.name
}

// BlueprintName returns the owning blueprint name.
func (g *HostGroup) BlueprintName() string {
	return g.blueprintName
}

// Cardinality returns the expected host count expression.
func (g *HostGroup) Cardinality() string {
	return g.cardinality
}

// Configuration returns the host group configuration layer.
func (g *HostGroup) Configuration() *Configuration {
	return g.configuration
}

// Components returns a copy of the components in declaration order.
func (g *HostGroup) Components() []Component {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Component(nil), g.components...)
}

// ComponentNames returns the component names in declaration order.
func (g *HostGroup) ComponentNames() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, len(g.components))
	for i, c := range g.components {
		names[i] = c.Name
	}
	return names
}

// ContainsComponent reports whether the group declares the component.
func (g *HostGroup) ContainsComponent(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.components {
		if c.Name == name {
			return true
		}
	}
	return false
}

// AddComponent appends a component if it is not already present and reports
// whether it was added. It fails once the blueprint is sealed.
func (g *HostGroup) AddComponent(c Component) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sealed != nil && *g.sealed {
		return false, NewPermanentError("blueprint is sealed", nil).
			WithCode(ErrCodeConflict).
			WithResource(g.blueprintName + "/" + g.name)
	}
	for _, existing := range g.components {
		if existing.Name == c.Name {
			return false, nil
		}
	}
	g.components = append(g.components, c)
	return true, nil
}

// Services returns the sorted services represented in the group.
func (g *HostGroup) Services() []string {
	seen := make(map[string]bool)
	for _, name := range g.ComponentNames() {
		if s := g.stack.ServiceForComponent(name); s != "" {
			seen[s] = true
		}
	}
	return sortedKeys(seen)
}

// ContainsMasterComponent reports whether any component is a master.
func (g *HostGroup) ContainsMasterComponent() bool {
	for _, name := range g.ComponentNames() {
		if g.stack.IsMasterComponent(name) {
			return true
		}
	}
	return false
}

// Blueprint is the cluster template. It may only be changed by validation
// (auto-deploy) before Seal is called.
type Blueprint struct {
	mu            sync.RWMutex
	name          string
	version       string
	stackRef      StackRef
	stack         StackCatalog
	security      SecurityType
	hostGroups    map[string]*HostGroup
	configuration *Configuration
	sealed        bool
	spec          BlueprintSpec
}

// NewBlueprint builds a Blueprint from its document and resolved stack.
func NewBlueprint(spec *BlueprintSpec, stack StackCatalog) (*Blueprint, error) {
	if spec == nil {
		return nil, validationFailure("blueprint is required", nil)
	}
	if spec.SchemaVersion != BlueprintSchemaVersion {
		return nil, validationFailure(
			fmt.Sprintf("unsupported blueprint schema version %q (expected %q)", spec.SchemaVersion, BlueprintSchemaVersion), nil).
			WithResource(spec.Name)
	}
	if stack == nil {
		return nil, validationFailure("stack catalog is required", nil).WithResource(spec.Name)
	}
	if len(spec.HostGroups) == 0 {
		return nil, validationFailure("blueprint has no host groups", nil).WithResource(spec.Name)
	}

	bp := &Blueprint{
		name:       spec.Name,
		version:    spec.SchemaVersion,
		stackRef:   spec.Stack,
		stack:      stack,
		security:   spec.Security.Type,
		hostGroups: make(map[string]*HostGroup, len(spec.HostGroups)),
		spec:       *spec,
	}
	if bp.security == "" {
		bp.security = SecurityNone
	}

	var unknown []string
	services := make(map[string]bool)
	for _, hg := range spec.HostGroups {
		for _, c := range hg.Components {
			s := stack.ServiceForComponent(c.Name)
			if s == "" && !stack.IsManagementComponent(c.Name) {
				unknown = append(unknown, hg.Name+"/"+c.Name)
				continue
			}
			if s != "" {
				services[s] = true
			}
		}
	}
	if len(unknown) > 0 {
		return nil, validationFailure(
			fmt.Sprintf("components not defined by stack %s-%s: %s", stack.Name(), stack.Version(), strings.Join(unknown, ", ")), nil).
			WithResource(spec.Name)
	}

	defaults := stack.DefaultConfiguration(sortedKeys(services))
	bp.configuration = spec.Configurations.ToConfiguration(defaults)

	for _, hgSpec := range spec.HostGroups {
		if _, dup := bp.hostGroups[hgSpec.Name]; dup {
			return nil, validationFailure("duplicate host group", nil).
				WithResource(spec.Name + "/" + hgSpec.Name)
		}
		if hgSpec.Cardinality != "" {
			if _, err := ParseCardinality(hgSpec.Cardinality); err != nil {
				return nil, validationFailure("invalid host group cardinality", err).
					WithResource(spec.Name + "/" + hgSpec.Name)
			}
		}
		group := &HostGroup{
			name:          hgSpec.Name,
			blueprintName: spec.Name,
			cardinality:   hgSpec.Cardinality,
			configuration: hgSpec.Configurations.ToConfiguration(bp.configuration),
			stack:         stack,
			sealed:        &bp.sealed,
		}
		for _, c := range hgSpec.Components {
			if err := c.ProvisionAction.Validate(); err != nil {
				return nil, validationFailure("invalid component", err).
					WithResource(spec.Name + "/" + hgSpec.Name + "/" + c.Name)
			}
			// duplicates collapse to the first declaration
			if _, err := group.AddComponent(Component(c)); err != nil {
				return nil, err
			}
		}
		bp.hostGroups[hgSpec.Name] = group
	}

	return bp, nil
}

// Name returns the blueprint name.
func (b *Blueprint) Name() string { return b.name }

// SchemaVersion returns the document schema version.
func (b *Blueprint) SchemaVersion() string { return b.version }

// StackRef returns the referenced stack.
func (b *Blueprint) StackRef() StackRef { return b.stackRef }

// Stack returns the resolved stack catalog.
func (b *Blueprint) Stack() StackCatalog { return b.stack }

// Security returns the security type.
func (b *Blueprint) Security() SecurityType { return b.security }

// Configuration returns the blueprint cluster configuration layer.
func (b *Blueprint) Configuration() *Configuration { return b.configuration }

// Spec returns the document the blueprint was built from.
func (b *Blueprint) Spec() BlueprintSpec { return b.spec }

// HostGroup returns a host group by name.
func (b *Blueprint) HostGroup(name string) (*HostGroup, bool) {
	g, ok := b.hostGroups[name]
	return g, ok
}

// HostGroups returns the host groups sorted by name.
func (b *Blueprint) HostGroups() []*HostGroup {
	names := make([]string, 0, len(b.hostGroups))
	for n := range b.hostGroups {
		names = append(names, n)
	}
	sort.Strings(names)
	groups := make([]*HostGroup, len(names))
	for i, n := range names {
		groups[i] = b.hostGroups[n]
	}
	return groups
}

// HostGroupsForComponent returns the groups that contain a component, sorted by name.
func (b *Blueprint) HostGroupsForComponent(component string) []*HostGroup {
	var out []*HostGroup
	for _, g := range b.HostGroups() {
		if g.ContainsComponent(component) {
			out = append(out, g)
		}
	}
	return out
}

// Services returns the sorted services represented by any host group.
func (b *Blueprint) Services() []string {
	seen := make(map[string]bool)
	for _, g := range b.HostGroups() {
		for _, s := range g.Services() {
			seen[s] = true
		}
	}
	return sortedKeys(seen)
}

// Seal freezes the host group component sets.
func (b *Blueprint) Seal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
}

// IsSealed reports whether Seal was called.
func (b *Blueprint) IsSealed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sealed
}

func splitQualified(name string) (string, string) {
	if i := strings.Index(name, "/"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
