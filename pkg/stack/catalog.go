package stack

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/topology/pkg/engine"
)

// Catalog is an indexed, read-only view of a Definition implementing
// engine.StackCatalog.
type Catalog struct {
	def *Definition

	services    []string
	components  map[string]*componentEntry
	byService   map[string][]string
	configTypes map[string]string
	properties  map[string]map[string]*PropertyDefinition
	required    map[string][]engine.ConfigProperty
}

type componentEntry struct {
	service string
	def     *ComponentDefinition
}

var _ engine.StackCatalog = (*Catalog)(nil)

// NewCatalog indexes a definition. Duplicate names, invalid cardinalities
// and malformed dependency names are rejected.
func NewCatalog(def *Definition) (*Catalog, error) {
	if def == nil || def.Name == "" || def.Version == "" {
		return nil, fmt.Errorf("stack name and version are required")
	}

	c := &Catalog{
		def:         def,
		components:  make(map[string]*componentEntry),
		byService:   make(map[string][]string),
		configTypes: make(map[string]string),
		properties:  make(map[string]map[string]*PropertyDefinition),
		required:    make(map[string][]engine.ConfigProperty),
	}

	for i := range def.Services {
		svc := &def.Services[i]
		if _, dup := c.byService[svc.Name]; dup {
			return nil, fmt.Errorf("stack %s: duplicate service %s", c.key(), svc.Name)
		}
		c.services = append(c.services, svc.Name)
		c.byService[svc.Name] = nil

		for j := range svc.Components {
			comp := &svc.Components[j]
			if err := c.addComponent(svc.Name, comp); err != nil {
				return nil, err
			}
		}

		for j := range svc.ConfigTypes {
			ct := &svc.ConfigTypes[j]
			if owner, dup := c.configTypes[ct.Name]; dup {
				return nil, fmt.Errorf("stack %s: config type %s defined by %s and %s", c.key(), ct.Name, owner, svc.Name)
			}
			c.configTypes[ct.Name] = svc.Name
			props := make(map[string]*PropertyDefinition, len(ct.Properties))
			for k := range ct.Properties {
				p := &ct.Properties[k]
				props[p.Name] = p
				if p.Required {
					c.required[svc.Name] = append(c.required[svc.Name], engine.ConfigProperty{
						Type:     ct.Name,
						Name:     p.Name,
						Password: p.Password,
					})
				}
			}
			c.properties[ct.Name] = props
		}
	}

	sort.Strings(c.services)
	for svc := range c.byService {
		sort.Strings(c.byService[svc])
	}
	return c, nil
}

func (c *Catalog) addComponent(service string, comp *ComponentDefinition) error {
	if comp.Name == "" {
		return fmt.Errorf("stack %s: service %s has a component without a name", c.key(), service)
	}
	if existing, dup := c.components[comp.Name]; dup {
		return fmt.Errorf("stack %s: component %s defined by %s and %s", c.key(), comp.Name, existing.service, service)
	}
	if _, err := engine.ParseCardinality(comp.Cardinality); err != nil {
		return fmt.Errorf("stack %s: component %s: %w", c.key(), comp.Name, err)
	}
	for _, dep := range comp.Dependencies {
		if !strings.Contains(dep.Name, "/") {
			return fmt.Errorf("stack %s: component %s: dependency %q is not SERVICE/COMPONENT", c.key(), comp.Name, dep.Name)
		}
		if dep.Scope != "" && dep.Scope != "host" && dep.Scope != "cluster" {
			return fmt.Errorf("stack %s: component %s: invalid dependency scope %q", c.key(), comp.Name, dep.Scope)
		}
	}
	c.components[comp.Name] = &componentEntry{service: service, def: comp}
	c.byService[service] = append(c.byService[service], comp.Name)
	return nil
}

func (c *Catalog) key() string {
	return c.def.Name + "-" + c.def.Version
}

// Definition returns the underlying document.
func (c *Catalog) Definition() *Definition { return c.def }

// Ref returns the stack reference.
func (c *Catalog) Ref() engine.StackRef { return c.def.Ref() }

// Name returns the stack name.
func (c *Catalog) Name() string { return c.def.Name }

// Version returns the stack version.
func (c *Catalog) Version() string { return c.def.Version }

// Services returns the sorted service names.
func (c *Catalog) Services() []string {
	return append([]string(nil), c.services...)
}

// ServiceForComponent returns the owning service, or "".
func (c *Catalog) ServiceForComponent(component string) string {
	if e, ok := c.components[component]; ok {
		return e.service
	}
	return ""
}

// ComponentsForService returns the sorted components of a service.
func (c *Catalog) ComponentsForService(service string) []string {
	return append([]string(nil), c.byService[service]...)
}

// Cardinality returns the cardinality expression of a component.
func (c *Catalog) Cardinality(component string) string {
	if e, ok := c.components[component]; ok {
		return e.def.Cardinality
	}
	return ""
}

// AutoDeploy returns the auto-deploy settings of a component, or nil.
func (c *Catalog) AutoDeploy(component string) *engine.AutoDeployInfo {
	if e, ok := c.components[component]; ok && e.def.AutoDeploy != nil {
		info := *e.def.AutoDeploy
		return &info
	}
	return nil
}

// Dependencies returns the declared dependencies of a component.
func (c *Catalog) Dependencies(component string) []engine.DependencyInfo {
	if e, ok := c.components[component]; ok {
		return append([]engine.DependencyInfo(nil), e.def.Dependencies...)
	}
	return nil
}

// IsMasterComponent reports whether the component is a master.
func (c *Catalog) IsMasterComponent(component string) bool {
	return c.category(component) == CategoryMaster
}

// IsClientComponent reports whether the component is client only.
func (c *Catalog) IsClientComponent(component string) bool {
	return c.category(component) == CategoryClient
}

// IsManagementComponent reports whether the component is the management server.
func (c *Catalog) IsManagementComponent(component string) bool {
	e, ok := c.components[component]
	return ok && e.def.Management
}

func (c *Catalog) category(component string) ComponentCategory {
	if e, ok := c.components[component]; ok {
		return e.def.Category
	}
	return ""
}

// ExternalComponentConfig returns the "type/property" marking the
// component as external, or "".
func (c *Catalog) ExternalComponentConfig(component string) string {
	if e, ok := c.components[component]; ok {
		return e.def.ExternalConfig
	}
	return ""
}

// RequiredProperties returns the required properties of a service.
func (c *Catalog) RequiredProperties(service string) []engine.ConfigProperty {
	return append([]engine.ConfigProperty(nil), c.required[service]...)
}

// IsPasswordProperty reports whether a property is declared as a password.
func (c *Catalog) IsPasswordProperty(_, configType, property string) bool {
	p, ok := c.properties[configType][property]
	return ok && p.Password
}

// ServiceForConfigType returns the service owning a config type, or "".
func (c *Catalog) ServiceForConfigType(configType string) string {
	return c.configTypes[configType]
}

// DefaultConfiguration returns the stack defaults of the given services as
// a root configuration layer.
func (c *Catalog) DefaultConfiguration(services []string) *engine.Configuration {
	wanted := make(map[string]bool, len(services))
	for _, s := range services {
		wanted[s] = true
	}

	props := make(map[string]map[string]string)
	for configType, service := range c.configTypes {
		if !wanted[service] {
			continue
		}
		for name, p := range c.properties[configType] {
			if p.Value == nil {
				continue
			}
			if props[configType] == nil {
				props[configType] = make(map[string]string)
			}
			props[configType][name] = *p.Value
		}
	}
	return engine.NewConfiguration(props, nil, nil)
}

// CommandTemplate returns the shell command template of a component for a
// task type, or "".
func (c *Catalog) CommandTemplate(component string, taskType engine.TaskType) string {
	if e, ok := c.components[component]; ok {
		return e.def.Commands[string(taskType)]
	}
	return ""
}
