package stack

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/topology/pkg/engine"
)

// ComponentCategory classifies a component.
type ComponentCategory string

const (
	// CategoryMaster is a master component; hosts holding one are matched first.
	CategoryMaster ComponentCategory = "MASTER"

	// CategorySlave is a worker component.
	CategorySlave ComponentCategory = "SLAVE"

	// CategoryClient is installed but never started.
	CategoryClient ComponentCategory = "CLIENT"
)

// Definition is a stack document: the services, components and
// configuration defaults of one stack version.
type Definition struct {
	// Name is the stack name (e.g. HDP).
	Name string `json:"name" yaml:"name" validate:"required"`

	// Version is the stack version (e.g. 2.6).
	Version string `json:"version" yaml:"version" validate:"required"`

	// Services lists the services of the stack.
	Services []ServiceDefinition `json:"services" yaml:"services" validate:"required,min=1,dive"`
}

// ServiceDefinition describes one service.
type ServiceDefinition struct {
	Name        string                 `json:"name" yaml:"name" validate:"required"`
	Components  []ComponentDefinition  `json:"components" yaml:"components" validate:"dive"`
	ConfigTypes []ConfigTypeDefinition `json:"config_types,omitempty" yaml:"config_types,omitempty" validate:"dive"`
}

// ComponentDefinition describes one component of a service.
type ComponentDefinition struct {
	Name     string            `json:"name" yaml:"name" validate:"required"`
	Category ComponentCategory `json:"category,omitempty" yaml:"category,omitempty" validate:"omitempty,oneof=MASTER SLAVE CLIENT"`

	// Cardinality is "N", "N+", "A-B" or "ALL"; empty means any count.
	Cardinality string `json:"cardinality,omitempty" yaml:"cardinality,omitempty"`

	// Management marks the management server, which host tasks never
	// install or start.
	Management bool `json:"management,omitempty" yaml:"management,omitempty"`

	AutoDeploy   *engine.AutoDeployInfo  `json:"auto_deploy,omitempty" yaml:"auto_deploy,omitempty"`
	Dependencies []engine.DependencyInfo `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// ExternalConfig is "type/property"; a value starting with "Existing"
	// marks the component as managed outside the cluster.
	ExternalConfig string `json:"external_config,omitempty" yaml:"external_config,omitempty"`

	// Commands maps a task type (INSTALL, START) to a shell command
	// template run by the SSH backend.
	Commands map[string]string `json:"commands,omitempty" yaml:"commands,omitempty"`
}

// ConfigTypeDefinition describes a config type and its properties.
type ConfigTypeDefinition struct {
	Name       string               `json:"name" yaml:"name" validate:"required"`
	Properties []PropertyDefinition `json:"properties" yaml:"properties" validate:"dive"`
}

// PropertyDefinition describes one property and its stack default.
type PropertyDefinition struct {
	Name string `json:"name" yaml:"name" validate:"required"`

	// Value is the stack default. Properties without a default are not
	// part of the default layer.
	Value *string `json:"value,omitempty" yaml:"value,omitempty"`

	// Required properties must be set by the blueprint or the request.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`

	// Password marks properties holding secrets.
	Password bool `json:"password,omitempty" yaml:"password,omitempty"`
}

// Ref returns the stack reference of the definition.
func (d *Definition) Ref() engine.StackRef {
	return engine.StackRef{Name: d.Name, Version: d.Version}
}

// Parse decodes a YAML stack document.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse stack definition: %w", err)
	}
	return &def, nil
}
