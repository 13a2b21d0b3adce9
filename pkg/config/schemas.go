package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds the CUE definitions documents are unified with.
type SchemaRegistry struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[Kind]cue.Value
}

// NewSchemaRegistry creates a registry holding the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[Kind]cue.Value),
	}
	for kind, def := range builtinSchemas {
		if err := sr.RegisterSchema(kind, def.name, def.source); err != nil {
			panic(err)
		}
	}
	return sr
}

// RegisterSchema compiles source and registers the definition named def
// (e.g. "#Blueprint") as the schema of kind.
func (sr *SchemaRegistry) RegisterSchema(kind Kind, def, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(string(kind)+".schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", kind, err)
	}
	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s does not define %s", kind, def)
	}
	sr.schemas[kind] = schema
	return nil
}

// Context returns the CUE context values must be built with to be
// unified with the registered schemas.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// Unify unifies val with the schema of kind and checks that the result is
// concrete.
func (sr *SchemaRegistry) Unify(kind Kind, val cue.Value) (cue.Value, error) {
	sr.mu.Lock()
	schema, ok := sr.schemas[kind]
	sr.mu.Unlock()
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", kind)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// Kinds returns the registered schema kinds.
func (sr *SchemaRegistry) Kinds() []Kind {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	kinds := make([]Kind, 0, len(sr.schemas))
	for k := range sr.schemas {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

var builtinSchemas = map[Kind]struct {
	name   string
	source string
}{
	KindBlueprint: {"#Blueprint", commonSchema + blueprintSchema},
	KindRequest:   {"#Request", commonSchema + requestSchema},
	KindStack:     {"#Stack", stackSchema},
	KindHost:      {"#Host", hostSchema},
}

const commonSchema = `
#ProvisionAction: "INSTALL_AND_START" | "INSTALL_ONLY" | "START_ONLY"

#Configurations: [string]: {
	properties?: [string]: string
	properties_attributes?: [string]: [string]: string
}
`

const blueprintSchema = `
#Component: {
	name:              string & !=""
	mpack_instance?:   string
	service_instance?: string
	provision_action?: #ProvisionAction
}

#HostGroup: {
	name:            string & =~"^[A-Za-z0-9_.-]+$"
	cardinality?:    string
	components:      [#Component, ...#Component]
	configurations?: #Configurations
}

#Blueprint: {
	schema_version: "2"
	name:           string & !=""
	stack: {
		name:    string & !=""
		version: string & !=""
	}
	security?: {
		type?: "NONE" | "KERBEROS"
	}
	configurations?: #Configurations
	host_groups:     [#HostGroup, ...#HostGroup]
}
`

const requestSchema = `
#HostGroupInfo: {
	name:            string & !=""
	host_count?:     int & >=0
	host_predicate?: string
	hosts?: [...{fqdn: string & !=""}]
	configurations?: #Configurations
}

#Request: {
	type:                            "PROVISION" | "SCALE"
	cluster_name:                    string & !=""
	blueprint:                       string & !=""
	description?:                    string
	provision_action?:               #ProvisionAction
	config_recommendation_strategy?: "NEVER_APPLY" | "ONLY_STACK_DEFAULTS_APPLY" | "ALWAYS_APPLY" | "ALWAYS_APPLY_DONT_OVERRIDE_CUSTOM_VALUES"
	configurations?:                 #Configurations
	host_groups:                     [#HostGroupInfo, ...#HostGroupInfo]
}
`

const stackSchema = `
#AutoDeploy: {
	enabled:    bool
	co_locate?: string
}

#Dependency: {
	name:                 string & =~"^[^/]+/[^/]+$"
	scope:                "host" | "cluster"
	auto_deploy?:         #AutoDeploy
	conditional_service?: string
	conditions?: [...{
		config_type: string
		property:    string
		value:       string
	}]
}

#StackComponent: {
	name:             string & !=""
	category?:        "MASTER" | "SLAVE" | "CLIENT"
	cardinality?:     string
	management?:      bool
	auto_deploy?:     #AutoDeploy
	dependencies?:    [...#Dependency]
	external_config?: string
	commands?: [string]: string
}

#Property: {
	name:      string & !=""
	value?:    string
	required?: bool
	password?: bool
}

#Service: {
	name:        string & !=""
	components?: [...#StackComponent]
	config_types?: [...{
		name:        string & !=""
		properties?: [...#Property]
	}]
}

#Stack: {
	name:     string & !=""
	version:  string & !=""
	services: [#Service, ...#Service]
}
`

const hostSchema = `
#Host: {
	name:           string & !=""
	attributes?:    [string]: string
	registered_at?: string
}
`
