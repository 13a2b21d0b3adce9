package backend

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/topology/pkg/engine"
)

// ClusterResources is what CreateClusterResources registered for a cluster.
type ClusterResources struct {
	Stack             engine.StackRef
	ServiceComponents map[string][]string
}

// Recorder is an in-memory engine.CommandBackend. It records every call
// and fails the commands it was told to fail.
type Recorder struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	delay    time.Duration
	commands []engine.HostCommand
	clusters map[string]ClusterResources
	configs  map[string]map[string]map[string]string
	groups   map[string]map[string]bool
	failures map[string]error
}

// configGroupFile holds a configured host's config group on the host.
const configGroupFile = "config-group.properties"

// ConfigGroupName names the config group shared by the hosts of one host
// group of a blueprint. It is "" when either part is unknown.
func ConfigGroupName(blueprint, hostGroup string) string {
	if blueprint == "" || hostGroup == "" {
		return ""
	}
	return blueprint + ":" + hostGroup
}

var _ engine.CommandBackend = (*Recorder)(nil)

// NewRecorder creates an empty recorder.
func NewRecorder(logger zerolog.Logger) *Recorder {
	return &Recorder{
		logger:   logger.With().Str("component", "recorder").Logger(),
		clusters: make(map[string]ClusterResources),
		configs:  make(map[string]map[string]map[string]string),
		groups:   make(map[string]map[string]bool),
		failures: make(map[string]error),
	}
}

// SetDelay makes every Execute wait d, or until its context is done.
func (r *Recorder) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// FailOn makes Execute return err for the given host, task type and
// component. component is "" for RESOURCE_CREATION and CONFIGURE.
func (r *Recorder) FailOn(host string, taskType engine.TaskType, component string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[failureKey(host, taskType, component)] = err
}

// CreateClusterResources records the cluster's stack and services,
// replacing an earlier registration.
func (r *Recorder) CreateClusterResources(_ context.Context, cluster string, stack engine.StackRef, serviceComponents map[string][]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clusters[cluster] = ClusterResources{Stack: stack, ServiceComponents: copyServiceComponents(serviceComponents)}
	r.logger.Info().Str("cluster", cluster).Str("stack", stack.Name+"-"+stack.Version).Msg("Cluster resources created")
	return nil
}

// SetClusterConfiguration records a tagged cluster configuration.
func (r *Recorder) SetClusterConfiguration(_ context.Context, cluster, tag string, configuration map[string]map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.configs[cluster+"/"+tag] = copyConfiguration(configuration)
	r.logger.Info().Str("cluster", cluster).Str("tag", tag).Int("types", len(configuration)).Msg("Cluster configuration set")
	return nil
}

// Execute records cmd.
func (r *Recorder) Execute(ctx context.Context, cmd *engine.HostCommand) error {
	r.mu.Lock()
	delay := r.delay
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := *cmd
	c.Configuration = copyConfiguration(cmd.Configuration)
	c.ServiceComponents = copyServiceComponents(cmd.ServiceComponents)
	r.commands = append(r.commands, c)

	r.logger.Info().
		Str("task_id", cmd.TaskID).
		Str("type", string(cmd.Type)).
		Str("host", cmd.Host).
		Str("component", cmd.Component).
		Msg("Command recorded")

	if err := r.failures[failureKey(cmd.Host, cmd.Type, cmd.Component)]; err != nil {
		return err
	}
	if cmd.Type == engine.TaskConfigure {
		if group := ConfigGroupName(cmd.Blueprint, cmd.HostGroup); group != "" {
			key := cmd.Cluster + "/" + group
			if r.groups[key] == nil {
				r.groups[key] = make(map[string]bool)
			}
			r.groups[key][cmd.Host] = true
		}
	}
	return nil
}

// Commands returns a copy of every recorded command in arrival order.
func (r *Recorder) Commands() []engine.HostCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.HostCommand(nil), r.commands...)
}

// CommandsFor returns "TYPE COMPONENT" for each command run on host, in
// order.
func (r *Recorder) CommandsFor(host string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, c := range r.commands {
		if c.Host == host {
			out = append(out, strings.TrimSpace(string(c.Type)+" "+c.Component))
		}
	}
	return out
}

// Hosts returns the sorted names of the hosts that received commands.
func (r *Recorder) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	var hosts []string
	for _, c := range r.commands {
		if !seen[c.Host] {
			seen[c.Host] = true
			hosts = append(hosts, c.Host)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// Cluster returns the resources recorded for a cluster.
func (r *Recorder) Cluster(cluster string) (ClusterResources, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.clusters[cluster]
	return res, ok
}

// Configuration returns the configuration recorded under a tag.
func (r *Recorder) Configuration(cluster, tag string) (map[string]map[string]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[cluster+"/"+tag]
	return c, ok
}

// ConfigGroupHosts returns the sorted hosts configured into a config group
// of a cluster.
func (r *Recorder) ConfigGroupHosts(cluster, group string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]string, 0, len(r.groups[cluster+"/"+group]))
	for h := range r.groups[cluster+"/"+group] {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

func failureKey(host string, taskType engine.TaskType, component string) string {
	return host + "/" + string(taskType) + "/" + component
}

func copyConfiguration(in map[string]map[string]string) map[string]map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]map[string]string, len(in))
	for t, props := range in {
		cp := make(map[string]string, len(props))
		for k, v := range props {
			cp[k] = v
		}
		out[t] = cp
	}
	return out
}

func copyServiceComponents(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for s, comps := range in {
		out[s] = append([]string(nil), comps...)
	}
	return out
}
