package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/topology/pkg/stores"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultConfigureTimeout bounds the wait for required host groups when the
// cluster does not configure cluster_configure_task_timeout.
const DefaultConfigureTimeout = 30 * time.Minute

// ConfigureTimeoutProperty is the cluster-env property holding the
// configure timeout in milliseconds.
const ConfigureTimeoutProperty = "cluster_configure_task_timeout"

var hostGroupPlaceholder = regexp.MustCompile(`%HOSTGROUP::([\w\-.]+)%(:\d+)?`)

// ConfigBarrier gates INSTALL and START tasks of a cluster until its
// configuration has been resolved. It is released exactly once.
type ConfigBarrier struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewConfigBarrier creates a closed-gate barrier.
func NewConfigBarrier() *ConfigBarrier {
	return &ConfigBarrier{done: make(chan struct{})}
}

// Release opens the barrier. A non-nil err makes every waiter fail with it.
// It reports false if the barrier was already released.
func (b *ConfigBarrier) Release(err error) bool {
	released := false
	b.once.Do(func() {
		b.err = err
		close(b.done)
		released = true
	})
	return released
}

// Done returns a channel closed once the barrier is released.
func (b *ConfigBarrier) Done() <-chan struct{} {
	return b.done
}

// Released reports whether the barrier has been released.
func (b *ConfigBarrier) Released() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the barrier is released or ctx is done.
func (b *ConfigBarrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequiredHostGroups returns the host groups referenced by %HOSTGROUP::name%
// placeholders in the configuration, sorted.
func RequiredHostGroups(config map[string]map[string]string) []string {
	seen := make(map[string]bool)
	for _, props := range config {
		for _, value := range props {
			for _, m := range hostGroupPlaceholder.FindAllStringSubmatch(value, -1) {
				seen[m[1]] = true
			}
		}
	}
	return sortedKeys(seen)
}

// SubstituteHostGroups returns a copy of config with every %HOSTGROUP::name%
// placeholder replaced by the comma separated, sorted hosts of the group.
// A ":port" suffix is repeated for each host. Placeholders of groups
// without hosts are left untouched.
func SubstituteHostGroups(config map[string]map[string]string, hostsFor func(group string) []string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(config))
	for configType, props := range config {
		resolved := make(map[string]string, len(props))
		for key, value := range props {
			resolved[key] = hostGroupPlaceholder.ReplaceAllStringFunc(value, func(match string) string {
				m := hostGroupPlaceholder.FindStringSubmatch(match)
				hosts := append([]string(nil), hostsFor(m[1])...)
				if len(hosts) == 0 {
					return match
				}
				sort.Strings(hosts)
				if port := m[2]; port != "" {
					for i := range hosts {
						hosts[i] += port
					}
				}
				return strings.Join(hosts, ",")
			})
		}
		out[configType] = resolved
	}
	return out
}

// ConfigureClusterTask waits until every host group referenced by the
// cluster configuration is resolved, finalizes the configuration and then
// releases the cluster's barrier.
type ConfigureClusterTask struct {
	rt             *Runtime
	topology       *ClusterTopology
	barrier        *ConfigBarrier
	defaultTimeout time.Duration
	maxRetries     int
	retryBase      time.Duration
	logger         zerolog.Logger
}

// NewConfigureClusterTask creates the configure task of a cluster.
func NewConfigureClusterTask(rt *Runtime, topology *ClusterTopology, barrier *ConfigBarrier, defaultTimeout time.Duration) *ConfigureClusterTask {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultConfigureTimeout
	}
	return &ConfigureClusterTask{
		rt:             rt,
		topology:       topology,
		barrier:        barrier,
		defaultTimeout: defaultTimeout,
		maxRetries:     defaultMaxRetries,
		retryBase:      time.Second,
		logger: rt.Logger.With().
			Str("component", "configure").
			Str("cluster", topology.ClusterName()).
			Logger(),
	}
}

// Timeout returns the configured wait bound.
func (c *ConfigureClusterTask) Timeout() time.Duration {
	raw, ok := c.topology.Configuration().Resolve(ClusterEnvConfigType, ConfigureTimeoutProperty)
	if !ok {
		return c.defaultTimeout
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms <= 0 {
		c.logger.Warn().Str("value", raw).Msg("Invalid configure timeout, using default")
		return c.defaultTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// RequiredHostGroups returns the groups the task waits for.
func (c *ConfigureClusterTask) RequiredHostGroups() []string {
	seen := make(map[string]bool)
	add := func(config map[string]map[string]string) {
		for _, g := range RequiredHostGroups(config) {
			seen[g] = true
		}
	}
	add(c.topology.Configuration().MergedView(-1))
	for _, g := range c.topology.Blueprint().HostGroups() {
		add(g.Configuration().MergedView(0))
	}
	for _, info := range c.topology.HostGroupInfos() {
		add(info.Configuration().MergedView(0))
	}
	return sortedKeys(seen)
}

// Run executes the task. The barrier is always released on return: with
// nil on success and with the failure otherwise.
func (c *ConfigureClusterTask) Run(ctx context.Context) error {
	ctx, span := c.rt.startSpan(ctx, "configure_cluster",
		attribute.String("cluster", c.topology.ClusterName()))
	defer span.End()

	required := c.RequiredHostGroups()
	timeout := c.Timeout()
	c.logger.Info().Strs("host_groups", required).Dur("timeout", timeout).Msg("Waiting for required host groups")

	if err := c.waitForHostGroups(ctx, required, timeout); err != nil {
		span.RecordError(err)
		return c.fail(ctx, err)
	}

	resolved := c.recommend(ctx, c.topology.Configuration().MergedView(-1))
	resolved = SubstituteHostGroups(resolved, c.topology.HostsForGroup)

	if err := c.retry(ctx, "persist", func() error { return c.persist(ctx, resolved) }); err != nil {
		span.RecordError(err)
		return c.fail(ctx, err)
	}
	if err := c.retry(ctx, "push", func() error { return c.push(ctx, resolved) }); err != nil {
		span.RecordError(err)
		return c.fail(ctx, err)
	}

	c.barrier.Release(nil)
	c.logger.Info().Msg("Cluster configuration resolved")
	c.rt.publish(ctx, &Event{
		ID:      uuid.New().String(),
		Type:    EventTypeTopologyResolved,
		Cluster: c.topology.ClusterName(),
		Message: "Cluster configuration resolved",
	})
	return nil
}

func (c *ConfigureClusterTask) waitForHostGroups(ctx context.Context, groups []string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		changed := c.topology.Changed()
		if c.topology.RequiredHostGroupsResolved(groups) {
			return nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return NewPermanentError(
				fmt.Sprintf("timed out after %s waiting for host groups %v", timeout, groups), nil).
				WithCode(ErrCodeTimeout).
				WithResource(c.topology.ClusterName()).
				WithOperation("configure_cluster")
		case <-ctx.Done():
			return NewPermanentError("configure task cancelled", ctx.Err()).
				WithResource(c.topology.ClusterName())
		}
	}
}

// recommend applies advisor recommendations according to the request's
// strategy. Advisor failures are logged and leave the configuration as is.
func (c *ConfigureClusterTask) recommend(ctx context.Context, config map[string]map[string]string) map[string]map[string]string {
	strategy := c.topology.RecommendationStrategy()
	if strategy == RecommendNeverApply || c.rt.Advisor == nil {
		return config
	}

	user := c.topology.Configuration().MergedView(1)
	recommended, err := c.rt.Advisor.Recommend(ctx, c.topology.Snapshot(), user)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Configuration advisor failed, skipping recommendations")
		return config
	}

	var stackDefaults map[string]map[string]string
	if parent := c.topology.Blueprint().Configuration().Parent(); parent != nil {
		stackDefaults = parent.MergedView(-1)
	}

	applied := 0
	for configType, props := range recommended {
		if !c.topology.IsValidConfigType(configType) {
			continue
		}
		for key, value := range props {
			_, custom := user[configType][key]
			switch strategy {
			case RecommendOnlyStackDefaults:
				if _, isDefault := stackDefaults[configType][key]; custom || !isDefault {
					continue
				}
			case RecommendAlwaysApplyKeepCustom:
				if custom {
					continue
				}
			}
			if config[configType] == nil {
				config[configType] = make(map[string]string)
			}
			config[configType][key] = value
			applied++
		}
	}
	c.logger.Info().Str("strategy", string(strategy)).Int("applied", applied).Msg("Applied configuration recommendations")
	return config
}

func (c *ConfigureClusterTask) persist(ctx context.Context, config map[string]map[string]string) error {
	if c.rt.Store == nil {
		return nil
	}
	props, err := json.Marshal(config)
	if err != nil {
		return NewPermanentError("failed to marshal resolved configuration", err).WithCode(ErrCodeInternal)
	}
	attrs, err := json.Marshal(c.topology.Configuration().MergedAttributes(-1))
	if err != nil {
		return NewPermanentError("failed to marshal configuration attributes", err).WithCode(ErrCodeInternal)
	}
	now := time.Now()
	record := &stores.ClusterConfigRecord{
		ClusterName: c.topology.ClusterName(),
		Tag:         stores.ConfigTagResolved,
		Properties:  string(props),
		Attributes:  string(attrs),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.rt.Store.UpsertClusterConfig(ctx, record); err != nil {
		return NewTransientError("failed to persist resolved configuration", err).
			WithResource(c.topology.ClusterName())
	}
	return nil
}

func (c *ConfigureClusterTask) push(ctx context.Context, config map[string]map[string]string) error {
	err := c.rt.Backend.SetClusterConfiguration(ctx, c.topology.ClusterName(), stores.ConfigTagResolved, config)
	if err == nil {
		return nil
	}
	var classified *EngineError
	if errors.As(err, &classified) {
		return err
	}
	return NewTransientError("failed to push resolved configuration", err).
		WithCode(ErrCodeBackendFailed).WithResource(c.topology.ClusterName())
}

// retry runs fn until it succeeds, fails permanently or exhausts the
// retries, backing off like the task runner.
func (c *ConfigureClusterTask) retry(ctx context.Context, step string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !IsRetryable(err) || attempt >= c.maxRetries {
			return err
		}
		backoff := backoffDelay(c.retryBase, attempt)
		c.logger.Warn().Err(err).
			Str("step", step).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Retrying configuration step after transient failure")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return err
		}
	}
}

func (c *ConfigureClusterTask) fail(ctx context.Context, err error) error {
	c.barrier.Release(err)
	c.logger.Error().Err(err).Msg("Cluster configuration failed")
	c.rt.publish(ctx, &Event{
		ID:      uuid.New().String(),
		Type:    EventTypeConfigureFailed,
		Cluster: c.topology.ClusterName(),
		Message: fmt.Sprintf("Cluster configuration failed: %v", err),
		Level:   "error",
	})
	return err
}
