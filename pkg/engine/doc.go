// Package engine provides the topology provisioning engine: it turns a
// blueprint and a cluster creation request into hosts bound to host groups
// and ordered per host tasks.
//
// # Overview
//
// A cluster is described by two documents. A Blueprint names host groups,
// the components each group carries and a layered configuration. A
// TopologyRequest binds host groups to concrete hosts, to a host count, or
// to a count constrained by a host predicate. The engine works through
// these phases:
//
//  1. Validate - Check component cardinality, dependencies and required properties (BlueprintValidator)
//  2. Accept - Expand the request into one host slot per requested host (LogicalRequest, HostRequest)
//  3. Match - Offer each registering host to outstanding slots, master slots first (Manager)
//  4. Configure - Resolve %HOSTGROUP::name% references once every referenced group has hosts (ConfigureClusterTask)
//  5. Execute - Run RESOURCE_CREATION, CONFIGURE, INSTALL and START per host (TaskRunner)
//
// # Configuration Layering
//
// Configuration is a chain of layers: stack defaults, blueprint cluster
// configuration, host group configuration and request configuration. A
// lookup walks from the most specific layer to the root and the first
// layer that defines the property wins:
//
//	clusterCfg := NewConfiguration(props, attrs, stackDefaults)
//	groupCfg := NewConfiguration(groupProps, nil, clusterCfg)
//	value, ok := groupCfg.Resolve("hdfs-site", "dfs.replication")
//
// # Host Matching
//
// Slots of a request are offered hosts in priority order: slots whose
// group holds a master component come first, then lower slot IDs. A slot
// accepts a host at most once; later offers are answered DECLINED_DONE.
// A host that no slot accepts waits in the unassigned pool until a new
// request arrives. A request whose slots never match stays pending.
//
// # The Configure Barrier
//
// INSTALL and START tasks of a cluster wait on a ConfigBarrier that the
// cluster's ConfigureClusterTask releases after the resolved configuration
// is pushed to the CommandBackend. The wait is bounded by
// cluster-env/cluster_configure_task_timeout (milliseconds). When it
// expires the barrier is released with an error and gated tasks are
// ABORTED.
//
// # Runtime
//
// Every collaborator is injected through a Runtime value; there is no
// package level state:
//
//	rt := &Runtime{
//	    Stacks:     registry,
//	    Backend:    backend,
//	    Predicates: predicate.NewCompiler(),
//	    Store:      store,
//	    Logger:     logger,
//	}
//	m, err := NewManager(rt, DefaultManagerConfig())
//	if err := m.Start(ctx); err != nil {
//	    return err
//	}
//	defer m.Stop()
//
// # Error Classification
//
// Errors are classified for retry decisions:
//
//   - Transient: Backend or store failures that may succeed on retry
//   - Conflict: Duplicate clusters or host bindings
//   - Permanent: Validation failures and timeouts
//
// Validation failures carry ErrCodeValidation and wrap a
// TopologyValidationError, MissingPropertiesError or SecretReferenceError
// with the details.
//
// # Thread Safety
//
// Manager methods are safe for concurrent use. Requests, slots and the host
// pool are owned by a single actor goroutine; task chains run on the
// TaskRunner's workers. Blueprint, Configuration and ClusterTopology guard
// their own state.
package engine
