// Package policy evaluates Open Policy Agent (OPA) Rego policies against
// cluster topologies before the topology manager accepts a request.
//
// Every policy is a Rego module defining a deny set. Elements are either
// strings or objects with message, severity and resource fields:
//
//	package custom.policies.zookeeper
//
//	import rego.v1
//
//	deny contains violation if {
//	    servers := [g | some g in input.topology.host_groups; "ZOOKEEPER_SERVER" in g.components]
//	    count(servers) == 0
//	    violation := {
//	        "message": "at least one host group must run ZOOKEEPER_SERVER",
//	        "severity": "error",
//	    }
//	}
//
// The input document has two fields: topology, the engine.TopologySnapshot
// of the request, and context, describing the evaluation.
//
// Violations of severity error or critical deny the topology. Lower
// severities are returned as warnings and only logged by the manager.
//
// # Built-in Policies
//
//  1. cluster-naming - cluster names are lowercase DNS labels (error)
//  2. replication-factor - dfs.replication fits the requested DataNode hosts (warning)
//  3. kerberos-required - clusters enable Kerberos (critical, disabled by default)
//
// # Loading and Hot Reload
//
// Policies are loaded from .rego files, named after the file, or from JSON
// policy definitions. Engine.Watch reloads a policy directory whenever a
// file changes; built-in policies are always kept.
package policy
