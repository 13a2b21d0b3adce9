package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		clusterNamingPolicy(),
		replicationFactorPolicy(),
		kerberosRequiredPolicy(),
	}
}

// clusterNamingPolicy enforces cluster naming conventions.
func clusterNamingPolicy() Policy {
	return Policy{
		Name:        "cluster-naming",
		Description: "Cluster names are lowercase DNS labels",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package topology.policies.naming

import rego.v1

deny contains violation if {
	name := input.topology.cluster
	not regex.match("^[a-z0-9]([a-z0-9-]*[a-z0-9])?$", name)
	violation := {
		"message": sprintf("cluster name '%s' must be lowercase letters, numbers and inner hyphens", [name]),
		"severity": "error",
		"resource": name,
	}
}

deny contains violation if {
	name := input.topology.cluster
	count(name) > 63
	violation := {
		"message": sprintf("cluster name '%s' must not exceed 63 characters", [name]),
		"severity": "error",
		"resource": name,
	}
}`,
	}
}

// replicationFactorPolicy warns when HDFS cannot place every replica.
func replicationFactorPolicy() Policy {
	return Policy{
		Name:        "replication-factor",
		Description: "dfs.replication does not exceed the number of requested DataNode hosts",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"hdfs", "capacity"},
		Rego: `package topology.policies.replication

import rego.v1

datanode_hosts := sum([g.requested_count |
	some g in input.topology.host_groups
	"DATANODE" in g.components
])

deny contains violation if {
	datanode_hosts > 0
	replication := to_number(input.topology.configuration["hdfs-site"]["dfs.replication"])
	replication > datanode_hosts
	violation := {
		"message": sprintf("dfs.replication %v exceeds the %v requested DataNode hosts", [replication, datanode_hosts]),
		"severity": "warning",
		"resource": "hdfs-site/dfs.replication",
	}
}`,
	}
}

// kerberosRequiredPolicy rejects unsecured clusters. Disabled by default.
func kerberosRequiredPolicy() Policy {
	return Policy{
		Name:        "kerberos-required",
		Description: "Clusters must enable Kerberos security",
		Severity:    SeverityCritical,
		Enabled:     false,
		Builtin:     true,
		Tags:        []string{"security"},
		Rego: `package topology.policies.security

import rego.v1

deny contains violation if {
	input.topology.security != "KERBEROS"
	violation := {
		"message": sprintf("cluster %s must enable Kerberos security", [input.topology.cluster]),
		"resource": input.topology.cluster,
	}
}`,
	}
}
