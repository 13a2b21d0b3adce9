// Package config loads the documents the topology engine consumes and
// provides the Starlark configuration advisor.
//
// # Documents
//
// Blueprints, topology requests and stack definitions are read from YAML,
// JSON or CUE, chosen by file extension. YAML and JSON documents reject
// unknown fields. CUE documents are unified with the built-in schemas of
// the SchemaRegistry (#Blueprint, #Request, #Stack) before decoding, so a
// CUE blueprint may omit schema_version and gets "2". Every decoded
// document is then checked against its validate struct tags.
//
// A CUE blueprint:
//
//	name: "hdfs"
//	stack: {name: "HDP", version: "2.6"}
//	configurations: "hdfs-site": properties: "dfs.replication": "2"
//	host_groups: [
//		{name: "master", components: [{name: "NAMENODE"}]},
//		{name: "workers", components: [{name: "DATANODE"}]},
//	]
//
// Problems are reported as a *DocumentError listing each field path and,
// for CUE, the file position.
//
// # Advisor
//
// StarlarkAdvisor implements engine.ConfigAdvisor. The script defines
// recommend(topology, configuration) and may call
// hosts_for_component(name). Execution is bounded by a step limit and a
// timeout.
package config
