// Package stores provides the durable storage of the topology engine.
// It includes a SQLite store with WAL mode, embedded migrations and CRUD
// operations for blueprints, topology requests, logical and host requests,
// tasks, tagged cluster configurations, hosts, events and audit logs.
package stores
