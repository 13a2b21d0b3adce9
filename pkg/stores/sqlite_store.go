package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: opens a distinct database
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// dsnPragmas are applied by the modernc driver to every pooled connection.
// Concurrent writers wait on the busy timeout instead of failing.
const dsnPragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate"

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?" + dsnPragmas

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// UpsertBlueprint inserts or replaces a blueprint document
func (s *SQLiteStore) UpsertBlueprint(ctx context.Context, bp *BlueprintRecord) error {
	query := `
		INSERT INTO blueprints (name, schema_version, stack_name, stack_version, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			schema_version = excluded.schema_version,
			stack_name = excluded.stack_name,
			stack_version = excluded.stack_version,
			document = excluded.document,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	if bp.CreatedAt.IsZero() {
		bp.CreatedAt = now
	}
	bp.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		bp.Name,
		bp.SchemaVersion,
		bp.StackName,
		bp.StackVersion,
		bp.Document,
		bp.CreatedAt,
		bp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert blueprint: %w", err)
	}

	return nil
}

// GetBlueprint retrieves a blueprint by name
func (s *SQLiteStore) GetBlueprint(ctx context.Context, name string) (*BlueprintRecord, error) {
	query := `
		SELECT name, schema_version, stack_name, stack_version, document, created_at, updated_at
		FROM blueprints
		WHERE name = ?
	`

	bp := &BlueprintRecord{}
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&bp.Name,
		&bp.SchemaVersion,
		&bp.StackName,
		&bp.StackVersion,
		&bp.Document,
		&bp.CreatedAt,
		&bp.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("blueprint %w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blueprint: %w", err)
	}

	return bp, nil
}

// ListBlueprints lists all blueprints by name
func (s *SQLiteStore) ListBlueprints(ctx context.Context) ([]*BlueprintRecord, error) {
	query := `
		SELECT name, schema_version, stack_name, stack_version, document, created_at, updated_at
		FROM blueprints
		ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list blueprints: %w", err)
	}
	defer rows.Close()

	blueprints := []*BlueprintRecord{}
	for rows.Next() {
		bp := &BlueprintRecord{}
		if err := rows.Scan(
			&bp.Name,
			&bp.SchemaVersion,
			&bp.StackName,
			&bp.StackVersion,
			&bp.Document,
			&bp.CreatedAt,
			&bp.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan blueprint: %w", err)
		}
		blueprints = append(blueprints, bp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blueprints: %w", err)
	}

	return blueprints, nil
}

// DeleteBlueprint deletes a blueprint by name
func (s *SQLiteStore) DeleteBlueprint(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM blueprints WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete blueprint: %w", err)
	}
	return expectRow(result, "blueprint", name)
}

// CreateTopologyRequest stores an accepted topology request
func (s *SQLiteStore) CreateTopologyRequest(ctx context.Context, req *TopologyRequestRecord) error {
	return insertTopologyRequest(ctx, s.db, req)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTopologyRequest(ctx context.Context, ex execer, req *TopologyRequestRecord) error {
	query := `
		INSERT INTO topology_requests (id, type, cluster_name, blueprint, description, document, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	_, err := ex.ExecContext(ctx, query,
		req.ID,
		req.Type,
		req.ClusterName,
		req.Blueprint,
		req.Description,
		req.Document,
		req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create topology request: %w", err)
	}

	return nil
}

// GetTopologyRequest retrieves a topology request by ID
func (s *SQLiteStore) GetTopologyRequest(ctx context.Context, id int64) (*TopologyRequestRecord, error) {
	query := `
		SELECT id, type, cluster_name, blueprint, description, document, created_at
		FROM topology_requests
		WHERE id = ?
	`

	req := &TopologyRequestRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&req.ID,
		&req.Type,
		&req.ClusterName,
		&req.Blueprint,
		&req.Description,
		&req.Document,
		&req.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("topology request %w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topology request: %w", err)
	}

	return req, nil
}

// ListTopologyRequests lists all topology requests in ID order
func (s *SQLiteStore) ListTopologyRequests(ctx context.Context) ([]*TopologyRequestRecord, error) {
	query := `
		SELECT id, type, cluster_name, blueprint, description, document, created_at
		FROM topology_requests
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list topology requests: %w", err)
	}
	defer rows.Close()

	requests := []*TopologyRequestRecord{}
	for rows.Next() {
		req := &TopologyRequestRecord{}
		if err := rows.Scan(
			&req.ID,
			&req.Type,
			&req.ClusterName,
			&req.Blueprint,
			&req.Description,
			&req.Document,
			&req.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan topology request: %w", err)
		}
		requests = append(requests, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating topology requests: %w", err)
	}

	return requests, nil
}

// CreateLogicalRequest stores a logical request and its host requests atomically
func (s *SQLiteStore) CreateLogicalRequest(ctx context.Context, req *LogicalRequestRecord, hostRequests []*HostRequestRecord) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertLogicalRequest(ctx, tx, req, hostRequests); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit logical request: %w", err)
	}
	return nil
}

// CreateRequest persists a topology request together with its logical
// request and host requests. Either all rows are written or none.
func (s *SQLiteStore) CreateRequest(ctx context.Context, topology *TopologyRequestRecord, req *LogicalRequestRecord, hostRequests []*HostRequestRecord) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertTopologyRequest(ctx, tx, topology); err != nil {
		return err
	}
	if err := insertLogicalRequest(ctx, tx, req, hostRequests); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit request %d: %w", topology.ID, err)
	}
	return nil
}

func insertLogicalRequest(ctx context.Context, ex execer, req *LogicalRequestRecord, hostRequests []*HostRequestRecord) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO logical_requests (id, topology_request_id, cluster_name, type, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		req.ID,
		req.TopologyRequestID,
		req.ClusterName,
		req.Type,
		req.Description,
		req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create logical request: %w", err)
	}

	for _, hr := range hostRequests {
		if hr.CreatedAt.IsZero() {
			hr.CreatedAt = req.CreatedAt
		}
		if hr.Status == "" {
			hr.Status = HostRequestStatusPending
		}
		_, err = ex.ExecContext(ctx, `
			INSERT INTO host_requests (
				id, logical_request_id, cluster_name, host_group, reserved_host,
				predicate, status, host_name, matched_at, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			hr.ID,
			req.ID,
			hr.ClusterName,
			hr.HostGroup,
			hr.ReservedHost,
			hr.Predicate,
			hr.Status,
			hr.HostName,
			hr.MatchedAt,
			hr.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create host request %d: %w", hr.ID, err)
		}
	}

	return nil
}

// GetLogicalRequest retrieves a logical request by ID
func (s *SQLiteStore) GetLogicalRequest(ctx context.Context, id int64) (*LogicalRequestRecord, error) {
	query := `
		SELECT id, topology_request_id, cluster_name, type, description, created_at
		FROM logical_requests
		WHERE id = ?
	`

	req := &LogicalRequestRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&req.ID,
		&req.TopologyRequestID,
		&req.ClusterName,
		&req.Type,
		&req.Description,
		&req.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("logical request %w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get logical request: %w", err)
	}

	return req, nil
}

// ListLogicalRequests lists all logical requests in ID order
func (s *SQLiteStore) ListLogicalRequests(ctx context.Context) ([]*LogicalRequestRecord, error) {
	query := `
		SELECT id, topology_request_id, cluster_name, type, description, created_at
		FROM logical_requests
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list logical requests: %w", err)
	}
	defer rows.Close()

	requests := []*LogicalRequestRecord{}
	for rows.Next() {
		req := &LogicalRequestRecord{}
		if err := rows.Scan(
			&req.ID,
			&req.TopologyRequestID,
			&req.ClusterName,
			&req.Type,
			&req.Description,
			&req.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan logical request: %w", err)
		}
		requests = append(requests, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating logical requests: %w", err)
	}

	return requests, nil
}

// DeleteLogicalRequest deletes a logical request with its host requests and tasks
func (s *SQLiteStore) DeleteLogicalRequest(ctx context.Context, id int64) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE logical_request_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM host_requests WHERE logical_request_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete host requests: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM logical_requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete logical request: %w", err)
	}
	if err := expectRow(result, "logical request", fmt.Sprint(id)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deletion: %w", err)
	}
	return nil
}

// ListHostRequests lists the host requests of a logical request in ID order
func (s *SQLiteStore) ListHostRequests(ctx context.Context, logicalRequestID int64) ([]*HostRequestRecord, error) {
	query := `
		SELECT id, logical_request_id, cluster_name, host_group, reserved_host,
			   predicate, status, host_name, matched_at, created_at
		FROM host_requests
		WHERE logical_request_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, logicalRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list host requests: %w", err)
	}
	defer rows.Close()

	requests := []*HostRequestRecord{}
	for rows.Next() {
		hr := &HostRequestRecord{}
		if err := rows.Scan(
			&hr.ID,
			&hr.LogicalRequestID,
			&hr.ClusterName,
			&hr.HostGroup,
			&hr.ReservedHost,
			&hr.Predicate,
			&hr.Status,
			&hr.HostName,
			&hr.MatchedAt,
			&hr.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan host request: %w", err)
		}
		requests = append(requests, hr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating host requests: %w", err)
	}

	return requests, nil
}

// MatchHostRequest records the host bound to a pending host request
func (s *SQLiteStore) MatchHostRequest(ctx context.Context, id int64, hostName string, matchedAt time.Time) error {
	query := `
		UPDATE host_requests
		SET status = ?, host_name = ?, matched_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		HostRequestStatusMatched, hostName, matchedAt, id, HostRequestStatusPending)
	if err != nil {
		return fmt.Errorf("failed to match host request: %w", err)
	}
	return expectRow(result, "pending host request", fmt.Sprint(id))
}

// CreateTasks stores the tasks emitted for a matched host request
func (s *SQLiteStore) CreateTasks(ctx context.Context, tasks []*TaskRecord) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO tasks (
			id, host_request_id, logical_request_id, cluster_name, host_group, host_name,
			type, component, sequence, status, error, started_at, completed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	for _, task := range tasks {
		if task.CreatedAt.IsZero() {
			task.CreatedAt = now
		}
		task.UpdatedAt = now
		_, err := tx.ExecContext(ctx, query,
			task.ID,
			task.HostRequestID,
			task.LogicalRequestID,
			task.ClusterName,
			task.HostGroup,
			task.HostName,
			task.Type,
			task.Component,
			task.Sequence,
			task.Status,
			task.Error,
			task.StartedAt,
			task.CompletedAt,
			task.CreatedAt,
			task.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create task %s: %w", task.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tasks: %w", err)
	}
	return nil
}

const taskColumns = `id, host_request_id, logical_request_id, cluster_name, host_group, host_name,
	type, component, sequence, status, error, started_at, completed_at, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*TaskRecord, error) {
	task := &TaskRecord{}
	err := row.Scan(
		&task.ID,
		&task.HostRequestID,
		&task.LogicalRequestID,
		&task.ClusterName,
		&task.HostGroup,
		&task.HostName,
		&task.Type,
		&task.Component,
		&task.Sequence,
		&task.Status,
		&task.Error,
		&task.StartedAt,
		&task.CompletedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	return task, err
}

// GetTask retrieves a task by ID
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// UpdateTaskStatus updates the status of a task
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status string, errMsg *string) error {
	query := `
		UPDATE tasks
		SET status = ?, error = ?, updated_at = ?,
			started_at = CASE WHEN started_at IS NULL AND ? = 'IN_PROGRESS' THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? IN ('COMPLETED', 'FAILED', 'ABORTED', 'TIMEDOUT') THEN ? ELSE completed_at END
		WHERE id = ?
	`

	now := time.Now()
	result, err := s.db.ExecContext(ctx, query, status, errMsg, now, status, now, status, now, id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return expectRow(result, "task", id)
}

// ListTasksByHostRequest lists the tasks of a host request in chain order
func (s *SQLiteStore) ListTasksByHostRequest(ctx context.Context, hostRequestID int64) ([]*TaskRecord, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE host_request_id = ? ORDER BY sequence ASC`, hostRequestID)
}

// ListTasksByLogicalRequest lists the tasks of a logical request
func (s *SQLiteStore) ListTasksByLogicalRequest(ctx context.Context, logicalRequestID int64) ([]*TaskRecord, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE logical_request_id = ? ORDER BY host_request_id ASC, sequence ASC`, logicalRequestID)
}

func (s *SQLiteStore) listTasks(ctx context.Context, query string, arg any) ([]*TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*TaskRecord{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// UpsertClusterConfig inserts or replaces a tagged cluster configuration
func (s *SQLiteStore) UpsertClusterConfig(ctx context.Context, cfg *ClusterConfigRecord) error {
	query := `
		INSERT INTO cluster_configs (cluster_name, tag, properties, attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cluster_name, tag) DO UPDATE SET
			properties = excluded.properties,
			attributes = excluded.attributes,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	if cfg.Attributes == "" {
		cfg.Attributes = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		cfg.ClusterName,
		cfg.Tag,
		cfg.Properties,
		cfg.Attributes,
		cfg.CreatedAt,
		cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert cluster config: %w", err)
	}

	return nil
}

// GetClusterConfig retrieves a tagged cluster configuration
func (s *SQLiteStore) GetClusterConfig(ctx context.Context, cluster, tag string) (*ClusterConfigRecord, error) {
	query := `
		SELECT cluster_name, tag, properties, attributes, created_at, updated_at
		FROM cluster_configs
		WHERE cluster_name = ? AND tag = ?
	`

	cfg := &ClusterConfigRecord{}
	err := s.db.QueryRowContext(ctx, query, cluster, tag).Scan(
		&cfg.ClusterName,
		&cfg.Tag,
		&cfg.Properties,
		&cfg.Attributes,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cluster config %w: %s/%s", ErrNotFound, cluster, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster config: %w", err)
	}

	return cfg, nil
}

// UpsertHost inserts or updates a host
func (s *SQLiteStore) UpsertHost(ctx context.Context, host *HostRecord) error {
	query := `
		INSERT INTO hosts (name, attributes, status, cluster_name, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			attributes = excluded.attributes,
			status = excluded.status,
			cluster_name = COALESCE(excluded.cluster_name, hosts.cluster_name),
			registered_at = excluded.registered_at,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	if host.RegisteredAt.IsZero() {
		host.RegisteredAt = now
	}
	host.UpdatedAt = now
	if host.Attributes == "" {
		host.Attributes = "{}"
	}
	if host.Status == "" {
		host.Status = HostStatusRegistered
	}

	_, err := s.db.ExecContext(ctx, query,
		host.Name,
		host.Attributes,
		host.Status,
		host.ClusterName,
		host.RegisteredAt,
		host.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert host: %w", err)
	}

	return nil
}

// GetHost retrieves a host by name
func (s *SQLiteStore) GetHost(ctx context.Context, name string) (*HostRecord, error) {
	query := `
		SELECT name, attributes, status, cluster_name, registered_at, updated_at
		FROM hosts
		WHERE name = ?
	`

	host := &HostRecord{}
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&host.Name,
		&host.Attributes,
		&host.Status,
		&host.ClusterName,
		&host.RegisteredAt,
		&host.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("host %w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host: %w", err)
	}

	return host, nil
}

// ListHosts lists hosts, optionally filtered by status
func (s *SQLiteStore) ListHosts(ctx context.Context, status *HostStatus) ([]*HostRecord, error) {
	query := `
		SELECT name, attributes, status, cluster_name, registered_at, updated_at
		FROM hosts
		WHERE (? IS NULL OR status = ?)
		ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, status, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	defer rows.Close()

	hosts := []*HostRecord{}
	for rows.Next() {
		host := &HostRecord{}
		if err := rows.Scan(
			&host.Name,
			&host.Attributes,
			&host.Status,
			&host.ClusterName,
			&host.RegisteredAt,
			&host.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		hosts = append(hosts, host)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hosts: %w", err)
	}

	return hosts, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (type, cluster, request_id, host, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.Type,
		event.Cluster,
		event.RequestID,
		event.Host,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters and pagination
func (s *SQLiteStore) GetEvents(ctx context.Context, cluster *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, type, cluster, request_id, host, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR cluster = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, cluster, cluster, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		if err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.Cluster,
			&event.RequestID,
			&event.Host,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		if err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %w: %s", kind, ErrNotFound, id)
	}
	return nil
}
