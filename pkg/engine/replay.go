package engine

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/openfroyo/topology/pkg/stores"
)

// replay rebuilds the manager state from the store. Topology requests are
// replayed in ID order: provision requests recreate their cluster and scale
// requests merge into it. Logical requests are then rebuilt with their
// persisted host request IDs; matched hosts are bound again and their
// unfinished tasks are queued. It runs before the actor starts and returns
// the matches made by offering persisted, unassigned hosts.
func (m *Manager) replay(ctx context.Context) ([]hostMatch, error) {
	if m.rt.Store == nil {
		return nil, nil
	}
	s := m.state

	records, err := m.rt.Store.ListTopologyRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topology requests: %w", err)
	}
	for _, rec := range records {
		bump(&m.nextRequestID, rec.ID)

		var req TopologyRequest
		if err := json.Unmarshal([]byte(rec.Document), &req); err != nil {
			return nil, fmt.Errorf("failed to decode topology request %d: %w", rec.ID, err)
		}
		req.ID = rec.ID

		switch req.Spec.Type {
		case RequestTypeProvision:
			if req.Blueprint == nil {
				m.logger.Error().Int64("request_id", rec.ID).Msg("Persisted provision request has no blueprint, skipping")
				continue
			}
			topology, err := m.buildTopology(&req, false)
			if err != nil {
				m.logger.Error().Err(err).Int64("request_id", rec.ID).Msg("Failed to rebuild cluster topology")
				continue
			}
			s.clusters[rec.ClusterName] = &clusterState{
				topology: topology,
				barrier:  NewConfigBarrier(),
				ready:    true,
			}
		case RequestTypeScale:
			cluster, ok := s.clusters[rec.ClusterName]
			if !ok {
				m.logger.Warn().Int64("request_id", rec.ID).Str("cluster", rec.ClusterName).Msg("Scale request for unknown cluster, skipping")
				continue
			}
			if err := cluster.topology.Merge(req.Spec.HostGroups); err != nil {
				m.logger.Error().Err(err).Int64("request_id", rec.ID).Msg("Failed to merge scale request")
			}
		}
	}

	logical, err := m.rt.Store.ListLogicalRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list logical requests: %w", err)
	}
	requeued := 0
	for _, rec := range logical {
		cluster, ok := s.clusters[rec.ClusterName]
		if !ok {
			m.logger.Warn().Int64("request_id", rec.ID).Str("cluster", rec.ClusterName).Msg("Logical request for unknown cluster, skipping")
			continue
		}
		lr, chains, err := m.restoreRequest(ctx, rec, cluster)
		if err != nil {
			return nil, err
		}

		s.requests[lr.ID()] = lr
		for _, name := range lr.ReservedHosts() {
			s.reservations[name] = lr
		}
		if !lr.Completed() {
			s.outstanding = append(s.outstanding, lr)
		}
		for _, tasks := range chains {
			m.runner.Submit(cluster.topology, cluster.barrier, tasks)
			requeued++
		}
	}
	slices.SortStableFunc(s.outstanding, LogicalRequestPriority)

	for name, cluster := range s.clusters {
		_, err := m.rt.Store.GetClusterConfig(ctx, name, stores.ConfigTagResolved)
		switch {
		case err == nil:
			cluster.barrier.Release(nil)
		case errors.Is(err, stores.ErrNotFound):
			m.startConfigureTask(cluster)
		default:
			return nil, fmt.Errorf("failed to load resolved configuration of %s: %w", name, err)
		}
	}

	status := stores.HostStatusRegistered
	hosts, err := m.rt.Store.ListHosts(ctx, &status)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	var matches []hostMatch
	for _, rec := range hosts {
		if (rec.ClusterName != nil && *rec.ClusterName != "") || s.ignore[rec.Name] {
			continue
		}
		host := &Host{Name: rec.Name, RegisteredAt: rec.RegisteredAt}
		if rec.Attributes != "" {
			if err := json.Unmarshal([]byte(rec.Attributes), &host.Attributes); err != nil {
				m.logger.Warn().Err(err).Str("host", rec.Name).Msg("Ignoring unreadable host attributes")
			}
		}
		found, err := m.offerHost(s, host)
		if err != nil {
			m.logger.Error().Err(err).Str("host", rec.Name).Msg("Failed to offer replayed host")
			continue
		}
		matches = append(matches, found...)
	}
	m.updateGauges(s)

	m.logger.Info().
		Int("clusters", len(s.clusters)).
		Int("requests", len(s.requests)).
		Int("outstanding", len(s.outstanding)).
		Int("requeued_chains", requeued).
		Int("available_hosts", s.pool.Len()).
		Msg("Replayed persisted state")
	return matches, nil
}

// restoreRequest rebuilds one logical request and returns the task chains
// of matched hosts that still have unfinished tasks.
func (m *Manager) restoreRequest(ctx context.Context, rec *stores.LogicalRequestRecord, cluster *clusterState) (*LogicalRequest, [][]*TopologyTask, error) {
	hostRecords, err := m.rt.Store.ListHostRequests(ctx, rec.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list host requests of %d: %w", rec.ID, err)
	}

	topology := cluster.topology
	var hostRequests []*HostRequest
	var chains [][]*TopologyTask
	for _, hrec := range hostRecords {
		bump(&m.nextHostRequestID, hrec.ID)

		hr, err := NewHostRequest(hrec.ID, rec.ID, topology, hrec.HostGroup, hrec.ReservedHost, hrec.Predicate, m.rt.Predicates, m.logger)
		if err != nil {
			m.logger.Error().Err(err).Int64("host_request_id", hrec.ID).Msg("Failed to rebuild host request")
			continue
		}
		hostRequests = append(hostRequests, hr)

		if hrec.Status != stores.HostRequestStatusMatched || hrec.HostName == nil {
			continue
		}
		host := *hrec.HostName
		if err := topology.AddHostToTopology(hrec.HostGroup, host); err != nil {
			m.logger.Error().Err(err).Str("host", host).Msg("Failed to rebind replayed host")
		}

		taskRecords, err := m.rt.Store.ListTasksByHostRequest(ctx, hrec.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list tasks of host request %d: %w", hrec.ID, err)
		}
		tasks := make([]*TopologyTask, 0, len(taskRecords))
		unfinished := false
		for _, trec := range taskRecords {
			t := taskFromRecord(trec)
			if !t.Status().IsTerminal() {
				unfinished = true
			}
			tasks = append(tasks, t)
		}
		slices.SortStableFunc(tasks, func(a, b *TopologyTask) int { return cmp.Compare(a.Sequence, b.Sequence) })

		matchedAt := hrec.CreatedAt
		if hrec.MatchedAt != nil {
			matchedAt = *hrec.MatchedAt
		}
		hr.restoreMatch(host, matchedAt, tasks)
		m.state.ignore[host] = true
		if unfinished {
			chains = append(chains, tasks)
		}
	}

	lr := restoreLogicalRequest(rec.ID, RequestType(rec.Type), rec.Description, topology, rec.CreatedAt,
		hostRequests, m.newHostRequestID, m.rt.Predicates, m.logger)
	return lr, chains, nil
}

func taskFromRecord(rec *stores.TaskRecord) *TopologyTask {
	t := &TopologyTask{
		ID:               rec.ID,
		Type:             TaskType(rec.Type),
		Component:        rec.Component,
		HostRequestID:    rec.HostRequestID,
		LogicalRequestID: rec.LogicalRequestID,
		Cluster:          rec.ClusterName,
		HostGroup:        rec.HostGroup,
		Host:             rec.HostName,
		Sequence:         rec.Sequence,
		status:           TaskStatus(rec.Status),
		startedAt:        rec.StartedAt,
		completedAt:      rec.CompletedAt,
	}
	if rec.Error != nil {
		t.errMsg = *rec.Error
	}
	return t
}

// TaskInfoFromRecord converts a persisted task.
func TaskInfoFromRecord(rec *stores.TaskRecord) TaskInfo {
	return taskFromRecord(rec).Info()
}

// RequestInfoFromRecords assembles the status view of a logical request
// from its persisted records, for readers that do not run a manager.
func RequestInfoFromRecords(rec *stores.LogicalRequestRecord, hostRequests []*stores.HostRequestRecord, tasks []*stores.TaskRecord) RequestInfo {
	info := RequestInfo{
		ID:          rec.ID,
		Type:        RequestType(rec.Type),
		Cluster:     rec.ClusterName,
		Description: rec.Description,
		CreatedAt:   rec.CreatedAt,
	}

	byHostRequest := make(map[int64][]string)
	statuses := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		byHostRequest[t.HostRequestID] = append(byHostRequest[t.HostRequestID], t.ID)
		statuses = append(statuses, TaskStatus(t.Status))
	}

	for _, hr := range hostRequests {
		hi := HostRequestInfo{
			ID:           hr.ID,
			HostGroup:    hr.HostGroup,
			ReservedHost: hr.ReservedHost,
			Predicate:    hr.Predicate,
			Status:       HostRequestStatus(hr.Status),
			TaskIDs:      byHostRequest[hr.ID],
		}
		if hr.HostName != nil {
			hi.HostName = *hr.HostName
		}
		if hi.Status == HostRequestMatched {
			info.MatchedCount++
		}
		info.HostRequests = append(info.HostRequests, hi)
	}

	info.Completed = info.MatchedCount == len(info.HostRequests)
	info.Status = AggregateStatus(info.Completed, statuses)
	return info
}

// bump raises a sequence so that the next value follows id.
func bump(seq *atomic.Int64, id int64) {
	for {
		cur := seq.Load()
		if cur >= id || seq.CompareAndSwap(cur, id) {
			return
		}
	}
}
