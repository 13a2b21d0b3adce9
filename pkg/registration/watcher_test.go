package registration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/topology/pkg/config"
	"github.com/openfroyo/topology/pkg/engine"
	"github.com/openfroyo/topology/pkg/stores"
)

const testBlueprint = `schema_version: "2"
name: hdfs
stack:
  name: HDP
  version: "2.6"
host_groups:
  - name: master
    components:
      - name: NAMENODE
`

const testRequest = `type: PROVISION
cluster_name: c1
blueprint: hdfs
host_groups:
  - name: master
    host_count: 1
`

const testScale = `type: SCALE
cluster_name: c1
blueprint: hdfs
host_groups:
  - name: master
    host_count: 2
`

// fakeManager records the calls made by the watcher.
type fakeManager struct {
	mu         sync.Mutex
	registered []engine.Host
	removed    []string
	requests   []*engine.TopologyRequest
	nextID     int64
	err        error
}

func (m *fakeManager) OnHostRegistered(_ context.Context, host engine.Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, host)
	return nil
}

func (m *fakeManager) OnHostRemoved(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, name)
	return nil
}

func (m *fakeManager) Provision(_ context.Context, req *engine.TopologyRequest) (int64, error) {
	return m.accept(req)
}

func (m *fakeManager) Scale(_ context.Context, req *engine.TopologyRequest) (int64, error) {
	return m.accept(req)
}

func (m *fakeManager) accept(req *engine.TopologyRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.nextID++
	m.requests = append(m.requests, req)
	return m.nextID, nil
}

func (m *fakeManager) snapshot() (registered []string, removed []string, requests int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.registered {
		registered = append(registered, h.Name)
	}
	return registered, append([]string(nil), m.removed...), len(m.requests)
}

// memoryBlueprints is an in-memory BlueprintStore.
type memoryBlueprints struct {
	mu  sync.Mutex
	bps map[string]*stores.BlueprintRecord
}

func (s *memoryBlueprints) UpsertBlueprint(_ context.Context, bp *stores.BlueprintRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bps[bp.Name] = bp
	return nil
}

func (s *memoryBlueprints) GetBlueprint(_ context.Context, name string) (*stores.BlueprintRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bp, ok := s.bps[name]
	if !ok {
		return nil, fmt.Errorf("blueprint %w: %s", stores.ErrNotFound, name)
	}
	return bp, nil
}

type countingRecorder struct {
	mu      sync.Mutex
	changes map[string]int
}

func (r *countingRecorder) RecordHostRegistration(change string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes[change]++
}

func (r *countingRecorder) count(change string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[change]
}

func newTestWatcher(t *testing.T) (*Watcher, *fakeManager, *memoryBlueprints, string) {
	t.Helper()
	dir := t.TempDir()
	manager := &fakeManager{}
	bps := &memoryBlueprints{bps: make(map[string]*stores.BlueprintRecord)}
	w, err := NewWatcher(Config{Dir: dir, Debounce: 20 * time.Millisecond}, config.NewLoader(), manager, bps, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	return w, manager, bps, dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func readResult(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path + ResultSuffix)
	if err != nil {
		t.Fatalf("failed to read result: %v", err)
	}
	return strings.TrimSpace(string(data))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestNewWatcherLayout tests that the spool layout is created.
func TestNewWatcherLayout(t *testing.T) {
	_, _, _, dir := newTestWatcher(t)

	for _, sub := range []string{
		HostsDir,
		BlueprintsDir,
		filepath.Join(RequestsDir, ProcessedDir),
		filepath.Join(RequestsDir, FailedDir),
	} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s", sub)
		}
	}

	if _, err := NewWatcher(Config{}, config.NewLoader(), &fakeManager{}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for missing spool directory")
	}
}

// TestSync tests processing of files already in the spool.
func TestSync(t *testing.T) {
	w, manager, bps, dir := newTestWatcher(t)
	metrics := &countingRecorder{changes: make(map[string]int)}
	w.SetMetrics(metrics)

	writeFile(t, filepath.Join(dir, BlueprintsDir, "hdfs.yaml"), testBlueprint)
	writeFile(t, filepath.Join(dir, HostsDir, "m1.yaml"), "name: m1.example.com\nattributes:\n  rack: r1\n")
	writeFile(t, filepath.Join(dir, HostsDir, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(dir, RequestsDir, "c1.yaml"), testRequest)

	if err := w.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	registered, _, requests := manager.snapshot()
	if !reflect.DeepEqual(registered, []string{"m1.example.com"}) {
		t.Errorf("registered = %v", registered)
	}
	if requests != 1 {
		t.Fatalf("requests = %d, want 1", requests)
	}
	req := manager.requests[0]
	if req.Blueprint == nil || req.Blueprint.Name != "hdfs" {
		t.Errorf("request blueprint = %+v", req.Blueprint)
	}
	if manager.registered[0].Attributes["rack"] != "r1" {
		t.Errorf("attributes = %v", manager.registered[0].Attributes)
	}

	if _, err := bps.GetBlueprint(context.Background(), "hdfs"); err != nil {
		t.Errorf("blueprint not saved: %v", err)
	}
	processed := filepath.Join(dir, RequestsDir, ProcessedDir, "c1.yaml")
	if got := readResult(t, processed); got != "1" {
		t.Errorf("result = %q, want 1", got)
	}
	if _, err := os.Stat(filepath.Join(dir, RequestsDir, "c1.yaml")); !os.IsNotExist(err) {
		t.Error("request file should have been moved")
	}
	if metrics.count("add") != 1 {
		t.Errorf("add registrations = %d, want 1", metrics.count("add"))
	}
	if got := w.Hosts(); !reflect.DeepEqual(got, []string{"m1.example.com"}) {
		t.Errorf("Hosts() = %v", got)
	}
}

// TestRequestFailures tests that rejected requests land in the failed directory.
func TestRequestFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		err     error
		wantMsg string
	}{
		{
			name:    "invalid document",
			content: "type: PROVISION\n",
			wantMsg: `failed "required" validation`,
		},
		{
			name:    "unknown blueprint",
			content: strings.Replace(testRequest, "blueprint: hdfs", "blueprint: missing", 1),
			wantMsg: "not found",
		},
		{
			name:    "manager rejects",
			content: testScale,
			err:     errors.New(`cluster "c1" not found`),
			wantMsg: `cluster "c1" not found`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, manager, _, dir := newTestWatcher(t)
			manager.err = tt.err
			writeFile(t, filepath.Join(dir, RequestsDir, "req.yaml"), tt.content)

			if err := w.Sync(context.Background()); err != nil {
				t.Fatal(err)
			}

			failed := filepath.Join(dir, RequestsDir, FailedDir, "req.yaml")
			if got := readResult(t, failed); !strings.Contains(got, tt.wantMsg) {
				t.Errorf("result = %q, want it to contain %q", got, tt.wantMsg)
			}
		})
	}
}

// TestBlueprintFromStore tests that requests resolve blueprints saved earlier.
func TestBlueprintFromStore(t *testing.T) {
	w, manager, bps, dir := newTestWatcher(t)

	spec, err := config.NewLoader().ParseBlueprint([]byte(testBlueprint), config.FormatYAML, "bp.yaml")
	if err != nil {
		t.Fatal(err)
	}
	rec, err := config.BlueprintRecord(spec)
	if err != nil {
		t.Fatal(err)
	}
	_ = bps.UpsertBlueprint(context.Background(), rec)

	writeFile(t, filepath.Join(dir, RequestsDir, "c1.json"),
		`{"type": "PROVISION", "cluster_name": "c1", "blueprint": "hdfs", "host_groups": [{"name": "master", "host_count": 1}]}`)
	if err := w.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, _, n := manager.snapshot(); n != 1 {
		t.Fatalf("requests = %d, want 1", n)
	}
	if manager.requests[0].Blueprint.Stack.Name != "HDP" {
		t.Errorf("blueprint = %+v", manager.requests[0].Blueprint)
	}
}

// TestRunWatchesSpool tests live registration, removal and submission.
func TestRunWatchesSpool(t *testing.T) {
	w, manager, _, dir := newTestWatcher(t)
	metrics := &countingRecorder{changes: make(map[string]int)}
	w.SetMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() error: %v", err)
		}
	}()

	// Give the watcher time to register its directories.
	time.Sleep(100 * time.Millisecond)

	hostPath, err := WriteHost(dir, engine.Host{Name: "w1.example.com", Attributes: map[string]string{"rack": "r2"}})
	if err != nil {
		t.Fatalf("WriteHost() error: %v", err)
	}
	waitFor(t, "host registration", func() bool {
		registered, _, _ := manager.snapshot()
		return len(registered) == 1
	})

	if err := os.Remove(hostPath); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "host removal", func() bool {
		_, removed, _ := manager.snapshot()
		return reflect.DeepEqual(removed, []string{"w1.example.com"})
	})

	bpFile := filepath.Join(t.TempDir(), "hdfs.yaml")
	writeFile(t, bpFile, testBlueprint)
	if _, err := SubmitFile(dir, BlueprintsDir, bpFile); err != nil {
		t.Fatal(err)
	}
	reqFile := filepath.Join(t.TempDir(), "c1.yaml")
	writeFile(t, reqFile, testRequest)
	if _, err := SubmitFile(dir, RequestsDir, reqFile); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "request submission", func() bool {
		_, _, n := manager.snapshot()
		return n == 1
	})

	processed := filepath.Join(dir, RequestsDir, ProcessedDir, "c1.yaml")
	waitFor(t, "request result", func() bool {
		_, err := os.Stat(processed + ResultSuffix)
		return err == nil
	})
	if metrics.count("add") != 1 || metrics.count("remove") != 1 {
		t.Errorf("registrations = %v", metrics.changes)
	}
}

// TestRenamedHostDocument tests that changing a host file's name field
// replaces the old host.
func TestRenamedHostDocument(t *testing.T) {
	w, manager, _, dir := newTestWatcher(t)
	path := filepath.Join(dir, HostsDir, "node.yaml")
	ctx := context.Background()

	writeFile(t, path, "name: old.example.com\n")
	w.changed(ctx, path)
	writeFile(t, path, "name: new.example.com\n")
	w.changed(ctx, path)

	registered, removed, _ := manager.snapshot()
	if !reflect.DeepEqual(registered, []string{"old.example.com", "new.example.com"}) {
		t.Errorf("registered = %v", registered)
	}
	if !reflect.DeepEqual(removed, []string{"old.example.com"}) {
		t.Errorf("removed = %v", removed)
	}
}

// TestSpoolHelpers tests the spool writers used by the CLI.
func TestSpoolHelpers(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteHost(dir, engine.Host{Name: "h1", Attributes: map[string]string{"os_type": "redhat8"}})
	if err != nil {
		t.Fatalf("WriteHost() error: %v", err)
	}
	host, err := config.NewLoader().LoadHost(path)
	if err != nil {
		t.Fatalf("LoadHost() error: %v", err)
	}
	if host.Name != "h1" || host.Attributes["os_type"] != "redhat8" {
		t.Errorf("host = %+v", host)
	}

	if _, err := WriteHost(dir, engine.Host{}); err == nil {
		t.Error("expected error for unnamed host")
	}
	if err := RemoveHost(dir, "h1"); err != nil {
		t.Errorf("RemoveHost() error: %v", err)
	}
	if err := RemoveHost(dir, "h1"); err == nil {
		t.Error("expected error removing a missing host")
	}
	if _, err := SubmitFile(dir, RequestsDir, "request.txt"); err == nil {
		t.Error("expected error for unsupported extension")
	}

	entries, _ := os.ReadDir(filepath.Join(dir, HostsDir))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}
