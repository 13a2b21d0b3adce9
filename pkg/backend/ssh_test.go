package backend

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/topology/pkg/engine"
	"github.com/openfroyo/topology/pkg/stack"
	"github.com/openfroyo/topology/pkg/telemetry"
	"github.com/openfroyo/topology/pkg/transports/ssh"
)

const testStack = `
name: HDP
version: "2.6"
services:
  - name: HDFS
    components:
      - name: NAMENODE
        category: MASTER
        cardinality: "1"
        commands:
          INSTALL: yum install -y hadoop-hdfs-namenode
          START: HADOOP_CONF_DIR={{.ConfigDir}} REPLICATION={{index .Config "hdfs-site" "dfs.replication"}} systemctl start {{.Service}}-{{.Component}}
      - name: HDFS_CLIENT
        category: CLIENT
      - name: DATANODE
        category: SLAVE
        commands:
          INSTALL: "{{.Broken"
`

// fakeTransport records what it was asked to do.
type fakeTransport struct {
	mu       sync.Mutex
	runs     []string
	uploads  map[string]string
	modes    map[string]os.FileMode
	runErr   error
	exitCode int
}

func (f *fakeTransport) Connect(context.Context) error { return nil }

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) Run(_ context.Context, cmd string, _ []byte) (*ssh.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, cmd)
	res := &ssh.ExecResult{ExitCode: f.exitCode, Duration: time.Millisecond}
	if f.runErr != nil {
		res.Stderr = "No package available"
	}
	return res, f.runErr
}

func (f *fakeTransport) Upload(_ context.Context, content []byte, remotePath string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[remotePath] = string(content)
	f.modes[remotePath] = mode
	return nil
}

// fakeDialer hands out one fakeTransport per host.
type fakeDialer struct {
	mu         sync.Mutex
	transports map[string]*fakeTransport
	err        error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{transports: make(map[string]*fakeTransport)}
}

func (d *fakeDialer) Get(_ context.Context, host string) (ssh.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.host(host), nil
}

func (d *fakeDialer) host(host string) *fakeTransport {
	t, ok := d.transports[host]
	if !ok {
		t = &fakeTransport{uploads: make(map[string]string), modes: make(map[string]os.FileMode)}
		d.transports[host] = t
	}
	return t
}

func newTestSSHBackend(t *testing.T) (*SSHBackend, *fakeDialer) {
	t.Helper()

	def, err := stack.Parse([]byte(testStack))
	if err != nil {
		t.Fatalf("stack.Parse() error: %v", err)
	}
	registry := stack.NewRegistry()
	if _, err := registry.Register(def); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	dialer := newFakeDialer()
	return NewSSHBackend(SSHBackendConfig{ConfigDir: "/etc/hdp"}, dialer, registry, zerolog.Nop()), dialer
}

var hdp = engine.StackRef{Name: "HDP", Version: "2.6"}

// TestSSHBackendPrepareAndConfigure tests host preparation and config upload.
func TestSSHBackendPrepareAndConfigure(t *testing.T) {
	b, dialer := newTestSSHBackend(t)
	ctx := context.Background()

	if err := b.Execute(ctx, &engine.HostCommand{Type: engine.TaskResourceCreation, Cluster: "c1", Host: "m1", Stack: hdp}); err != nil {
		t.Fatalf("RESOURCE_CREATION error: %v", err)
	}
	err := b.Execute(ctx, &engine.HostCommand{
		Type:      engine.TaskConfigure,
		Cluster:   "c1",
		Blueprint: "hdfs",
		HostGroup: "master",
		Host:      "m1",
		Stack:     hdp,
		Configuration: map[string]map[string]string{
			"hdfs-site":  {"dfs.replication": "3", "dfs.namenode.http-address": "m1:50070"},
			"hadoop-env": {"content": "export A=1\nexport B=2"},
		},
	})
	if err != nil {
		t.Fatalf("CONFIGURE error: %v", err)
	}

	m1 := dialer.host("m1")
	if want := []string{"mkdir -p '/etc/hdp/c1'"}; !reflect.DeepEqual(m1.runs, want) {
		t.Errorf("runs = %v, want %v", m1.runs, want)
	}

	wantSite := "dfs.namenode.http-address=m1:50070\ndfs.replication=3\n"
	if got := m1.uploads["/etc/hdp/c1/hdfs-site.properties"]; got != wantSite {
		t.Errorf("hdfs-site.properties = %q, want %q", got, wantSite)
	}
	if got := m1.uploads["/etc/hdp/c1/hadoop-env.properties"]; got != `content=export A=1\nexport B=2`+"\n" {
		t.Errorf("hadoop-env.properties = %q", got)
	}
	if got := m1.modes["/etc/hdp/c1/hdfs-site.properties"]; got != 0640 {
		t.Errorf("mode = %v, want 0640", got)
	}
	if got := m1.uploads["/etc/hdp/c1/config-group.properties"]; got != "cluster=c1\ngroup=hdfs:master\n" {
		t.Errorf("config-group.properties = %q", got)
	}
}

// TestSSHBackendComponentCommands tests template rendering for INSTALL and START.
func TestSSHBackendComponentCommands(t *testing.T) {
	b, dialer := newTestSSHBackend(t)
	ctx := context.Background()

	if err := b.SetClusterConfiguration(ctx, "c1", "INITIAL", map[string]map[string]string{"hdfs-site": {"dfs.replication": "%unresolved%"}}); err != nil {
		t.Fatal(err)
	}
	if err := b.SetClusterConfiguration(ctx, "c1", "TOPOLOGY_RESOLVED", map[string]map[string]string{"hdfs-site": {"dfs.replication": "2"}}); err != nil {
		t.Fatal(err)
	}

	for _, taskType := range []engine.TaskType{engine.TaskInstall, engine.TaskStart} {
		cmd := &engine.HostCommand{Type: taskType, Cluster: "c1", Host: "m1", Component: "NAMENODE", Stack: hdp}
		if err := b.Execute(ctx, cmd); err != nil {
			t.Fatalf("%s error: %v", taskType, err)
		}
	}
	// No START command for a client component.
	if err := b.Execute(ctx, &engine.HostCommand{Type: engine.TaskStart, Cluster: "c1", Host: "m1", Component: "HDFS_CLIENT", Stack: hdp}); err != nil {
		t.Fatalf("client START error: %v", err)
	}

	want := []string{
		"yum install -y hadoop-hdfs-namenode",
		"HADOOP_CONF_DIR=/etc/hdp/c1 REPLICATION=2 systemctl start HDFS-NAMENODE",
	}
	if got := dialer.host("m1").runs; !reflect.DeepEqual(got, want) {
		t.Errorf("runs = %q, want %q", got, want)
	}
}

// TestSSHBackendErrors tests error classification.
func TestSSHBackendErrors(t *testing.T) {
	tests := []struct {
		name          string
		cmd           *engine.HostCommand
		setup         func(d *fakeDialer)
		wantTransient bool
		wantCode      string
	}{
		{
			name:     "unknown stack",
			cmd:      &engine.HostCommand{Type: engine.TaskInstall, Host: "m1", Component: "NAMENODE", Stack: engine.StackRef{Name: "HDP", Version: "9"}},
			wantCode: engine.ErrCodeNotFound,
		},
		{
			name:     "broken template",
			cmd:      &engine.HostCommand{Type: engine.TaskInstall, Host: "w1", Component: "DATANODE", Stack: hdp},
			wantCode: engine.ErrCodeValidation,
		},
		{
			name:     "unsupported task type",
			cmd:      &engine.HostCommand{Type: "DECOMMISSION", Host: "w1", Stack: hdp},
			wantCode: engine.ErrCodeValidation,
		},
		{
			name: "connection refused",
			cmd:  &engine.HostCommand{Type: engine.TaskInstall, Host: "m1", Component: "NAMENODE", Stack: hdp},
			setup: func(d *fakeDialer) {
				d.err = &ssh.TransportError{Op: "connect", Host: "m1", Err: errors.New("connection refused"), IsTemporary: true}
			},
			wantTransient: true,
			wantCode:      engine.ErrCodeBackendFailed,
		},
		{
			name: "command exit status",
			cmd:  &engine.HostCommand{Type: engine.TaskInstall, Host: "m1", Component: "NAMENODE", Stack: hdp},
			setup: func(d *fakeDialer) {
				tr := d.host("m1")
				tr.exitCode = 1
				tr.runErr = &ssh.TransportError{Op: "exec", Host: "m1", Err: errors.New("command exited with code 1")}
			},
			wantCode: engine.ErrCodeBackendFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, dialer := newTestSSHBackend(t)
			if tt.setup != nil {
				tt.setup(dialer)
			}

			err := b.Execute(context.Background(), tt.cmd)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := engine.IsTransient(err); got != tt.wantTransient {
				t.Errorf("IsTransient() = %v, want %v (%v)", got, tt.wantTransient, err)
			}
			if got := engine.ErrorCode(err); got != tt.wantCode {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

// TestSSHBackendExitDetails tests that exit code and stderr are kept.
func TestSSHBackendExitDetails(t *testing.T) {
	b, dialer := newTestSSHBackend(t)
	tr := dialer.host("m1")
	tr.exitCode = 1
	tr.runErr = &ssh.TransportError{Op: "exec", Host: "m1", Err: errors.New("command exited with code 1")}

	err := b.Execute(context.Background(), &engine.HostCommand{Type: engine.TaskInstall, Host: "m1", Component: "NAMENODE", Stack: hdp})

	var engErr *engine.EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("expected *engine.EngineError, got %T", err)
	}
	if engErr.Details["exit_code"] != 1 {
		t.Errorf("exit_code = %v, want 1", engErr.Details["exit_code"])
	}
	if engErr.Details["stderr"] != "No package available" {
		t.Errorf("stderr = %v", engErr.Details["stderr"])
	}
	if engErr.Operation != string(engine.TaskInstall) {
		t.Errorf("Operation = %q, want INSTALL", engErr.Operation)
	}
}

// TestSSHBackendCreateClusterResources tests stack validation on cluster creation.
func TestSSHBackendCreateClusterResources(t *testing.T) {
	b, _ := newTestSSHBackend(t)
	ctx := context.Background()

	if err := b.CreateClusterResources(ctx, "c1", hdp, map[string][]string{"HDFS": {"NAMENODE"}}); err != nil {
		t.Errorf("CreateClusterResources() error = %v", err)
	}
	if err := b.CreateClusterResources(ctx, "c1", engine.StackRef{Name: "XYZ", Version: "1"}, nil); err == nil {
		t.Error("expected error for unknown stack")
	}
}

// TestSSHBackendSpans tests that each command gets a span.
func TestSSHBackendSpans(t *testing.T) {
	b, dialer := newTestSSHBackend(t)
	recorder := tracetest.NewSpanRecorder()
	b.SetTracer(telemetry.NewTracerWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)), "test"))

	ctx := context.Background()
	_ = b.Execute(ctx, &engine.HostCommand{TaskID: "t1", Type: engine.TaskInstall, Host: "m1", Component: "NAMENODE", Stack: hdp})
	dialer.host("m1").runErr = errors.New("broken pipe")
	_ = b.Execute(ctx, &engine.HostCommand{TaskID: "t2", Type: engine.TaskStart, Host: "m1", Component: "NAMENODE", Stack: hdp})

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	for i, wantErr := range []bool{false, true} {
		s := spans[i]
		if s.Name() != "backend.execute" {
			t.Errorf("span %d name = %q", i, s.Name())
		}
		hasErr := s.Status().Code == codes.Error
		if hasErr != wantErr {
			t.Errorf("span %d error status = %v, want %v", i, hasErr, wantErr)
		}
	}
}

// TestRenderProperties tests properties rendering.
func TestRenderProperties(t *testing.T) {
	got := string(RenderProperties(map[string]string{
		"b":    "2",
		"a":    `C:\data`,
		"text": "line1\nline2",
	}))
	want := "a=C:\\\\data\nb=2\ntext=line1\\nline2\n"
	if got != want {
		t.Errorf("RenderProperties() = %q, want %q", got, want)
	}
	if len(RenderProperties(nil)) != 0 {
		t.Error("expected empty output for no properties")
	}
}
