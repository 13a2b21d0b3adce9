package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testRego = `# Groups must be named in lowercase.
# Applies to every topology.
package custom.groupnames

import rego.v1

deny contains msg if {
	some g in input.topology.host_groups
	lower(g.name) != g.name
	msg := sprintf("host group %s must be lowercase", [g.name])
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	policyFile := filepath.Join(t.TempDir(), "group-names.rego")
	writeFile(t, policyFile, testRego)

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "group-names" {
		t.Errorf("Expected name 'group-names', got '%s'", policy.Name)
	}
	if policy.Description != "Groups must be named in lowercase. Applies to every topology." {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
	if !policy.Enabled || policy.Severity != SeverityWarning || policy.Source != policyFile {
		t.Errorf("Unexpected defaults: %+v", policy)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	policyFile := filepath.Join(t.TempDir(), "strict.json")
	writeFile(t, policyFile, `{
  "name": "strict-groups",
  "description": "Group names are lowercase",
  "severity": "error",
  "enabled": true,
  "builtin": true,
  "rego": "package strict\n\nimport rego.v1\n\ndeny contains \"no\" if { false }"
}`)

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "strict-groups" || policy.Severity != SeverityError {
		t.Errorf("Unexpected policy: %+v", policy)
	}
	if policy.Builtin {
		t.Error("Loaded policies are never built-in")
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "unsupported type", file: "policy.txt", content: "x"},
		{name: "invalid json", file: "bad.json", content: "{not json"},
		{name: "json without name", file: "anon.json", content: `{"rego": "package x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)
			if _, err := loader.loadFromFile(path); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.rego"), testRego)
	writeFile(t, filepath.Join(dir, "nested", "a.rego"), testRego)
	writeFile(t, filepath.Join(dir, "notes.md"), "ignored")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")
	single := filepath.Join(t.TempDir(), "single.rego")
	writeFile(t, single, testRego)

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	want := []string{"b", "a", "single"}
	if len(names) != len(want) {
		t.Fatalf("Loaded %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Loaded %v, want %v", names, want)
			break
		}
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected an error for a missing path")
	}
}

func TestLoadPoliciesIntoEngine(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "group-names.rego"), testRego)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	snap := testTopology("c1")
	snap.HostGroups[0].Name = "Master"
	result, err := eng.EvaluateTopology(context.Background(), snap)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	want := "group-names: host group Master must be lowercase"
	found := false
	for _, w := range result.Warnings {
		if w == want {
			found = true
		}
	}
	if !found || !result.Allowed {
		t.Errorf("Expected warning %q, got %+v", want, result)
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{content: "# One line\npackage x", want: "One line"},
		{content: "\n# First\n#\n# Second\npackage x\n# ignored", want: "First Second"},
		{content: "package x\n# late", want: ""},
	}
	for _, tt := range tests {
		if got := extractDescription(tt.content); got != tt.want {
			t.Errorf("extractDescription(%q) = %q, want %q", tt.content, got, tt.want)
		}
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	policyFile := filepath.Join(t.TempDir(), "cached.rego")
	writeFile(t, policyFile, testRego)

	if _, err := loader.loadFromFile(policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Fatalf("Expected 1 cached policy, got %d", len(loader.cache))
	}
	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Error("Cache should be empty")
	}
}

func TestWatchReloads(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	writeFile(t, filepath.Join(dir, "group-names.rego"), testRego)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("group-names"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Policy was not reloaded after the file was written")
}
