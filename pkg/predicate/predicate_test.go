package predicate

import (
	"testing"

	"github.com/openfroyo/topology/pkg/engine"
)

func newTestCompiler(t *testing.T) *Compiler {
	t.Helper()
	c, err := NewCompiler()
	if err != nil {
		t.Fatalf("NewCompiler() error: %v", err)
	}
	return c
}

// TestPredicateMatches tests evaluation against host attributes.
func TestPredicateMatches(t *testing.T) {
	c := newTestCompiler(t)
	host := &engine.Host{
		Name: "dn1.example.com",
		Attributes: map[string]string{
			"os_type":   "centos7",
			"cpu_count": "16",
			"rack":      "r2",
		},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"attribute equality", `host.os_type == "centos7"`, true},
		{"numeric attribute", `int(host.cpu_count) >= 8`, true},
		{"numeric attribute too small", `int(host.cpu_count) > 32`, false},
		{"host name", `name.startsWith("dn")`, true},
		{"list membership", `host.rack in ["r1", "r2"]`, true},
		{"conjunction", `host.os_type == "centos7" && host.rack == "r1"`, false},
		{"missing attribute", `host.gpu == "a100"`, false},
		{"has macro", `has(host.gpu) || host.rack == "r2"`, true},
		{"string extension", `host.os_type.upperAscii() == "CENTOS7"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := c.Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile(%q) error: %v", tt.expr, err)
			}
			got, err := p.Matches(host)
			if err != nil {
				t.Fatalf("Matches() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
			if p.String() != tt.expr {
				t.Errorf("String() = %q", p.String())
			}
		})
	}
}

// TestPredicateCompileErrors tests rejection of invalid expressions.
func TestPredicateCompileErrors(t *testing.T) {
	c := newTestCompiler(t)

	tests := []struct {
		name string
		expr string
	}{
		{"empty", "  "},
		{"syntax", `host.os_type ==`},
		{"unknown variable", `cluster == "c1"`},
		{"not a bool", `host.os_type`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Validate(tt.expr); err == nil {
				t.Errorf("Validate(%q) should fail", tt.expr)
			}
		})
	}
}

// TestPredicateRuntimeError tests that evaluation errors are reported.
func TestPredicateRuntimeError(t *testing.T) {
	c := newTestCompiler(t)
	p, err := c.Compile(`int(host.cpu_count) > 2`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if _, err := p.Matches(&engine.Host{Name: "h1", Attributes: map[string]string{"cpu_count": "many"}}); err == nil {
		t.Error("an unparsable number should fail evaluation")
	}
	ok, err := p.Matches(&engine.Host{Name: "h1"})
	if err != nil || ok {
		t.Errorf("a host without attributes should not match, got %v, %v", ok, err)
	}
}

// TestCompilerCache tests that identical expressions share a program.
func TestCompilerCache(t *testing.T) {
	c := newTestCompiler(t)
	a, _ := c.Compile(`host.rack == "r1"`)
	b, _ := c.Compile(` host.rack == "r1" `)
	if a != b {
		t.Error("identical expressions should be compiled once")
	}
}

// TestCompilerDrivesHostRequests tests the compiler as the engine's predicate compiler.
func TestCompilerDrivesHostRequests(t *testing.T) {
	var compiler engine.PredicateCompiler = newTestCompiler(t)
	p, err := compiler.Compile(`host.rack == "r1"`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if ok, _ := p.Matches(&engine.Host{Name: "h1", Attributes: map[string]string{"rack": "r1"}}); !ok {
		t.Error("host on r1 should match")
	}
}
