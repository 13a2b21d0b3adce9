package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/topology/pkg/engine"
	"github.com/openfroyo/topology/pkg/stack"
)

// Loader decodes and validates blueprint, topology request and stack
// documents. It is safe for concurrent use.
type Loader struct {
	mu        sync.Mutex
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a loader with the built-in schemas.
func NewLoader() *Loader {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Loader{
		schemas:   NewSchemaRegistry(),
		validator: v,
	}
}

// Schemas returns the schema registry used for CUE documents.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// LoadBlueprint reads a blueprint document from a file.
func (l *Loader) LoadBlueprint(path string) (*engine.BlueprintSpec, error) {
	data, format, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	return l.ParseBlueprint(data, format, path)
}

// ParseBlueprint decodes and validates a blueprint document.
func (l *Loader) ParseBlueprint(data []byte, format Format, source string) (*engine.BlueprintSpec, error) {
	var spec engine.BlueprintSpec
	if err := l.decode(KindBlueprint, source, data, format, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadTopologyRequest reads a provision or scale request from a file.
func (l *Loader) LoadTopologyRequest(path string) (*engine.TopologyRequestSpec, error) {
	data, format, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	return l.ParseTopologyRequest(data, format, path)
}

// ParseTopologyRequest decodes and validates a topology request document.
func (l *Loader) ParseTopologyRequest(data []byte, format Format, source string) (*engine.TopologyRequestSpec, error) {
	var spec engine.TopologyRequestSpec
	if err := l.decode(KindRequest, source, data, format, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadStack reads a stack definition from a file.
func (l *Loader) LoadStack(path string) (*stack.Definition, error) {
	data, format, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	return l.ParseStack(data, format, path)
}

// ParseStack decodes and validates a stack definition.
func (l *Loader) ParseStack(data []byte, format Format, source string) (*stack.Definition, error) {
	var def stack.Definition
	if err := l.decode(KindStack, source, data, format, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadHost reads a host registration document from a file.
func (l *Loader) LoadHost(path string) (*engine.Host, error) {
	data, format, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	return l.ParseHost(data, format, path)
}

// ParseHost decodes and validates a host registration document.
func (l *Loader) ParseHost(data []byte, format Format, source string) (*engine.Host, error) {
	var host engine.Host
	if err := l.decode(KindHost, source, data, format, &host); err != nil {
		return nil, err
	}
	return &host, nil
}

// LoadStackDir registers every stack document of dir in registry, in file
// name order. Files with unknown extensions are skipped.
func (l *Loader) LoadStackDir(dir string, registry *stack.Registry) ([]engine.StackRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read stack directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var refs []engine.StackRef
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if _, err := DetectFormat(path); err != nil {
			continue
		}
		def, err := l.LoadStack(path)
		if err != nil {
			return refs, err
		}
		if _, err := registry.Register(def); err != nil {
			return refs, fmt.Errorf("failed to register %s: %w", path, err)
		}
		refs = append(refs, def.Ref())
	}
	return refs, nil
}

// ValidateStruct checks the validate tags of a decoded document.
func (l *Loader) ValidateStruct(kind Kind, source string, v any) error {
	err := l.validator.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("failed to validate %s document: %w", kind, err)
	}
	docErr := &DocumentError{Kind: kind, Source: source}
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		docErr.Errors = append(docErr.Errors, ValidationError{
			File:    source,
			Path:    fieldPath(fe.Namespace()),
			Message: fmt.Sprintf("failed %q validation", rule),
		})
	}
	return docErr
}

func (l *Loader) decode(kind Kind, source string, data []byte, format Format, out any) error {
	fail := func(err error) error {
		return &DocumentError{Kind: kind, Source: source, Errors: []ValidationError{{File: source, Message: err.Error()}}}
	}

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(out); err != nil {
			if errors.Is(err, io.EOF) {
				return fail(fmt.Errorf("document is empty"))
			}
			return fail(err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(out); err != nil {
			return fail(err)
		}
	case FormatCUE:
		if errs := l.decodeCUE(kind, source, data, out); len(errs) > 0 {
			return &DocumentError{Kind: kind, Source: source, Errors: errs}
		}
	default:
		return fmt.Errorf("unsupported document format %q", format)
	}

	return l.ValidateStruct(kind, source, out)
}

// decodeCUE compiles a CUE document, unifies it with the schema of kind
// and decodes the concrete result.
func (l *Loader) decodeCUE(kind Kind, source string, data []byte, out any) []ValidationError {
	l.mu.Lock()
	defer l.mu.Unlock()

	val := l.schemas.Context().CompileBytes(data, cue.Filename(source))
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}
	unified, err := l.schemas.Unify(kind, val)
	if err != nil {
		return convertCUEErrors(err)
	}
	if err := unified.Decode(out); err != nil {
		return []ValidationError{{File: source, Message: fmt.Sprintf("failed to decode: %v", err)}}
	}
	return nil
}

// convertCUEErrors flattens a CUE error list into validation errors.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func readDocument(path string) ([]byte, Format, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, format, nil
}
