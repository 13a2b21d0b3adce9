package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Format is the encoding of a document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// DetectFormat returns the format implied by a file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported document extension %q", filepath.Ext(path))
	}
}

// Kind identifies the document schema.
type Kind string

const (
	KindBlueprint Kind = "blueprint"
	KindRequest   Kind = "request"
	KindStack     Kind = "stack"
	KindHost      Kind = "host"
)

// ValidationError is a single problem found in a document.
type ValidationError struct {
	// File is the source file, if known.
	File string `json:"file,omitempty"`

	// Line and Column locate the problem in CUE sources.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Path is the field path (e.g. host_groups[0].components).
	Path string `json:"path,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// DocumentError reports every validation problem of one document.
type DocumentError struct {
	Kind   Kind
	Source string
	Errors []ValidationError
}

func (e *DocumentError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("invalid %s document %s: %s", e.Kind, e.Source, strings.Join(msgs, "; "))
}
