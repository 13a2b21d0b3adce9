package config

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/topology/pkg/engine"
	"github.com/openfroyo/topology/pkg/stores"
)

// BlueprintRecord converts a blueprint document into its stored form.
func BlueprintRecord(spec *engine.BlueprintSpec) (*stores.BlueprintRecord, error) {
	doc, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode blueprint %s: %w", spec.Name, err)
	}
	return &stores.BlueprintRecord{
		Name:          spec.Name,
		SchemaVersion: spec.SchemaVersion,
		StackName:     spec.Stack.Name,
		StackVersion:  spec.Stack.Version,
		Document:      string(doc),
	}, nil
}

// BlueprintFromRecord decodes a stored blueprint.
func BlueprintFromRecord(rec *stores.BlueprintRecord) (*engine.BlueprintSpec, error) {
	var spec engine.BlueprintSpec
	if err := json.Unmarshal([]byte(rec.Document), &spec); err != nil {
		return nil, fmt.Errorf("failed to decode blueprint %s: %w", rec.Name, err)
	}
	return &spec, nil
}
