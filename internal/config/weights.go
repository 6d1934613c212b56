package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/gatherline/eventpipe/internal/model"
)

// FieldWeight configures completeness scoring for a single record field.
// A zero ConfidenceFloor means the global validation floor applies.
type FieldWeight struct {
	Weight          float64 `yaml:"weight"`
	ConfidenceFloor float64 `yaml:"confidence_floor,omitempty"`
}

// WeightTable maps record field keys to their completeness weights.
type WeightTable struct {
	Fields map[string]FieldWeight `yaml:"fields"`
}

// DefaultWeights returns the built-in weight table. Identity fields (name,
// start time) dominate; presentation fields barely move the score.
func DefaultWeights() *WeightTable {
	return &WeightTable{Fields: map[string]FieldWeight{
		model.FieldName:            {Weight: 0.25},
		model.FieldStartTime:       {Weight: 0.25},
		model.FieldVenue:           {Weight: 0.10},
		model.FieldLocationCity:    {Weight: 0.10},
		model.FieldDescription:     {Weight: 0.10},
		model.FieldEndTime:         {Weight: 0.05},
		model.FieldOrganizer:       {Weight: 0.05},
		model.FieldLocationCountry: {Weight: 0.05},
		model.FieldLocationAddress: {Weight: 0.03},
		model.FieldPrice:           {Weight: 0.01},
		model.FieldImageURL:        {Weight: 0.01},
	}}
}

// LoadWeights reads a weight table from a YAML file and validates it.
func LoadWeights(path string) (*WeightTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read weights %s", path)
	}

	// The YAML has a top-level "weights" key
	var wrapper struct {
		Weights WeightTable `yaml:"weights"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "config: parse weights")
	}

	table := &wrapper.Weights
	if err := table.Validate(); err != nil {
		return nil, err
	}

	return table, nil
}

// Validate rejects empty tables, unknown field keys, and out-of-range
// values. A bad table is a configuration error, not something to score
// around at runtime.
func (t *WeightTable) Validate() error {
	if len(t.Fields) == 0 {
		return eris.New("config: weight table has no fields")
	}

	known := make(map[string]bool, len(model.AllFieldKeys()))
	for _, key := range model.AllFieldKeys() {
		known[key] = true
	}

	for key, fw := range t.Fields {
		if !known[key] {
			return eris.Errorf("config: weight table references unknown field %q", key)
		}
		if fw.Weight <= 0 {
			return eris.Errorf("config: field %q has non-positive weight %v", key, fw.Weight)
		}
		if fw.ConfidenceFloor < 0 || fw.ConfidenceFloor > 1 {
			return eris.Errorf("config: field %q has confidence floor %v outside [0,1]", key, fw.ConfidenceFloor)
		}
	}

	return nil
}

// WeightFor returns the weight for a field, zero when the field is not in
// the table.
func (t *WeightTable) WeightFor(key string) float64 {
	return t.Fields[key].Weight
}

// FloorFor returns the confidence floor for a field, falling back to the
// global floor when the table has no override.
func (t *WeightTable) FloorFor(key string, global float64) float64 {
	if fw, ok := t.Fields[key]; ok && fw.ConfidenceFloor > 0 {
		return fw.ConfidenceFloor
	}
	return global
}

// Total returns the sum of all weights in the table.
func (t *WeightTable) Total() float64 {
	var sum float64
	for _, fw := range t.Fields {
		sum += fw.Weight
	}
	return sum
}
