package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"mediamill/internal/artifact"
	"mediamill/internal/services"
)

// Definition is a reusable pipeline described in a YAML file:
//
//	name: podcast
//	input_kind: video
//	stages:
//	  - name: extract_audio
//	    params:
//	      format: wav
//	  - name: transcribe
//
// Submissions can reference a definition instead of spelling out stages.
type Definition struct {
	Name      string         `yaml:"name"`
	InputKind string         `yaml:"input_kind"`
	Stages    []StageRequest `yaml:"stages"`
}

// LoadDefinition reads and validates a pipeline definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline definition: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes a YAML pipeline definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, services.Wrap(services.ErrValidation, "", "parse pipeline definition",
			"malformed YAML", err)
	}
	if def.Name == "" {
		return nil, services.Wrap(services.ErrValidation, "", "parse pipeline definition",
			"definition needs a name", nil)
	}
	if len(def.Stages) == 0 {
		return nil, services.Wrap(services.ErrValidation, "", "parse pipeline definition",
			fmt.Sprintf("definition %q has no stages", def.Name), nil)
	}
	if def.InputKind != "" {
		if _, ok := artifact.ParseKind(def.InputKind); !ok {
			return nil, services.Wrap(services.ErrValidation, "", "parse pipeline definition",
				fmt.Sprintf("definition %q has unknown input kind %q", def.Name, def.InputKind), nil)
		}
	}
	return &def, nil
}

// Kind returns the declared input kind, defaulting to video.
func (d *Definition) Kind() artifact.Kind {
	if kind, ok := artifact.ParseKind(d.InputKind); ok && d.InputKind != "" {
		return kind
	}
	return artifact.KindVideo
}
