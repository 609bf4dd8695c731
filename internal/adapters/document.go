package adapters

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/solatis/redirector/internal/types"
)

//go:embed schema.json
var documentSchema []byte

var schemaLoader = gojsonschema.NewBytesLoader(documentSchema)

type document struct {
	Redirects []redirect `json:"redirects" yaml:"redirects"`
}

type redirect struct {
	Sources     []source `json:"sources" yaml:"sources"`
	Destination string   `json:"destination" yaml:"destination"`
	Status      int      `json:"status" yaml:"status"`
	Description string   `json:"description" yaml:"description"`
}

type source struct {
	Type  string `json:"type" yaml:"type"`
	Value string `json:"value" yaml:"value"`
}

// ParseJSON reads a {"redirects": [...]} document after checking it
// against the embedded schema.
func ParseJSON(r io.Reader) ([]types.CandidateRule, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read json: %w", err)
	}
	if err := validateDocument(gojsonschema.NewBytesLoader(data)); err != nil {
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal redirects: %w", err)
	}
	return doc.candidates(), nil
}

// ParseYAML reads the YAML spelling of the JSON document. It is checked
// against the same schema.
func ParseYAML(r io.Reader) ([]types.CandidateRule, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read yaml: %w", err)
	}

	var generic map[string]interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	if generic == nil {
		return nil, nil
	}
	if err := validateDocument(gojsonschema.NewGoLoader(generic)); err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal redirects: %w", err)
	}
	return doc.candidates(), nil
}

func validateDocument(doc gojsonschema.JSONLoader) error {
	result, err := gojsonschema.Validate(schemaLoader, doc)
	if err != nil {
		return fmt.Errorf("failed to validate redirects against schema: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("redirects validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func (d document) candidates() []types.CandidateRule {
	out := make([]types.CandidateRule, 0, len(d.Redirects))
	for _, r := range d.Redirects {
		sources := make([]types.SourcePattern, 0, len(r.Sources))
		for _, s := range r.Sources {
			sources = append(sources, types.SourcePattern{
				Type:  patternType(s.Type, s.Value),
				Value: s.Value,
			})
		}
		out = append(out, types.CandidateRule{
			Sources:     sources,
			Destination: r.Destination,
			StatusCode:  types.StatusCode(r.Status),
			Description: r.Description,
		})
	}
	return out
}
