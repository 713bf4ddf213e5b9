package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema of the configuration file, with inline
// properties (no $ref).
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	s := r.Reflect(&Config{})
	s.Title = "flatdb configuration"
	s.Required = nil
	if rel, ok := s.Properties.Get("relational"); ok {
		rel.Required = nil
	}
	return json.MarshalIndent(s, "", "  ")
}
