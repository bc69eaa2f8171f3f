package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce   sync.Once
	schemaResult []byte
	schemaErr    error
)

// JSONSchema renders the JSON Schema of the configuration file. The yaml
// field tags drive the property names so the schema matches what Load
// accepts.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		reflector := &jsonschema.Reflector{FieldNameTag: "yaml"}
		schemaResult, schemaErr = json.MarshalIndent(reflector.Reflect(&Config{}), "", "  ")
	})
	return schemaResult, schemaErr
}
