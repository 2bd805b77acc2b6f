package config

import (
	"sort"

	"github.com/invopop/jsonschema"
)

// JSONSchemaExtend describes the free-form per-plugin config object.
func (PluginEntry) JSONSchemaExtend(s *jsonschema.Schema) {
	if s.Properties == nil {
		return
	}
	s.Properties.Set("config", &jsonschema.Schema{
		Type:        "object",
		Description: "Handed verbatim to the plugin factory.",
	})
}

var schemaTargets = map[string]struct {
	value       any
	title       string
	description string
}{
	"config": {&Config{}, "companion application config", "Schema for " + AppConfigFile + "."},
	"system": {&SystemConfig{}, "companion system config", "Schema for " + SystemConfigFile + ". Missing values fall back to defaults."},
}

// SchemaNames lists the documents Schema knows.
func SchemaNames() []string {
	names := make([]string, 0, len(schemaTargets))
	for name := range schemaTargets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema reflects the JSON Schema of a config document ("config" or "system").
func Schema(name string) (*jsonschema.Schema, bool) {
	target, ok := schemaTargets[name]
	if !ok {
		return nil, false
	}
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		ExpandedStruct:            true,
	}
	schema := r.Reflect(target.value)
	schema.Title = target.title
	schema.Description = target.description
	// every field is optional; Validate enforces what matters
	schema.Required = nil
	return schema, true
}
