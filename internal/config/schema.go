package config

import (
	"bytes"
	_ "embed"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var configSchemaJSON []byte

var (
	configSchema     *jsonschema.Schema
	configSchemaOnce sync.Once
	configSchemaErr  error
)

// compiledConfigSchema compiles the config JSON Schema once. loadConfigFromFile
// validates the TOML-decoded map against it before type-assigning into
// Config, the same shape validation the envelope gets at the
// internal/signal boundary — catching a typo'd key or wrong-typed value as
// a schema error instead of a silently-ignored or zero-valued field.
func compiledConfigSchema() (*jsonschema.Schema, error) {
	configSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("config.schema.json", bytes.NewReader(configSchemaJSON)); err != nil {
			configSchemaErr = err
			return
		}
		configSchema, configSchemaErr = compiler.Compile("config.schema.json")
	})
	return configSchema, configSchemaErr
}
