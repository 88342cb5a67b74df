package signal

import (
	"bytes"
	_ "embed"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var envelopeSchemaJSON []byte

var (
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaOnce sync.Once
	envelopeSchemaErr  error
)

// compiledEnvelopeSchema compiles the envelope JSON Schema once and caches
// it, the same lazy-compile-and-reuse shape as a schema loaded from disk,
// except the schema is embedded in the binary rather than read from
// docs/schema at startup.
func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("envelope.schema.json", bytes.NewReader(envelopeSchemaJSON)); err != nil {
			envelopeSchemaErr = err
			return
		}
		envelopeSchema, envelopeSchemaErr = compiler.Compile("envelope.schema.json")
	})
	return envelopeSchema, envelopeSchemaErr
}
