package protocol

import (
	"bytes"
	"encoding/json"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed envelope.schema.json
var envelopeSchemaJson []byte

var envelopeSchema = sync.OnceValue(func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	err := compiler.AddResource("envelope.schema.json", bytes.NewReader(envelopeSchemaJson))
	if err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("envelope.schema.json")
	if err != nil {
		panic(err)
	}
	return schema
})

// ValidateEnvelope checks a raw frame against the envelope schema
// before it is decoded. Used on server ingress where frames arrive
// from arbitrary clients.
func ValidateEnvelope(b []byte) error {
	var instance any
	if err := json.Unmarshal(b, &instance); err != nil {
		return err
	}
	return envelopeSchema().Validate(instance)
}
