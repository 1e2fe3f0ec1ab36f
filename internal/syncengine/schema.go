package syncengine

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://ledgersync.local/schemas/"

// payloadSchemaSources only check what dispatch needs to route a call. The
// invoice fields themselves are the server's to judge.
var payloadSchemaSources = map[Kind]string{
	KindCreateInvoice: `{"type": "object"}`,
	KindUpdateInvoice: `{
		"type": "object",
		"required": ["id", "data"],
		"properties": {"id": {"$ref": "#/$defs/id"}},
		"$defs": {"id": {"type": ["string", "integer"], "minLength": 1}}
	}`,
	KindPostInvoice: `{
		"type": "object",
		"required": ["id"],
		"properties": {"id": {"$ref": "#/$defs/id"}},
		"$defs": {"id": {"type": ["string", "integer"], "minLength": 1}}
	}`,
	KindRegisterPayment: `{
		"type": "object",
		"required": ["id", "data"],
		"properties": {"id": {"$ref": "#/$defs/id"}},
		"$defs": {"id": {"type": ["string", "integer"], "minLength": 1}}
	}`,
}

type payloadSchemas map[Kind]*jsonschema.Schema

func compilePayloadSchemas() (payloadSchemas, error) {
	compiler := jsonschema.NewCompiler()
	for kind, source := range payloadSchemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", kind, err)
		}
		if err := compiler.AddResource(schemaBaseURL+string(kind)+".json", doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", kind, err)
		}
	}
	out := make(payloadSchemas, len(payloadSchemaSources))
	for kind := range payloadSchemaSources {
		schema, err := compiler.Compile(schemaBaseURL + string(kind) + ".json")
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", kind, err)
		}
		out[kind] = schema
	}
	return out, nil
}

func (s payloadSchemas) validate(kind Kind, payload []byte) error {
	schema, ok := s[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
