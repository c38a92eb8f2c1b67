package realtime

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Row-level change payloads cross a trust boundary; shape is enforced
// before anything is decoded into domain types so a malformed frame is
// dropped instead of propagating zero values downstream.
const changeEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["data"],
	"properties": {
		"data": {
			"type": "object",
			"required": ["type", "table"],
			"properties": {
				"type": {"enum": ["INSERT", "UPDATE", "DELETE"]},
				"table": {"type": "string", "minLength": 1},
				"schema": {"type": "string"},
				"record": {"type": "object"},
				"old_record": {"type": "object"}
			}
		}
	}
}`

const broadcastSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event", "payload"],
	"properties": {
		"event": {"type": "string", "minLength": 1},
		"payload": {"type": "object"}
	}
}`

var (
	schemaOnce      sync.Once
	schemaErr       error
	changeValidator *jsonschema.Schema
	broadcastVal    *jsonschema.Schema
)

func compileSchemas() error {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for name, text := range map[string]string{
			"change_event.json": changeEventSchema,
			"broadcast.json":    broadcastSchema,
		} {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
			if err != nil {
				schemaErr = fmt.Errorf("realtime: parse schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(name, doc); err != nil {
				schemaErr = fmt.Errorf("realtime: add schema %s: %w", name, err)
				return
			}
		}
		var err error
		if changeValidator, err = compiler.Compile("change_event.json"); err != nil {
			schemaErr = fmt.Errorf("realtime: compile change schema: %w", err)
			return
		}
		if broadcastVal, err = compiler.Compile("broadcast.json"); err != nil {
			schemaErr = fmt.Errorf("realtime: compile broadcast schema: %w", err)
		}
	})
	return schemaErr
}

func validatePayload(schema *jsonschema.Schema, payload []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
