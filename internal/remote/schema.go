package remote

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed response.schema.json
var responseSchemaJSON []byte

const responseSchemaURL = "relaysync://remote/response.schema.json"

var (
	responseSchemaOnce sync.Once
	responseSchema     *jsonschema.Schema
	responseSchemaErr  error
)

func compiledResponseSchema() (*jsonschema.Schema, error) {
	responseSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(responseSchemaJSON))
		if err != nil {
			responseSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(responseSchemaURL, doc); err != nil {
			responseSchemaErr = err
			return
		}
		responseSchema, responseSchemaErr = compiler.Compile(responseSchemaURL)
	})
	return responseSchema, responseSchemaErr
}

// validateResponse checks a 2xx body against the response contract before it
// is decoded.
func validateResponse(body []byte) error {
	schema, err := compiledResponseSchema()
	if err != nil {
		return fmt.Errorf("compile response schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
