package httpapi

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const (
	enqueueSchema = "enqueue.schema.json"
	bulkSchema    = "bulk.schema.json"
)

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		names := []string{enqueueSchema, bulkSchema}
		compiler := jsonschema.NewCompiler()
		for _, name := range names {
			raw, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemasErr = err
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				schemasErr = fmt.Errorf("%s: %w", name, err)
				return
			}
			if err := compiler.AddResource(schemaURL(name), doc); err != nil {
				schemasErr = err
				return
			}
		}
		out := make(map[string]*jsonschema.Schema, len(names))
		for _, name := range names {
			schema, err := compiler.Compile(schemaURL(name))
			if err != nil {
				schemasErr = fmt.Errorf("%s: %w", name, err)
				return
			}
			out[name] = schema
		}
		schemas = out
	})
	return schemas, schemasErr
}

func schemaURL(name string) string {
	return "relaysync://httpapi/" + name
}

// validateBody checks a request body against one of the embedded schemas.
func validateBody(name string, body []byte) error {
	all, err := compiledSchemas()
	if err != nil {
		return fmt.Errorf("compile request schemas: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return all[name].Validate(inst)
}
