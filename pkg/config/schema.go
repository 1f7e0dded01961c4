package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed matrix.schema.json
var matrixSchemaJSON []byte

const matrixSchemaURL = "https://relgate.schemas.local/matrix.schema.json"

var (
	matrixSchemaOnce sync.Once
	matrixSchema     *jsonschema.Schema
	matrixSchemaErr  error
)

func compiledMatrixSchema() (*jsonschema.Schema, error) {
	matrixSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(matrixSchemaURL, bytes.NewReader(matrixSchemaJSON)); err != nil {
			matrixSchemaErr = fmt.Errorf("matrix schema load failed: %w", err)
			return
		}
		matrixSchema, matrixSchemaErr = c.Compile(matrixSchemaURL)
	})
	return matrixSchema, matrixSchemaErr
}

// schemaProblems validates a JSON-shaped document and flattens the
// validation tree into one line per failing leaf.
func schemaProblems(doc any) ([]string, error) {
	s, err := compiledMatrixSchema()
	if err != nil {
		return nil, err
	}
	err = s.Validate(doc)
	if err == nil {
		return nil, nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return nil, err
	}
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("schema: %s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out, nil
}
