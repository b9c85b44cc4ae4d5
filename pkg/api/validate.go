package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// maxBodyBytes bounds every JSON request body. Signature payloads are
// opaque blobs and may be a few hundred kilobytes.
const maxBodyBytes = 2 << 20

// Schema is a compiled JSON Schema used to validate request bodies before
// they are decoded into typed structs.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// CompileSchema compiles a Draft 2020-12 schema document.
func CompileSchema(name, doc string) (*Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://multisigner.dev/schemas/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("schema %s load failed: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// MustCompileSchema is CompileSchema for package-level embedded schemas.
func MustCompileSchema(name, doc string) *Schema {
	s, err := CompileSchema(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// DecodeJSON reads the request body, validates it against schema (if not
// nil) and decodes it into dst. A returned error is safe to show the client.
func DecodeJSON(r *http.Request, schema *Schema, dst any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(raw) > maxBodyBytes {
		return errors.New("request body too large")
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	if schema != nil {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
		if err := schema.compiled.Validate(doc); err != nil {
			var ve *jsonschema.ValidationError
			if errors.As(err, &ve) {
				return fmt.Errorf("%s: %s", schema.name, describe(ve))
			}
			return fmt.Errorf("%s: %w", schema.name, err)
		}
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// describe returns the most specific validation failure.
func describe(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s %s", loc, ve.Message)
}
