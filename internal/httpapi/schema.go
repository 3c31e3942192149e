package httpapi

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*
var schemaFiles embed.FS

func loadSchemaFile(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(u.Path)
}

func init() {
	jsonschema.Loaders["embedFS"] = loadSchemaFile
}

var filterSchema = mustCompile("embedFS://schemas/filter.schema.json")

func mustCompile(uri string) *jsonschema.Schema {
	s, err := jsonschema.Compile(uri)
	if err != nil {
		panic(fmt.Sprintf("httpapi: compile %s: %v", uri, err))
	}
	return s
}

// validateFilterJSON checks raw against the filter request schema
// before it is unmarshaled into a wireRequest (spec.md §6 "Filter
// JSON"). Schema violations surface as BadRequest, matching the
// teacher's pkg/schema.Validate shape.
func validateFilterJSON(raw []byte) error {
	var v interface{}
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return fmt.Errorf("decode filter json: %w", err)
	}
	if err := filterSchema.Validate(v); err != nil {
		return fmt.Errorf("filter json: %w", err)
	}
	return nil
}
