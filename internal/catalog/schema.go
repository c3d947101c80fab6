package catalog

import (
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/*.json
var schemaFS embed.FS

// ErrInvalidDocument is returned when a catalog document fails its schema.
var ErrInvalidDocument = errors.New("invalid catalog document")

var (
	schemasOnce sync.Once
	schemas     map[string]*gojsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[string]*gojsonschema.Schema, error) {
	schemasOnce.Do(func() {
		schemas = map[string]*gojsonschema.Schema{}
		for _, kind := range []string{"questions", "teachers"} {
			data, err := schemaFS.ReadFile("schema/" + kind + ".json")
			if err != nil {
				schemasErr = err
				return
			}
			s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
			if err != nil {
				schemasErr = fmt.Errorf("compiling %s schema: %w", kind, err)
				return
			}
			schemas[kind] = s
		}
	})
	return schemas, schemasErr
}

// Validate checks a decoded document against the schema of its kind.
func Validate(doc map[string]any) error {
	all, err := loadSchemas()
	if err != nil {
		return err
	}

	kind, _ := doc["kind"].(string)
	schema, ok := all[kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDocument, kind)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validating %s document: %w", kind, err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(msgs, "; "))
}
