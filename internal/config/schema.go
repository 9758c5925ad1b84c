package config

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Schema returns the embedded CUE schema source.
func Schema() string {
	return schemaCUE
}

// cue.Context is not safe for concurrent use.
var (
	schemaMu  sync.Mutex
	schemaCtx *cue.Context
	schemaDef cue.Value
)

func compiledSchema() (*cue.Context, cue.Value, error) {
	if schemaCtx == nil {
		ctx := cuecontext.New()
		v := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			return nil, cue.Value{}, fmt.Errorf("compile config schema: %w", err)
		}
		def := v.LookupPath(cue.ParsePath("#Config"))
		if !def.Exists() {
			return nil, cue.Value{}, fmt.Errorf("config schema has no #Config")
		}
		schemaCtx, schemaDef = ctx, def
	}
	return schemaCtx, schemaDef, nil
}

// SchemaError lists every schema violation in a document.
type SchemaError struct {
	Issues []string
}

func (e *SchemaError) Error() string {
	return "config does not match schema:\n  " + strings.Join(e.Issues, "\n  ")
}

// ValidateDocument checks a raw YAML document against the schema. An
// empty document is valid.
func ValidateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		return nil
	}
	if _, ok := doc.(map[string]any); !ok {
		return &SchemaError{Issues: []string{fmt.Sprintf("document must be a mapping, got %T", doc)}}
	}

	schemaMu.Lock()
	defer schemaMu.Unlock()

	ctx, def, err := compiledSchema()
	if err != nil {
		return err
	}
	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return schemaError(err)
	}
	return nil
}

func schemaError(err error) *SchemaError {
	var issues []string
	for _, e := range cueerrors.Errors(err) {
		path := strings.Join(e.Path(), ".")
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path != "" {
			msg = path + ": " + msg
		}
		issues = append(issues, msg)
	}
	if len(issues) == 0 {
		issues = []string{err.Error()}
	}
	return &SchemaError{Issues: issues}
}
