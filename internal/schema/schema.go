// Package schema validates entity payloads against CUE definitions before
// they are sent or queued.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/roach88/fieldsync/internal/model"
)

//go:embed entities.cue
var entitiesCUE string

// definitions maps entity types to their CUE definition.
var definitions = map[string]string{
	model.EntityCustomer:    "#Customer",
	model.EntityOrder:       "#Order",
	model.EntityProduct:     "#Product",
	model.EntityVisit:       "#Visit",
	model.EntityExpenditure: "#Expenditure",
	model.EntityCategory:    "#Category",
	model.EntitySalesRep:    "#SalesRep",
}

// FieldError is one schema violation.
type FieldError struct {
	Path    string
	Message string
}

// ValidationError lists every violation found in a payload.
type ValidationError struct {
	EntityType string
	Fields     []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Path != "" {
			parts = append(parts, f.Path+": "+f.Message)
		} else {
			parts = append(parts, f.Message)
		}
	}
	return fmt.Sprintf("invalid %s: %s", e.EntityType, strings.Join(parts, "; "))
}

// Validator checks payloads against the embedded definitions.
// cue.Context is not safe for concurrent use, so calls are serialized.
type Validator struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[string]cue.Value
}

// New compiles the embedded definitions.
func New() (*Validator, error) {
	return NewFromSource("entities.cue", entitiesCUE, definitions)
}

// NewFromSource compiles src and binds each entity type to the named definition.
func NewFromSource(filename, src string, defs map[string]string) (*Validator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(src, cue.Filename(filename))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", formatCUEError(err))
	}

	v := &Validator{ctx: ctx, defs: make(map[string]cue.Value, len(defs))}
	for entityType, name := range defs {
		def := root.LookupPath(cue.ParsePath(name))
		if !def.Exists() {
			return nil, fmt.Errorf("schema for %s: definition %s not found", entityType, name)
		}
		v.defs[entityType] = def
	}
	return v, nil
}

// Known reports whether entityType has a schema.
func (v *Validator) Known(entityType string) bool {
	_, ok := v.defs[entityType]
	return ok
}

// Validate checks payload for a mutation of kind. Deletes carry no payload and
// always pass; entity types without a schema accept any JSON object.
//
// Malformed JSON returns a SERIALIZATION error; schema violations return an
// APPLICATION_REJECTED error wrapping *ValidationError.
func (v *Validator) Validate(entityType string, kind model.OpKind, payload json.RawMessage) error {
	if kind == model.OpDelete {
		return nil
	}
	decoded, err := model.DecodePayload(payload)
	if err != nil {
		return err
	}
	if _, ok := decoded.(map[string]any); !ok {
		return model.NewError(model.ErrCodeRejected, "payload must be a JSON object",
			&ValidationError{EntityType: entityType, Fields: []FieldError{{Message: "payload must be a JSON object"}}})
	}

	def, ok := v.defs[entityType]
	if !ok {
		return nil
	}

	expr, err := cuejson.Extract(entityType+".json", payload)
	if err != nil {
		return model.NewError(model.ErrCodeSerialization, "invalid payload", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	val := v.ctx.BuildExpr(expr)
	if err := val.Err(); err != nil {
		return model.NewError(model.ErrCodeSerialization, "invalid payload", err)
	}
	if err := def.Unify(val).Validate(cue.Concrete(true), cue.All()); err != nil {
		verr := &ValidationError{EntityType: entityType, Fields: fieldErrors(err)}
		return model.NewError(model.ErrCodeRejected, verr.Error(), verr)
	}
	return nil
}

func fieldErrors(err error) []FieldError {
	var out []FieldError
	seen := map[string]bool{}
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		fe := FieldError{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		}
		key := fe.Path + "\x00" + fe.Message
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, fe)
	}
	if len(out) == 0 {
		out = append(out, FieldError{Message: err.Error()})
	}
	return out
}

// formatCUEError keeps the first error with its position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if pos := errors.Positions(first); len(pos) > 0 {
		return fmt.Errorf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), first.Error())
	}
	return first
}
