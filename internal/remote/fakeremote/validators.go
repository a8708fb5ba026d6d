package fakeremote

import (
	"fmt"
	"strings"

	"github.com/roach88/fieldsync/internal/remote"
)

// UniqueField rejects a payload whose field value is already used by another
// entity of entityType. Comparison is case-insensitive for strings.
func UniqueField(entityType, field string) Validator {
	return func(view View, id string, payload map[string]any) error {
		want, ok := payload[field]
		if !ok {
			return nil
		}
		for _, existing := range view.List(entityType) {
			if remote.EntityID(existing) == id {
				continue
			}
			if sameValue(existing[field], want) {
				return fmt.Errorf("%w: %s %v already exists", ErrValidation, field, want)
			}
		}
		return nil
	}
}

// RequireRef rejects a payload whose field does not name an existing entity
// of refType. Missing or empty fields pass.
func RequireRef(field, refType string) Validator {
	return func(view View, _ string, payload map[string]any) error {
		ref, ok := payload[field].(string)
		if !ok || ref == "" {
			return nil
		}
		if _, found := view.Get(refType, ref); !found {
			return fmt.Errorf("%w: %s references unknown %s %q", ErrValidation, field, refType, ref)
		}
		return nil
	}
}

// RequireFields rejects payloads missing any of fields.
func RequireFields(fields ...string) Validator {
	return func(_ View, _ string, payload map[string]any) error {
		for _, f := range fields {
			if v, ok := payload[f]; !ok || v == nil {
				return fmt.Errorf("%w: %s is required", ErrValidation, f)
			}
		}
		return nil
	}
}

func sameValue(a, b any) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.EqualFold(as, bs)
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
