package schema

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	require.NoError(t, err)
	return v
}

func TestValidate_AcceptsValidPayloads(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		entityType string
		payload    string
	}{
		{model.EntityCustomer, `{"name":"Jane","email":"jane@example.com","loyalty":"gold"}`},
		{model.EntityOrder, `{"customer_id":"tmp_1","lines":[{"product_id":"3","quantity":2}],"status":"draft"}`},
		{model.EntityProduct, `{"name":"Drill","price":49.5}`},
		{model.EntityVisit, `{"customer_id":"42"}`},
		{model.EntityExpenditure, `{"amount":12.3,"currency":"EUR"}`},
		{model.EntityCategory, `{"name":"Tools"}`},
		{model.EntitySalesRep, `{"name":"Sam","region":"north"}`},
	}

	for _, tt := range tests {
		t.Run(tt.entityType, func(t *testing.T) {
			err := v.Validate(tt.entityType, model.OpCreate, json.RawMessage(tt.payload))
			assert.NoError(t, err)
		})
	}
}

func TestValidate_RejectsSchemaViolations(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name       string
		entityType string
		payload    string
	}{
		{"missing name", model.EntityCustomer, `{"email":"jane@example.com"}`},
		{"empty name", model.EntityCustomer, `{"name":""}`},
		{"bad email", model.EntityCustomer, `{"name":"Jane","email":"not-an-email"}`},
		{"zero quantity", model.EntityOrder, `{"customer_id":"1","lines":[{"product_id":"3","quantity":0}]}`},
		{"unknown status", model.EntityOrder, `{"customer_id":"1","status":"lost"}`},
		{"negative amount", model.EntityExpenditure, `{"amount":-1}`},
		{"lowercase currency", model.EntityExpenditure, `{"amount":1,"currency":"eur"}`},
		{"array payload", model.EntityCategory, `[1]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.entityType, model.OpUpdate, json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.True(t, model.IsRejected(err), "got %v", err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.NotEmpty(t, verr.Fields)
		})
	}
}

func TestValidate_ReportsFieldPath(t *testing.T) {
	v := newValidator(t)

	err := v.Validate(model.EntityCustomer, model.OpCreate, json.RawMessage(`{"name":"Jane","email":"nope"}`))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), "email")
}

func TestValidate_MalformedJSON(t *testing.T) {
	v := newValidator(t)

	err := v.Validate(model.EntityCustomer, model.OpCreate, json.RawMessage(`{"name":`))
	require.Error(t, err)
	assert.True(t, model.IsSerialization(err))
}

func TestValidate_DeleteAndUnknownTypes(t *testing.T) {
	v := newValidator(t)

	assert.NoError(t, v.Validate(model.EntityCustomer, model.OpDelete, nil))
	assert.NoError(t, v.Validate("note", model.OpCreate, json.RawMessage(`{"anything":true}`)))
	assert.False(t, v.Known("note"))
	assert.True(t, v.Known(model.EntitySalesRep))
}

func TestValidate_Concurrent(t *testing.T) {
	v := newValidator(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := `{"name":"Jane"}`
			if i%2 == 0 {
				payload = `{"name":""}`
			}
			err := v.Validate(model.EntityCustomer, model.OpCreate, json.RawMessage(payload))
			assert.Equal(t, i%2 == 0, err != nil)
		}(i)
	}
	wg.Wait()
}

func TestNewFromSource_MissingDefinition(t *testing.T) {
	_, err := NewFromSource("x.cue", `#A: {...}`, map[string]string{"b": "#B"})
	require.Error(t, err)
}

func TestNewFromSource_SyntaxError(t *testing.T) {
	_, err := NewFromSource("x.cue", `#A: {`, map[string]string{})
	require.Error(t, err)
}
