package fakeremote

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func do(t *testing.T, s *Server, method, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if key != "" {
		r.Header.Set("Idempotency-Key", key)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func TestServer_SequentialIDsAcrossTypes(t *testing.T) {
	s := New()

	assert.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v1/customer", `{"name":"a"}`, "k1").Code)
	assert.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v1/order", `{"total":1}`, "k2").Code)
	assert.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v1/customer", `{"name":"b"}`, "k3").Code)

	customers := s.Entities("customer")
	require.Len(t, customers, 2)
	assert.Equal(t, "1", customers[0]["id"])
	assert.Equal(t, "3", customers[1]["id"])
}

func TestServer_RequireRef(t *testing.T) {
	s := New(WithValidator("order", RequireRef("customer_id", "customer")))

	w := do(t, s, http.MethodPost, "/v1/order", `{"customer_id":"tmp_abc"}`, "k1")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "unknown customer")

	id := s.Seed("customer", map[string]any{"name": "Jane"})
	w = do(t, s, http.MethodPost, "/v1/order", `{"customer_id":"`+id+`"}`, "k1")
	assert.Equal(t, http.StatusCreated, w.Code, "rejected responses are not cached under the key")
}

func TestServer_RequireFields(t *testing.T) {
	s := New(WithValidator("product", RequireFields("name")))

	assert.Equal(t, http.StatusUnprocessableEntity, do(t, s, http.MethodPost, "/v1/product", `{}`, "").Code)
	assert.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v1/product", `{"name":"x"}`, "").Code)
}

func TestServer_NonObjectPayload(t *testing.T) {
	s := New()

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/customer", `[1,2]`, "").Code)
}

func TestServer_FailNextConsumedInOrder(t *testing.T) {
	s := New()
	s.FailNext(2, http.StatusServiceUnavailable)

	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodPost, "/v1/customer", `{}`, "k").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodPost, "/v1/customer", `{}`, "k").Code)
	assert.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v1/customer", `{}`, "k").Code)
	assert.Equal(t, 1, s.Count("customer"))

	log := s.Requests()
	require.Len(t, log, 3)
	assert.True(t, log[0].Injected)
	assert.False(t, log[2].Injected)
}

func TestServer_Health(t *testing.T) {
	s := New()

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodHead, "/healthz", "", "").Code)

	// ResponseRecorder cannot be hijacked, so offline falls back to 503
	s.SetOffline(true)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/healthz", "", "").Code)
}
