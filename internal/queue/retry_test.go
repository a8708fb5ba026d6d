package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/fieldsync/internal/model"
)

func TestRetryPolicy_DelayWithoutJitter(t *testing.T) {
	p := DefaultRetryPolicy()
	p.Jitter = 0

	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Minute, p.Delay(20), "delay is capped at MaxInterval")
	assert.Equal(t, 2*time.Second, p.Delay(0))
}

func TestRetryPolicy_DelayWithJitterStaysInBounds(t *testing.T) {
	p := DefaultRetryPolicy()

	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, time.Duration(float64(4*time.Second)*0.8))
		assert.LessOrEqual(t, d, time.Duration(float64(4*time.Second)*1.2))
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())

	bad := DefaultRetryPolicy()
	bad.Multiplier = 0.5
	assert.Error(t, bad.Validate())

	bad = DefaultRetryPolicy()
	bad.Jitter = 1
	assert.Error(t, bad.Validate())

	bad = DefaultRetryPolicy()
	bad.MaxInterval = time.Second
	assert.Error(t, bad.Validate())
}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint(model.OpUpdate, []byte(`{"b":1,"a":"x"}`))
	assert.NoError(t, err)
	b, err := Fingerprint(model.OpUpdate, []byte(`{ "a": "x", "b": 1 }`))
	assert.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)

	c, err := Fingerprint(model.OpCreate, []byte(`{"b":1,"a":"x"}`))
	assert.NoError(t, err)
	assert.NotEqual(t, a, c, "kind is part of the fingerprint")

	_, err = Fingerprint(model.OpUpdate, []byte(`{`))
	assert.True(t, model.IsSerialization(err))
}
