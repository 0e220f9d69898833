package circuitbreaker

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
)

func TestNew_TripsAfterFailures(t *testing.T) {
	cb := New[struct{}]("test")
	boom := errors.New("boom")

	fail := func() (struct{}, error) { return struct{}{}, boom }

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(fail)
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, gobreaker.StateOpen, cb.State())
	_, err := cb.Execute(fail)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestNew_StaysClosedOnSuccess(t *testing.T) {
	cb := New[int]("test")

	for i := 0; i < 5; i++ {
		v, err := cb.Execute(func() (int, error) { return i, nil })
		assert.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}
