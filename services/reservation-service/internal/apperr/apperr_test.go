package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("reserve: %w", Conflict("claim", "this time was just taken"))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.True(t, Is(err, KindConflict))
	assert.Equal(t, "this time was just taken", Message(err))
	assert.Equal(t, http.StatusConflict, HTTPStatus(err))
}

func TestTransientClassification(t *testing.T) {
	raw := errors.New("connection reset by peer")
	assert.Equal(t, KindTransient, KindOf(raw))

	wrapped := Transient("claim granules", raw)
	assert.ErrorIs(t, wrapped, raw)
	assert.Equal(t, "claim granules: connection reset by peer", wrapped.Error())
	assert.Equal(t, "temporarily unavailable, please retry", Message(wrapped))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(wrapped))

	already := NotFound("get service", "service %q not found", "s-1")
	assert.Same(t, already, Transient("outer", already))
	assert.Nil(t, Transient("noop", nil))
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("op", "bad")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("op", "gone")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Unavailable("op", "none left")))
}
