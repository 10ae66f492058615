package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("bad %s", "input"), http.StatusBadRequest},
		{Unauthorized("no token"), http.StatusUnauthorized},
		{Forbidden("nope"), http.StatusForbidden},
		{NotFound("appointment %d not found", 3), http.StatusNotFound},
		{Conflict("slot taken"), http.StatusConflict},
		{External("payos down", errors.New("timeout")), http.StatusBadGateway},
		{Internal("db", errors.New("boom")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", Conflict("slot taken")), http.StatusConflict},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestMessageHidesInternalErrors(t *testing.T) {
	assert.Equal(t, "Internal server error", Message(errors.New("pq: connection refused")))
	assert.Equal(t, "Internal server error", Message(Internal("query failed", errors.New("x"))))
	assert.Equal(t, "slot taken", Message(Conflict("slot taken")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := External("gateway", cause)
	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, KindExternal))
	assert.False(t, Is(cause, KindExternal))
}
