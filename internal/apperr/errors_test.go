package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := NotFound("store %d not found", 7)
	wrapped := fmt.Errorf("failed to calculate kpi: %w", base)

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsConflict(wrapped))
	assert.Equal(t, "failed to calculate kpi: store 7 not found", wrapped.Error())
}

func TestExternalProviderUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := ExternalProvider("twilio", cause)

	assert.True(t, IsExternal(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "twilio provider failed: connection refused", err.Error())
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		NotFound("x"):                      http.StatusNotFound,
		Configuration("x"):                 http.StatusUnprocessableEntity,
		Conflict("x"):                      http.StatusConflict,
		Validation("x"):                    http.StatusBadRequest,
		ExternalProvider("slack", nil):     http.StatusBadGateway,
		errors.New("plain database error"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}
