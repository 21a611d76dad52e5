package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpstreamMessage(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
		want    string
	}{
		{"empty message falls back to status", http.StatusBadGateway, "", "LLM request failed (502)"},
		{"forbidden gets credentials hint", http.StatusForbidden, "denied", "denied (check API key, model access, or quota)"},
		{"payload too large is replaced", http.StatusRequestEntityTooLarge, "too big",
			"The conversation is too long for the model. Please shorten the conversation or clear older messages and try again."},
		{"no endpoints found gets availability hint", http.StatusNotFound, "No Endpoints Found for model x",
			"No Endpoints Found for model x (selected model is not available; try a different one)"},
		{"other statuses pass through", http.StatusTooManyRequests, "slow down", "slow down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UpstreamMessage(tt.status, tt.message))
		})
	}
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "", UserMessage(nil))
	assert.Equal(t, "Error: denied (check API key, model access, or quota)",
		UserMessage(NewUpstreamError(http.StatusForbidden, "denied")))
	assert.Equal(t, "Error: "+GenericFailureMessage, UserMessage(NewMalformedError("bad json", nil)))
	assert.Contains(t, UserMessage(NewNetworkError("dial", fmt.Errorf("refused"))), "Could not reach")
	assert.Contains(t, UserMessage(NewTimeoutError("slow", nil)), "too long to respond")
	assert.Equal(t, "Error: boom", UserMessage(fmt.Errorf("boom")))
}

func TestPersistenceErrorCode(t *testing.T) {
	err := NewPersistenceError("save failed", fmt.Errorf("disk full"))

	assert.Equal(t, ErrorTypePersistence, err.Type)
	assert.Equal(t, "PERSISTENCE_ERROR", err.Code)
	assert.Equal(t, "save failed: disk full", err.Error())
	assert.False(t, IsUpstreamError(err))
	assert.False(t, IsMalformedError(err))
}

func TestIsNetworkErrorCoversTimeout(t *testing.T) {
	assert.True(t, IsNetworkError(NewTimeoutError("t", nil)))
	assert.True(t, IsNetworkError(NewNetworkError("n", nil)))
	assert.False(t, IsNetworkError(NewValidationError("v", nil)))
}
