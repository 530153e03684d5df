package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAPIError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(KindServerError, 500, CodeInternal, "upstream exploded")
		assert.Equal(t, "SERVER_ERROR: upstream exploded", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := NetworkUnreachable(cause)
		assert.Contains(t, err.Error(), "NETWORK_UNREACHABLE")
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(KindValidationRejected, 422, CodeValidation, "bad payload").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("unwraps through fmt wrapping", func(t *testing.T) {
		inner := AuthExpired("", "token expired")
		wrapped := fmt.Errorf("list orders: %w", inner)

		extracted, ok := AsAPIError(wrapped)
		assert.True(t, ok)
		assert.Equal(t, KindAuthExpired, extracted.Kind)
	})
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name           string
		err            *APIError
		expectedKind   Kind
		expectedStatus int
	}{
		{"AuthExpired", AuthExpired("", "expired"), KindAuthExpired, 401},
		{"AuthInvalid", AuthInvalid("", "bad credentials"), KindAuthInvalid, 401},
		{"RateLimited", RateLimited("slow down", 30*time.Second), KindRateLimited, 429},
		{"NetworkUnreachable", NetworkUnreachable(errors.New("dial tcp: refused")), KindNetworkUnreachable, 0},
		{"ServerError", ServerError(503, CodeInternal, "unavailable"), KindServerError, 503},
		{"ValidationRejected", ValidationRejected(422, CodeValidation, "bad field"), KindValidationRejected, 422},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expectedKind, tc.err.Kind)
			assert.Equal(t, tc.expectedStatus, tc.err.StatusCode)
			assert.NotEmpty(t, tc.err.Message)
		})
	}

	t.Run("AuthExpired defaults wire code", func(t *testing.T) {
		assert.Equal(t, CodeTokenExpired, AuthExpired("", "x").ErrorCode)
		assert.Equal(t, CodeInvalidToken, AuthExpired(CodeInvalidToken, "x").ErrorCode)
	})

	t.Run("RateLimited carries retry-after", func(t *testing.T) {
		err := RateLimited("slow down", 45*time.Second)
		assert.Equal(t, 45*time.Second, err.RetryAfter)
	})
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected Kind
	}{
		{401, KindAuthExpired},
		{429, KindRateLimited},
		{500, KindServerError},
		{502, KindServerError},
		{400, KindValidationRejected},
		{403, KindValidationRejected},
		{404, KindValidationRejected},
		{409, KindValidationRejected},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprintf("status %d", tc.status), func(t *testing.T) {
			err := FromStatus(tc.status, "", "failed", 0)
			assert.Equal(t, tc.expected, err.Kind)
			assert.Equal(t, tc.status, err.StatusCode)
		})
	}

	t.Run("429 keeps retry-after", func(t *testing.T) {
		err := FromStatus(429, "", "throttled", 12*time.Second)
		assert.Equal(t, 12*time.Second, err.RetryAfter)
	})
}

func TestIsKind(t *testing.T) {
	t.Run("matches kind", func(t *testing.T) {
		err := AuthExpired("", "expired")
		assert.True(t, IsKind(err, KindAuthExpired))
		assert.False(t, IsKind(err, KindAuthInvalid))
	})

	t.Run("returns false for standard error", func(t *testing.T) {
		assert.False(t, IsKind(errors.New("plain"), KindAuthExpired))
	})

	t.Run("returns false for nil", func(t *testing.T) {
		assert.False(t, IsKind(nil, KindAuthExpired))
	})
}

func TestAsAPIError(t *testing.T) {
	t.Run("extracts APIError", func(t *testing.T) {
		original := ServerError(500, CodeInternal, "boom")
		extracted, ok := AsAPIError(original)
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
	})

	t.Run("returns false for non-APIError", func(t *testing.T) {
		extracted, ok := AsAPIError(errors.New("standard"))
		assert.False(t, ok)
		assert.Nil(t, extracted)
	})
}

func TestRetryAfterHint(t *testing.T) {
	t.Run("returns hint for rate limited", func(t *testing.T) {
		d, ok := RetryAfterHint(RateLimited("throttled", time.Minute))
		assert.True(t, ok)
		assert.Equal(t, time.Minute, d)
	})

	t.Run("no hint for other kinds", func(t *testing.T) {
		_, ok := RetryAfterHint(ServerError(500, "", "boom"))
		assert.False(t, ok)
	})
}
