package growlog

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Kind{
		http.StatusUnauthorized:        KindAuthentication,
		http.StatusForbidden:           KindAuthorization,
		http.StatusNotFound:            KindNotFound,
		http.StatusConflict:            KindConflict,
		http.StatusTooManyRequests:     KindRateLimit,
		http.StatusBadRequest:          KindValidation,
		http.StatusUnprocessableEntity: KindValidation,
		http.StatusInternalServerError: KindServer,
		http.StatusBadGateway:          KindServer,
		http.StatusServiceUnavailable:  KindServer,
	}
	for status, want := range cases {
		assert.Equal(t, want, classifyStatus(status), "status %d", status)
	}
}

func TestErrorRetryable(t *testing.T) {
	retryable := []Kind{KindNetwork, KindTimeout, KindServer, KindRateLimit, KindNoConnection}
	for _, kind := range retryable {
		assert.True(t, (&Error{Kind: kind}).Retryable(), string(kind))
	}
	terminal := []Kind{KindValidation, KindAuthentication, KindAuthorization, KindNotFound, KindConflict, KindParsing, KindStorage, KindDeferred, KindNotInitialized, KindUnknown}
	for _, kind := range terminal {
		assert.False(t, (&Error{Kind: kind}).Retryable(), string(kind))
	}
}

func TestErrorSuggestedDelay(t *testing.T) {
	assert.Equal(t, 7*time.Second, (&Error{Kind: KindRateLimit, RetryAfter: 7 * time.Second}).SuggestedDelay())
	assert.Equal(t, 30*time.Second, (&Error{Kind: KindRateLimit}).SuggestedDelay())
	assert.Equal(t, 2*time.Second, (&Error{Kind: KindServer}).SuggestedDelay())
	assert.Equal(t, 10*time.Second, (&Error{Kind: KindNoConnection}).SuggestedDelay())
	assert.Zero(t, (&Error{Kind: KindValidation}).SuggestedDelay())
}

func TestErrorUnwrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := wrapError(KindNetwork, cause, "request failed")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindNetwork, KindOf(err))

	wrapped := fmt.Errorf("outer: %w", err)
	ge, ok := AsError(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindNetwork, ge.Kind)

	assert.Equal(t, KindUnknown, KindOf(errors.New("foreign")))
}

func TestIsDeferred(t *testing.T) {
	assert.True(t, IsDeferred(&Error{Kind: KindDeferred, EntryID: "e1"}))
	assert.False(t, IsDeferred(&Error{Kind: KindNoConnection}))
	assert.False(t, IsDeferred(errors.New("plain")))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("garbage"))
	assert.Zero(t, parseRetryAfter(time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)))

	future := parseRetryAfter(time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
	assert.Greater(t, future, 50*time.Second)
}
