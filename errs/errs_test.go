package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDerivesRetriableFromKind(t *testing.T) {
	e := New(LockContention, "cache-plugin", "AcquireLock", errors.New("boom"))
	assert.True(t, e.Retriable)

	e = New(ConfigurationInvalid, "cache-plugin", "Install", errors.New("boom"))
	assert.False(t, e.Retriable)
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	e := New(DriverTransient, "ttl-plugin", "Get", inner)
	assert.ErrorIs(t, e, inner)
}

func TestIsNotFound(t *testing.T) {
	e := New(DriverNotFound, "cache-plugin", "Get", errors.New("NoSuchKey"))
	assert.True(t, IsNotFound(e))

	other := New(DriverTransient, "cache-plugin", "Get", errors.New("timeout"))
	assert.False(t, IsNotFound(other))

	wrapped := fmt.Errorf("wrapping: %w", e)
	assert.True(t, IsNotFound(wrapped))
}

func TestWithSuggestionAndMetadataChain(t *testing.T) {
	e := New(GuardBlocked, "state-machine-plugin", "send", errors.New("blocked")).
		WithSuggestion("ensure inventory is available before shipping").
		WithStatusCode(409).
		WithMetadata(map[string]interface{}{"event": "SHIP"})

	assert.Equal(t, "ensure inventory is available before shipping", e.Suggestion)
	assert.Equal(t, 409, e.StatusCode)
	assert.Equal(t, "SHIP", e.Metadata["event"])
}

func TestErrorIsMatchesOnlyItsOwnKind(t *testing.T) {
	e := New(LockContention, "state-machine-plugin", "send", nil)
	assert.True(t, errors.Is(e, KindError(LockContention)))
	assert.False(t, errors.Is(e, KindError(GuardBlocked)))
}
