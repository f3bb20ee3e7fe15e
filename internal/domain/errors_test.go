package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Lifecycle.Activate", ErrChannelNotFound, "channel 'c1'")
	want := "Lifecycle.Activate: channel 'c1': channel not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Router.Route", ErrCallbackFailed, "")
	want := "Router.Route: callback push failed"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Store.GetChannel", ErrChannelNotFound, "c9")
	if !errors.Is(err, ErrChannelNotFound) {
		t.Error("errors.Is should match ErrChannelNotFound")
	}
	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Store.GetChannel", de.Op)
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	err := WrapOp("Resolver.Env", ErrDecryption)
	assert.ErrorIs(t, err, ErrDecryption)
	assert.Equal(t, "Resolver.Env: decryption failed", err.Error())
}

func TestIsDataError(t *testing.T) {
	assert.True(t, IsDataError(NewDomainError("x", ErrChannelNotFound, "")))
	assert.True(t, IsDataError(fmt.Errorf("wrap: %w", ErrAgentNotFound)))
	assert.False(t, IsDataError(ErrCallbackFailed))
	assert.False(t, IsDataError(nil))
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"direct", ErrChannelNotFound, CodeChannelNotFound},
		{"domain error", NewDomainError("op", ErrWorkerNotConnected, ""), CodeWorkerNotConn},
		{"wrapped", fmt.Errorf("a: %w", ErrRPCInvalidPayload), CodeRPCInvalidPayload},
		{"subsystem", NewSubSystemError("runtime", "op", ErrLimitReached, ""), CodeRuntimeLimit},
		{"subsystem fallback", NewSubSystemError("other", "op", ErrLimitReached, ""), CodeLimitReached},
		{"credential wins over auth", fmt.Errorf("x: %w", ErrCredentialInvalid), CodeCredentialInvalid},
		{"unknown", errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCodeOf(tt.err); got != tt.want {
				t.Fatalf("ErrorCodeOf = %q, want %q", got, tt.want)
			}
		})
	}
}
