package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebugError_Error(t *testing.T) {
	err := SessionNotFound("abc")
	assert.Equal(t, CodeSessionNotFound, err.Code)
	assert.Contains(t, err.Error(), "session 'abc' not found")
	assert.Contains(t, err.Error(), "| Hint: ")

	bare := &DebugError{Message: "plain"}
	assert.Equal(t, "plain", bare.Error())
}

func TestDebugError_Unwrap(t *testing.T) {
	err := ConnectionFailed("127.0.0.1:8181", io.EOF)
	assert.True(t, stderrors.Is(err, io.EOF))

	wrapped := fmt.Errorf("attach: %w", err)
	var de *DebugError
	require.True(t, stderrors.As(wrapped, &de))
	assert.Equal(t, "127.0.0.1:8181", de.Details["address"])
}

func TestHasCode(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		protocol  bool
		connected bool
	}{
		{"nil", nil, false, false},
		{"plain", io.EOF, false, false},
		{"protocol", ProtocolError("setBreakpoint", "no code at line"), true, false},
		{"wrapped protocol", fmt.Errorf("isolate 1: %w", ProtocolError("resume", "not paused")), true, false},
		{"closed", ConnectionClosed(), false, true},
		{"nested cause", BreakpointFailed("/a.dart", 3, ProtocolError("setBreakpoint", "bad")), true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.protocol, IsProtocolError(tc.err))
			assert.Equal(t, tc.connected, IsConnectionFailed(tc.err))
		})
	}
}

func TestWithDetails(t *testing.T) {
	err := NoMainIsolate().WithDetails("command", "resume").WithCause(io.ErrUnexpectedEOF)
	assert.Equal(t, "resume", err.Details["command"])
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFromError(t *testing.T) {
	original := EvaluationTimeout("x > 1", 1000)
	assert.Same(t, original, FromError(fmt.Errorf("wrapped: %w", original)))

	generic := FromError(io.EOF)
	assert.Equal(t, ErrorCode("UNKNOWN_ERROR"), generic.Code)
	assert.ErrorIs(t, generic, io.EOF)
}

func TestPermissionDenied_Hints(t *testing.T) {
	for _, op := range []string{"attach", "execute", "modify", "other"} {
		err := PermissionDenied(op, "readonly")
		assert.NotEmpty(t, err.Hint, op)
		assert.Equal(t, op, err.Details["operation"])
	}
}
