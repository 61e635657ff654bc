package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamrpc/streamrpc-go/pkg/protocol"
)

func TestAsStructuredUnwrapsChains(t *testing.T) {
	base := SessionNotFound("sess-1")
	wrapped := fmt.Errorf("looking up session: %w", base)

	se, ok := AsStructured(wrapped)
	require.True(t, ok)
	assert.Equal(t, protocol.SessionNotFound, se.Code())

	assert.True(t, IsCode(wrapped, protocol.SessionNotFound))

	// The code survives the wrapping all the way to the wire payload.
	pe := ToProtocolError(wrapped)
	require.NotNil(t, pe)
	assert.Equal(t, protocol.SessionNotFound, pe.Code)
}

func TestToProtocolErrorCollapsesUnstructured(t *testing.T) {
	pe := ToProtocolError(fmt.Errorf("dial tcp 10.0.0.1: connection refused"))
	require.NotNil(t, pe)
	assert.Equal(t, protocol.InternalError, pe.Code)
	assert.Equal(t, "internal error", pe.Message)
}
