package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamrpc/streamrpc-go/pkg/errors"
	"github.com/streamrpc/streamrpc-go/pkg/protocol"
)

func testInitParams(version string) *protocol.InitializeParams {
	return &protocol.InitializeParams{
		ProtocolVersion: version,
		Capabilities:    protocol.Capabilities{"streams": {}},
		ClientInfo:      protocol.Info{Name: "test-client", Version: "1.0"},
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	s := &Session{ID: "s1", CreatedAt: time.Now(), phase: PhaseUninitialized}
	assert.Equal(t, PhaseUninitialized, s.Phase())

	result, err := s.BeginNegotiation(testInitParams(protocol.LatestVersion()),
		protocol.Capabilities{"cancellation": {}}, protocol.Info{Name: "test-server"})
	require.NoError(t, err)
	assert.Equal(t, protocol.LatestVersion(), result.ProtocolVersion)
	assert.Equal(t, PhaseNegotiating, s.Phase())

	require.NoError(t, s.CompleteNegotiation())
	assert.Equal(t, PhaseOperating, s.Phase())
	assert.Equal(t, protocol.LatestVersion(), s.ProtocolVersion())
	assert.True(t, s.ServerCapabilities().Has("cancellation"))
}

func TestUnsupportedVersionGetsCounterOffer(t *testing.T) {
	s := &Session{ID: "s1", phase: PhaseUninitialized}

	result, err := s.BeginNegotiation(testInitParams("1999-01-01"), nil, protocol.Info{})
	require.NoError(t, err)
	assert.Equal(t, protocol.LatestVersion(), result.ProtocolVersion)
}

func TestDuplicateInitializeRejected(t *testing.T) {
	s := &Session{ID: "s1", phase: PhaseUninitialized}
	_, err := s.BeginNegotiation(testInitParams(protocol.LatestVersion()), nil, protocol.Info{})
	require.NoError(t, err)

	_, err = s.BeginNegotiation(testInitParams(protocol.LatestVersion()), nil, protocol.Info{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, protocol.InvalidRequest))
}

func TestCheckRequestPhaseGating(t *testing.T) {
	tests := []struct {
		name     string
		phase    Phase
		method   string
		wantCode protocol.ErrorCode
		wantOK   bool
	}{
		{name: "domain request before init", phase: PhaseUninitialized, method: "echo", wantCode: protocol.NotInitialized},
		{name: "domain request while negotiating", phase: PhaseNegotiating, method: "echo", wantCode: protocol.NotInitialized},
		{name: "ping while negotiating", phase: PhaseNegotiating, method: protocol.MethodPing, wantOK: true},
		{name: "domain request while operating", phase: PhaseOperating, method: "echo", wantOK: true},
		{name: "re-initialize while operating", phase: PhaseOperating, method: protocol.MethodInitialize, wantCode: protocol.InvalidRequest},
		{name: "anything after close", phase: PhaseClosed, method: "echo", wantCode: protocol.SessionClosed},
		{name: "ping after close", phase: PhaseClosed, method: protocol.MethodPing, wantCode: protocol.SessionClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{ID: "s1", phase: tt.phase}
			err := s.CheckRequest(tt.method)
			if tt.wantOK {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	s := &Session{ID: "s1", phase: PhaseOperating}
	now := time.Now()

	assert.True(t, s.Close(now))
	assert.False(t, s.Close(now.Add(time.Second)))
	assert.Equal(t, now, s.closedSince())

	err := s.CompleteNegotiation()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, protocol.SessionClosed))
}
