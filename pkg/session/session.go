// Package session implements the session lifecycle state machine and the
// session manager that owns the table of live sessions. A session moves
// through Uninitialized, Negotiating, Operating and Closed; its protocol
// version and capability set become immutable once negotiation completes.
package session

import (
	"sync"
	"time"

	"github.com/streamrpc/streamrpc-go/pkg/errors"
	"github.com/streamrpc/streamrpc-go/pkg/protocol"
)

// Phase is the lifecycle phase of a session
type Phase int

const (
	// PhaseUninitialized is the only phase accepting an initialize request
	PhaseUninitialized Phase = iota
	// PhaseNegotiating awaits the client's initialized notification
	PhaseNegotiating
	// PhaseOperating accepts arbitrary domain requests and notifications
	PhaseOperating
	// PhaseClosed is terminal; the session is never resurrected
	PhaseClosed
)

// String returns the phase name
func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseOperating:
		return "operating"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Mode selects between stateful sessions and self-contained requests
type Mode string

const (
	// ModeStateful issues session ids and supports streams and resumption
	ModeStateful Mode = "stateful"
	// ModeStateless bypasses the state machine entirely
	ModeStateless Mode = "stateless"
)

// Session owns one logical conversation's lifecycle state. All methods are
// safe for concurrent use.
type Session struct {
	// ID is the opaque server-generated session identifier
	ID string
	// CreatedAt is the session creation timestamp
	CreatedAt time.Time

	mu              sync.Mutex
	phase           Phase
	protocolVersion string
	clientInfo      protocol.Info
	clientCaps      protocol.Capabilities
	serverCaps      protocol.Capabilities
	lastActivity    time.Time
	closedAt        time.Time
}

// Phase returns the current lifecycle phase
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ProtocolVersion returns the negotiated protocol version, empty before
// negotiation
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ClientCapabilities returns the capabilities the client advertised
func (s *Session) ClientCapabilities() protocol.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCaps.Clone()
}

// ServerCapabilities returns the capabilities the server advertised
func (s *Session) ServerCapabilities() protocol.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverCaps.Clone()
}

// BeginNegotiation handles the initialize request. It validates the
// requested protocol version, records the advertised capability sets and
// moves the session to Negotiating. Only legal in Uninitialized.
func (s *Session) BeginNegotiation(params *protocol.InitializeParams, serverCaps protocol.Capabilities, serverInfo protocol.Info) (*protocol.InitializeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseClosed:
		return nil, errors.SessionClosed(s.ID)
	case PhaseNegotiating, PhaseOperating:
		return nil, errors.AlreadyInitialized()
	}

	version := params.ProtocolVersion
	if !protocol.VersionSupported(version) {
		// Counter-offer the newest supported version; the client decides
		// whether to proceed or disconnect.
		version = protocol.LatestVersion()
	}

	s.protocolVersion = version
	s.clientInfo = params.ClientInfo
	s.clientCaps = params.Capabilities.Clone()
	s.serverCaps = serverCaps.Clone()
	s.phase = PhaseNegotiating

	return &protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    serverCaps.Clone(),
		ServerInfo:      serverInfo,
	}, nil
}

// CompleteNegotiation handles the initialized notification, moving the
// session to Operating. Only legal in Negotiating.
func (s *Session) CompleteNegotiation() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseNegotiating:
		s.phase = PhaseOperating
		return nil
	case PhaseClosed:
		return errors.SessionClosed(s.ID)
	case PhaseOperating:
		return errors.AlreadyInitialized()
	default:
		return errors.NotInitialized(protocol.MethodInitialized)
	}
}

// CheckRequest reports whether a request for method is legal in the current
// phase. Ping is answered in any phase past Uninitialized; initialize is
// handled by BeginNegotiation and rejected here.
func (s *Session) CheckRequest(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseClosed:
		return errors.SessionClosed(s.ID)
	case PhaseOperating:
		if method == protocol.MethodInitialize {
			return errors.AlreadyInitialized()
		}
		return nil
	case PhaseNegotiating:
		if method == protocol.MethodPing {
			return nil
		}
		if method == protocol.MethodInitialize {
			return errors.AlreadyInitialized()
		}
		return errors.NotInitialized(method)
	default:
		return errors.NotInitialized(method)
	}
}

// Close moves the session to Closed. It is idempotent and reports whether
// this call performed the transition.
func (s *Session) Close(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return false
	}
	s.phase = PhaseClosed
	s.closedAt = now
	return true
}

// Touch records activity on the session. Idle reclamation is measured from
// the last touch.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// LastActivity returns the time of the most recent touch
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) closedSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedAt
}
