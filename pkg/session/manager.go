package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/streamrpc/streamrpc-go/pkg/errors"
	"github.com/streamrpc/streamrpc-go/pkg/logging"
	"github.com/streamrpc/streamrpc-go/pkg/protocol"
)

// Config controls session creation and reclamation
type Config struct {
	// Mode selects stateful or stateless operation
	Mode Mode

	// IdleTimeout reclaims Operating sessions with no attached consumer and
	// no pending operations after this duration of inactivity
	IdleTimeout time.Duration

	// InitTimeout reclaims sessions stuck in Negotiating
	InitTimeout time.Duration

	// ClosedRetention keeps Closed sessions in the table so late messages
	// get a "session closed" error instead of "session not found"
	ClosedRetention time.Duration

	// SweepInterval is how often the reclamation sweep runs
	SweepInterval time.Duration

	// Clock is the time source, real time when nil
	Clock clockwork.Clock
}

// DefaultConfig returns a configuration with documented defaults
func DefaultConfig() Config {
	return Config{
		Mode:            ModeStateful,
		IdleTimeout:     30 * time.Minute,
		InitTimeout:     30 * time.Second,
		ClosedRetention: 5 * time.Minute,
		SweepInterval:   time.Minute,
	}
}

// Manager owns the table of live sessions. It is the only component holding
// session state; everything else reaches sessions through it.
type Manager struct {
	cfg        Config
	clock      clockwork.Clock
	logger     logging.Logger
	serverCaps protocol.Capabilities
	serverInfo protocol.Info

	mu       sync.RWMutex
	sessions map[string]*Session

	// idleCheck reports whether a session has no attached consumers and no
	// pending operations; wired by the caller that owns those components
	idleCheck func(sessionID string) bool
	onClose   []func(sessionID string)

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager creates a session manager
func NewManager(cfg Config, serverCaps protocol.Capabilities, serverInfo protocol.Info, logger logging.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultConfig().InitTimeout
	}
	if cfg.ClosedRetention <= 0 {
		cfg.ClosedRetention = DefaultConfig().ClosedRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStateful
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		clock:      clock,
		logger:     logger.WithFields(logging.String("component", "session-manager")),
		serverCaps: serverCaps.Clone(),
		serverInfo: serverInfo,
		sessions:   make(map[string]*Session),
		stop:       make(chan struct{}),
	}
}

// Mode returns the operating mode
func (m *Manager) Mode() Mode { return m.cfg.Mode }

// Stateless reports whether the manager runs without sessions
func (m *Manager) Stateless() bool { return m.cfg.Mode == ModeStateless }

// SetIdleCheck wires the predicate used by the reclamation sweep. The
// predicate must be safe for concurrent use.
func (m *Manager) SetIdleCheck(fn func(sessionID string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleCheck = fn
}

// OnClose registers a hook invoked once whenever a session closes, used to
// release event logs and pending operations
func (m *Manager) OnClose(fn func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = append(m.onClose, fn)
}

// Create makes a new session in Uninitialized phase
func (m *Manager) Create() (*Session, error) {
	if m.Stateless() {
		return nil, errors.StatelessUnsupported("session creation")
	}

	now := m.clock.Now()
	s := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		phase:        PhaseUninitialized,
		lastActivity: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("session created",
		logging.String("session_id", s.ID),
		logging.Int("active_sessions", count))
	return s, nil
}

// Get looks up a session by id. Closed sessions are still returned until
// their retention window elapses so callers can surface "session closed".
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.SessionNotFound(id)
	}
	return s, nil
}

// Initialize runs version and capability negotiation for a session
func (m *Manager) Initialize(s *Session, params *protocol.InitializeParams) (*protocol.InitializeResult, error) {
	result, err := s.BeginNegotiation(params, m.serverCaps, m.serverInfo)
	if err != nil {
		return nil, err
	}
	s.Touch(m.clock.Now())
	m.logger.Info("session negotiating",
		logging.String("session_id", s.ID),
		logging.String("protocol_version", result.ProtocolVersion))
	return result, nil
}

// NegotiateStateless runs version negotiation without creating a session,
// used by stateless deployments where every request is self-contained
func (m *Manager) NegotiateStateless(params *protocol.InitializeParams) *protocol.InitializeResult {
	version := params.ProtocolVersion
	if !protocol.VersionSupported(version) {
		version = protocol.LatestVersion()
	}
	return &protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    m.serverCaps.Clone(),
		ServerInfo:      m.serverInfo,
	}
}

// Terminate closes a session explicitly and releases its resources
func (m *Manager) Terminate(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	m.close(s, "terminated")
	return nil
}

// Touch records activity on a session
func (m *Manager) Touch(s *Session) {
	s.Touch(m.clock.Now())
}

// Len returns the number of sessions in the table, closed ones included
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Start runs the reclamation sweep until ctx is done or Stop is called
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := m.clock.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.Chan():
				m.Sweep()
			}
		}
	}()
}

// Stop halts the reclamation sweep
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Sweep reclaims sessions per the timeout policy: Negotiating sessions past
// the initialization timeout, idle Operating sessions past the idle timeout,
// and Closed sessions past their retention window.
func (m *Manager) Sweep() {
	now := m.clock.Now()

	m.mu.RLock()
	idleCheck := m.idleCheck
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	for _, s := range candidates {
		switch s.Phase() {
		case PhaseUninitialized, PhaseNegotiating:
			if now.Sub(s.CreatedAt) > m.cfg.InitTimeout {
				m.close(s, "initialization timeout")
			}
		case PhaseOperating:
			if now.Sub(s.LastActivity()) <= m.cfg.IdleTimeout {
				continue
			}
			if idleCheck != nil && !idleCheck(s.ID) {
				continue
			}
			m.close(s, "idle timeout")
		case PhaseClosed:
			if now.Sub(s.closedSince()) > m.cfg.ClosedRetention {
				m.mu.Lock()
				delete(m.sessions, s.ID)
				m.mu.Unlock()
			}
		}
	}
}

// close transitions to Closed and runs release hooks exactly once
func (m *Manager) close(s *Session, reason string) {
	if !s.Close(m.clock.Now()) {
		return
	}
	m.mu.RLock()
	hooks := m.onClose
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(s.ID)
	}
	m.logger.Info("session closed",
		logging.String("session_id", s.ID),
		logging.String("reason", reason))
}
