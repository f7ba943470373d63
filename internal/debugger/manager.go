package debugger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ctagard/vmdbg/internal/clock"
	"github.com/ctagard/vmdbg/internal/config"
	"github.com/ctagard/vmdbg/internal/errors"
	"github.com/ctagard/vmdbg/internal/host"
	"github.com/ctagard/vmdbg/internal/vm"
	"github.com/ctagard/vmdbg/pkg/types"
)

const defaultCleanupInterval = time.Minute

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDialer replaces the transport dialer chosen from the configuration.
func WithDialer(dial vm.DialFunc) ManagerOption {
	return func(m *Manager) {
		m.dial = dial
	}
}

// WithLogger sets the manager's logger.
func WithLogger(logger *zap.SugaredLogger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithStats sets the scope sessions report to.
func WithStats(stats tally.Scope) ManagerOption {
	return func(m *Manager) {
		m.stats = stats
	}
}

// WithClock sets the clock used for idle tracking and connect retries.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithCleanupInterval sets how often idle sessions are looked for.
func WithCleanupInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.cleanupInterval = d
	}
}

// Manager manages multiple debug sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	cfg    *config.Config
	dial   vm.DialFunc
	clock  clock.Clock
	logger *zap.SugaredLogger
	stats  tally.Scope

	cleanupInterval time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	cleanupDone     chan struct{}
}

// NewManager creates a session manager and starts its idle cleanup loop.
func NewManager(cfg *config.Config, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions:        make(map[string]*Session),
		cfg:             cfg,
		clock:           clock.New(),
		logger:          zap.NewNop().Sugar(),
		stats:           tally.NoopScope,
		cleanupInterval: defaultCleanupInterval,
		ctx:             ctx,
		cancel:          cancel,
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dial == nil {
		m.dial = vm.DialTCP
		if cfg.VM.Transport == config.TransportWebSocket {
			m.dial = vm.DialWebSocket(cfg.VM.WebSocketPath)
		}
	}

	go m.cleanupLoop()

	return m
}

// Attach connects to the VM at address and starts a session reporting to h.
func (m *Manager) Attach(ctx context.Context, address string, h host.Host) (*Session, error) {
	if err := m.checkCapacity(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	logger := m.logger.With("session", id)
	client, err := vm.Dial(ctx, address, vm.ConnectOptions{
		Dial:    m.dial,
		Budget:  m.cfg.VM.ConnectTimeout,
		Backoff: m.cfg.VM.RetryBackoff,
		Clock:   m.clock,
		Logger:  logger,
	}, vm.WithLogger(logger), vm.WithStats(m.stats))
	if err != nil {
		m.stats.Counter("attach_failures").Inc(1)
		return nil, err
	}

	session := newSession(sessionParams{
		id:      id,
		address: address,
		client:  client,
		host:    h,
		vm: pauseConfig{
			entryFunction:      m.cfg.VM.EntryFunction,
			exceptionPauseMode: m.cfg.VM.ExceptionPauseMode,
			evalTimeout:        m.cfg.VM.EvalTimeout,
		},
		clock:  m.clock,
		logger: m.logger,
		stats:  m.stats,
	})

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		_ = session.Close()
		return nil, errors.SessionLimitReached(m.cfg.MaxSessions)
	}
	m.sessions[id] = session
	m.mu.Unlock()

	session.attach(ctx, m.cfg.VM.MinProtocolVersion, m.cfg.VM.SyncIsolates)

	m.stats.Counter("attached").Inc(1)
	logger.Infow("attached to VM", "address", address)
	return session, nil
}

// Get retrieves a session by ID
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, errors.SessionNotFound(id)
	}
	return session, nil
}

// List returns all sessions, oldest first.
func (m *Manager) List() []types.SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	infos := make([]types.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}
	return infos
}

// Detach closes a session and forgets it.
func (m *Manager) Detach(id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return errors.SessionNotFound(id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.stats.Counter("detached").Inc(1)
	if err := session.Close(); err != nil {
		m.logger.Warnw("failed to close session cleanly", "session", id, "error", err)
		return err
	}
	return nil
}

// Close shuts down the manager and all sessions
func (m *Manager) Close() error {
	m.cancel()
	<-m.cleanupDone

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs error
	for _, session := range sessions {
		errs = multierr.Append(errs, session.Close())
	}
	return errs
}

func (m *Manager) checkCapacity() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		return errors.SessionLimitReached(m.cfg.MaxSessions)
	}
	return nil
}

// cleanupLoop periodically cleans up idle sessions
func (m *Manager) cleanupLoop() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupIdleSessions()
		}
	}
}

// cleanupIdleSessions closes sessions unused for longer than the session
// timeout.
func (m *Manager) cleanupIdleSessions() {
	if m.cfg.SessionTimeout <= 0 {
		return
	}
	now := m.clock.Now()

	m.mu.Lock()
	var expired []*Session
	for id, session := range m.sessions {
		if now.Sub(session.idleSince()) > m.cfg.SessionTimeout {
			expired = append(expired, session)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, session := range expired {
		m.logger.Infow("closing idle session", "session", session.ID)
		if err := session.Close(); err != nil {
			m.logger.Warnw("failed to close idle session", "session", session.ID, "error", err)
		}
	}
}
