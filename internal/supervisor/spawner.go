package supervisor

import (
	"context"
	"sync"

	"github.com/kahiteam/nixffi/internal/helper"
)

// Session is a running ffi-helper as seen by the hold loop.
type Session interface {
	AddTempRootContext(ctx context.Context, name []byte) error
	CloseAndWaitContext(ctx context.Context) error
	Close() error
}

// Spawner starts ffi-helper sessions. Implementations include
// HelperSpawner (real) and MockSpawner (testing).
type Spawner interface {
	Spawn(ctx context.Context, opts helper.Options) (Session, error)
}

// HelperSpawner starts real helpers with helper.SpawnContext.
type HelperSpawner struct{}

// Spawn starts the ffi-helper described by opts.
func (HelperSpawner) Spawn(ctx context.Context, opts helper.Options) (Session, error) {
	conn, err := helper.SpawnContext(ctx, opts)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockSpawner is a test double for Spawner.
type MockSpawner struct {
	SpawnFn    func(opts helper.Options) (Session, error)
	SpawnCalls []helper.Options
}

// Spawn records the call and delegates to SpawnFn. Without SpawnFn it
// returns a fresh MockSession.
func (m *MockSpawner) Spawn(ctx context.Context, opts helper.Options) (Session, error) {
	m.SpawnCalls = append(m.SpawnCalls, opts)
	if m.SpawnFn != nil {
		return m.SpawnFn(opts)
	}
	return &MockSession{}, nil
}

// MockSession is a test double for Session.
type MockSession struct {
	AddFn      func(name []byte) error
	ShutdownFn func() error

	mu        sync.Mutex
	added     [][]byte
	waited    bool
	abandoned bool
}

// AddTempRootContext records name and delegates to AddFn.
func (s *MockSession) AddTempRootContext(ctx context.Context, name []byte) error {
	if s.AddFn != nil {
		if err := s.AddFn(name); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, append([]byte(nil), name...))
	return nil
}

// CloseAndWaitContext marks the session as shut down cleanly.
func (s *MockSession) CloseAndWaitContext(ctx context.Context) error {
	s.mu.Lock()
	s.waited = true
	s.mu.Unlock()
	if s.ShutdownFn != nil {
		return s.ShutdownFn()
	}
	return nil
}

// Close marks the session as abandoned.
func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = true
	return nil
}

// Added returns the names registered so far.
func (s *MockSession) Added() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.added...)
}

// Waited reports whether CloseAndWaitContext was called.
func (s *MockSession) Waited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waited
}

// Abandoned reports whether Close was called.
func (s *MockSession) Abandoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandoned
}
