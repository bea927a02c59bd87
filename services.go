package clubchat

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// Services is the explicit record of process-wide state: one long-lived
// orchestrator plus the collaborators it owns. There are no package
// singletons; tests construct private copies.
type Services struct {
	Provider     Provider
	Embedder     EmbeddingProvider
	Registry     *Registry
	Threads      ThreadStore
	Club         ClubSearcher
	Gate         *SafetyGate
	Planner      *Planner
	Orchestrator *Orchestrator
	Chat         *Chat

	// Closers are flushed on Shutdown after the registry stops its
	// subprocesses (vector index, citation graph, durable stores).
	Closers []io.Closer

	Logger *slog.Logger

	initOnce     sync.Once
	shutdownOnce sync.Once
}

// Init performs one-time bring-up: tool discovery across the configured
// servers. Idempotent; must complete before the first request is served.
func (s *Services) Init(ctx context.Context) {
	s.initOnce.Do(func() {
		if s.Logger == nil {
			s.Logger = nopLogger
		}
		if s.Registry != nil {
			s.Registry.Discover(ctx)
			s.Logger.Info("services ready", "servers", s.Registry.Servers())
		}
	})
}

// Shutdown terminates tool-server subprocesses and flushes persistent
// state. Idempotent.
func (s *Services) Shutdown() {
	s.shutdownOnce.Do(func() {
		if s.Registry != nil {
			if err := s.Registry.Close(); err != nil {
				s.Logger.Error("registry shutdown failed", "err", err)
			}
		}
		for _, c := range s.Closers {
			if err := c.Close(); err != nil {
				s.Logger.Error("closer failed during shutdown", "err", err)
			}
		}
		s.Logger.Info("services shut down")
	})
}
