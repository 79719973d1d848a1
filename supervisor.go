package xatm

import (
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/xatm/internal/resource"
	"pkt.systems/xatm/internal/svcfields"
)

// InstanceSupervisor starts and stops resource instances on behalf of the
// transaction manager. Instances are launched by an outside process manager
// and announce themselves with a connect request, so spawn actions are
// recorded and logged. Stop actions signal the instance's local pid when
// signalling is enabled.
type InstanceSupervisor struct {
	logger pslog.Logger
	signal bool
	kill   func(pid int) error

	mu      sync.Mutex
	wanted  map[string]int
	stopped int
}

// NewInstanceSupervisor returns a supervisor. With signal set, stopped
// instances running on this host receive SIGTERM.
func NewInstanceSupervisor(logger pslog.Logger, signal bool) *InstanceSupervisor {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &InstanceSupervisor{
		logger: svcfields.WithSubsystem(logger, svcfields.Supervisor),
		signal: signal,
		kill:   terminate,
		wanted: make(map[string]int),
	}
}

// Scale implements core.Supervisor. It never blocks the caller.
func (s *InstanceSupervisor) Scale(action resource.ScaleAction) {
	s.mu.Lock()
	if action.Spawn > 0 {
		s.wanted[action.Key] += action.Spawn
	}
	s.mu.Unlock()
	if action.Spawn > 0 {
		s.logger.Info("supervisor.spawn_requested", "resource", action.Key, "rmid", int(action.Resource), "count", action.Spawn)
	}
	for _, proc := range action.Stop {
		s.logger.Info("supervisor.stop_requested", "resource", action.Key, "pid", proc.PID, "endpoint", proc.Endpoint)
		if !s.signal || proc.PID <= 0 {
			continue
		}
		if err := s.kill(proc.PID); err != nil {
			s.logger.Warn("supervisor.stop_failed", "resource", action.Key, "pid", proc.PID, "error", err)
			continue
		}
		s.mu.Lock()
		s.stopped++
		s.mu.Unlock()
	}
}

// Requested returns how many instances of the resource with key were asked
// for since the supervisor was created.
func (s *InstanceSupervisor) Requested(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wanted[key]
}

// Signalled returns how many instances were sent a stop signal.
func (s *InstanceSupervisor) Signalled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
