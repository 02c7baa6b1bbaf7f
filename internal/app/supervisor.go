package app

import (
	"sync"

	"github.com/NodePath81/netdiag/internal/config"
	"github.com/NodePath81/netdiag/internal/util"
	"github.com/pkg/errors"
)

// Supervisor reloads configuration and rebuilds the runtime on restart.
// A restart whose configuration fails to load leaves the current runtime
// running.
type Supervisor struct {
	configPath string
	logger     util.Logger
	restartMu  sync.Mutex
	mu         sync.Mutex
	runtime    *Runtime
	restarts   int
}

func NewSupervisor(configPath string, logger util.Logger) *Supervisor {
	return &Supervisor{
		configPath: configPath,
		logger:     util.Component(logger, "supervisor"),
	}
}

func (s *Supervisor) Start() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	return s.startWith(cfg)
}

func (s *Supervisor) startWith(cfg config.Config) error {
	runtime, err := NewRuntime(cfg, s.logger, s.Restart)
	if err != nil {
		return errors.Wrap(err, "build runtime")
	}
	if err := runtime.Start(); err != nil {
		runtime.Stop()
		return errors.Wrap(err, "start runtime")
	}
	s.mu.Lock()
	s.runtime = runtime
	s.mu.Unlock()
	return nil
}

// Restart validates the configuration file, then replaces the runtime.
// Measurements and traces in flight are stopped.
func (s *Supervisor) Restart() error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		s.logger.Warn().Err(err).Str("config", s.configPath).Msg("restart aborted, keeping current runtime")
		return err
	}

	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.restarts++
	count := s.restarts
	s.mu.Unlock()

	if current != nil {
		current.Stop()
	}
	s.logger.Info().Str("config", s.configPath).Int("restarts", count).Msg("restarting runtime")
	return s.startWith(cfg)
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}

// Runtime returns the active runtime, or nil while stopped.
func (s *Supervisor) Runtime() *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}
