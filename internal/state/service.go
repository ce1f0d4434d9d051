package state

import (
	"context"

	"github.com/vzahanych/view-guard-meta/console/internal/logger"
	"github.com/vzahanych/view-guard-meta/console/internal/service"
)

// Service runs state recovery at startup and closes the database on stop
type Service struct {
	*service.ServiceBase
	manager   *Manager
	recovered *RecoveredState
}

// NewService wraps a manager as a managed service
func NewService(mgr *Manager, log *logger.Logger) *Service {
	return &Service{
		ServiceBase: service.NewServiceBase("state", log),
		manager:     mgr,
	}
}

// Start recovers persisted state unless Recover already ran
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.Recover(ctx); err != nil {
		return err
	}
	s.GetStatus().SetStatus(service.StatusRunning)
	return nil
}

// Recover loads persisted settings and closes interrupted runs. It runs once;
// later calls return the first result.
func (s *Service) Recover(ctx context.Context) (*RecoveredState, error) {
	if s.recovered != nil {
		return s.recovered, nil
	}
	recovered, err := s.manager.RecoverState(ctx)
	if err != nil {
		return nil, err
	}
	s.recovered = recovered
	return recovered, nil
}

// Stop closes the database
func (s *Service) Stop(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStopped)
	return s.manager.Close()
}

// Recovered returns what Start found, or nil before Start
func (s *Service) Recovered() *RecoveredState {
	return s.recovered
}

// Manager returns the underlying state manager
func (s *Service) Manager() *Manager {
	return s.manager
}
