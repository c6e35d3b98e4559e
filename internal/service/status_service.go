// Package service provides the read side of the connector: live per-device
// status and stored run reports.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/Schera-ole/cloudconnector/internal/connection"
	internalerrors "github.com/Schera-ole/cloudconnector/internal/errors"
	models "github.com/Schera-ole/cloudconnector/internal/model"
	"github.com/Schera-ole/cloudconnector/internal/repository"
	"github.com/Schera-ole/cloudconnector/internal/scheduler"
)

// StatsSource is implemented by *connection.Manager.
type StatsSource interface {
	Snapshot() connection.Stats
}

// StateSource is implemented by *scheduler.Scheduler.
type StateSource interface {
	State() scheduler.State
}

// DeviceStatus is the live view of one device run.
type DeviceStatus struct {
	connection.Stats
	State string `json:"state"`
}

type deviceEntry struct {
	stats StatsSource
	state StateSource
}

// StatusService aggregates registered device runs and the report repository.
type StatusService struct {
	mu      sync.RWMutex
	order   []string
	devices map[string]deviceEntry

	// repository is the run report store
	repository repository.Repository
}

// NewStatusService creates a StatusService backed by repo.
func NewStatusService(repo repository.Repository) *StatusService {

	return &StatusService{
		devices:    make(map[string]deviceEntry),
		repository: repo,
	}
}

// Register makes a device run visible. Registering the same device again
// replaces the previous sources.
func (s *StatusService) Register(device string, stats StatsSource, state StateSource) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[device]; !ok {
		s.order = append(s.order, device)
	}
	s.devices[device] = deviceEntry{stats: stats, state: state}
}

// Devices returns the status of every registered device in registration order.
func (s *StatusService) Devices() []DeviceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]DeviceStatus, 0, len(s.order))
	for _, name := range s.order {
		result = append(result, s.devices[name].status())
	}
	return result
}

// Device returns the status of one device or ErrDeviceNotFound.
func (s *StatusService) Device(name string) (DeviceStatus, error) {
	s.mu.RLock()
	entry, ok := s.devices[name]
	s.mu.RUnlock()

	if !ok {
		return DeviceStatus{}, fmt.Errorf("%w: %s", internalerrors.ErrDeviceNotFound, name)
	}
	return entry.status(), nil
}

// Reports lists stored run reports, newest first.
func (s *StatusService) Reports(ctx context.Context, device string, limit int) ([]models.RunReport, error) {

	return s.repository.ListReports(ctx, device, limit)
}

// Ping checks the repository connection.
func (s *StatusService) Ping(ctx context.Context) error {

	return s.repository.Ping(ctx)
}

func (e deviceEntry) status() DeviceStatus {
	st := DeviceStatus{Stats: e.stats.Snapshot()}
	if e.state != nil {
		st.State = e.state.State().String()
	}
	return st
}
