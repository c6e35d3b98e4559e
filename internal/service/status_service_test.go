package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Schera-ole/cloudconnector/internal/connection"
	internalerrors "github.com/Schera-ole/cloudconnector/internal/errors"
	models "github.com/Schera-ole/cloudconnector/internal/model"
	"github.com/Schera-ole/cloudconnector/internal/repository"
	"github.com/Schera-ole/cloudconnector/internal/scheduler"
)

type fixedStats connection.Stats

func (f fixedStats) Snapshot() connection.Stats { return connection.Stats(f) }

type fixedState scheduler.State

func (f fixedState) State() scheduler.State { return scheduler.State(f) }

func TestNewStatusService(t *testing.T) {
	memStorage := repository.NewMemStorage()
	service := NewStatusService(memStorage)
	assert.NotNil(t, service)
	assert.Equal(t, memStorage, service.repository)
	assert.Empty(t, service.Devices())
}

func TestStatusService_DevicesInRegistrationOrder(t *testing.T) {
	service := NewStatusService(repository.NewMemStorage())

	service.Register("b", fixedStats{Device: "b", Published: 3}, fixedState(scheduler.Running))
	service.Register("a", fixedStats{Device: "a", AvgLatencyMs: -1}, fixedState(scheduler.Disconnected))

	devices := service.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "b", devices[0].Device)
	assert.Equal(t, int64(3), devices[0].Published)
	assert.Equal(t, scheduler.Running.String(), devices[0].State)
	assert.Equal(t, "a", devices[1].Device)
	assert.Equal(t, -1.0, devices[1].AvgLatencyMs)

	// Registering again replaces the sources but keeps the position
	service.Register("b", fixedStats{Device: "b", Published: 7}, nil)
	devices = service.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, int64(7), devices[0].Published)
	assert.Empty(t, devices[0].State)
}

func TestStatusService_Device(t *testing.T) {
	service := NewStatusService(repository.NewMemStorage())
	service.Register("car", fixedStats{Device: "car", Connected: true}, fixedState(scheduler.Running))

	st, err := service.Device("car")
	require.NoError(t, err)
	assert.True(t, st.Connected)

	_, err = service.Device("missing")
	assert.ErrorIs(t, err, internalerrors.ErrDeviceNotFound)
}

func TestStatusService_ReportsAndPing(t *testing.T) {
	memStorage := repository.NewMemStorage()
	service := NewStatusService(memStorage)
	ctx := context.Background()

	_, err := memStorage.SaveReport(ctx, models.RunReport{Device: "a", Outcome: models.OutcomeCompleted})
	require.NoError(t, err)
	_, err = memStorage.SaveReport(ctx, models.RunReport{Device: "b", Outcome: models.OutcomeCanceled})
	require.NoError(t, err)

	reports, err := service.Reports(ctx, "b", 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, models.OutcomeCanceled, reports[0].Outcome)

	assert.NoError(t, service.Ping(ctx))
}
