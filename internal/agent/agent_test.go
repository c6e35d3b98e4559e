package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Schera-ole/cloudconnector/internal/broker"
	"github.com/Schera-ole/cloudconnector/internal/broker/mocks"
	"github.com/Schera-ole/cloudconnector/internal/config"
	"github.com/Schera-ole/cloudconnector/internal/connection"
	internalerrors "github.com/Schera-ole/cloudconnector/internal/errors"
	models "github.com/Schera-ole/cloudconnector/internal/model"
	"github.com/Schera-ole/cloudconnector/internal/resource"
	"github.com/Schera-ole/cloudconnector/internal/service"
	"github.com/Schera-ole/cloudconnector/internal/trace"
)

const smallTrace = `[{"speed":1,"gear":"D"},{"speed":2,"gear":"D"},{"speed":3,"gear":"N"}]`

func writeTrace(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.json")
	require.NoError(t, os.WriteFile(path, []byte(smallTrace), 0o600))
	return path
}

// mockFactory hands out one gomock client per connect. Devices are told
// apart by their token, which the manager passes as the username.
func mockFactory(ctrl *gomock.Controller, connectErrs map[string]error, calls *atomic.Int32) broker.Factory {
	return func(opts broker.Options, _ broker.Handlers) broker.Client {
		calls.Add(1)
		client := mocks.NewMockClient(ctrl)
		client.EXPECT().Connect(gomock.Any()).Return(connectErrs[opts.Username])
		var next atomic.Uint64
		client.EXPECT().Publish(gomock.Any(), broker.QoSAtLeastOnce, gomock.Any()).
			DoAndReturn(func(string, byte, []byte) (broker.Token, error) {
				return broker.Token(next.Add(1)), nil
			}).AnyTimes()
		client.EXPECT().Disconnect(connection.DefaultQuiesce).Times(1)
		client.EXPECT().IsConnected().Return(false).AnyTimes()
		return client
	}
}

func testConfig(devices ...config.Device) *config.Config {
	return &config.Config{
		ServerURI: "tcp://localhost:1883",
		LogLevel:  config.DefaultLogLevel,
		Devices:   devices,
	}
}

func device(name, tracePath string, hz float64) config.Device {
	return config.Device{Name: name, Token: "tok-" + name, Trace: tracePath, Frequency: hz}
}

func noProbes() Option {
	return WithSamplerOptions(resource.WithCPUProbes(), resource.WithHeapProbes())
}

func reportsByDevice(reports []models.RunReport) map[string]models.RunReport {
	result := make(map[string]models.RunReport, len(reports))
	for _, r := range reports {
		result[r.Device] = r
	}
	return result
}

func TestAgent_RunsEveryDevice(t *testing.T) {
	ctrl := gomock.NewController(t)
	var calls atomic.Int32
	core, logs := observer.New(zap.InfoLevel)

	path := writeTrace(t)
	a := New(testConfig(device("car-1", path, 200), device("car-2", path, 200)), zap.New(core).Sugar(),
		WithBrokerFactory(mockFactory(ctrl, nil, &calls)),
		noProbes(),
	)

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Wait())

	assert.Equal(t, int32(2), calls.Load())
	reports := reportsByDevice(a.Reports())
	require.Len(t, reports, 2)
	for _, name := range []string{"car-1", "car-2"} {
		r := reports[name]
		assert.Equal(t, models.OutcomeCompleted, r.Outcome, name)
		assert.Equal(t, int64(3), r.Published, name)
		assert.Equal(t, int64(0), r.Confirmed, name)
		assert.Equal(t, connection.NoLatency, r.AvgLatencyMs, name)
		assert.False(t, r.FinishedAt.Before(r.StartedAt), name)
		assert.Empty(t, r.Error, name)
	}

	st, err := a.Status().Device("car-1")
	require.NoError(t, err)
	assert.Equal(t, "disconnected", st.State)

	// Sampling brackets the runs and ends with a summary
	assert.Equal(t, 2, logs.FilterMessage("run summary").Len())
	labels := []string{}
	for _, e := range logs.FilterMessage("resource sample").All() {
		labels = append(labels, e.ContextMap()["label"].(string))
	}
	assert.Equal(t, []string{"before publishing", "after publishing"}, labels)
	assert.Equal(t, 1, logs.FilterMessageSnippet("resource summary").Len())

	require.NoError(t, a.Stop(context.Background()))

	// Reports reach the repository through the audit pipeline
	stored, err := a.Status().Reports(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestAgent_ConnectFailureFailsOnlyThatDevice(t *testing.T) {
	ctrl := gomock.NewController(t)
	var calls atomic.Int32
	path := writeTrace(t)

	factory := mockFactory(ctrl, map[string]error{"tok-bad": errors.New("dial tcp: connection refused")}, &calls)
	a := New(testConfig(device("good", path, 200), device("bad", path, 200)), zap.NewNop().Sugar(),
		WithBrokerFactory(factory),
		noProbes(),
	)

	require.NoError(t, a.Start(context.Background()))
	err := a.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, internalerrors.ErrConnect)
	assert.Contains(t, err.Error(), "device bad")

	reports := reportsByDevice(a.Reports())
	assert.Equal(t, models.OutcomeCompleted, reports["good"].Outcome)
	assert.Equal(t, models.OutcomeConnectFailed, reports["bad"].Outcome)
	assert.Equal(t, int64(0), reports["bad"].Published)
	assert.NotEmpty(t, reports["bad"].Error)

	require.NoError(t, a.Stop(context.Background()))
}

func TestAgent_TraceLoadFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	var calls atomic.Int32

	a := New(testConfig(device("car", filepath.Join(t.TempDir(), "missing.json"), 1)), zap.NewNop().Sugar(),
		WithBrokerFactory(mockFactory(ctrl, nil, &calls)),
		noProbes(),
	)

	require.NoError(t, a.Start(context.Background()))
	err := a.Wait()
	assert.ErrorIs(t, err, internalerrors.ErrLoad)

	// No session is ever opened for a device without data
	assert.Equal(t, int32(0), calls.Load())
	reports := a.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, models.OutcomeLoadFailed, reports[0].Outcome)

	require.NoError(t, a.Stop(context.Background()))
}

func TestAgent_StopCancelsRunningDevices(t *testing.T) {
	ctrl := gomock.NewController(t)
	var calls atomic.Int32

	a := New(testConfig(device("slow", trace.DefaultTrace, 1)), zap.NewNop().Sugar(),
		WithBrokerFactory(mockFactory(ctrl, nil, &calls)),
		noProbes(),
	)
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool {
		st, err := a.Status().Device("slow")
		return err == nil && st.Published >= 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Wait())

	reports := a.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, models.OutcomeCanceled, reports[0].Outcome)
	assert.GreaterOrEqual(t, reports[0].Published, int64(1))
	assert.Less(t, reports[0].Published, int64(60))
}

// stuckFactory hands out clients whose Connect ignores cancellation and
// returns only once release is closed.
func stuckFactory(ctrl *gomock.Controller, entered chan<- struct{}, release <-chan struct{}) broker.Factory {
	return func(broker.Options, broker.Handlers) broker.Client {
		client := mocks.NewMockClient(ctrl)
		client.EXPECT().Connect(gomock.Any()).DoAndReturn(func(context.Context) error {
			entered <- struct{}{}
			<-release
			return nil
		})
		client.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(broker.Token(1), nil).AnyTimes()
		client.EXPECT().Disconnect(gomock.Any()).AnyTimes()
		client.EXPECT().IsConnected().Return(false).AnyTimes()
		return client
	}
}

func TestAgent_StopDeadlineReleasesServices(t *testing.T) {
	ctrl := gomock.NewController(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})

	cfg := testConfig(device("stuck", writeTrace(t), 200))
	cfg.StatusAddr = "127.0.0.1:0"
	a := New(cfg, zap.NewNop().Sugar(), WithBrokerFactory(stuckFactory(ctrl, entered, release)), noProbes())
	require.NoError(t, a.Start(context.Background()))
	addr := a.Addr()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The device is still stuck, but the status server is gone
	select {
	case <-a.Done():
		t.Fatal("device run finished while its connect was blocked")
	default:
	}
	_, err = http.Get("http://" + addr + "/ping")
	assert.Error(t, err)

	close(release)
	<-a.Done()
	assert.NoError(t, a.Stop(context.Background()))
}

func TestAgent_ConcurrentStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	var calls atomic.Int32

	a := New(testConfig(device("car", trace.DefaultTrace, 1)), zap.NewNop().Sugar(),
		WithBrokerFactory(mockFactory(ctrl, nil, &calls)),
		noProbes(),
	)

	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			errs <- a.Stop(context.Background())
		}()
	}
	// Stops before Start are no-ops
	for i := 0; i < 4; i++ {
		assert.NoError(t, <-errs)
	}

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool {
		st, err := a.Status().Device("car")
		return err == nil && st.Published >= 1
	}, 2*time.Second, 10*time.Millisecond)
	for i := 0; i < 4; i++ {
		go func() {
			errs <- a.Stop(context.Background())
		}()
	}
	for i := 0; i < 4; i++ {
		assert.NoError(t, <-errs)
	}
	require.NoError(t, a.Stop(context.Background()))

	<-a.Done()
	reports := a.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, models.OutcomeCanceled, reports[0].Outcome)
}

func TestAgent_StatusServer(t *testing.T) {
	ctrl := gomock.NewController(t)
	var calls atomic.Int32

	cfg := testConfig(device("car", writeTrace(t), 200))
	cfg.StatusAddr = "127.0.0.1:0"
	a := New(cfg, zap.NewNop().Sugar(), WithBrokerFactory(mockFactory(ctrl, nil, &calls)), noProbes())

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Wait())
	defer a.Stop(context.Background())
	require.NotEmpty(t, a.Addr())

	resp, err := http.Get("http://" + a.Addr() + "/status/car")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st service.DeviceStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, int64(3), st.Published)

	metricsResp, err := http.Get("http://" + a.Addr() + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `connector_published_total{device="car"} 3`)
}

func TestAgent_AuditFile(t *testing.T) {
	ctrl := gomock.NewController(t)
	var calls atomic.Int32

	cfg := testConfig(device("car", writeTrace(t), 200))
	cfg.AuditFile = filepath.Join(t.TempDir(), "audit.log")
	a := New(cfg, zap.NewNop().Sugar(), WithBrokerFactory(mockFactory(ctrl, nil, &calls)), noProbes())

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Wait())
	require.NoError(t, a.Stop(context.Background()))

	file, err := os.Open(cfg.AuditFile)
	require.NoError(t, err)
	defer file.Close()

	var kinds []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var evt models.AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &evt))
		assert.Equal(t, "car", evt.Device)
		kinds = append(kinds, evt.Kind)
	}
	assert.Equal(t, []string{models.EventConnected, models.EventDisconnected, models.EventRunFinished}, kinds)
}

func TestAgent_StartTwice(t *testing.T) {
	ctrl := gomock.NewController(t)
	var calls atomic.Int32

	a := New(testConfig(device("car", writeTrace(t), 200)), zap.NewNop().Sugar(),
		WithBrokerFactory(mockFactory(ctrl, nil, &calls)),
		noProbes(),
	)
	require.NoError(t, a.Start(context.Background()))
	assert.ErrorIs(t, a.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, a.Wait())
	require.NoError(t, a.Stop(context.Background()))
}

func TestAgent_StopBeforeStart(t *testing.T) {
	a := New(testConfig(), zap.NewNop().Sugar())
	assert.NoError(t, a.Stop(context.Background()))
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, models.OutcomeCompleted},
		{"load", &internalerrors.LoadError{Source: "x", Err: os.ErrNotExist}, models.OutcomeLoadFailed},
		{"canceled", context.Canceled, models.OutcomeCanceled},
		{"refused", &internalerrors.ConnectError{Kind: internalerrors.ConnectRefused}, models.OutcomeConnectFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcome(tt.err))
		})
	}
}
