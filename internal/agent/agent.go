// Package agent runs the configured devices: one connection manager and one
// publish scheduler per device, plus the resource sampler, the audit
// pipeline, the report store and the optional status server around them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Schera-ole/cloudconnector/internal/audit"
	"github.com/Schera-ole/cloudconnector/internal/broker"
	"github.com/Schera-ole/cloudconnector/internal/config"
	"github.com/Schera-ole/cloudconnector/internal/connection"
	internalerrors "github.com/Schera-ole/cloudconnector/internal/errors"
	"github.com/Schera-ole/cloudconnector/internal/handler"
	"github.com/Schera-ole/cloudconnector/internal/metrics"
	"github.com/Schera-ole/cloudconnector/internal/migration"
	models "github.com/Schera-ole/cloudconnector/internal/model"
	"github.com/Schera-ole/cloudconnector/internal/repository"
	"github.com/Schera-ole/cloudconnector/internal/resource"
	"github.com/Schera-ole/cloudconnector/internal/retry"
	"github.com/Schera-ole/cloudconnector/internal/scheduler"
	"github.com/Schera-ole/cloudconnector/internal/service"
	"github.com/Schera-ole/cloudconnector/internal/trace"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("agent already started")

// Option customises an Agent.
type Option func(*Agent)

// WithBrokerFactory replaces the paho client factory.
func WithBrokerFactory(f broker.Factory) Option {
	return func(a *Agent) { a.factory = f }
}

// WithRepository replaces the report store chosen from the configuration.
func WithRepository(repo repository.Repository) Option {
	return func(a *Agent) { a.repo = repo }
}

// WithSamplerOptions passes extra options to the resource sampler.
func WithSamplerOptions(opts ...resource.Option) Option {
	return func(a *Agent) { a.samplerOpts = append(a.samplerOpts, opts...) }
}

// WithHTTPClient sets the client used by the audit URL subscriber.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Agent) { a.httpClient = c }
}

// WithClock replaces time.Now for run reports.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// Agent owns every device run of one process.
type Agent struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	factory     broker.Factory
	samplerOpts []resource.Option
	httpClient  *http.Client
	now         func() time.Time

	registry *prometheus.Registry
	metrics  *metrics.PromObs
	sampler  *resource.Sampler
	repo     repository.Repository
	audit    *audit.Pipeline
	status   *service.StatusService
	server   *http.Server
	listener net.Listener

	startOnce sync.Once
	started   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error

	mu      sync.Mutex
	reports []models.RunReport
	err     error
}

// New creates an agent for cfg. Nothing runs until Start.
func New(cfg *config.Config, logger *zap.SugaredLogger, opts ...Option) *Agent {
	a := &Agent{
		cfg:        cfg,
		logger:     logger,
		factory:    broker.NewPahoClient,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
		registry:   prometheus.NewRegistry(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type deviceRun struct {
	device  config.Device
	manager *connection.Manager
	sched   *scheduler.Scheduler
	loadErr error
}

// Start prepares the supporting services and starts one run per device.
// It returns once every run has been launched; use Done or Wait to learn
// when the runs are over.
func (a *Agent) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	a.startOnce.Do(func() {
		err = a.start(ctx)
	})
	return err
}

func (a *Agent) start(ctx context.Context) error {
	if err := a.openRepository(ctx); err != nil {
		return err
	}

	a.metrics = metrics.NewPromObs(a.registry)
	a.sampler = resource.NewSampler(a.logger, append([]resource.Option{resource.WithObserver(a.metrics)}, a.samplerOpts...)...)
	a.audit = audit.NewPipeline(a.logger, audit.DefaultBuffer, a.auditSinks()...)
	a.status = service.NewStatusService(a.repo)

	if a.cfg.StatusAddr != "" {
		if err := a.startServer(); err != nil {
			a.audit.Close()
			a.repo.Close()
			return err
		}
	}

	runs := make([]*deviceRun, 0, len(a.cfg.Devices))
	for _, dev := range a.cfg.Devices {
		run, err := a.prepare(dev)
		if err != nil {
			a.shutdownServices(context.Background())
			return err
		}
		runs = append(runs, run)
	}

	a.sampler.Sample("before publishing")

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.started.Store(true)

	sampleCtx, stopSampling := context.WithCancel(runCtx)
	samplingDone := make(chan struct{})
	go func() {
		defer close(samplingDone)
		if interval := time.Duration(a.cfg.SampleInterval); interval > 0 {
			a.sampler.Run(sampleCtx, interval)
		}
	}()

	var group errgroup.Group
	for _, run := range runs {
		group.Go(func() error {
			return a.runDevice(runCtx, run)
		})
	}

	go func() {
		// per-device errors are joined in runDevice
		_ = group.Wait()
		stopSampling()
		<-samplingDone
		a.sampler.Sample("after publishing")
		a.sampler.LogSummary()
		close(a.done)
	}()
	return nil
}

// Done is closed when every device run has finished.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until every device run has finished and returns the joined
// fatal errors of the runs.
func (a *Agent) Wait() error {
	<-a.done
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Stop cancels the device runs that are still publishing, waits for them and
// releases the supporting services. When ctx ends first the services are
// released anyway and ctx.Err() is part of the returned error.
func (a *Agent) Stop(ctx context.Context) error {
	if !a.started.Load() {
		return nil
	}
	a.cancel()
	select {
	case <-a.done:
		return a.shutdownServices(ctx)
	case <-ctx.Done():
		a.logger.Warnw("device runs did not stop in time", "error", ctx.Err())
		return errors.Join(ctx.Err(), a.shutdownServices(ctx))
	}
}

// Reports returns the run reports produced so far.
func (a *Agent) Reports() []models.RunReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.RunReport(nil), a.reports...)
}

// Status exposes the live device status.
func (a *Agent) Status() *service.StatusService {
	return a.status
}

// Addr returns the status server address, or "" when it is disabled.
func (a *Agent) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *Agent) openRepository(ctx context.Context) error {
	if a.repo != nil {
		return nil
	}
	if a.cfg.DatabaseDSN == "" {
		a.repo = repository.NewMemStorage()
		return nil
	}
	if err := migration.RunMigrations(ctx, a.cfg.DatabaseDSN, a.logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	db, err := repository.NewDBStorage(a.cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("failed to open report storage: %w", err)
	}
	a.repo = db
	return nil
}

func (a *Agent) auditSinks() []audit.Sink {
	sinks := []audit.Sink{
		func(events <-chan models.AuditEvent) {
			audit.RepositorySubscriber(events, a.repo, a.logger)
		},
	}
	if path := a.cfg.AuditFile; path != "" {
		sinks = append(sinks, func(events <-chan models.AuditEvent) {
			audit.FileSubscriber(events, path, a.logger)
		})
	}
	if url := a.cfg.AuditURL; url != "" {
		sinks = append(sinks, func(events <-chan models.AuditEvent) {
			audit.URLSubscriber(events, a.httpClient, url, retry.DefaultDelays, a.logger)
		})
	}
	return sinks
}

func (a *Agent) startServer() error {
	ln, err := net.Listen("tcp", a.cfg.StatusAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.StatusAddr, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           handler.Router(a.status, a.metrics.Handler(), a.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Infow("status server listening", "address", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Errorw("status server failed", "error", err)
		}
	}()
	return nil
}

// shutdownServices runs once; later calls return the first result.
func (a *Agent) shutdownServices(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.releaseServices(ctx)
	})
	return a.shutdownErr
}

func (a *Agent) releaseServices(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.server.Close()
			errs = append(errs, fmt.Errorf("status server shutdown: %w", err))
		}
	}
	a.audit.Close()
	if err := a.repo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("report storage close: %w", err))
	}
	return errors.Join(errs...)
}

// prepare loads the trace and builds the manager and scheduler of one device.
// A trace that cannot be loaded fails only that device.
func (a *Agent) prepare(dev config.Device) (*deviceRun, error) {
	run := &deviceRun{device: dev}
	run.manager = connection.NewManager(dev.Name, a.logger,
		connection.WithFactory(a.factory),
		connection.WithObserver(a.metrics),
	)

	points, err := trace.Load(dev.Trace)
	if err != nil {
		run.loadErr = err
		a.status.Register(dev.Name, run.manager, nil)
		return run, nil
	}

	sched, err := scheduler.New(scheduler.Config{
		Device:      dev.Name,
		Topic:       dev.Topic,
		FrequencyHz: dev.Frequency,
		TopN:        dev.TopN,
		Connect: connection.Params{
			ServerURI:  a.cfg.ServerURI,
			DeviceID:   dev.Name,
			Credential: dev.Token,
			TrustStore: a.cfg.TrustStore(),
		},
	}, points, &auditedConnector{Manager: run.manager, audit: a.audit}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dev.Name, err)
	}
	run.sched = sched
	a.status.Register(dev.Name, run.manager, sched)
	return run, nil
}

func (a *Agent) runDevice(ctx context.Context, run *deviceRun) error {
	report := models.RunReport{Device: run.device.Name, StartedAt: a.now()}

	var err error
	if run.loadErr != nil {
		err = run.loadErr
		a.logger.Errorw("failed to load trace", "device", run.device.Name, "trace", run.device.Trace, "error", err)
	} else {
		err = run.sched.Run(ctx)
	}

	stats := run.manager.Snapshot()
	report.FinishedAt = a.now()
	report.Published = stats.Published
	report.Confirmed = stats.Confirmed
	report.Failed = stats.Failed
	report.AvgLatencyMs = stats.AvgLatencyMs
	report.Outcome = outcome(err)
	if err != nil {
		report.Error = err.Error()
	}

	a.logger.Infow("run summary",
		"device", report.Device,
		"outcome", report.Outcome,
		"published", report.Published,
		"confirmed", report.Confirmed,
		"failed", report.Failed,
		"avg_latency_ms", report.AvgLatencyMs,
	)
	a.audit.Log(models.EventRunFinished, report.Device, &report)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, report)
	if report.Outcome == models.OutcomeLoadFailed || report.Outcome == models.OutcomeConnectFailed {
		err = fmt.Errorf("device %s: %w", report.Device, err)
		a.err = errors.Join(a.err, err)
		return err
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return models.OutcomeCompleted
	case errors.Is(err, internalerrors.ErrLoad):
		return models.OutcomeLoadFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return models.OutcomeCanceled
	default:
		return models.OutcomeConnectFailed
	}
}

// auditedConnector emits connected and disconnected audit events around
// the manager's session.
type auditedConnector struct {
	*connection.Manager
	audit audit.AuditLogger

	// connected is only touched by the scheduler goroutine
	connected bool
}

func (c *auditedConnector) Connect(ctx context.Context, p connection.Params) error {
	if err := c.Manager.Connect(ctx, p); err != nil {
		return err
	}
	c.connected = true
	c.audit.Log(models.EventConnected, c.Device(), nil)
	return nil
}

func (c *auditedConnector) Disconnect() error {
	err := c.Manager.Disconnect()
	if c.connected {
		c.connected = false
		c.audit.Log(models.EventDisconnected, c.Device(), nil)
	}
	return err
}
