// Package connection owns the broker session of one device: connect with
// optional TLS, at-least-once publishing, asynchronous delivery tracking and
// the derived health counters.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Schera-ole/cloudconnector/internal/broker"
	internalerrors "github.com/Schera-ole/cloudconnector/internal/errors"
)

const (
	// ConnectTimeout bounds the initial handshake.
	ConnectTimeout = 60 * time.Second

	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive = 60 * time.Second

	// DefaultQuiesce is how long Disconnect lets in-flight work finish.
	DefaultQuiesce = 250 * time.Millisecond

	// NoLatency is returned by AverageLatencyMs before any confirmation was timed.
	NoLatency = -1.0

	clientIDPrefix = "tlm-"
)

// TrustStore locates the trust material for one-way TLS.
type TrustStore struct {
	Path     string
	Password string
}

// Params describe the session to establish.
type Params struct {
	ServerURI  string
	DeviceID   string
	Credential string

	// TrustStore is nil for plain connections or to use the system roots.
	TrustStore *TrustStore
}

// Observer receives delivery events, e.g. to export them as metrics.
type Observer interface {
	Published(device string)
	Failed(device string)
	Confirmed(device string)
	// Latency is called once per confirmation matched to its publish.
	Latency(device string, latency time.Duration)
}

// Stats is a point-in-time readout of a Manager.
type Stats struct {
	Device         string  `json:"device"`
	Connected      bool    `json:"connected"`
	Published      int64   `json:"published"`
	Confirmed      int64   `json:"confirmed"`
	Failed         int64   `json:"failed"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	LatencySamples int64   `json:"latency_samples"`
	Outstanding    int64   `json:"outstanding"`
}

// Option customizes a Manager.
type Option func(*Manager)

// WithFactory replaces the broker client implementation.
func WithFactory(f broker.Factory) Option {
	return func(m *Manager) {
		m.factory = f
	}
}

// WithObserver installs a delivery event observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithClock overrides the time source used for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithQuiesce overrides how long Disconnect waits for in-flight work.
func WithQuiesce(d time.Duration) Option {
	return func(m *Manager) {
		m.quiesce = d
	}
}

// Manager is the connection manager of one device.
//
// Publish runs on the scheduler goroutine while delivery confirmations arrive
// on broker client goroutines; the in-flight table and the counters are safe
// for that concurrent use.
type Manager struct {
	device   string
	logger   *zap.SugaredLogger
	factory  broker.Factory
	observer Observer
	now      func() time.Time
	quiesce  time.Duration

	mu           sync.Mutex
	client       broker.Client
	disconnected bool

	// inflight maps broker.Token to the time.Time the publish was submitted,
	// or to a settled marker when the outcome arrived before the publish was
	// registered
	inflight      sync.Map
	inflightCount atomic.Int64

	published      atomic.Int64
	confirmed      atomic.Int64
	failed         atomic.Int64
	latencyTotalNs atomic.Int64
	latencySamples atomic.Int64
}

// settled records a delivery outcome for a token that was not registered yet.
type settled struct {
	at        time.Time
	delivered bool
}

// NewManager creates a connection manager for the given device.
func NewManager(device string, logger *zap.SugaredLogger, opts ...Option) *Manager {
	m := &Manager{
		device:  device,
		logger:  logger,
		factory: broker.NewPahoClient,
		now:     time.Now,
		quiesce: DefaultQuiesce,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Device returns the device identity the manager was created for.
func (m *Manager) Device() string {
	return m.device
}

// Connect establishes the broker session and blocks until the broker
// acknowledges or rejects it. It does not retry; once a session exists the
// broker client reconnects on its own.
func (m *Manager) Connect(ctx context.Context, p Params) error {
	opts := broker.Options{
		ServerURI:      p.ServerURI,
		ClientID:       broker.ClientID(clientIDPrefix),
		ConnectTimeout: ConnectTimeout,
		KeepAlive:      KeepAlive,
		AutoReconnect:  true,
	}
	if !IsAnonymousEndpoint(p.ServerURI) {
		opts.Username = p.Credential
	}
	if p.TrustStore != nil {
		tlsConfig, err := LoadTLSConfig(p.TrustStore.Path, p.TrustStore.Password)
		if err != nil {
			m.logger.Errorw("tls setup failed", "device", m.device, "truststore", p.TrustStore.Path, "error", err)
			return &internalerrors.ConnectError{Kind: internalerrors.TLSSetupFailed, Err: err}
		}
		opts.TLSConfig = tlsConfig
	}

	client := m.factory(opts, broker.Handlers{
		ConnectionLost:   m.connectionLost,
		Reconnecting:     m.reconnecting,
		MessageArrived:   m.messageArrived,
		DeliveryComplete: m.deliveryComplete,
		DeliveryFailed:   m.deliveryFailed,
	})
	m.mu.Lock()
	m.client = client
	m.disconnected = false
	m.mu.Unlock()

	// tokens are per client, so nothing from an earlier session can match
	if dropped := m.DiscardOutstanding(); dropped > 0 {
		m.logger.Infow("dropped trackers of previous session", "device", m.device, "count", dropped)
	}

	m.logger.Infow("connecting to broker", "device", m.device, "server", p.ServerURI, "client_id", opts.ClientID)
	if err := client.Connect(ctx); err != nil {
		var connErr *internalerrors.ConnectError
		switch {
		case errors.As(err, &connErr) && connErr.Kind == internalerrors.ConnectRefused:
			m.logger.Errorw("broker refused connection", "device", m.device, "reason_code", connErr.ReasonCode, "error", err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			m.logger.Warnw("connect interrupted", "device", m.device, "error", err)
			return err
		default:
			m.logger.Errorw("failed to connect", "device", m.device, "error", err)
		}
		if connErr == nil {
			return &internalerrors.ConnectError{Kind: internalerrors.ConnectFailed, Err: err}
		}
		return err
	}
	m.logger.Infow("connected to broker", "device", m.device)
	return nil
}

// Publish submits payload at least once and starts tracking its delivery.
// A failed submission is counted and returned; it is never retried here.
func (m *Manager) Publish(topic string, payload []byte) error {
	client := m.currentClient()
	if client == nil {
		m.recordFailure()
		return &internalerrors.PublishError{Topic: topic, Err: internalerrors.ErrNotConnected}
	}

	submittedAt := m.now()
	token, err := client.Publish(topic, broker.QoSAtLeastOnce, payload)
	if err != nil {
		m.recordFailure()
		return &internalerrors.PublishError{Topic: topic, Err: err}
	}

	m.published.Add(1)
	if m.observer != nil {
		m.observer.Published(m.device)
	}

	m.inflightCount.Add(1)
	prior, raced := m.inflight.LoadOrStore(token, submittedAt)
	if !raced {
		return nil
	}
	// the client settled the delivery before Publish returned
	m.inflight.CompareAndDelete(token, prior)
	m.inflightCount.Add(-1)
	if outcome, ok := prior.(settled); ok && outcome.delivered {
		m.recordLatency(token, outcome.at.Sub(submittedAt))
	}
	return nil
}

// Disconnect closes the session created by Connect, including one whose
// handshake failed. Later calls, or a call without any Connect, do nothing.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	client := m.client
	if client == nil || m.disconnected {
		m.mu.Unlock()
		return nil
	}
	m.disconnected = true
	m.mu.Unlock()

	client.Disconnect(m.quiesce)
	if client.IsConnected() {
		return fmt.Errorf("%w: session still open after %s", internalerrors.ErrDisconnect, m.quiesce)
	}
	m.logger.Infow("disconnected from broker", "device", m.device)
	return nil
}

// DiscardOutstanding drops every in-flight tracker and returns how many were dropped.
func (m *Manager) DiscardOutstanding() int {
	dropped := 0
	m.inflight.Range(func(key, _ any) bool {
		value, ok := m.inflight.LoadAndDelete(key)
		if !ok {
			return true
		}
		if _, pending := value.(time.Time); pending {
			m.inflightCount.Add(-1)
			dropped++
		}
		return true
	})
	return dropped
}

// PublishedCount returns the number of successfully submitted publishes.
func (m *Manager) PublishedCount() int64 {
	return m.published.Load()
}

// ConfirmedCount returns the number of delivery confirmations received.
func (m *Manager) ConfirmedCount() int64 {
	return m.confirmed.Load()
}

// FailedCount returns the number of failed submissions.
func (m *Manager) FailedCount() int64 {
	return m.failed.Load()
}

// LatencySampleCount returns how many confirmations were matched to a publish.
func (m *Manager) LatencySampleCount() int64 {
	return m.latencySamples.Load()
}

// AverageLatencyMs returns the mean confirmation latency in milliseconds, or
// NoLatency when nothing was sampled yet.
func (m *Manager) AverageLatencyMs() float64 {
	samples := m.latencySamples.Load()
	if samples == 0 {
		return NoLatency
	}
	return float64(m.latencyTotalNs.Load()) / float64(samples) / float64(time.Millisecond)
}

// Outstanding returns the number of publishes still waiting for confirmation.
func (m *Manager) Outstanding() int64 {
	return m.inflightCount.Load()
}

// IsConnected reports whether the broker session is up.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	client, disconnected := m.client, m.disconnected
	m.mu.Unlock()
	return client != nil && !disconnected && client.IsConnected()
}

// Snapshot returns all readouts at once.
func (m *Manager) Snapshot() Stats {
	return Stats{
		Device:         m.device,
		Connected:      m.IsConnected(),
		Published:      m.PublishedCount(),
		Confirmed:      m.ConfirmedCount(),
		Failed:         m.FailedCount(),
		AvgLatencyMs:   m.AverageLatencyMs(),
		LatencySamples: m.LatencySampleCount(),
		Outstanding:    m.Outstanding(),
	}
}

func (m *Manager) currentClient() broker.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

func (m *Manager) recordFailure() {
	m.failed.Add(1)
	if m.observer != nil {
		m.observer.Failed(m.device)
	}
}

func (m *Manager) deliveryComplete(token broker.Token) {
	m.confirmed.Add(1)
	if m.observer != nil {
		m.observer.Confirmed(m.device)
	}

	// A duplicate or unknown confirmation is counted but not timed.
	if latency, ok := m.settle(token, true); ok {
		m.recordLatency(token, latency)
	}
}

func (m *Manager) deliveryFailed(token broker.Token, err error) {
	m.settle(token, false)
	m.logger.Warnw("delivery not confirmed", "device", m.device, "token", uint64(token), "error", err)
}

// settle removes the tracker of token and returns the latency since its
// submission. When the token is not registered yet a settled marker is left
// for Publish, which then finishes the bookkeeping.
func (m *Manager) settle(token broker.Token, delivered bool) (time.Duration, bool) {
	now := m.now()
	value, loaded := m.inflight.LoadOrStore(token, settled{at: now, delivered: delivered})
	if !loaded {
		return 0, false
	}
	submittedAt, pending := value.(time.Time)
	if !pending || !m.inflight.CompareAndDelete(token, value) {
		return 0, false
	}
	m.inflightCount.Add(-1)
	return now.Sub(submittedAt), true
}

func (m *Manager) recordLatency(token broker.Token, latency time.Duration) {
	m.latencyTotalNs.Add(int64(latency))
	m.latencySamples.Add(1)
	if m.observer != nil {
		m.observer.Latency(m.device, latency)
	}
	m.logger.Debugw("delivery confirmed", "device", m.device, "token", uint64(token), "latency", latency)
}

func (m *Manager) connectionLost(err error) {
	m.logger.Errorw("connection lost", "device", m.device, "error", err)
}

func (m *Manager) reconnecting() {
	m.logger.Infow("reconnecting to broker", "device", m.device)
}

func (m *Manager) messageArrived(topic string, payload []byte) {
	m.logger.Debugw("message arrived", "device", m.device, "topic", topic, "size", len(payload))
}
