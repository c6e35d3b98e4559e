// Package scheduler replays a trace to the broker at a fixed rate.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Schera-ole/cloudconnector/internal/connection"
	internalerrors "github.com/Schera-ole/cloudconnector/internal/errors"
	models "github.com/Schera-ole/cloudconnector/internal/model"
	"github.com/Schera-ole/cloudconnector/internal/pool"
)

// DefaultTopic is the telemetry topic of the device API.
const DefaultTopic = "v1/devices/me/telemetry"

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("scheduler already started")

//go:generate mockgen -source=scheduler.go -destination=mocks/mock_connector.go -package=mocks

// Connector is the part of the connection manager the scheduler drives.
type Connector interface {
	Connect(ctx context.Context, p connection.Params) error
	Publish(topic string, payload []byte) error
	Disconnect() error
	DiscardOutstanding() int
}

// State is the lifecycle stage of a run.
type State int32

const (
	Idle State = iota
	Connecting
	Running
	Draining
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config controls one replay.
type Config struct {
	Device      string
	Topic       string
	FrequencyHz float64
	// TopN keeps only the first TopN scalar signals; 0 publishes points unchanged.
	TopN    int
	Connect connection.Params
}

var buffers = pool.New(func() *bytes.Buffer { return new(bytes.Buffer) })

// Scheduler publishes the data points of a trace one per tick.
type Scheduler struct {
	cfg      Config
	trace    models.Trace
	conn     Connector
	logger   *zap.SugaredLogger
	interval time.Duration

	state    atomic.Int32
	next     int
	done     chan struct{}
	doneOnce sync.Once
}

// Interval converts a publish frequency to the tick interval, rounded to
// whole milliseconds.
func Interval(frequencyHz float64) (time.Duration, error) {
	if !(frequencyHz > 0) || math.IsInf(frequencyHz, 0) {
		return 0, &internalerrors.ConfigError{Field: "frequency", Reason: fmt.Sprintf("must be positive, got %v", frequencyHz)}
	}
	ms := math.Round(1000 / frequencyHz)
	if ms < 1 {
		return 0, &internalerrors.ConfigError{Field: "frequency", Reason: fmt.Sprintf("%v Hz is above the 2000 Hz limit", frequencyHz)}
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// New validates cfg and prepares a scheduler in the Idle state.
func New(cfg Config, trace models.Trace, conn Connector, logger *zap.SugaredLogger) (*Scheduler, error) {
	interval, err := Interval(cfg.FrequencyHz)
	if err != nil {
		return nil, err
	}
	if cfg.TopN < 0 {
		return nil, &internalerrors.ConfigError{Field: "topN", Reason: fmt.Sprintf("must not be negative, got %d", cfg.TopN)}
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	return &Scheduler{
		cfg:      cfg,
		trace:    trace,
		conn:     conn,
		logger:   logger.With("device", cfg.Device),
		interval: interval,
		done:     make(chan struct{}),
	}, nil
}

// State returns the current lifecycle stage.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Interval returns the tick interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Done is closed when the trace is exhausted or the run ends early.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Run connects, replays the trace and disconnects. The first data point is
// published right after the connection is up.
//
// Run returns nil when the whole trace was replayed, the connect error when
// the session could not be established, or ctx.Err() when cancelled. The
// connector is disconnected exactly once in every case.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(Idle), int32(Connecting)) {
		return ErrAlreadyStarted
	}
	defer s.shutdown(ctx)

	if err := s.conn.Connect(ctx, s.cfg.Connect); err != nil {
		return err
	}

	s.setState(Running)
	s.logger.Infow("replay started", "points", len(s.trace), "interval", s.interval, "topic", s.cfg.Topic, "top_n", s.cfg.TopN)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if !s.tick() {
			s.setState(Draining)
			s.logger.Infow("trace exhausted", "points", len(s.trace))
			s.signalDone()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick publishes the next data point and reports false once the trace is exhausted.
func (s *Scheduler) tick() bool {
	if s.next >= len(s.trace) {
		return false
	}
	index := s.next
	point := s.trace[index]
	s.next++

	if s.cfg.TopN > 0 {
		point = SelectTopNScalars(point, s.cfg.TopN)
	}

	buf := buffers.Get()
	defer buffers.Put(buf)
	if err := point.WriteJSON(buf); err != nil {
		s.logger.Errorw("failed to encode data point", "index", index, "error", err)
		return true
	}

	// the broker client holds on to the payload until the delivery is confirmed
	payload := bytes.Clone(buf.Bytes())
	if err := s.conn.Publish(s.cfg.Topic, payload); err != nil {
		s.logger.Warnw("publish failed", "index", index, "error", err)
		return true
	}
	s.logger.Debugw("published data point", "index", index, "bytes", len(payload))
	return true
}

func (s *Scheduler) shutdown(ctx context.Context) {
	if ctx.Err() != nil {
		if dropped := s.conn.DiscardOutstanding(); dropped > 0 {
			s.logger.Infow("discarded unconfirmed publishes", "count", dropped)
		}
	}
	if err := s.conn.Disconnect(); err != nil {
		s.logger.Errorw("disconnect failed", "error", err)
	}
	s.setState(Disconnected)
	s.signalDone()
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Scheduler) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
