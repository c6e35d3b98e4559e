// Package audit distributes run lifecycle events to audit destinations.
//
// It implements a publish-subscribe pattern: a broadcaster fans events out to
// a JSON-lines file, an HTTP endpoint and the report repository.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	models "github.com/Schera-ole/cloudconnector/internal/model"
	"github.com/Schera-ole/cloudconnector/internal/repository"
	"github.com/Schera-ole/cloudconnector/internal/retry"
)

// DefaultBuffer is the capacity of each event channel.
const DefaultBuffer = 64

// AuditLogger records lifecycle events.
type AuditLogger interface {
	// Log records an event of the given kind. report is only set for run_finished.
	Log(kind, device string, report *models.RunReport)
}

// auditLogger is a concrete implementation of AuditLogger that sends events to a channel.
type auditLogger struct {
	eventChan chan<- models.AuditEvent
	logger    *zap.SugaredLogger
}

// NewAuditLogger creates a new AuditLogger that sends events to the provided channel.
func NewAuditLogger(eventChan chan<- models.AuditEvent, logger *zap.SugaredLogger) AuditLogger {
	return &auditLogger{
		eventChan: eventChan,
		logger:    logger,
	}
}

func (a *auditLogger) Log(kind, device string, report *models.RunReport) {
	event := models.AuditEvent{
		TS:     time.Now().Format(time.RFC3339),
		Kind:   kind,
		Device: device,
		Report: report,
	}

	select {
	case a.eventChan <- event:
	default:
		// Channel is full, drop the event to prevent blocking
		a.logger.Warnw("audit event dropped, channel is full", "kind", kind, "device", device)
	}
}

// Broadcaster distributes audit events to multiple subscriber channels.
//
// A subscriber that is not ready misses the event. The subscriber channels
// are closed once source is closed and drained.
func Broadcaster(source <-chan models.AuditEvent, logger *zap.SugaredLogger, subs ...chan<- models.AuditEvent) {
	defer func() {
		for _, subChan := range subs {
			close(subChan)
		}
	}()
	for evt := range source {
		for i, subChan := range subs {
			select {
			case subChan <- evt:
			default:
				logger.Warnw("audit event dropped for blocked subscriber", "subscriber", i, "kind", evt.Kind)
			}
		}
	}
}

// FileSubscriber appends audit events to path as JSON lines.
func FileSubscriber(events <-chan models.AuditEvent, path string, logger *zap.SugaredLogger) {
	for evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			logger.Errorw("failed to encode audit event", "error", err)
			continue
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logger.Errorw("failed to open audit file", "path", path, "error", err)
			continue
		}
		if _, err = f.Write(append(data, '\n')); err != nil {
			logger.Errorw("failed to write audit file", "path", path, "error", err)
		}
		f.Close()
	}
}

// URLSubscriber posts audit events to an HTTP endpoint, retrying network
// errors and server errors.
func URLSubscriber(events <-chan models.AuditEvent, client *http.Client, url string, delays []time.Duration, logger *zap.SugaredLogger) {
	for evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			logger.Errorw("failed to encode audit event", "error", err)
			continue
		}
		err = retry.Do(context.Background(), delays, isRetryablePost, func(ctx context.Context) error {
			return post(ctx, client, url, data)
		})
		if err != nil {
			logger.Errorw("failed to deliver audit event", "url", url, "error", err)
		}
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func post(ctx context.Context, client *http.Client, url string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

func isRetryablePost(err error) bool {
	if se, ok := err.(*statusError); ok {
		return se.code >= 500
	}
	return true
}

// RepositorySubscriber stores the report of every run_finished event.
func RepositorySubscriber(events <-chan models.AuditEvent, repo repository.Repository, logger *zap.SugaredLogger) {
	for evt := range events {
		if evt.Kind != models.EventRunFinished || evt.Report == nil {
			continue
		}
		id, err := repo.SaveReport(context.Background(), *evt.Report)
		if err != nil {
			logger.Errorw("failed to store run report", "device", evt.Device, "error", err)
			continue
		}
		logger.Debugw("run report stored", "device", evt.Device, "id", id)
	}
}

// Sink consumes events from a subscriber channel until it is closed.
type Sink func(events <-chan models.AuditEvent)

// Pipeline wires an AuditLogger to a broadcaster and its sinks.
type Pipeline struct {
	logger AuditLogger
	source chan models.AuditEvent
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPipeline starts a broadcaster feeding every sink in its own goroutine.
func NewPipeline(logger *zap.SugaredLogger, buffer int, sinks ...Sink) *Pipeline {
	p := &Pipeline{source: make(chan models.AuditEvent, buffer)}
	p.logger = NewAuditLogger(p.source, logger)

	subs := make([]chan<- models.AuditEvent, 0, len(sinks))
	for _, sink := range sinks {
		ch := make(chan models.AuditEvent, buffer)
		subs = append(subs, ch)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			sink(ch)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		Broadcaster(p.source, logger, subs...)
	}()
	return p
}

// Log implements AuditLogger. Events logged after Close are ignored.
func (p *Pipeline) Log(kind, device string, report *models.RunReport) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	p.logger.Log(kind, device, report)
}

// Close stops accepting events and waits for the sinks to drain.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.source)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
