// Package errors defines the error taxonomy of the connector.
//
// Every fatal or recoverable condition surfaced by the core wraps one of the
// sentinel values below, so callers can branch with errors.Is and pull detail
// out with errors.As.
package errors

import (
	"errors"
	"fmt"
)

var (
	// Configuration errors
	ErrConfig = errors.New("invalid configuration")

	// Trace and config source errors
	ErrLoad = errors.New("load failed")

	// Connection errors
	ErrConnect        = errors.New("connect failed")
	ErrConnectRefused = errors.New("connection refused by broker")
	ErrConnectTimeout = errors.New("connect timed out")
	ErrTLSSetup       = errors.New("tls setup failed")
	ErrNotConnected   = errors.New("not connected")

	// Publish errors
	ErrPublish = errors.New("publish submission failed")

	// Disconnect errors
	ErrDisconnect = errors.New("disconnect failed")

	// Storage errors
	ErrDeviceNotFound     = errors.New("device not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// LoadError reports a trace or config source that is missing or unparseable.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func (e *LoadError) Is(target error) bool {
	return target == ErrLoad
}

// ConnectKind classifies a ConnectError.
type ConnectKind int

const (
	// ConnectFailed is a transport level failure (dns, tcp, tls handshake).
	ConnectFailed ConnectKind = iota
	// ConnectRefused means the broker answered with a non-zero CONNACK code.
	ConnectRefused
	// ConnectTimedOut means no CONNACK arrived inside the connection timeout.
	ConnectTimedOut
	// TLSSetupFailed means the trust store could not be read or parsed.
	TLSSetupFailed
)

func (k ConnectKind) String() string {
	switch k {
	case ConnectRefused:
		return "refused"
	case ConnectTimedOut:
		return "timed out"
	case TLSSetupFailed:
		return "tls setup failed"
	default:
		return "failed"
	}
}

// ConnectError is returned when a broker session cannot be established.
type ConnectError struct {
	Kind ConnectKind

	// ReasonCode is the CONNACK return code, only meaningful for ConnectRefused.
	ReasonCode byte

	Err error
}

func (e *ConnectError) Error() string {
	msg := "connect " + e.Kind.String()
	if e.Kind == ConnectRefused {
		msg = fmt.Sprintf("%s (reason code %d)", msg, e.ReasonCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) Is(target error) bool {
	switch target {
	case ErrConnect:
		return true
	case ErrConnectRefused:
		return e.Kind == ConnectRefused
	case ErrConnectTimeout:
		return e.Kind == ConnectTimedOut
	case ErrTLSSetup:
		return e.Kind == TLSSetupFailed
	}
	return false
}

// PublishError is returned when a message could not be submitted to the broker client.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

func (e *PublishError) Is(target error) bool {
	return target == ErrPublish
}
