// Package broker defines the message broker client port used by the
// connection manager and its default implementation on top of the Eclipse
// Paho MQTT client.
package broker

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/google/uuid"
)

// QoSAtLeastOnce is the delivery guarantee used for telemetry publishes.
const QoSAtLeastOnce byte = 1

// maxClientIDLen is the MQTT 3.1 limit that every broker accepts.
const maxClientIDLen = 23

// Token identifies one in-flight publish from submission to confirmation.
type Token uint64

// Handlers are invoked by the client on its own goroutines.
type Handlers struct {
	// ConnectionLost is called when an established session drops.
	ConnectionLost func(err error)

	// Reconnecting is called before each automatic reconnect attempt.
	Reconnecting func()

	// MessageArrived is called for inbound messages on any topic.
	MessageArrived func(topic string, payload []byte)

	// DeliveryComplete is called once the broker acknowledged a publish.
	DeliveryComplete func(token Token)

	// DeliveryFailed is called when a submitted publish later fails.
	DeliveryFailed func(token Token, err error)
}

// Options configure a broker session.
type Options struct {
	ServerURI      string
	ClientID       string
	Username       string
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	AutoReconnect  bool
}

// Client is a broker session.
type Client interface {
	// Connect blocks until the broker accepts or rejects the session.
	Connect(ctx context.Context) error

	// Publish submits payload and returns the token that will be passed to
	// Handlers.DeliveryComplete once the broker confirms delivery.
	Publish(topic string, qos byte, payload []byte) (Token, error)

	// Disconnect closes the session, waiting at most quiesce for in-flight work.
	Disconnect(quiesce time.Duration)

	// IsConnected reports whether the session is currently established.
	IsConnected() bool
}

// Factory builds a Client bound to the given options and handlers.
type Factory func(opts Options, handlers Handlers) Client

// ClientID returns a fresh client identity starting with prefix.
func ClientID(prefix string) string {
	id := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > maxClientIDLen {
		id = id[:maxClientIDLen]
	}
	return id
}
