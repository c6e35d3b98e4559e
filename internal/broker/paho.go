package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	internalerrors "github.com/Schera-ole/cloudconnector/internal/errors"
)

// connectGrace is added to the connect timeout before giving up on a
// CONNACK the paho client never reported.
const connectGrace = 5 * time.Second

type pahoClient struct {
	client   mqtt.Client
	handlers Handlers
	timeout  time.Duration

	lastToken atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPahoClient returns a Client backed by paho.mqtt.golang.
//
// It satisfies Factory.
func NewPahoClient(opts Options, handlers Handlers) Client {
	o := mqtt.NewClientOptions().
		AddBroker(opts.ServerURI).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetStore(mqtt.NewMemoryStore()).
		SetAutoReconnect(opts.AutoReconnect).
		SetConnectTimeout(opts.ConnectTimeout).
		SetKeepAlive(opts.KeepAlive).
		SetOrderMatters(false)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
	}
	if opts.TLSConfig != nil {
		o.SetTLSConfig(opts.TLSConfig)
	}
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if handlers.ConnectionLost != nil {
			handlers.ConnectionLost(err)
		}
	})
	o.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		if handlers.Reconnecting != nil {
			handlers.Reconnecting()
		}
	})
	o.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		if handlers.MessageArrived != nil {
			handlers.MessageArrived(msg.Topic(), msg.Payload())
		}
	})

	return newPahoClient(mqtt.NewClient(o), opts.ConnectTimeout, handlers)
}

func newPahoClient(client mqtt.Client, timeout time.Duration, handlers Handlers) *pahoClient {
	return &pahoClient{
		client:   client,
		handlers: handlers,
		timeout:  timeout,
		closed:   make(chan struct{}),
	}
}

func (p *pahoClient) Connect(ctx context.Context) error {
	tok := p.client.Connect()

	var expired <-chan time.Time
	if p.timeout > 0 {
		timer := time.NewTimer(p.timeout + connectGrace)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-tok.Done():
	case <-expired:
		return &internalerrors.ConnectError{Kind: internalerrors.ConnectTimedOut}
	case <-ctx.Done():
		return ctx.Err()
	}

	err := tok.Error()
	if err == nil {
		return nil
	}
	if ct, ok := tok.(*mqtt.ConnectToken); ok && ct.ReturnCode() != packets.Accepted {
		return &internalerrors.ConnectError{
			Kind:       internalerrors.ConnectRefused,
			ReasonCode: ct.ReturnCode(),
			Err:        err,
		}
	}
	return &internalerrors.ConnectError{Kind: internalerrors.ConnectFailed, Err: err}
}

func (p *pahoClient) Publish(topic string, qos byte, payload []byte) (Token, error) {
	tok := p.client.Publish(topic, qos, false, payload)

	// paho fails a publish synchronously when the client is not connected
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return 0, err
		}
	default:
	}

	id := Token(p.lastToken.Add(1))
	go p.track(id, tok)
	return id, nil
}

func (p *pahoClient) track(id Token, tok mqtt.Token) {
	select {
	case <-tok.Done():
	case <-p.closed:
		return
	}
	if err := tok.Error(); err != nil {
		if p.handlers.DeliveryFailed != nil {
			p.handlers.DeliveryFailed(id, err)
		}
		return
	}
	if p.handlers.DeliveryComplete != nil {
		p.handlers.DeliveryComplete(id)
	}
}

func (p *pahoClient) Disconnect(quiesce time.Duration) {
	p.client.Disconnect(uint(quiesce.Milliseconds()))
	p.closeOnce.Do(func() { close(p.closed) })
}

func (p *pahoClient) IsConnected() bool {
	return p.client.IsConnected()
}
