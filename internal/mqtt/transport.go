// Package mqtt implements the telemetry and command channel to a real Bambu
// Lab printer: TLS MQTT on port 8883, report/request topics per serial.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Username is the fixed LAN-mode account on every printer.
const Username = "bblp"

// DefaultPort is the printer's MQTT-over-TLS port.
const DefaultPort = 8883

// ErrNotConnected is returned when publishing without a live session.
var ErrNotConnected = errors.New("mqtt: not connected")

// Transport is the pub/sub connection handle for one printer. Publish and
// Subscribe may be called from any goroutine; handlers are invoked on the
// transport's own goroutine.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, handler func(payload []byte)) error
	Publish(topic string, payload []byte) error
	IsConnected() bool
	Disconnect()
}

// TransportConfig describes how to reach one printer's broker.
type TransportConfig struct {
	Host       string
	Port       int
	ClientID   string
	AccessCode string
	Keepalive  time.Duration
	Timeout    time.Duration
}

// TransportHandlers receives connectivity notifications.
type TransportHandlers struct {
	OnConnect        func()
	OnConnectionLost func(err error)
}

// TransportFactory builds a Transport; tests substitute fakes.
type TransportFactory func(cfg TransportConfig, h TransportHandlers) Transport

// PahoTransport is the Transport used against real printers.
type PahoTransport struct {
	client  pahomqtt.Client
	timeout time.Duration
}

// NewPahoTransport builds (but does not connect) a paho client.
//
// Printers present self-signed certificates without a usable hostname, so
// verification is disabled. The trust boundary is the LAN plus the access code.
func NewPahoTransport(cfg TransportConfig, h TransportHandlers) Transport {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Keepalive == 0 {
		cfg.Keepalive = 15 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetUsername(Username).
		SetPassword(cfg.AccessCode).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}). //nolint:gosec
		SetKeepAlive(cfg.Keepalive).
		SetPingTimeout(cfg.Keepalive / 2).
		SetConnectTimeout(cfg.Timeout).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			if h.OnConnect != nil {
				h.OnConnect()
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			if h.OnConnectionLost != nil {
				h.OnConnectionLost(err)
			}
		})

	return &PahoTransport{client: pahomqtt.NewClient(opts), timeout: cfg.Timeout}
}

func (p *PahoTransport) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (p *PahoTransport) Subscribe(topic string, handler func([]byte)) error {
	token := p.client.Subscribe(topic, 0, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Payload())
	})
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("mqtt subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

func (p *PahoTransport) Publish(topic string, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (p *PahoTransport) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

func (p *PahoTransport) Disconnect() {
	p.client.Disconnect(250)
}

// ReportTopic is where the printer publishes status.
func ReportTopic(serial string) string {
	return "device/" + serial + "/report"
}

// RequestTopic is where commands are published.
func RequestTopic(serial string) string {
	return "device/" + serial + "/request"
}
