// internal/sink/mqtt_paho.go
package sink

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// TLSOptions secure the broker connection.
type TLSOptions struct {
	CAFile   string
	Insecure bool
}

// Config builds the tls.Config. An empty CAFile uses the system roots.
func (o *TLSOptions) Config() (*tls.Config, error) {
	tc := &tls.Config{InsecureSkipVerify: o.Insecure}
	if o.CAFile == "" {
		return tc, nil
	}
	pem, err := os.ReadFile(o.CAFile)
	if err != nil {
		return nil, fmt.Errorf("sink: mqtt ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("sink: mqtt ca %s: no certificates", o.CAFile)
	}
	tc.RootCAs = pool
	return tc, nil
}

// PahoDialer returns a Dialer backed by the paho client. paho's own
// reconnect is off; the sink's state machine owns reconnects.
func PahoDialer(cfg MQTTConfig) (Dialer, error) {
	var tc *tls.Config
	if cfg.TLS != nil {
		c, err := cfg.TLS.Config()
		if err != nil {
			return nil, err
		}
		tc = c
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "modpoll-" + uuid.NewString()
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(lost func(error)) Conn {
		opts := paho.NewClientOptions().
			AddBroker(cfg.Broker).
			SetClientID(clientID).
			SetUsername(cfg.Username).
			SetPassword(cfg.Password).
			SetCleanSession(true).
			SetAutoReconnect(false).
			SetConnectRetry(false).
			SetOrderMatters(false).
			SetConnectTimeout(timeout).
			SetWriteTimeout(timeout).
			SetPingTimeout(10 * time.Second)
		if tc != nil {
			opts.SetTLSConfig(tc)
		}
		opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
			lost(err)
		})
		return &pahoConn{c: paho.NewClient(opts), timeout: timeout}
	}, nil
}

type pahoConn struct {
	c       paho.Client
	timeout time.Duration
}

func (p *pahoConn) Connect() error {
	return p.wait("connect", p.c.Connect())
}

func (p *pahoConn) Publish(topic string, qos byte, retained bool, payload []byte) error {
	return p.wait("publish", p.c.Publish(topic, qos, retained, payload))
}

func (p *pahoConn) Subscribe(topic string, qos byte, h MessageHandler) error {
	return p.wait("subscribe", p.c.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		h(msg.Topic(), msg.Payload())
	}))
}

func (p *pahoConn) Disconnect() {
	p.c.Disconnect(250)
}

func (p *pahoConn) wait(op string, tok paho.Token) error {
	if !tok.WaitTimeout(p.timeout) {
		return fmt.Errorf("%s: no answer within %s", op, p.timeout)
	}
	return tok.Error()
}
