// Package cloud is device session with cloud broker and event outbox.
package cloud

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

const (
	DefaultPort    = 1883
	DefaultPortTLS = 8883
	Username       = "device"
)

// Session facade polled from driver loop, nothing here blocks.
type Session interface {
	// Connect starts connecting in background, previous session is dropped.
	Connect(host, token string, timeout time.Duration)
	Run()
	Connected() bool
	IsTokenInvalid() bool
	Disconnect()
}

// Publisher is used by outbox worker, may block up to ctx deadline.
type Publisher interface {
	Publish(topic string, payload []byte, timeout time.Duration) error
}

type Options struct {
	ClientID       string
	TopicPrefix    string // "d/<uid>"
	TLS            bool
	TLSCAFile      string
	Port           int
	KeepaliveSec   int
	NetworkTimeout time.Duration
}

// BrokerURL host may already contain port.
func (o *Options) BrokerURL(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.NotValidf("cloud host empty")
	}
	scheme, port := "tcp", DefaultPort
	if o.TLS {
		scheme, port = "tls", DefaultPortTLS
	}
	if o.Port != 0 {
		port = o.Port
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return fmt.Sprintf("%s://%s", scheme, host), nil
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(port))), nil
}

func (o *Options) TLSConfig() (*tls.Config, error) {
	if !o.TLS {
		return nil, nil
	}
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.TLSCAFile != "" {
		pem, err := os.ReadFile(o.TLSCAFile)
		if err != nil {
			return nil, errors.Annotatef(err, "cloud tls_ca_file=%s", o.TLSCAFile)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.NotValidf("cloud tls_ca_file=%s no certificates", o.TLSCAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

func (o *Options) Topic(kind string) string {
	return strings.TrimSuffix(o.TopicPrefix, "/") + "/" + kind
}
