// Package nats publishes lift messages directly on a NATS subject, framed
// with the lift envelope, and waits for the broker's ack on an inbox.
package nats

import (
	"os"
	"sync"

	natsgo "github.com/nats-io/nats.go"
)

// EnvURL names the variable ConnectDefault reads the server URL from.
const EnvURL = "NATS_URL"

type closeFunc = func()

// Connector opens a NATS connection and returns the function releasing it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ReuseConnection shares one connection between all callers of the
// returned Connector. The connection is closed once every lease has been
// released, and reopened on the next call.
func ReuseConnection(connect Connector) Connector {
	var (
		mu       sync.Mutex
		nc       *natsgo.Conn
		closeCon closeFunc
		leases   int
	)
	release := func() {
		mu.Lock()
		defer mu.Unlock()
		leases--
		if leases == 0 && nc != nil {
			closeCon()
			nc = nil
		}
	}
	return func() (*natsgo.Conn, closeFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if nc == nil {
			c, cl, err := connect()
			if err != nil {
				return nil, nil, err
			}
			nc, closeCon = c, cl
		}
		leases++
		var once sync.Once
		return nc, func() { once.Do(release) }, nil
	}
}

// ConnectURL connects to natsURL. opts are applied after the defaults.
func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(
			natsURL,
			append([]natsgo.Option{
				natsgo.Name("lift-go"),
				natsgo.MaxReconnects(3),
			}, opts...)...,
		)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault connects to $NATS_URL, or to the NATS default URL.
func ConnectDefault(opts ...natsgo.Option) Connector {
	if natsURL := os.Getenv(EnvURL); natsURL != "" {
		return ConnectURL(natsURL, opts...)
	}
	return ConnectURL(natsgo.DefaultURL, opts...)
}
