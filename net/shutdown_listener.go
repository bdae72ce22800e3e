package net

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aiolos/octopus/metrics"
)

type (
	// ShutdownListener counts the open connections of a listener, so
	// that a graceful shutdown can wait for them to be closed.
	ShutdownListener struct {
		net.Listener
		activeConns atomic.Int64
		metrics     metrics.Metrics
		gaugeKey    string
	}

	shutdownListenerConn struct {
		net.Conn
		listener *ShutdownListener
		once     sync.Once
	}
)

var _ net.Listener = &ShutdownListener{}

// NewShutdownListener wraps l. The number of active connections is
// reported as the gauge "listener.<name>.connections".
func NewShutdownListener(l net.Listener, name string, m metrics.Metrics) *ShutdownListener {
	if m == nil {
		m = metrics.Default
	}

	return &ShutdownListener{
		Listener: l,
		metrics:  m,
		gaugeKey: "listener." + name + ".connections",
	}
}

func (l *ShutdownListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	l.registerConn()

	return &shutdownListenerConn{Conn: c, listener: l}, nil
}

// ActiveConns returns the number of accepted connections not closed yet.
func (l *ShutdownListener) ActiveConns() int64 {
	return l.activeConns.Load()
}

// Shutdown blocks until all accepted connections are closed or the
// context is done.
func (l *ShutdownListener) Shutdown(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		n := l.activeConns.Load()
		log.Debugf("ShutdownListener Shutdown: %d active connections", n)
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *shutdownListenerConn) Close() error {
	err := c.Conn.Close()

	c.once.Do(c.listener.unregisterConn)

	return err
}

func (l *ShutdownListener) registerConn() {
	n := l.activeConns.Add(1)
	l.metrics.UpdateGauge(l.gaugeKey, float64(n))
}

func (l *ShutdownListener) unregisterConn() {
	n := l.activeConns.Add(-1)
	l.metrics.UpdateGauge(l.gaugeKey, float64(n))
}
