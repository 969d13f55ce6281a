package wsbridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// Dialer establishes WebSocket transports with exponential backoff between
// attempts. The zero value is usable.
type Dialer struct {
	// Header is sent with the upgrade request, for auth tokens and the like.
	Header http.Header

	// MaxAttempts caps connection attempts. Zero means 5.
	MaxAttempts int

	// HandshakeTimeout bounds one upgrade attempt. Zero means 10s.
	HandshakeTimeout time.Duration
}

// Dial connects to a ws:// or wss:// URL, retrying transient failures until
// ctx is done or the attempt cap is hit.
func (d *Dialer) Dial(ctx context.Context, url string) (net.Conn, error) {
	attempts := d.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	hsTimeout := d.HandshakeTimeout
	if hsTimeout <= 0 {
		hsTimeout = 10 * time.Second
	}
	wsDialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: hsTimeout,
	}
	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    10 * time.Second,
		Jitter: true,
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		ws, resp, err := wsDialer.DialContext(ctx, url, d.Header)
		if err == nil {
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			logrus.WithFields(logrus.Fields{
				"url":     url,
				"attempt": i + 1,
			}).Debug("WebSocket transport established")
			return Wrap(ws), nil
		}
		lastErr = err
		logrus.WithFields(logrus.Fields{
			"url":     url,
			"attempt": i + 1,
		}).WithError(err).Warn("WebSocket dial failed")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return nil, fmt.Errorf("websocket dial %s: %w", url, lastErr)
}

// Dial connects with default settings.
func Dial(ctx context.Context, url string) (net.Conn, error) {
	return (&Dialer{}).Dial(ctx, url)
}
