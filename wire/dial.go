package wire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// maxAttemptsPerVersion bounds backoff retries against one version.
// Once they are used up Dial returns the last error; lower versions are
// tried only after a 4xx handshake response.
const maxAttemptsPerVersion = 4

// DialConfig controls connect timeout and backoff.
type DialConfig struct {
	ConnectTimeout   time.Duration // per-attempt TCP/handshake timeout
	InitialBackoff   time.Duration
	MaxRetryInterval time.Duration // backoff cap

	// Header, if non-nil, is attached to every upgrade request this
	// Dial call makes — the outgoing half of the service package's
	// Authenticator seam.
	Header http.Header
}

func (c DialConfig) withDefaults() DialConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxRetryInterval <= 0 {
		c.MaxRetryInterval = 30 * time.Second
	}
	return c
}

// ClientError means the peer responded with a 4xx HTTP status during
// the websocket handshake — per SPEC_FULL.md §4.6.1, Dial treats this
// as "this version is unsupported" and tries the next one down, rather
// than retrying or aborting.
type ClientError struct {
	Version    Version
	StatusCode int
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("wire: peer rejected %s (HTTP %d)", e.Version, e.StatusCode)
}

// Dial opens a framed connection to addr, trying each version in
// wire.DescendingVersions until one succeeds. A 4xx handshake response
// moves to the next version at once; any other error is retried on the
// same version with capped exponential backoff, up to
// maxAttemptsPerVersion attempts, after which Dial returns that error
// without trying lower versions.
func Dial(ctx context.Context, addr string, cfg DialConfig) (*Conn, error) {
	cfg = cfg.withDefaults()

	var lastErr error
	for _, v := range DescendingVersions {
		conn, err := dialWithBackoff(ctx, addr, v, cfg)
		if err == nil {
			return conn, nil
		}

		var clientErr *ClientError
		if errors.As(err, &clientErr) {
			logrus.WithFields(logrus.Fields{
				"function": "wire.Dial",
				"addr":     addr,
				"version":  v,
			}).Debug("version rejected by peer, trying next")
			lastErr = err
			continue
		}

		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}

	return nil, fmt.Errorf("wire: no version negotiated with %s: %w", addr, lastErr)
}

func dialWithBackoff(ctx context.Context, addr string, v Version, cfg DialConfig) (*Conn, error) {
	backoff := cfg.InitialBackoff

	for attempt := 1; ; attempt++ {
		conn, err := dialOnce(ctx, addr, v, cfg.ConnectTimeout, cfg.Header)
		if err == nil {
			return conn, nil
		}

		var clientErr *ClientError
		if errors.As(err, &clientErr) {
			return nil, err // don't retry a version the peer explicitly rejected
		}
		if attempt >= maxAttemptsPerVersion {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > cfg.MaxRetryInterval {
			backoff = cfg.MaxRetryInterval
		}
	}
}

func dialOnce(ctx context.Context, addr string, v Version, timeout time.Duration, header http.Header) (*Conn, error) {
	url := fmt.Sprintf("ws://%s%s", addr, v.Path())

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &ClientError{Version: v, StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("wire: dial %s: %w", url, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "wire.dialOnce",
		"addr":     addr,
		"version":  v,
	}).Info("connected")

	return newConn(ws, v), nil
}
