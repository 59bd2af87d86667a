package transport

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultPath is served when no path is given.
const DefaultPath = "/mcp"

// Prober checks whether a listener accepts connections at addr
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// ProberFunc adapts a function to the Prober interface
type ProberFunc func(ctx context.Context, addr string) error

// Probe calls f
func (f ProberFunc) Probe(ctx context.Context, addr string) error {
	return f(ctx, addr)
}

// DialProber probes with a raw TCP dial and closes the connection immediately
type DialProber struct{}

// Probe dials addr once
func (DialProber) Probe(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// RetryPolicy controls the readiness wait
type RetryPolicy struct {
	Timeout     time.Duration // overall deadline
	Interval    time.Duration // pause between failed probes
	DialTimeout time.Duration // per-probe deadline
}

// DefaultRetryPolicy returns the 2s / 50ms / 200ms policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:     2 * time.Second,
		Interval:    50 * time.Millisecond,
		DialTimeout: 200 * time.Millisecond,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.Interval <= 0 {
		p.Interval = d.Interval
	}
	if p.DialTimeout <= 0 {
		p.DialTimeout = d.DialTimeout
	}
	return p
}

// NormalizePath ensures a leading slash, defaulting to /mcp
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// ConnectHost maps wildcard bind addresses to loopback
func ConnectHost(host string) string {
	switch strings.TrimSpace(host) {
	case "", "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	}
	return strings.Trim(host, "[]")
}

// ConnectAddr returns the host:port a client should dial
func ConnectAddr(host string, port int) string {
	return net.JoinHostPort(ConnectHost(host), strconv.Itoa(port))
}

// ConnectURL returns the URL a client should use for a listener bound to host:port
func ConnectURL(host string, port int, path string) string {
	return "http://" + ConnectAddr(host, port) + NormalizePath(path)
}
