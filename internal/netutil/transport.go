package netutil

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// NewTransport returns an HTTP transport using the system resolver. TLS
// verification is off: Termux on Android ships no usable CA bundle and the
// peers are head units and daemons on the local network.
func NewTransport(logger *logrus.Logger) *http.Transport {
	return &http.Transport{
		DialContext: dialContext(logger),
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		},
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
	}
}

// NewHTTPClient is shared by the Di-Plus poller and the CLI talking to a
// running daemon.
func NewHTTPClient(timeout time.Duration, logger *logrus.Logger) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(logger),
	}
}

func dialContext(logger *logrus.Logger) func(ctx context.Context, network, addr string) (net.Conn, error) {
	var dialer net.Dialer
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"host":  host,
			"local": IsLocalHost(host),
		}).Debug("Dialing")
		return dialer.DialContext(ctx, network, addr)
	}
}

// IsLocalHost reports whether host is loopback, link-local, in a private
// range or carries a .local/.lan name.
func IsLocalHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return strings.HasSuffix(host, ".local") ||
			strings.HasSuffix(host, ".localhost") ||
			strings.HasSuffix(host, ".lan")
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
