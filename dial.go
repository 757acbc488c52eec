package couchcore

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"
)

// dialFunc opens a raw, unauthenticated connection to a node.
type dialFunc func(ctx context.Context, addr string) (*Connection, error)

// newDialFunc picks the transport once, when the client is built.
func newDialFunc(dialer *net.Dialer, tlsConfig *tls.Config, connectTimeout time.Duration, logger *slog.Logger) dialFunc {
	if tlsConfig == nil {
		return func(ctx context.Context, addr string) (*Connection, error) {
			netConn, err := dialTCP(ctx, dialer, addr, connectTimeout)
			if err != nil {
				return nil, err
			}
			return NewConnection(addr, netConn, logger), nil
		}
	}

	return func(ctx context.Context, addr string) (*Connection, error) {
		netConn, err := dialTCP(ctx, dialer, addr, connectTimeout)
		if err != nil {
			return nil, err
		}

		cfg := tlsConfig.Clone()
		if cfg.ServerName == "" {
			if host, _, err := net.SplitHostPort(addr); err == nil {
				cfg.ServerName = host
			}
		}

		tlsConn := tls.Client(netConn, cfg)
		hsCtx := ctx
		if connectTimeout > 0 {
			var cancel context.CancelFunc
			hsCtx, cancel = context.WithTimeout(ctx, connectTimeout)
			defer cancel()
		}
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			_ = netConn.Close()
			return nil, &TransportError{Op: "tls", Addr: addr, Err: err}
		}
		return NewConnection(addr, tlsConn, logger), nil
	}
}

func dialTCP(ctx context.Context, dialer *net.Dialer, addr string, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: addr, Err: err}
	}
	return netConn, nil
}
