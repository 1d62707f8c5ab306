package handler

import (
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabian4/vhost-gateway-go/internal/lb"
)

// TCPProxy handles L4 passthrough entrypoints.
type TCPProxy struct {
	Balancer lb.Balancer
	Logger   zerolog.Logger
}

func NewTCPProxy(balancer lb.Balancer, logger zerolog.Logger) *TCPProxy {
	return &TCPProxy{Balancer: balancer, Logger: logger}
}

func (p *TCPProxy) Handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	ep := p.Balancer.Next()
	if ep == nil {
		p.Logger.Warn().Msg("tcp proxy: no healthy upstream")
		return
	}

	u := ep.URL()
	upstream, err := net.DialTimeout("tcp", u.Host, 5*time.Second)
	if err != nil {
		p.Logger.Error().Err(err).Str("upstream", u.Host).Msg("tcp proxy: dial upstream")
		ep.Feedback(false)
		return
	}
	defer func() { _ = upstream.Close() }()

	ep.Feedback(true)

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(upstream, conn)
		if c, ok := upstream.(*net.TCPConn); ok {
			_ = c.CloseWrite()
		}
		close(done)
	}()

	_, _ = io.Copy(conn, upstream)
	if c, ok := conn.(*net.TCPConn); ok {
		_ = c.CloseWrite()
	}
	<-done
}
